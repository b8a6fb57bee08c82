// Package httpapi serves the tracking service over HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/mdobak/go-xerrors"

	"github.com/hed1ad/aidguard/internal/store"
	"github.com/hed1ad/aidguard/internal/tracking"
)

// ActorHeader names the caller recorded in the audit trail.
const ActorHeader = "X-Actor"

const defaultActor = "anonymous"

// maxBodyBytes limits request bodies.
const maxBodyBytes = 1 << 20

// Handler routes HTTP requests to a tracking.Service.
type Handler struct {
	service   *tracking.Service
	metrics   http.Handler
	logger    *slog.Logger
	startTime time.Time
}

// New creates a Handler. metrics may be nil to leave /metrics unrouted.
func New(service *tracking.Service, metrics http.Handler, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		service:   service,
		metrics:   metrics,
		logger:    logger,
		startTime: time.Now(),
	}
}

// Routes returns the router with request logging applied.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return h.logRequests(mux)
}

// RegisterRoutes registers every endpoint on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /shipments", h.createShipment)
	mux.HandleFunc("GET /shipments", h.listShipments)
	mux.HandleFunc("GET /shipments/{id}", h.getShipment)
	mux.HandleFunc("PUT /shipments/{id}", h.updateShipment)
	mux.HandleFunc("DELETE /shipments/{id}", h.deleteShipment)
	mux.HandleFunc("POST /shipments/{id}/scan", h.recordScan)
	mux.HandleFunc("GET /shipments/{id}/fraud-analysis", h.fraudAnalysis)
	mux.HandleFunc("GET /shipments/{id}/fraud-detections", h.fraudDetections)
	mux.HandleFunc("GET /shipments/{id}/audit-trail", h.auditTrail)
	mux.HandleFunc("GET /total-shipments", h.totalShipments)

	mux.HandleFunc("POST /fraud/train", h.train)
	mux.HandleFunc("GET /fraud/model", h.model)

	mux.HandleFunc("GET /healthz", h.healthz)
	mux.HandleFunc("GET /readyz", h.readyz)
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics)
	}
}

func (h *Handler) createShipment(w http.ResponseWriter, r *http.Request) {
	var in tracking.ShipmentInput
	if !h.decode(w, r, &in) {
		return
	}

	sh, err := h.service.CreateShipment(r.Context(), actor(r), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sh)
}

func (h *Handler) listShipments(w http.ResponseWriter, r *http.Request) {
	skip, err := queryInt(r, "skip")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	shipments, err := h.service.ListShipments(r.Context(), skip, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, shipments)
}

func (h *Handler) getShipment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.shipmentID(w, r)
	if !ok {
		return
	}

	sh, err := h.service.GetShipment(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sh)
}

func (h *Handler) updateShipment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.shipmentID(w, r)
	if !ok {
		return
	}
	var in tracking.ShipmentInput
	if !h.decode(w, r, &in) {
		return
	}

	sh, err := h.service.UpdateShipment(r.Context(), actor(r), id, in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sh)
}

func (h *Handler) deleteShipment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.shipmentID(w, r)
	if !ok {
		return
	}

	if err := h.service.DeleteShipment(r.Context(), actor(r), id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) recordScan(w http.ResponseWriter, r *http.Request) {
	id, ok := h.shipmentID(w, r)
	if !ok {
		return
	}
	var in tracking.ScanInput
	if !h.decode(w, r, &in) {
		return
	}

	res, err := h.service.RecordScan(r.Context(), actor(r), id, in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) fraudAnalysis(w http.ResponseWriter, r *http.Request) {
	id, ok := h.shipmentID(w, r)
	if !ok {
		return
	}

	a, err := h.service.Analyze(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) fraudDetections(w http.ResponseWriter, r *http.Request) {
	id, ok := h.shipmentID(w, r)
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	detections, err := h.service.Detections(r.Context(), id, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if detections == nil {
		detections = []store.FraudDetection{}
	}
	writeJSON(w, http.StatusOK, detections)
}

func (h *Handler) auditTrail(w http.ResponseWriter, r *http.Request) {
	id, ok := h.shipmentID(w, r)
	if !ok {
		return
	}

	entries, err := h.service.AuditTrail(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []store.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) totalShipments(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.CountShipments(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"total_shipments": n})
}

func (h *Handler) train(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.Train(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) model(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.ModelStatus())
}

// HealthResponse is the JSON response for liveness checks.
type HealthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

// ReadinessResponse is the JSON response for readiness checks.
type ReadinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status: "healthy",
		Uptime: time.Since(h.startTime).String(),
	})
}

func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	resp := ReadinessResponse{
		Status: "ready",
		Checks: map[string]string{
			"database": "ok",
			"model":    string(h.service.ModelStatus().Mode),
		},
	}
	status := http.StatusOK
	if err := h.service.Ping(r.Context()); err != nil {
		resp.Status = "unavailable"
		resp.Checks["database"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func actor(r *http.Request) string {
	if a := r.Header.Get(ActorHeader); a != "" {
		return a
	}
	return defaultActor
}

func (h *Handler) shipmentID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid shipment id")
		return 0, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.logger.DebugContext(r.Context(), "invalid request body", slog.Any("error", err))
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func queryInt(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", tracking.ErrInvalidInput, name)
	}
	return n, nil
}

// fail maps service errors to status codes. Unexpected errors are logged
// with a stack trace and reported without detail.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "shipment not found")
	case errors.Is(err, tracking.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		err := xerrors.New(err)
		h.logger.ErrorContext(r.Context(), "request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.logger.InfoContext(r.Context(), "http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(started)),
		)
	})
}
