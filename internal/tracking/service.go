// Package tracking records shipments and scans and runs fraud detection
// after every scan.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/hed1ad/aidguard/internal/audit"
	"github.com/hed1ad/aidguard/internal/events"
	"github.com/hed1ad/aidguard/internal/store"
	"github.com/hed1ad/aidguard/pkg/fraud"
	"github.com/hed1ad/aidguard/pkg/shipment"
)

// ErrInvalidInput marks a request that fails validation.
var ErrInvalidInput = errors.New("invalid input")

// DefaultListLimit caps shipment listings without an explicit limit.
const DefaultListLimit = 100

// Service coordinates the store, the fraud engine, the audit trail and the
// event publisher.
type Service struct {
	store     store.Store
	engine    *fraud.Engine
	audit     *audit.Recorder
	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time
	modelPath string
}

// Option configures a Service.
type Option func(*Service)

// WithPublisher sets the verdict publisher. Default events.Nop.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) {
		s.publisher = p
	}
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// WithClock sets the clock used for default scan times and detection
// timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithModelPath makes Train write a model snapshot to path.
func WithModelPath(path string) Option {
	return func(s *Service) {
		s.modelPath = path
	}
}

// New creates a Service.
func New(st store.Store, engine *fraud.Engine, opts ...Option) *Service {
	s := &Service{
		store:     st,
		engine:    engine,
		publisher: events.Nop{},
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.audit = audit.NewRecorder(st, s.logger)
	return s
}

// ShipmentInput carries the writable shipment fields. Nil fields are left
// unset on create and unchanged on update.
type ShipmentInput struct {
	AidItemID     *int64     `json:"aid_item_id"`
	OriginID      *int64     `json:"origin_id"`
	DestinationID *int64     `json:"destination_id"`
	Status        *string    `json:"status"`
	Timestamp     *time.Time `json:"timestamp"`
}

// CreateShipment stores a new shipment. Status defaults to dispatched and
// the timestamp to now.
func (s *Service) CreateShipment(ctx context.Context, actor string, in ShipmentInput) (*shipment.Shipment, error) {
	if in.AidItemID == nil {
		return nil, fmt.Errorf("%w: aid_item_id is required", ErrInvalidInput)
	}

	sh := &shipment.Shipment{
		AidItemID:     in.AidItemID,
		OriginID:      in.OriginID,
		DestinationID: in.DestinationID,
		Status:        shipment.StatusDispatched,
		CreatedAt:     in.Timestamp,
	}
	if in.Status != nil {
		sh.Status = *in.Status
	}
	if sh.CreatedAt == nil {
		now := s.now().UTC()
		sh.CreatedAt = &now
	}

	if err := s.store.CreateShipment(ctx, sh); err != nil {
		return nil, fmt.Errorf("create shipment: %w", err)
	}
	s.audit.LogCreate(ctx, actor, store.TableShipments, recordID(sh.ID), sh)
	return sh, nil
}

// GetShipment returns a shipment or store.ErrNotFound.
func (s *Service) GetShipment(ctx context.Context, id int64) (*shipment.Shipment, error) {
	return s.store.GetShipment(ctx, id)
}

// ListShipments returns up to limit shipments after skipping skip.
func (s *Service) ListShipments(ctx context.Context, skip, limit int) ([]shipment.Shipment, error) {
	if skip < 0 || limit < 0 {
		return nil, fmt.Errorf("%w: skip and limit must not be negative", ErrInvalidInput)
	}
	if limit == 0 {
		limit = DefaultListLimit
	}

	all, err := s.store.ListShipments(ctx)
	if err != nil {
		return nil, fmt.Errorf("list shipments: %w", err)
	}
	if skip >= len(all) {
		return []shipment.Shipment{}, nil
	}
	return all[skip:min(skip+limit, len(all))], nil
}

// CountShipments returns the number of shipments.
func (s *Service) CountShipments(ctx context.Context) (int, error) {
	return s.store.CountShipments(ctx)
}

// UpdateShipment applies the non-nil fields of in.
func (s *Service) UpdateShipment(ctx context.Context, actor string, id int64, in ShipmentInput) (*shipment.Shipment, error) {
	sh, err := s.store.GetShipment(ctx, id)
	if err != nil {
		return nil, err
	}
	old := *sh

	if in.AidItemID != nil {
		sh.AidItemID = in.AidItemID
	}
	if in.OriginID != nil {
		sh.OriginID = in.OriginID
	}
	if in.DestinationID != nil {
		sh.DestinationID = in.DestinationID
	}
	if in.Status != nil {
		sh.Status = *in.Status
	}
	if in.Timestamp != nil {
		sh.CreatedAt = in.Timestamp
	}

	if err := s.store.UpdateShipment(ctx, sh); err != nil {
		return nil, fmt.Errorf("update shipment: %w", err)
	}
	s.audit.LogUpdate(ctx, actor, store.TableShipments, recordID(id), old, sh)
	return sh, nil
}

// DeleteShipment removes a shipment.
func (s *Service) DeleteShipment(ctx context.Context, actor string, id int64) error {
	sh, err := s.store.GetShipment(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteShipment(ctx, id); err != nil {
		return fmt.Errorf("delete shipment: %w", err)
	}
	s.audit.LogDelete(ctx, actor, store.TableShipments, recordID(id), sh)
	return nil
}

// ScanInput is a checkpoint scan submitted for a shipment.
type ScanInput struct {
	Location  string     `json:"location"`
	ScannedAt *time.Time `json:"scanned_at"`
	ScannedBy string     `json:"scanned_by"`
	Latitude  *float64   `json:"latitude"`
	Longitude *float64   `json:"longitude"`
	Status    string     `json:"status"`
}

// ScanResult is a stored scan and the detection it triggered. Detection
// is nil when fraud detection failed.
type ScanResult struct {
	Scan      shipment.ScanEvent    `json:"scan"`
	Detection *store.FraudDetection `json:"fraud_detection,omitempty"`
}

// RecordScan stores a scan and runs fraud detection on the shipment. The
// scan succeeds even when detection fails.
func (s *Service) RecordScan(ctx context.Context, actor string, shipmentID int64, in ScanInput) (*ScanResult, error) {
	if in.Location == "" {
		return nil, fmt.Errorf("%w: location is required", ErrInvalidInput)
	}
	if _, err := s.store.GetShipment(ctx, shipmentID); err != nil {
		return nil, err
	}

	scan := shipment.ScanEvent{
		ShipmentID: shipmentID,
		Latitude:   in.Latitude,
		Longitude:  in.Longitude,
		Status:     in.Status,
		Location:   in.Location,
		ScannedBy:  in.ScannedBy,
	}
	if in.ScannedAt != nil {
		scan.ScannedAt = in.ScannedAt.UTC()
	} else {
		scan.ScannedAt = s.now().UTC()
	}
	if scan.ScannedBy == "" {
		scan.ScannedBy = actor
	}

	if err := s.store.AddScan(ctx, &scan); err != nil {
		return nil, fmt.Errorf("record scan: %w", err)
	}
	s.audit.LogCreate(ctx, actor, store.TableScanLogs, recordID(scan.ID), scan)

	return &ScanResult{
		Scan:      scan,
		Detection: s.detect(ctx, actor, shipmentID),
	}, nil
}

// detect scores a shipment and records the verdict. Failures are logged
// and yield nil.
func (s *Service) detect(ctx context.Context, actor string, shipmentID int64) *store.FraudDetection {
	logger := s.logger.With(slog.Int64("shipment_id", shipmentID))

	h, err := store.History(ctx, s.store, shipmentID)
	if err != nil {
		logger.ErrorContext(ctx, "fraud detection failed to load history", slog.Any("error", err))
		return nil
	}

	v, err := s.engine.ScoreHistory(h)
	if err != nil {
		logger.ErrorContext(ctx, "fraud detection failed to score", slog.Any("error", err))
		return nil
	}

	d := store.FraudDetection{
		ID:         uuid.New(),
		ShipmentID: shipmentID,
		Score:      v.Score,
		IsFraud:    v.IsFraud,
		Reason:     v.Reason,
		Mode:       string(v.Mode),
		DetectedAt: s.now().UTC(),
	}
	if err := s.store.SaveFraudDetection(ctx, d); err != nil {
		logger.ErrorContext(ctx, "fraud detection failed to save verdict", slog.Any("error", err))
		return nil
	}
	s.audit.LogCreate(ctx, actor, store.TableFraudDetections, d.ID.String(), d)

	if d.IsFraud {
		logger.WarnContext(ctx, "shipment flagged as potential fraud",
			slog.Float64("score", d.Score),
			slog.String("reason", d.Reason),
			slog.String("mode", d.Mode),
		)
		err := s.publisher.Publish(ctx, events.VerdictEvent{
			EventID:    d.ID,
			ShipmentID: d.ShipmentID,
			Score:      d.Score,
			IsFraud:    d.IsFraud,
			Reason:     d.Reason,
			Mode:       d.Mode,
			DetectedAt: d.DetectedAt,
		})
		if err != nil {
			logger.ErrorContext(ctx, "failed to publish fraud verdict", slog.Any("error", err))
		}
	}
	return &d
}

// Analysis is an on-demand verdict that is not persisted.
type Analysis struct {
	ShipmentID int64      `json:"shipment_id"`
	FraudScore float64    `json:"fraud_score"`
	IsFraud    bool       `json:"is_fraud"`
	Reason     string     `json:"reason"`
	Mode       fraud.Mode `json:"mode"`
	Timestamp  time.Time  `json:"timestamp"`
}

// Analyze scores a shipment without recording the result.
func (s *Service) Analyze(ctx context.Context, shipmentID int64) (*Analysis, error) {
	h, err := store.History(ctx, s.store, shipmentID)
	if err != nil {
		return nil, err
	}

	v, err := s.engine.ScoreHistory(h)
	if err != nil {
		return nil, fmt.Errorf("score shipment %d: %w", shipmentID, err)
	}

	return &Analysis{
		ShipmentID: shipmentID,
		FraudScore: v.Score,
		IsFraud:    v.IsFraud,
		Reason:     v.Reason,
		Mode:       v.Mode,
		Timestamp:  s.now().UTC(),
	}, nil
}

// Detections returns stored verdicts for a shipment, newest first.
func (s *Service) Detections(ctx context.Context, shipmentID int64, limit int) ([]store.FraudDetection, error) {
	if _, err := s.store.GetShipment(ctx, shipmentID); err != nil {
		return nil, err
	}
	return s.store.ListFraudDetections(ctx, shipmentID, limit)
}

// AuditTrail returns the audit entries of a shipment record, newest first.
func (s *Service) AuditTrail(ctx context.Context, shipmentID int64) ([]store.AuditEntry, error) {
	return s.audit.Trail(ctx, store.AuditFilter{
		TableName: store.TableShipments,
		RecordID:  recordID(shipmentID),
	})
}

// TrainResult reports a training run.
type TrainResult struct {
	Trained bool         `json:"trained"`
	Samples int          `json:"samples"`
	Model   fraud.Status `json:"model"`
}

// Train fits the engine on every stored shipment. With a model path
// configured, a fitted model is also written to disk; a failed write is
// logged and does not undo the fit.
func (s *Service) Train(ctx context.Context) (*TrainResult, error) {
	histories, err := store.Histories(ctx, s.store)
	if err != nil {
		return nil, fmt.Errorf("load training data: %w", err)
	}

	trained, err := s.engine.Train(histories)
	if err != nil {
		return nil, fmt.Errorf("train model: %w", err)
	}

	if trained && s.modelPath != "" {
		if err := SaveModel(s.engine, s.modelPath); err != nil {
			s.logger.ErrorContext(ctx, "failed to write model snapshot",
				slog.String("path", s.modelPath),
				slog.Any("error", err),
			)
		}
	}

	return &TrainResult{
		Trained: trained,
		Samples: len(histories),
		Model:   s.engine.Status(),
	}, nil
}

// ModelStatus returns the engine state.
func (s *Service) ModelStatus() fraud.Status {
	return s.engine.Status()
}

// Ping checks the store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// SaveModel writes a snapshot of engine to path, replacing any previous
// file atomically.
func SaveModel(engine *fraud.Engine, path string) error {
	data, err := engine.Snapshot()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create model directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".model-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// LoadModel restores engine from a snapshot at path. A missing file is
// not an error and reports false.
func LoadModel(engine *fraud.Engine, path string) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read model snapshot: %w", err)
	}
	if err := engine.Restore(data); err != nil {
		return false, err
	}
	return true, nil
}

func recordID(id int64) string {
	return strconv.FormatInt(id, 10)
}
