package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/aidguard/internal/metrics"
	"github.com/hed1ad/aidguard/internal/store"
	"github.com/hed1ad/aidguard/internal/store/sqlite"
	"github.com/hed1ad/aidguard/internal/tracking"
	"github.com/hed1ad/aidguard/pkg/fraud"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return testNow }

type brokenStore struct {
	store.Store
}

func (brokenStore) Ping(context.Context) error { return errors.New("connection refused") }

func (brokenStore) CountShipments(context.Context) (int, error) {
	return 0, errors.New("connection refused")
}

func newTestServer(t *testing.T, wrap func(store.Store) store.Store) *httptest.Server {
	t.Helper()
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	var s store.Store = st
	if wrap != nil {
		s = wrap(st)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	engine := fraud.New(fraud.WithClock(clock), fraud.WithObserver(m), fraud.WithLogger(logger))
	svc := tracking.New(s, engine, tracking.WithClock(clock), tracking.WithLogger(logger))

	srv := httptest.NewServer(New(svc, m.Handler(), logger).Routes())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path, body string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, srv.URL+path, r)
	require.NoError(t, err)
	req.Header.Set(ActorHeader, "tester")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestShipmentLifecycle(t *testing.T) {
	srv := newTestServer(t, nil)

	resp := do(t, srv, http.MethodPost, "/shipments",
		`{"aid_item_id": 3, "status": "delayed", "timestamp": "2024-04-01T00:00:00Z"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created struct {
		ID     int64  `json:"id"`
		Status string `json:"status"`
	}
	decodeBody(t, resp, &created)
	assert.NotZero(t, created.ID)
	assert.Equal(t, "delayed", created.Status)

	path := "/shipments/" + jsonNumber(created.ID)

	resp = do(t, srv, http.MethodGet, path, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, srv, http.MethodPost, path+"/scan", `{"location": "border post"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var scan tracking.ScanResult
	decodeBody(t, resp, &scan)
	assert.Equal(t, "tester", scan.Scan.ScannedBy)
	require.NotNil(t, scan.Detection)
	assert.True(t, scan.Detection.IsFraud)

	resp = do(t, srv, http.MethodGet, path+"/fraud-analysis", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var analysis map[string]any
	decodeBody(t, resp, &analysis)
	assert.InDelta(t, 0.7, analysis["fraud_score"], 1e-9)
	assert.Equal(t, true, analysis["is_fraud"])
	assert.Equal(t, "heuristic", analysis["mode"])
	assert.Contains(t, analysis, "timestamp")

	resp = do(t, srv, http.MethodGet, path+"/fraud-detections", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var detections []store.FraudDetection
	decodeBody(t, resp, &detections)
	assert.Len(t, detections, 1)

	resp = do(t, srv, http.MethodPut, path, `{"status": "delivered"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, srv, http.MethodGet, path+"/audit-trail", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var trail []store.AuditEntry
	decodeBody(t, resp, &trail)
	require.Len(t, trail, 2)
	assert.Equal(t, "update", trail[0].Action)
	assert.Equal(t, "tester", trail[0].Actor)

	resp = do(t, srv, http.MethodGet, "/total-shipments", "")
	var total map[string]int
	decodeBody(t, resp, &total)
	assert.Equal(t, 1, total["total_shipments"])

	resp = do(t, srv, http.MethodDelete, path, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = do(t, srv, http.MethodGet, path, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestErrorMapping(t *testing.T) {
	srv := newTestServer(t, nil)

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
	}{
		{"unknown shipment", http.MethodGet, "/shipments/42", "", http.StatusNotFound},
		{"scan unknown shipment", http.MethodPost, "/shipments/42/scan", `{"location":"x"}`, http.StatusNotFound},
		{"analysis unknown shipment", http.MethodGet, "/shipments/42/fraud-analysis", "", http.StatusNotFound},
		{"detections unknown shipment", http.MethodGet, "/shipments/42/fraud-detections", "", http.StatusNotFound},
		{"non-numeric id", http.MethodGet, "/shipments/abc", "", http.StatusBadRequest},
		{"malformed body", http.MethodPost, "/shipments", `{"aid_item_id":`, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/shipments", `{"aid_item_id":1,"colour":"red"}`, http.StatusBadRequest},
		{"missing aid item", http.MethodPost, "/shipments", `{}`, http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/shipments?limit=ten", "", http.StatusBadRequest},
		{"wrong method", http.MethodPatch, "/shipments/1", "", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, srv, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
		})
	}
}

func TestTrainAndModel(t *testing.T) {
	srv := newTestServer(t, nil)

	resp := do(t, srv, http.MethodGet, "/fraud/model", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status fraud.Status
	decodeBody(t, resp, &status)
	assert.Equal(t, fraud.ModeHeuristic, status.Mode)
	assert.Len(t, status.Features, 5)

	for i := 0; i < 3; i++ {
		resp := do(t, srv, http.MethodPost, "/shipments", `{"aid_item_id": 1}`)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp = do(t, srv, http.MethodPost, "/fraud/train", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res tracking.TrainResult
	decodeBody(t, resp, &res)
	assert.True(t, res.Trained)
	assert.Equal(t, 3, res.Samples)
	assert.Equal(t, fraud.ModeModel, res.Model.Mode)
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t, nil)

	resp := do(t, srv, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, srv, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ready ReadinessResponse
	decodeBody(t, resp, &ready)
	assert.Equal(t, "ready", ready.Status)
	assert.Equal(t, "heuristic", ready.Checks["model"])

	do(t, srv, http.MethodPost, "/shipments", `{"aid_item_id": 1}`)
	do(t, srv, http.MethodGet, "/shipments/1/fraud-analysis", "")

	resp = do(t, srv, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "aidguard_fraud_scores_total")
}

func TestStoreUnavailable(t *testing.T) {
	srv := newTestServer(t, func(s store.Store) store.Store { return brokenStore{Store: s} })

	resp := do(t, srv, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp = do(t, srv, http.MethodGet, "/total-shipments", "")
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	var body errorResponse
	decodeBody(t, resp, &body)
	assert.Equal(t, "internal error", body.Error)
}

func TestDefaultActor(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Equal(t, "anonymous", actor(r))
	r.Header.Set(ActorHeader, "official-1")
	assert.Equal(t, "official-1", actor(r))
}

func TestRequestLogging(t *testing.T) {
	var buf bytes.Buffer
	h := New(nil, nil, slog.New(slog.NewTextHandler(&buf, nil)))

	rec := httptest.NewRecorder()
	h.logRequests(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/brew", nil))

	assert.Contains(t, buf.String(), "status=418")
	assert.Contains(t, buf.String(), "path=/brew")
}

func jsonNumber(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
