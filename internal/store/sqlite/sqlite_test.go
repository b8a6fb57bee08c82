package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/aidguard/internal/store"
	"github.com/hed1ad/aidguard/pkg/shipment"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "aidguard.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func ptr[T any](v T) *T { return &v }

func TestOpenCreatesSchemaTwice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aidguard.db")

	first, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := Open(path)
	require.NoError(t, err)
	defer second.Close()
	assert.NoError(t, second.Ping(context.Background()))
}

func TestShipmentRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	sh := &shipment.Shipment{
		AidItemID: ptr(int64(7)),
		OriginID:  ptr(int64(1)),
		Status:    shipment.StatusDispatched,
		CreatedAt: &created,
	}
	require.NoError(t, s.CreateShipment(ctx, sh))
	assert.NotZero(t, sh.ID)

	got, err := s.GetShipment(ctx, sh.ID)
	require.NoError(t, err)
	assert.Equal(t, sh.ID, got.ID)
	assert.Equal(t, int64(7), *got.AidItemID)
	assert.Equal(t, int64(1), *got.OriginID)
	assert.Nil(t, got.DestinationID)
	assert.Equal(t, shipment.StatusDispatched, got.Status)
	require.NotNil(t, got.CreatedAt)
	assert.True(t, created.Equal(*got.CreatedAt))

	bare := &shipment.Shipment{}
	require.NoError(t, s.CreateShipment(ctx, bare))
	got, err = s.GetShipment(ctx, bare.ID)
	require.NoError(t, err)
	assert.Nil(t, got.CreatedAt)

	all, err := s.ListShipments(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, sh.ID, all[0].ID)
}

func TestGetShipmentNotFound(t *testing.T) {
	_, err := openTestStore(t).GetShipment(context.Background(), 404)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestScansOrderedByTime(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	sh := &shipment.Shipment{Status: shipment.StatusInTransit}
	require.NoError(t, s.CreateShipment(ctx, sh))

	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for _, offset := range []time.Duration{3 * time.Hour, time.Hour, 2 * time.Hour} {
		e := &shipment.ScanEvent{
			ShipmentID: sh.ID,
			ScannedAt:  base.Add(offset),
			Latitude:   ptr(1.5),
			Status:     shipment.StatusInTransit,
			ScannedBy:  "tester",
		}
		require.NoError(t, s.AddScan(ctx, e))
		assert.NotZero(t, e.ID)
	}

	scans, err := s.ListScans(ctx, sh.ID)
	require.NoError(t, err)
	require.Len(t, scans, 3)
	for i, want := range []time.Duration{time.Hour, 2 * time.Hour, 3 * time.Hour} {
		assert.True(t, base.Add(want).Equal(scans[i].ScannedAt), "scan %d", i)
	}
	assert.Equal(t, 1.5, *scans[0].Latitude)
	assert.Nil(t, scans[0].Longitude)

	h, err := store.History(ctx, s, sh.ID)
	require.NoError(t, err)
	assert.Len(t, h.Scans, 3)

	none, err := s.ListScans(ctx, 999)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestScanRequiresShipment(t *testing.T) {
	err := openTestStore(t).AddScan(context.Background(), &shipment.ScanEvent{
		ShipmentID: 42,
		ScannedAt:  time.Now(),
	})
	assert.Error(t, err)
}

func TestFraudDetectionsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	sh := &shipment.Shipment{}
	require.NoError(t, s.CreateShipment(ctx, sh))

	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.SaveFraudDetection(ctx, store.FraudDetection{
			ID:         uuid.New(),
			ShipmentID: sh.ID,
			Score:      float64(i) / 10,
			IsFraud:    i == 2,
			Reason:     "no_anomalies",
			Mode:       "heuristic",
			DetectedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	got, err := s.ListFraudDetections(ctx, sh.ID, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 0.2, got[0].Score)
	assert.True(t, got[0].IsFraud)
	assert.Equal(t, 0.1, got[1].Score)
	assert.NotEqual(t, uuid.Nil, got[0].ID)
}

func TestAuditFilterAndOrder(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	entries := []store.AuditEntry{
		{Action: "create", TableName: store.TableShipments, RecordID: "1"},
		{Action: "update", TableName: store.TableShipments, RecordID: "1", OldValues: json.RawMessage(`{"status":"dispatched"}`)},
		{Action: "create", TableName: store.TableScanLogs, RecordID: "1"},
		{Action: "create", TableName: store.TableShipments, RecordID: "2"},
	}
	for i, e := range entries {
		e.ID = uuid.New()
		e.Actor = "tester"
		e.NewValues = json.RawMessage(`{"id":1}`)
		e.Timestamp = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.AppendAudit(ctx, e))
	}

	got, err := s.ListAudit(ctx, store.AuditFilter{TableName: store.TableShipments, RecordID: "1"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "update", got[0].Action)
	assert.JSONEq(t, `{"status":"dispatched"}`, string(got[0].OldValues))
	assert.Equal(t, "create", got[1].Action)
	assert.Nil(t, got[1].OldValues)

	all, err := s.ListAudit(ctx, store.AuditFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 4)

	limited, err := s.ListAudit(ctx, store.AuditFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "2", limited[0].RecordID)
}

func TestWithParam(t *testing.T) {
	assert.Equal(t, "a.db?_busy_timeout=5000", withParam("a.db", "_busy_timeout", "5000"))
	assert.Equal(t, "a.db?mode=rwc&_busy_timeout=5000", withParam("a.db?mode=rwc", "_busy_timeout", "5000"))
	assert.Equal(t, "a.db?_busy_timeout=10", withParam("a.db?_busy_timeout=10", "_busy_timeout", "5000"))
}

func TestUpdateDeleteCount(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	sh := &shipment.Shipment{Status: shipment.StatusDispatched}
	require.NoError(t, s.CreateShipment(ctx, sh))
	require.NoError(t, s.AddScan(ctx, &shipment.ScanEvent{ShipmentID: sh.ID, ScannedAt: time.Now()}))

	sh.Status = shipment.StatusDelayed
	sh.DestinationID = ptr(int64(3))
	require.NoError(t, s.UpdateShipment(ctx, sh))

	got, err := s.GetShipment(ctx, sh.ID)
	require.NoError(t, err)
	assert.Equal(t, shipment.StatusDelayed, got.Status)
	assert.Equal(t, int64(3), *got.DestinationID)

	n, err := s.CountShipments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.DeleteShipment(ctx, sh.ID))
	_, err = s.GetShipment(ctx, sh.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	scans, err := s.ListScans(ctx, sh.ID)
	require.NoError(t, err)
	assert.Empty(t, scans)

	assert.ErrorIs(t, s.DeleteShipment(ctx, sh.ID), store.ErrNotFound)
	assert.ErrorIs(t, s.UpdateShipment(ctx, &shipment.Shipment{ID: 999}), store.ErrNotFound)
}
