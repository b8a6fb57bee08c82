// Package store defines the persistence collaborator for shipments, scans,
// fraud detections and the audit trail.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/hed1ad/aidguard/pkg/shipment"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// DefaultAuditLimit caps audit queries without an explicit limit.
const DefaultAuditLimit = 100

// Table names recorded in the audit trail.
const (
	TableShipments       = "shipments"
	TableScanLogs        = "scan_logs"
	TableFraudDetections = "fraud_detections"
)

// FraudDetection is a persisted fraud verdict.
type FraudDetection struct {
	ID         uuid.UUID `json:"id"`
	ShipmentID int64     `json:"shipment_id"`
	Score      float64   `json:"score"`
	IsFraud    bool      `json:"is_fraud"`
	Reason     string    `json:"reason"`
	Mode       string    `json:"mode"`
	DetectedAt time.Time `json:"detected_at"`
}

// AuditEntry records one change to a table.
type AuditEntry struct {
	ID        uuid.UUID       `json:"id"`
	Actor     string          `json:"actor"`
	Action    string          `json:"action"`
	TableName string          `json:"table_name"`
	RecordID  string          `json:"record_id"`
	OldValues json.RawMessage `json:"old_values,omitempty"`
	NewValues json.RawMessage `json:"new_values,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// AuditFilter narrows an audit trail query. Zero fields match everything.
type AuditFilter struct {
	TableName string
	RecordID  string
	Limit     int
}

// EffectiveLimit returns Limit, or DefaultAuditLimit when unset.
func (f AuditFilter) EffectiveLimit() int {
	if f.Limit <= 0 {
		return DefaultAuditLimit
	}
	return f.Limit
}

// Store persists tracking data.
type Store interface {
	// CreateShipment inserts s and sets its ID.
	CreateShipment(ctx context.Context, s *shipment.Shipment) error
	// GetShipment returns ErrNotFound for an unknown id.
	GetShipment(ctx context.Context, id int64) (*shipment.Shipment, error)
	// ListShipments returns all shipments ordered by id.
	ListShipments(ctx context.Context) ([]shipment.Shipment, error)
	// UpdateShipment overwrites the stored shipment with s.ID.
	UpdateShipment(ctx context.Context, s *shipment.Shipment) error
	// DeleteShipment removes a shipment with its scans and detections.
	DeleteShipment(ctx context.Context, id int64) error
	CountShipments(ctx context.Context) (int, error)

	// AddScan inserts e and sets its ID.
	AddScan(ctx context.Context, e *shipment.ScanEvent) error
	// ListScans returns scans of a shipment ordered by scan time.
	ListScans(ctx context.Context, shipmentID int64) ([]shipment.ScanEvent, error)

	SaveFraudDetection(ctx context.Context, d FraudDetection) error
	// ListFraudDetections returns the newest detections first.
	ListFraudDetections(ctx context.Context, shipmentID int64, limit int) ([]FraudDetection, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	// ListAudit returns the newest entries first.
	ListAudit(ctx context.Context, f AuditFilter) ([]AuditEntry, error)

	Ping(ctx context.Context) error
	Close() error
}

// History loads a shipment with its scans.
func History(ctx context.Context, s Store, id int64) (shipment.History, error) {
	sh, err := s.GetShipment(ctx, id)
	if err != nil {
		return shipment.History{}, err
	}
	scans, err := s.ListScans(ctx, id)
	if err != nil {
		return shipment.History{}, err
	}
	return shipment.History{Shipment: *sh, Scans: scans}, nil
}

// Histories loads every shipment with its scans.
func Histories(ctx context.Context, s Store) ([]shipment.History, error) {
	shipments, err := s.ListShipments(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]shipment.History, len(shipments))
	for i, sh := range shipments {
		scans, err := s.ListScans(ctx, sh.ID)
		if err != nil {
			return nil, err
		}
		out[i] = shipment.History{Shipment: sh, Scans: scans}
	}
	return out, nil
}
