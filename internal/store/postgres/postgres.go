// Package postgres implements store.Store on PostgreSQL using pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hed1ad/aidguard/internal/store"
	"github.com/hed1ad/aidguard/pkg/shipment"
)

// Schema creates the tables used by Store. It is safe to run repeatedly.
const Schema = `
CREATE TABLE IF NOT EXISTS shipments (
    id BIGSERIAL PRIMARY KEY,
    aid_item_id BIGINT,
    origin_id BIGINT,
    destination_id BIGINT,
    status TEXT NOT NULL DEFAULT '',
    timestamp TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS scan_logs (
    id BIGSERIAL PRIMARY KEY,
    shipment_id BIGINT NOT NULL REFERENCES shipments(id) ON DELETE CASCADE,
    scanned_at TIMESTAMPTZ NOT NULL,
    latitude DOUBLE PRECISION,
    longitude DOUBLE PRECISION,
    status TEXT NOT NULL DEFAULT '',
    location TEXT NOT NULL DEFAULT '',
    scanned_by TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_scan_logs_shipment ON scan_logs(shipment_id, scanned_at);

CREATE TABLE IF NOT EXISTS fraud_detections (
    id UUID PRIMARY KEY,
    shipment_id BIGINT NOT NULL REFERENCES shipments(id) ON DELETE CASCADE,
    score DOUBLE PRECISION NOT NULL,
    is_fraud BOOLEAN NOT NULL DEFAULT FALSE,
    reason TEXT NOT NULL DEFAULT '',
    mode TEXT NOT NULL DEFAULT '',
    detected_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fraud_detections_shipment ON fraud_detections(shipment_id, detected_at DESC);

CREATE TABLE IF NOT EXISTS audit_trails (
    id UUID PRIMARY KEY,
    actor TEXT NOT NULL,
    action TEXT NOT NULL,
    table_name TEXT NOT NULL,
    record_id TEXT NOT NULL,
    old_values JSONB,
    new_values JSONB,
    timestamp TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_trails_record ON audit_trails(table_name, record_id, timestamp DESC);
`

// Store implements store.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a PostgreSQL-backed store on an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open connects to databaseURL and applies Schema.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return New(pool), nil
}

// CreateShipment inserts a shipment and sets its ID.
func (s *Store) CreateShipment(ctx context.Context, sh *shipment.Shipment) error {
	query := `
		INSERT INTO shipments (aid_item_id, origin_id, destination_id, status, timestamp)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`
	err := s.pool.QueryRow(ctx, query,
		sh.AidItemID, sh.OriginID, sh.DestinationID, sh.Status, sh.CreatedAt,
	).Scan(&sh.ID)
	if err != nil {
		return fmt.Errorf("failed to save shipment: %w", err)
	}
	return nil
}

// GetShipment retrieves a shipment by id.
func (s *Store) GetShipment(ctx context.Context, id int64) (*shipment.Shipment, error) {
	query := `
		SELECT id, aid_item_id, origin_id, destination_id, status, timestamp
		FROM shipments
		WHERE id = $1
	`
	sh, err := scanShipment(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan shipment: %w", err)
	}
	return sh, nil
}

// ListShipments retrieves all shipments ordered by id.
func (s *Store) ListShipments(ctx context.Context) ([]shipment.Shipment, error) {
	query := `
		SELECT id, aid_item_id, origin_id, destination_id, status, timestamp
		FROM shipments
		ORDER BY id
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query shipments: %w", err)
	}
	defer rows.Close()

	var shipments []shipment.Shipment
	for rows.Next() {
		sh, err := scanShipment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan shipment row: %w", err)
		}
		shipments = append(shipments, *sh)
	}
	return shipments, rows.Err()
}

// UpdateShipment overwrites the shipment with sh.ID.
func (s *Store) UpdateShipment(ctx context.Context, sh *shipment.Shipment) error {
	query := `
		UPDATE shipments
		SET aid_item_id = $1, origin_id = $2, destination_id = $3, status = $4, timestamp = $5
		WHERE id = $6
	`
	tag, err := s.pool.Exec(ctx, query,
		sh.AidItemID, sh.OriginID, sh.DestinationID, sh.Status, sh.CreatedAt, sh.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update shipment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// DeleteShipment removes a shipment. Scans and detections cascade.
func (s *Store) DeleteShipment(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM shipments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete shipment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// CountShipments returns the number of shipments.
func (s *Store) CountShipments(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM shipments`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count shipments: %w", err)
	}
	return n, nil
}

func scanShipment(row pgx.Row) (*shipment.Shipment, error) {
	var sh shipment.Shipment
	err := row.Scan(&sh.ID, &sh.AidItemID, &sh.OriginID, &sh.DestinationID, &sh.Status, &sh.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &sh, nil
}

// AddScan inserts a scan event and sets its ID.
func (s *Store) AddScan(ctx context.Context, e *shipment.ScanEvent) error {
	query := `
		INSERT INTO scan_logs (shipment_id, scanned_at, latitude, longitude, status, location, scanned_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`
	err := s.pool.QueryRow(ctx, query,
		e.ShipmentID, e.ScannedAt, e.Latitude, e.Longitude, e.Status, e.Location, e.ScannedBy,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("failed to save scan: %w", err)
	}
	return nil
}

// ListScans retrieves the scans of a shipment ordered by scan time.
func (s *Store) ListScans(ctx context.Context, shipmentID int64) ([]shipment.ScanEvent, error) {
	query := `
		SELECT id, shipment_id, scanned_at, latitude, longitude, status, location, scanned_by
		FROM scan_logs
		WHERE shipment_id = $1
		ORDER BY scanned_at, id
	`
	rows, err := s.pool.Query(ctx, query, shipmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query scans: %w", err)
	}
	defer rows.Close()

	var scans []shipment.ScanEvent
	for rows.Next() {
		var e shipment.ScanEvent
		err := rows.Scan(&e.ID, &e.ShipmentID, &e.ScannedAt, &e.Latitude, &e.Longitude,
			&e.Status, &e.Location, &e.ScannedBy)
		if err != nil {
			return nil, fmt.Errorf("failed to scan scan row: %w", err)
		}
		scans = append(scans, e)
	}
	return scans, rows.Err()
}

// SaveFraudDetection persists a fraud verdict.
func (s *Store) SaveFraudDetection(ctx context.Context, d store.FraudDetection) error {
	query := `
		INSERT INTO fraud_detections (id, shipment_id, score, is_fraud, reason, mode, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.pool.Exec(ctx, query,
		d.ID, d.ShipmentID, d.Score, d.IsFraud, d.Reason, d.Mode, d.DetectedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save fraud detection: %w", err)
	}
	return nil
}

// ListFraudDetections retrieves the newest detections for a shipment first.
func (s *Store) ListFraudDetections(ctx context.Context, shipmentID int64, limit int) ([]store.FraudDetection, error) {
	if limit <= 0 {
		limit = store.DefaultAuditLimit
	}

	query := `
		SELECT id, shipment_id, score, is_fraud, reason, mode, detected_at
		FROM fraud_detections
		WHERE shipment_id = $1
		ORDER BY detected_at DESC
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, shipmentID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query fraud detections: %w", err)
	}
	defer rows.Close()

	var detections []store.FraudDetection
	for rows.Next() {
		var d store.FraudDetection
		if err := rows.Scan(&d.ID, &d.ShipmentID, &d.Score, &d.IsFraud, &d.Reason, &d.Mode, &d.DetectedAt); err != nil {
			return nil, fmt.Errorf("failed to scan fraud detection row: %w", err)
		}
		detections = append(detections, d)
	}
	return detections, rows.Err()
}

// AppendAudit persists an audit entry.
func (s *Store) AppendAudit(ctx context.Context, e store.AuditEntry) error {
	query := `
		INSERT INTO audit_trails (id, actor, action, table_name, record_id, old_values, new_values, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.pool.Exec(ctx, query,
		e.ID, e.Actor, e.Action, e.TableName, e.RecordID,
		jsonArg(e.OldValues), jsonArg(e.NewValues), e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to save audit entry: %w", err)
	}
	return nil
}

// ListAudit retrieves matching audit entries, newest first.
func (s *Store) ListAudit(ctx context.Context, f store.AuditFilter) ([]store.AuditEntry, error) {
	query := `
		SELECT id, actor, action, table_name, record_id, old_values, new_values, timestamp
		FROM audit_trails
		WHERE ($1 = '' OR table_name = $1) AND ($2 = '' OR record_id = $2)
		ORDER BY timestamp DESC
		LIMIT $3
	`
	rows, err := s.pool.Query(ctx, query, f.TableName, f.RecordID, f.EffectiveLimit())
	if err != nil {
		return nil, fmt.Errorf("failed to query audit trail: %w", err)
	}
	defer rows.Close()

	var entries []store.AuditEntry
	for rows.Next() {
		var (
			e                    store.AuditEntry
			oldValues, newValues []byte
		)
		err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.TableName, &e.RecordID,
			&oldValues, &newValues, &e.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit row: %w", err)
		}
		e.OldValues = json.RawMessage(oldValues)
		e.NewValues = json.RawMessage(newValues)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Ping checks the pool.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// jsonArg maps an empty document to SQL NULL.
func jsonArg(v json.RawMessage) any {
	if len(v) == 0 {
		return nil
	}
	return string(v)
}

var _ store.Store = (*Store)(nil)
