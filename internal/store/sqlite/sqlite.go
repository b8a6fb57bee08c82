// Package sqlite implements store.Store on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver registration

	"github.com/hed1ad/aidguard/internal/store"
	"github.com/hed1ad/aidguard/pkg/shipment"
)

const schema = `
CREATE TABLE IF NOT EXISTS shipments (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    aid_item_id INTEGER,
    origin_id INTEGER,
    destination_id INTEGER,
    status TEXT NOT NULL DEFAULT '',
    timestamp DATETIME
);

CREATE TABLE IF NOT EXISTS scan_logs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    shipment_id INTEGER NOT NULL REFERENCES shipments(id) ON DELETE CASCADE,
    scanned_at DATETIME NOT NULL,
    latitude REAL,
    longitude REAL,
    status TEXT NOT NULL DEFAULT '',
    location TEXT NOT NULL DEFAULT '',
    scanned_by TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_scan_logs_shipment ON scan_logs(shipment_id, scanned_at);

CREATE TABLE IF NOT EXISTS fraud_detections (
    id TEXT PRIMARY KEY,
    shipment_id INTEGER NOT NULL REFERENCES shipments(id) ON DELETE CASCADE,
    score REAL NOT NULL,
    is_fraud BOOLEAN NOT NULL DEFAULT 0,
    reason TEXT NOT NULL DEFAULT '',
    mode TEXT NOT NULL DEFAULT '',
    detected_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fraud_detections_shipment ON fraud_detections(shipment_id, detected_at);

CREATE TABLE IF NOT EXISTS audit_trails (
    id TEXT PRIMARY KEY,
    actor TEXT NOT NULL,
    action TEXT NOT NULL,
    table_name TEXT NOT NULL,
    record_id TEXT NOT NULL,
    old_values TEXT,
    new_values TEXT,
    timestamp DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_trails_record ON audit_trails(table_name, record_id);
`

// Store is a SQLite-backed store.Store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at dataSourceName and
// ensures the schema exists.
func Open(dataSourceName string) (*Store, error) {
	// Extract the file path before query parameters
	dbPath := dataSourceName
	if idx := strings.Index(dataSourceName, "?"); idx != -1 {
		dbPath = dataSourceName[:idx]
	}

	if dbPath != ":memory:" && !strings.HasPrefix(dbPath, "file:") {
		if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	dataSourceName = withParam(dataSourceName, "_busy_timeout", "5000")
	dataSourceName = withParam(dataSourceName, "_foreign_keys", "on")
	dataSourceName = withParam(dataSourceName, "_loc", "UTC")

	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection keeps :memory: databases shared and avoids
	// writer contention.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &Store{db: db}, nil
}

func withParam(dsn, key, value string) string {
	if strings.Contains(dsn, key+"=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + key + "=" + value
}

// CreateShipment inserts s and sets its ID.
func (s *Store) CreateShipment(ctx context.Context, sh *shipment.Shipment) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO shipments (aid_item_id, origin_id, destination_id, status, timestamp)
		 VALUES (?, ?, ?, ?, ?)`,
		sh.AidItemID, sh.OriginID, sh.DestinationID, sh.Status, utcPtr(sh.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert shipment: %w", err)
	}
	if sh.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("shipment id: %w", err)
	}
	return nil
}

// GetShipment returns the shipment with the given id.
func (s *Store) GetShipment(ctx context.Context, id int64) (*shipment.Shipment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, aid_item_id, origin_id, destination_id, status, timestamp
		 FROM shipments WHERE id = ?`, id)

	sh, err := scanShipment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get shipment %d: %w", id, err)
	}
	return sh, nil
}

// ListShipments returns all shipments ordered by id.
func (s *Store) ListShipments(ctx context.Context) ([]shipment.Shipment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, aid_item_id, origin_id, destination_id, status, timestamp
		 FROM shipments ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list shipments: %w", err)
	}
	defer rows.Close()

	var out []shipment.Shipment
	for rows.Next() {
		sh, err := scanShipment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan shipment: %w", err)
		}
		out = append(out, *sh)
	}
	return out, rows.Err()
}

// UpdateShipment overwrites the shipment with sh.ID.
func (s *Store) UpdateShipment(ctx context.Context, sh *shipment.Shipment) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE shipments
		 SET aid_item_id = ?, origin_id = ?, destination_id = ?, status = ?, timestamp = ?
		 WHERE id = ?`,
		sh.AidItemID, sh.OriginID, sh.DestinationID, sh.Status, utcPtr(sh.CreatedAt), sh.ID,
	)
	if err != nil {
		return fmt.Errorf("update shipment %d: %w", sh.ID, err)
	}
	return requireRow(res)
}

// DeleteShipment removes a shipment. Scans and detections cascade.
func (s *Store) DeleteShipment(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM shipments WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete shipment %d: %w", id, err)
	}
	return requireRow(res)
}

// CountShipments returns the number of shipments.
func (s *Store) CountShipments(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM shipments`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count shipments: %w", err)
	}
	return n, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanShipment(r rowScanner) (*shipment.Shipment, error) {
	var sh shipment.Shipment
	if err := r.Scan(&sh.ID, &sh.AidItemID, &sh.OriginID, &sh.DestinationID, &sh.Status, &sh.CreatedAt); err != nil {
		return nil, err
	}
	return &sh, nil
}

// AddScan inserts e and sets its ID.
func (s *Store) AddScan(ctx context.Context, e *shipment.ScanEvent) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO scan_logs (shipment_id, scanned_at, latitude, longitude, status, location, scanned_by)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ShipmentID, e.ScannedAt.UTC(), e.Latitude, e.Longitude, e.Status, e.Location, e.ScannedBy,
	)
	if err != nil {
		return fmt.Errorf("insert scan: %w", err)
	}
	if e.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("scan id: %w", err)
	}
	return nil
}

// ListScans returns scans of a shipment ordered by scan time.
func (s *Store) ListScans(ctx context.Context, shipmentID int64) ([]shipment.ScanEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, shipment_id, scanned_at, latitude, longitude, status, location, scanned_by
		 FROM scan_logs WHERE shipment_id = ? ORDER BY scanned_at, id`, shipmentID)
	if err != nil {
		return nil, fmt.Errorf("list scans: %w", err)
	}
	defer rows.Close()

	var out []shipment.ScanEvent
	for rows.Next() {
		var e shipment.ScanEvent
		if err := rows.Scan(&e.ID, &e.ShipmentID, &e.ScannedAt, &e.Latitude, &e.Longitude,
			&e.Status, &e.Location, &e.ScannedBy); err != nil {
			return nil, fmt.Errorf("scan scan log: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SaveFraudDetection persists a verdict.
func (s *Store) SaveFraudDetection(ctx context.Context, d store.FraudDetection) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fraud_detections (id, shipment_id, score, is_fraud, reason, mode, detected_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ID.String(), d.ShipmentID, d.Score, d.IsFraud, d.Reason, d.Mode, d.DetectedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert fraud detection: %w", err)
	}
	return nil
}

// ListFraudDetections returns the newest detections of a shipment first.
func (s *Store) ListFraudDetections(ctx context.Context, shipmentID int64, limit int) ([]store.FraudDetection, error) {
	if limit <= 0 {
		limit = store.DefaultAuditLimit
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, shipment_id, score, is_fraud, reason, mode, detected_at
		 FROM fraud_detections WHERE shipment_id = ?
		 ORDER BY detected_at DESC, rowid DESC LIMIT ?`, shipmentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list fraud detections: %w", err)
	}
	defer rows.Close()

	var out []store.FraudDetection
	for rows.Next() {
		var d store.FraudDetection
		if err := rows.Scan(&d.ID, &d.ShipmentID, &d.Score, &d.IsFraud, &d.Reason, &d.Mode, &d.DetectedAt); err != nil {
			return nil, fmt.Errorf("scan fraud detection: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// AppendAudit persists an audit entry.
func (s *Store) AppendAudit(ctx context.Context, e store.AuditEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_trails (id, actor, action, table_name, record_id, old_values, new_values, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID.String(), e.Actor, e.Action, e.TableName, e.RecordID,
		nullJSON(e.OldValues), nullJSON(e.NewValues), e.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// ListAudit returns matching entries, newest first.
func (s *Store) ListAudit(ctx context.Context, f store.AuditFilter) ([]store.AuditEntry, error) {
	query := `SELECT id, actor, action, table_name, record_id, old_values, new_values, timestamp
		FROM audit_trails WHERE 1 = 1`
	var args []any
	if f.TableName != "" {
		query += ` AND table_name = ?`
		args = append(args, f.TableName)
	}
	if f.RecordID != "" {
		query += ` AND record_id = ?`
		args = append(args, f.RecordID)
	}
	query += ` ORDER BY timestamp DESC, rowid DESC LIMIT ?`
	args = append(args, f.EffectiveLimit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []store.AuditEntry
	for rows.Next() {
		var e store.AuditEntry
		var oldValues, newValues sql.NullString
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.TableName, &e.RecordID,
			&oldValues, &newValues, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.OldValues = rawJSON(oldValues)
		e.NewValues = rawJSON(newValues)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func nullJSON(v json.RawMessage) sql.NullString {
	if len(v) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(v), Valid: true}
}

func rawJSON(v sql.NullString) json.RawMessage {
	if !v.Valid {
		return nil
	}
	return json.RawMessage(v.String)
}

var _ store.Store = (*Store)(nil)
