// Package audit records who changed which record and how.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hed1ad/aidguard/internal/store"
)

// Actions written to the trail.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// Recorder appends audit entries to a store. A failed append is logged and
// never returned to the caller.
type Recorder struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewRecorder creates a Recorder. A nil logger uses slog.Default().
func NewRecorder(s store.Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:  s,
		logger: logger,
		now:    time.Now,
	}
}

// LogCreate records a new record.
func (r *Recorder) LogCreate(ctx context.Context, actor, table, recordID string, newValues any) *store.AuditEntry {
	return r.Log(ctx, actor, ActionCreate, table, recordID, nil, newValues)
}

// LogUpdate records a change from oldValues to newValues.
func (r *Recorder) LogUpdate(ctx context.Context, actor, table, recordID string, oldValues, newValues any) *store.AuditEntry {
	return r.Log(ctx, actor, ActionUpdate, table, recordID, oldValues, newValues)
}

// LogDelete records a removed record.
func (r *Recorder) LogDelete(ctx context.Context, actor, table, recordID string, oldValues any) *store.AuditEntry {
	return r.Log(ctx, actor, ActionDelete, table, recordID, oldValues, nil)
}

// Log appends an entry and returns it, or nil if it could not be stored.
func (r *Recorder) Log(ctx context.Context, actor, action, table, recordID string, oldValues, newValues any) *store.AuditEntry {
	logger := r.logger.With(
		slog.String("action", action),
		slog.String("table", table),
		slog.String("record_id", recordID),
	)

	oldJSON, err := encode(oldValues)
	if err != nil {
		logger.WarnContext(ctx, "failed to encode audit old values", slog.Any("error", err))
		return nil
	}
	newJSON, err := encode(newValues)
	if err != nil {
		logger.WarnContext(ctx, "failed to encode audit new values", slog.Any("error", err))
		return nil
	}

	entry := store.AuditEntry{
		ID:        uuid.New(),
		Actor:     actor,
		Action:    action,
		TableName: table,
		RecordID:  recordID,
		OldValues: oldJSON,
		NewValues: newJSON,
		Timestamp: r.now().UTC(),
	}
	if err := r.store.AppendAudit(ctx, entry); err != nil {
		logger.ErrorContext(ctx, "failed to write audit entry", slog.Any("error", err))
		return nil
	}
	return &entry
}

// Trail lists entries matching f, newest first.
func (r *Recorder) Trail(ctx context.Context, f store.AuditFilter) ([]store.AuditEntry, error) {
	return r.store.ListAudit(ctx, f)
}

func encode(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}
