// Package audit records the import trail: batch lifecycle, conflict
// decisions and per-row commit outcomes. Entries are written to Postgres
// and are append-only; the importer never updates or deletes them.
//
// Auditing is best-effort. A failed write is logged and dropped rather than
// failing the import operation it describes.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Action is the type of audited event.
type Action string

const (
	ActionBatchStarted      Action = "batch_started"
	ActionBatchCommitted    Action = "batch_committed"
	ActionBatchCancelled    Action = "batch_cancelled"
	ActionRowCommitted      Action = "row_committed"
	ActionRowFailed         Action = "row_failed"
	ActionConflictDetected  Action = "conflict_detected"
	ActionConflictConfirmed Action = "conflict_confirmed"
)

// Entry is one audit log record.
type Entry struct {
	ID        string         `json:"id"`
	Action    Action         `json:"action"`
	BatchID   string         `json:"batchId"`
	RowID     int            `json:"rowId,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Recorder persists audit entries.
type Recorder interface {
	Record(ctx context.Context, action Action, batchID string, rowID int, detail map[string]any)
	Recent(ctx context.Context, batchID string, limit int) ([]Entry, error)
}

// PGRecorder writes audit entries to Postgres.
type PGRecorder struct {
	pool *pgxpool.Pool
}

// NewPGRecorder creates a recorder backed by the given pool.
func NewPGRecorder(pool *pgxpool.Pool) *PGRecorder {
	return &PGRecorder{pool: pool}
}

// Record implements Recorder. Failures are logged, never returned.
func (r *PGRecorder) Record(ctx context.Context, action Action, batchID string, rowID int, detail map[string]any) {
	var detailJSON []byte
	if detail != nil {
		detailJSON, _ = json.Marshal(detail)
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO import_audit_log (action, batch_id, row_id, detail, created_at)
		 VALUES ($1, $2, $3, $4, now())`,
		string(action), batchID, rowID, detailJSON,
	)
	if err != nil {
		slog.Warn("audit write failed", "action", action, "batch_id", batchID, "error", err)
	}
}

// Recent implements Recorder, returning the newest entries for a batch.
func (r *PGRecorder) Recent(ctx context.Context, batchID string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id::text, action, batch_id, row_id, detail, created_at
		 FROM import_audit_log
		 WHERE batch_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		batchID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var detailJSON []byte
		if err := rows.Scan(&e.ID, &e.Action, &e.BatchID, &e.RowID, &detailJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(detailJSON) > 0 {
			_ = json.Unmarshal(detailJSON, &e.Detail)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// NoopRecorder discards everything. Used when no audit database is
// configured.
type NoopRecorder struct{}

// Record implements Recorder.
func (NoopRecorder) Record(context.Context, Action, string, int, map[string]any) {}

// Recent implements Recorder.
func (NoopRecorder) Recent(context.Context, string, int) ([]Entry, error) { return nil, nil }
