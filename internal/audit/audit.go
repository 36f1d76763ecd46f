// Package audit records stage transitions for compliance traceability.
// Delivery is fire-and-forget: an emit failure is logged and never
// propagated to the pipeline.
package audit

import (
	"context"
	"database/sql"
	"log/slog"
	"time"
)

// Emitter is the narrow collaborator interface the orchestrator holds.
type Emitter interface {
	Emit(ctx context.Context, projectID, stage, outcome string)
}

// Writer appends audit rows to the workspace database.
type Writer struct {
	DB     *sql.DB
	Logger *slog.Logger
	Now    func() time.Time
}

func NewWriter(db *sql.DB, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{DB: db, Logger: logger.With("component", "audit"), Now: time.Now}
}

func (w *Writer) Emit(ctx context.Context, projectID, stage, outcome string) {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	_, err := w.DB.ExecContext(ctx, `INSERT INTO audit_events(project_id,stage,outcome,ts) VALUES (?,?,?,?)`,
		projectID, stage, outcome, ts)
	if err != nil {
		w.Logger.Warn("audit emit failed", "project_id", projectID, "stage", stage, "error", err)
	}
}

// Nop discards audit events.
type Nop struct{}

func (Nop) Emit(context.Context, string, string, string) {}
