package journal

import (
	"context"
	"fmt"
	"time"
)

// Execution statuses.
const (
	StatusCompleted = "completed"
	StatusError     = "error"
	StatusCancelled = "cancelled"
	StatusSkipped   = "skipped"
)

// Entry is one finished execution.
type Entry struct {
	Path       string    `json:"path"`
	CellID     string    `json:"cellId"`
	Status     string    `json:"status"`
	Mime       string    `json:"mime,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	DurationMS int64     `json:"durationMs"`
}

// Record appends e.
func (db *DB) Record(ctx context.Context, e Entry) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO executions (path, cell_id, status, mime, error, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.Path, e.CellID, e.Status, e.Mime, e.Error, e.StartedAt.UTC(), e.DurationMS)
	if err != nil {
		return fmt.Errorf("journal: record: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (db *DB) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.conn.QueryContext(ctx, `
		SELECT path, cell_id, status, mime, error, started_at, duration_ms
		FROM executions ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: recent: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Path, &e.CellID, &e.Status, &e.Mime, &e.Error, &e.StartedAt, &e.DurationMS); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
