package taskstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/crawlrs/crawlrs/internal/task"
)

// Push parks a task awaiting tenant permits.
func (s *Postgres) Push(ctx context.Context, e task.BacklogEntry) error {
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = time.Now().UTC()
	}
	if e.ExpiresAt.IsZero() {
		e.ExpiresAt = e.EnqueuedAt.Add(time.Hour)
	}
	_, err := s.db.Exec(ctx, `
INSERT INTO task_backlog (task_id, tenant_id, enqueued_at, expires_at)
VALUES ($1,$2,$3,$4)
ON CONFLICT (task_id) DO NOTHING`,
		e.TaskID, e.TenantID, e.EnqueuedAt, e.ExpiresAt)
	if err != nil {
		return fmt.Errorf("push backlog entry: %w", err)
	}
	return nil
}

// Oldest returns up to limit entries in admission order.
func (s *Postgres) Oldest(ctx context.Context, limit int) ([]task.BacklogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
SELECT task_id, tenant_id, enqueued_at, expires_at
FROM task_backlog
ORDER BY enqueued_at
LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query backlog: %w", err)
	}
	defer rows.Close()
	var out []task.BacklogEntry
	for rows.Next() {
		var e task.BacklogEntry
		if err := rows.Scan(&e.TaskID, &e.TenantID, &e.EnqueuedAt, &e.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan backlog entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate backlog: %w", err)
	}
	return out, nil
}

// Remove drops one backlog entry, if present.
func (s *Postgres) Remove(ctx context.Context, taskID uuid.UUID) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM task_backlog WHERE task_id = $1`, taskID); err != nil {
		return fmt.Errorf("remove backlog entry: %w", err)
	}
	return nil
}

// Depth reports the current backlog size.
func (s *Postgres) Depth(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM task_backlog`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count backlog: %w", err)
	}
	return n, nil
}
