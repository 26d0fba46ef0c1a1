package taskstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/crawlrs/crawlrs/internal/task"
)

const eventColumns = `id, tenant_id, event_type, payload, target_url, status,
retry_count, next_retry_at, response_status, error_message, created_at, delivered_at`

func scanEvent(row pgx.Row) (task.WebhookEvent, error) {
	var ev task.WebhookEvent
	err := row.Scan(
		&ev.ID, &ev.TenantID, &ev.EventType, &ev.Payload, &ev.TargetURL, &ev.Status,
		&ev.RetryCount, &ev.NextRetryAt, &ev.ResponseStatus, &ev.ErrorMessage,
		&ev.CreatedAt, &ev.DeliveredAt,
	)
	if err != nil {
		return task.WebhookEvent{}, fmt.Errorf("scan webhook event: %w", err)
	}
	return ev, nil
}

// AppendEvent inserts a pending outbox row.
func (s *Postgres) AppendEvent(ctx context.Context, ev *task.WebhookEvent) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if ev.NextRetryAt.IsZero() {
		ev.NextRetryAt = ev.CreatedAt
	}
	if ev.Status == "" {
		ev.Status = task.EventPending
	}
	_, err := s.db.Exec(ctx, `
INSERT INTO webhook_events (id, tenant_id, event_type, payload, target_url,
	status, retry_count, next_retry_at, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		ev.ID, ev.TenantID, ev.EventType, ev.Payload, ev.TargetURL,
		ev.Status, ev.RetryCount, ev.NextRetryAt, ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert webhook event: %w", err)
	}
	return nil
}

// DuePending returns deliverable events ordered by next attempt time.
func (s *Postgres) DuePending(ctx context.Context, now time.Time, limit int) ([]task.WebhookEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`
SELECT %s FROM webhook_events
WHERE status IN ('pending','failed') AND next_retry_at <= $1
ORDER BY next_retry_at
LIMIT $2`, eventColumns)
	rows, err := s.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due events: %w", err)
	}
	defer rows.Close()
	var out []task.WebhookEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due events: %w", err)
	}
	return out, nil
}

// UpdateEvent persists a delivery attempt's outcome. Delivered and dead
// rows never move again.
func (s *Postgres) UpdateEvent(ctx context.Context, ev *task.WebhookEvent) error {
	_, err := s.db.Exec(ctx, `
UPDATE webhook_events
SET status = $2, retry_count = $3, next_retry_at = $4,
	response_status = $5, error_message = $6, delivered_at = $7
WHERE id = $1 AND status NOT IN ('delivered','dead')`,
		ev.ID, ev.Status, ev.RetryCount, ev.NextRetryAt,
		ev.ResponseStatus, ev.ErrorMessage, ev.DeliveredAt,
	)
	if err != nil {
		return fmt.Errorf("update webhook event: %w", err)
	}
	return nil
}

// EventsForTask lists outbox rows whose payload references one task id.
func (s *Postgres) EventsForTask(ctx context.Context, taskID uuid.UUID) ([]task.WebhookEvent, error) {
	query := fmt.Sprintf(`
SELECT %s FROM webhook_events
WHERE payload->>'task_id' = $1
ORDER BY created_at`, eventColumns)
	rows, err := s.db.Query(ctx, query, taskID.String())
	if err != nil {
		return nil, fmt.Errorf("query task events: %w", err)
	}
	defer rows.Close()
	var out []task.WebhookEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task events: %w", err)
	}
	return out, nil
}
