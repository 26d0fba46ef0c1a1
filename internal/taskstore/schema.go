package taskstore

import (
	"context"
	"fmt"
)

// Schema is the idempotent DDL for the durable queue tables.
const Schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id            UUID PRIMARY KEY,
	kind          TEXT NOT NULL,
	tenant_id     UUID NOT NULL,
	priority      INT NOT NULL DEFAULT 0,
	status        TEXT NOT NULL DEFAULT 'queued',
	retry_count   INT NOT NULL DEFAULT 0,
	max_retries   INT NOT NULL DEFAULT 3,
	payload       JSONB,
	result        JSONB,
	error_code    TEXT NOT NULL DEFAULT '',
	webhook_url   TEXT NOT NULL DEFAULT '',
	lease_holder  UUID,
	lease_until   TIMESTAMPTZ,
	parent_id     UUID,
	crawl_id      UUID,
	next_retry_at TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at    TIMESTAMPTZ,
	completed_at  TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_tasks_ready
	ON tasks (priority DESC, created_at ASC)
	WHERE status = 'queued';
CREATE INDEX IF NOT EXISTS idx_tasks_lease
	ON tasks (lease_until)
	WHERE status = 'active';
CREATE INDEX IF NOT EXISTS idx_tasks_retry
	ON tasks (status, next_retry_at)
	WHERE status = 'queued';
CREATE INDEX IF NOT EXISTS idx_tasks_tenant_active
	ON tasks (tenant_id)
	WHERE status = 'active';
CREATE INDEX IF NOT EXISTS idx_tasks_crawl
	ON tasks (crawl_id, created_at)
	WHERE crawl_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS crawls (
	id           UUID PRIMARY KEY,
	tenant_id    UUID NOT NULL,
	seed_url     TEXT NOT NULL,
	seed_task_id UUID NOT NULL,
	config       JSONB NOT NULL,
	discovered   INT NOT NULL DEFAULT 0,
	completed    INT NOT NULL DEFAULT 0,
	failed       INT NOT NULL DEFAULT 0,
	cancelled    INT NOT NULL DEFAULT 0,
	skipped      INT NOT NULL DEFAULT 0,
	status       TEXT NOT NULL DEFAULT 'processing',
	webhook_url  TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_crawls_expiry
	ON crawls (expires_at)
	WHERE status = 'processing';

CREATE TABLE IF NOT EXISTS webhook_events (
	id              UUID PRIMARY KEY,
	tenant_id       UUID NOT NULL,
	event_type      TEXT NOT NULL,
	payload         JSONB NOT NULL,
	target_url      TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending',
	retry_count     INT NOT NULL DEFAULT 0,
	next_retry_at   TIMESTAMPTZ NOT NULL,
	response_status INT,
	error_message   TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	delivered_at    TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_webhook_events_due
	ON webhook_events (next_retry_at)
	WHERE status IN ('pending', 'failed');
CREATE INDEX IF NOT EXISTS idx_webhook_events_task
	ON webhook_events ((payload->>'task_id'));

CREATE TABLE IF NOT EXISTS tenant_credits (
	tenant_id  UUID PRIMARY KEY,
	balance    BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS task_backlog (
	task_id     UUID PRIMARY KEY,
	tenant_id   UUID NOT NULL,
	enqueued_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_task_backlog_fifo
	ON task_backlog (enqueued_at);
`

// Migrate applies the schema. Safe to run on every start.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
