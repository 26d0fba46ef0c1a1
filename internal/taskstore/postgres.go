package taskstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crawlrs/crawlrs/internal/task"
)

// DB is the subset of pgxpool.Pool the store needs. pgxmock satisfies it
// for tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// Postgres is the authoritative store implementation. All lease
// transitions are single-round-trip conditional updates; terminal writes
// and their outbox rows share a transaction.
type Postgres struct {
	db DB
}

// NewPostgres connects a pool and returns the store.
func NewPostgres(ctx context.Context, cfg Config) (*Postgres, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{db: pool}, nil
}

// NewPostgresWithDB constructs a store from an existing pool (testing).
func NewPostgresWithDB(db DB) (*Postgres, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &Postgres{db: db}, nil
}

// Close releases the pool.
func (s *Postgres) Close() {
	if s != nil && s.db != nil {
		s.db.Close()
	}
}

const taskColumns = `id, kind, tenant_id, priority, status, retry_count, max_retries,
payload, result, error_code, webhook_url, lease_holder, lease_until,
parent_id, crawl_id, next_retry_at, created_at, started_at, completed_at`

func scanTask(row pgx.Row) (task.Task, error) {
	var t task.Task
	err := row.Scan(
		&t.ID, &t.Kind, &t.TenantID, &t.Priority, &t.Status, &t.RetryCount, &t.MaxRetries,
		&t.Payload, &t.Result, &t.ErrorCode, &t.WebhookURL, &t.LeaseHolder, &t.LeaseUntil,
		&t.ParentID, &t.CrawlID, &t.NextRetryAt, &t.CreatedAt, &t.StartedAt, &t.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return task.Task{}, task.ErrNotFound
		}
		return task.Task{}, fmt.Errorf("scan task: %w", err)
	}
	return t, nil
}

// Enqueue persists a new queued task.
func (s *Postgres) Enqueue(ctx context.Context, t *task.Task) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.MaxRetries == 0 {
		t.MaxRetries = task.DefaultMaxRetries
	}
	t.Status = task.StatusQueued
	query := `
INSERT INTO tasks (id, kind, tenant_id, priority, status, retry_count, max_retries,
	payload, webhook_url, parent_id, crawl_id, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`
	_, err := s.db.Exec(ctx, query,
		t.ID, t.Kind, t.TenantID, t.Priority, t.Status, t.RetryCount, t.MaxRetries,
		t.Payload, t.WebhookURL, t.ParentID, t.CrawlID, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// Find returns one task by id.
func (s *Postgres) Find(ctx context.Context, id uuid.UUID) (task.Task, error) {
	query := fmt.Sprintf(`SELECT %s FROM tasks WHERE id = $1`, taskColumns)
	return scanTask(s.db.QueryRow(ctx, query, id))
}

// Query returns tasks matching the batch filter, capped at 100 rows.
func (s *Postgres) Query(ctx context.Context, f task.QueryFilter) ([]task.Task, error) {
	query := fmt.Sprintf(`
SELECT %s FROM tasks
WHERE id = ANY($1)
	AND (cardinality($2::text[]) = 0 OR status = ANY($2))
	AND (cardinality($3::text[]) = 0 OR kind = ANY($3))
	AND ($4::uuid IS NULL OR tenant_id = $4)
ORDER BY created_at
LIMIT 100`, taskColumns)
	statuses := make([]string, 0, len(f.Statuses))
	for _, st := range f.Statuses {
		statuses = append(statuses, string(st))
	}
	kinds := make([]string, 0, len(f.Kinds))
	for _, k := range f.Kinds {
		kinds = append(kinds, string(k))
	}
	rows, err := s.db.Query(ctx, query, f.IDs, statuses, kinds, f.TenantID)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	var out []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		if !f.IncludeResults {
			t.Result = nil
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

// CancelMany cancels non-terminal tasks, emitting outbox events in the
// same transaction.
func (s *Postgres) CancelMany(ctx context.Context, ids []uuid.UUID, force bool) ([]uuid.UUID, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin cancel: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	query := fmt.Sprintf(`
UPDATE tasks
SET status = 'cancelled', error_code = 'cancelled',
	lease_holder = NULL, lease_until = NULL, completed_at = $2
WHERE id = ANY($1)
	AND status NOT IN ('completed','failed','cancelled')
	AND (status = 'queued' OR $3)
RETURNING %s`, taskColumns)
	rows, err := tx.Query(ctx, query, ids, now, force)
	if err != nil {
		return nil, fmt.Errorf("cancel tasks: %w", err)
	}
	var cancelled []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		cancelled = append(cancelled, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cancelled: %w", err)
	}

	var out []uuid.UUID
	for i := range cancelled {
		if err := appendEventTx(ctx, tx, &cancelled[i], now); err != nil {
			return nil, err
		}
		out = append(out, cancelled[i].ID)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit cancel: %w", err)
	}
	return out, nil
}

// LeaseNext atomically claims the next ready task. SKIP LOCKED keeps
// concurrent callers from blocking on each other's candidate rows.
func (s *Postgres) LeaseNext(
	ctx context.Context,
	workerID uuid.UUID,
	kinds []task.Kind,
	now time.Time,
) (*task.Task, error) {
	kindNames := make([]string, 0, len(kinds))
	for _, k := range kinds {
		kindNames = append(kindNames, string(k))
	}
	query := fmt.Sprintf(`
UPDATE tasks
SET status = 'active', lease_holder = $1, lease_until = $2,
	started_at = COALESCE(started_at, $3)
WHERE id = (
	SELECT id FROM tasks
	WHERE status = 'queued'
		AND kind = ANY($4)
		AND (next_retry_at IS NULL OR next_retry_at <= $3)
		AND NOT EXISTS (
			SELECT 1 FROM task_backlog b WHERE b.task_id = tasks.id
		)
	ORDER BY priority DESC, created_at ASC
	FOR UPDATE SKIP LOCKED
	LIMIT 1
)
RETURNING %s`, taskColumns)
	t, err := scanTask(s.db.QueryRow(ctx, query, workerID, now.Add(task.LeaseDuration), now, kindNames))
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

// ExtendLease pushes the deadline for a lease the worker still holds.
func (s *Postgres) ExtendLease(ctx context.Context, id, workerID uuid.UUID, until time.Time) error {
	tag, err := s.db.Exec(ctx, `
UPDATE tasks SET lease_until = $3
WHERE id = $1 AND lease_holder = $2 AND status = 'active' AND lease_until > now()`,
		id, workerID, until)
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return task.ErrLostLease
	}
	return nil
}

// Complete transitions a held task to completed and appends its outbox
// event in the same transaction.
func (s *Postgres) Complete(ctx context.Context, id, workerID uuid.UUID, result json.RawMessage) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin complete: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	query := fmt.Sprintf(`
UPDATE tasks
SET status = 'completed', result = $3,
	lease_holder = NULL, lease_until = NULL, completed_at = $4
WHERE id = $1 AND lease_holder = $2 AND status = 'active' AND lease_until > $4
RETURNING %s`, taskColumns)
	t, err := scanTask(tx.QueryRow(ctx, query, id, workerID, result, now))
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			return task.ErrLostLease
		}
		return err
	}
	if err := appendEventTx(ctx, tx, &t, now); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit complete: %w", err)
	}
	return nil
}

// Fail marks a held task failed, or re-queues it with backoff.
func (s *Postgres) Fail(ctx context.Context, id, workerID uuid.UUID, errCode string, retry bool) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin fail: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	if retry {
		tag, err := tx.Exec(ctx, `
UPDATE tasks
SET status = 'queued', retry_count = retry_count + 1, error_code = $3,
	next_retry_at = $4 + (
		least(power(5, retry_count)::bigint, 300) * interval '1 second'
	),
	lease_holder = NULL, lease_until = NULL
WHERE id = $1 AND lease_holder = $2 AND status = 'active'
	AND lease_until > $4 AND retry_count < max_retries`,
			id, workerID, errCode, now)
		if err != nil {
			return fmt.Errorf("requeue task: %w", err)
		}
		if tag.RowsAffected() == 1 {
			return tx.Commit(ctx)
		}
		// Retries exhausted (or lease lost): fall through to terminal failure.
	}
	query := fmt.Sprintf(`
UPDATE tasks
SET status = 'failed', error_code = $3,
	lease_holder = NULL, lease_until = NULL, completed_at = $4
WHERE id = $1 AND lease_holder = $2 AND status = 'active' AND lease_until > $4
RETURNING %s`, taskColumns)
	t, err := scanTask(tx.QueryRow(ctx, query, id, workerID, errCode, now))
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			return task.ErrLostLease
		}
		return err
	}
	if err := appendEventTx(ctx, tx, &t, now); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit fail: %w", err)
	}
	return nil
}

// Expire cancels a still-queued task with the expired error kind,
// appending its outbox event transactionally.
func (s *Postgres) Expire(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin expire: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	query := fmt.Sprintf(`
UPDATE tasks
SET status = 'cancelled', error_code = 'expired', completed_at = $2
WHERE id = $1 AND status = 'queued'
RETURNING %s`, taskColumns)
	t, err := scanTask(tx.QueryRow(ctx, query, id, now))
	if err != nil {
		// Missing and no-longer-queued look the same to the UPDATE;
		// distinguish them for the caller.
		if errors.Is(err, task.ErrNotFound) {
			if _, ferr := s.Find(ctx, id); ferr == nil {
				return task.ErrTerminal
			}
		}
		return err
	}
	if err := appendEventTx(ctx, tx, &t, now); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit expire: %w", err)
	}
	return nil
}

// ReapExpired returns lapsed active tasks to queued, leaving retry_count
/// alone: lease loss is a worker fault, not a task fault.
func (s *Postgres) ReapExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `
UPDATE tasks
SET status = 'queued', lease_holder = NULL, lease_until = NULL
WHERE status = 'active' AND lease_until <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("reap leases: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// CountActive reports in-flight tasks for one tenant.
func (s *Postgres) CountActive(ctx context.Context, tenant uuid.UUID) (int, error) {
	var n int
	err := s.db.QueryRow(ctx,
		`SELECT count(*) FROM tasks WHERE tenant_id = $1 AND status = 'active'`, tenant,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active: %w", err)
	}
	return n, nil
}

// ListByCrawl pages through a crawl's child tasks.
func (s *Postgres) ListByCrawl(
	ctx context.Context,
	crawlID uuid.UUID,
	page, limit int,
) ([]task.Task, error) {
	if limit <= 0 {
		limit = 20
	}
	if page < 1 {
		page = 1
	}
	query := fmt.Sprintf(`
SELECT %s FROM tasks
WHERE crawl_id = $1 AND kind = 'crawl_child'
ORDER BY created_at
LIMIT $2 OFFSET $3`, taskColumns)
	rows, err := s.db.Query(ctx, query, crawlID, limit, (page-1)*limit)
	if err != nil {
		return nil, fmt.Errorf("list crawl tasks: %w", err)
	}
	defer rows.Close()
	var out []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate crawl tasks: %w", err)
	}
	return out, nil
}

func appendEventTx(ctx context.Context, tx pgx.Tx, t *task.Task, now time.Time) error {
	ev, err := task.NewTerminalEvent(t, now)
	if err != nil {
		return fmt.Errorf("build outbox event: %w", err)
	}
	if ev == nil {
		return nil
	}
	_, err = tx.Exec(ctx, `
INSERT INTO webhook_events (id, tenant_id, event_type, payload, target_url,
	status, retry_count, next_retry_at, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		ev.ID, ev.TenantID, ev.EventType, ev.Payload, ev.TargetURL,
		ev.Status, ev.RetryCount, ev.NextRetryAt, ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append outbox event: %w", err)
	}
	return nil
}
