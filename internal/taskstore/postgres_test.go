package taskstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/crawlrs/crawlrs/internal/task"
)

var taskRowColumns = []string{
	"id", "kind", "tenant_id", "priority", "status", "retry_count", "max_retries",
	"payload", "result", "error_code", "webhook_url", "lease_holder", "lease_until",
	"parent_id", "crawl_id", "next_retry_at", "created_at", "started_at", "completed_at",
}

func taskRow(t task.Task) *pgxmock.Rows {
	return pgxmock.NewRows(taskRowColumns).AddRow(
		t.ID, t.Kind, t.TenantID, t.Priority, t.Status, t.RetryCount, t.MaxRetries,
		t.Payload, t.Result, t.ErrorCode, t.WebhookURL, t.LeaseHolder, t.LeaseUntil,
		t.ParentID, t.CrawlID, t.NextRetryAt, t.CreatedAt, t.StartedAt, t.CompletedAt,
	)
}

func newMockStore(t *testing.T) (*Postgres, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewPostgresWithDB(mock)
	require.NoError(t, err)
	return store, mock
}

func TestPostgresEnqueue(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	tk := &task.Task{
		Kind:     task.KindScrape,
		TenantID: uuid.New(),
		Priority: 3,
		Payload:  json.RawMessage(`{"url":"https://example.com"}`),
	}
	mock.ExpectExec("INSERT INTO tasks").
		WithArgs(pgxmock.AnyArg(), tk.Kind, tk.TenantID, tk.Priority, task.StatusQueued,
			0, task.DefaultMaxRetries, tk.Payload, "", (*uuid.UUID)(nil), (*uuid.UUID)(nil), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Enqueue(context.Background(), tk))
	require.NotEqual(t, uuid.Nil, tk.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLeaseNextClaimsRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	worker := uuid.New()
	now := time.Now().UTC()
	until := now.Add(task.LeaseDuration)
	claimed := task.Task{
		ID:          uuid.New(),
		Kind:        task.KindScrape,
		TenantID:    uuid.New(),
		Status:      task.StatusActive,
		MaxRetries:  task.DefaultMaxRetries,
		LeaseHolder: &worker,
		LeaseUntil:  &until,
		CreatedAt:   now.Add(-time.Minute),
		StartedAt:   &now,
	}
	mock.ExpectQuery("UPDATE tasks").
		WithArgs(worker, until, now, []string{"scrape"}).
		WillReturnRows(taskRow(claimed))

	got, err := store.LeaseNext(context.Background(), worker, []task.Kind{task.KindScrape}, now)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, claimed.ID, got.ID)
	require.True(t, got.HoldsLease(worker, now))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLeaseNextEmptyQueue(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Now().UTC()
	mock.ExpectQuery("UPDATE tasks").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), now, []string{"scrape"}).
		WillReturnRows(pgxmock.NewRows(taskRowColumns))

	got, err := store.LeaseNext(context.Background(), uuid.New(), []task.Kind{task.KindScrape}, now)
	require.NoError(t, err)
	require.Nil(t, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCompleteWritesOutboxInOneTx(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	worker := uuid.New()
	done := task.Task{
		ID:         uuid.New(),
		Kind:       task.KindScrape,
		TenantID:   uuid.New(),
		Status:     task.StatusCompleted,
		Result:     json.RawMessage(`{"ok":true}`),
		WebhookURL: "https://hooks.example.com/in",
		CreatedAt:  time.Now().UTC(),
	}

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE tasks").
		WithArgs(done.ID, worker, done.Result, pgxmock.AnyArg()).
		WillReturnRows(taskRow(done))
	mock.ExpectExec("INSERT INTO webhook_events").
		WithArgs(pgxmock.AnyArg(), done.TenantID, task.EventScrapeCompleted,
			pgxmock.AnyArg(), done.WebhookURL, task.EventPending, 0,
			pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := store.Complete(context.Background(), done.ID, worker, done.Result)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCompleteLostLease(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	id := uuid.New()
	worker := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE tasks").
		WithArgs(id, worker, json.RawMessage(nil), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows(taskRowColumns))
	mock.ExpectRollback()

	err := store.Complete(context.Background(), id, worker, nil)
	require.ErrorIs(t, err, task.ErrLostLease)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresFailRequeuesWhileRetriesRemain(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	id := uuid.New()
	worker := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE tasks").
		WithArgs(id, worker, "engine-transient", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := store.Fail(context.Background(), id, worker, "engine-transient", true)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresFailTerminalAfterRetriesExhausted(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	worker := uuid.New()
	failed := task.Task{
		ID:         uuid.New(),
		Kind:       task.KindScrape,
		TenantID:   uuid.New(),
		Status:     task.StatusFailed,
		RetryCount: task.DefaultMaxRetries,
		ErrorCode:  "engine-terminal",
		CreatedAt:  time.Now().UTC(),
	}

	mock.ExpectBegin()
	// Requeue matches no row once retry_count = max_retries.
	mock.ExpectExec("UPDATE tasks").
		WithArgs(failed.ID, worker, "engine-terminal", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("UPDATE tasks").
		WithArgs(failed.ID, worker, "engine-terminal", pgxmock.AnyArg()).
		WillReturnRows(taskRow(failed))
	mock.ExpectCommit()

	err := store.Fail(context.Background(), failed.ID, worker, "engine-terminal", true)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresExtendLeaseLost(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	id := uuid.New()
	worker := uuid.New()
	until := time.Now().Add(task.LeaseDuration)

	mock.ExpectExec("UPDATE tasks SET lease_until").
		WithArgs(id, worker, until).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.ExtendLease(context.Background(), id, worker, until)
	require.ErrorIs(t, err, task.ErrLostLease)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReapExpired(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Now().UTC()
	mock.ExpectExec("UPDATE tasks").
		WithArgs(now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 4))

	n, err := store.ReapExpired(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAddDiscoveredRefusesPastCap(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	id := uuid.New()
	mock.ExpectExec("UPDATE crawls").
		WithArgs(id, 5).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.AddDiscovered(context.Background(), id, 5)
	require.Error(t, err)
	require.Equal(t, task.KindInvalidInput, task.KindOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDuePending(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Now().UTC()
	ev := task.WebhookEvent{
		ID:          uuid.New(),
		TenantID:    uuid.New(),
		EventType:   task.EventScrapeCompleted,
		Payload:     json.RawMessage(`{"task_id":"x"}`),
		TargetURL:   "https://hooks.example.com/in",
		Status:      task.EventPending,
		NextRetryAt: now.Add(-time.Minute),
		CreatedAt:   now.Add(-time.Minute),
	}
	rows := pgxmock.NewRows([]string{
		"id", "tenant_id", "event_type", "payload", "target_url", "status",
		"retry_count", "next_retry_at", "response_status", "error_message",
		"created_at", "delivered_at",
	}).AddRow(
		ev.ID, ev.TenantID, ev.EventType, ev.Payload, ev.TargetURL, ev.Status,
		ev.RetryCount, ev.NextRetryAt, ev.ResponseStatus, ev.ErrorMessage,
		ev.CreatedAt, ev.DeliveredAt,
	)
	mock.ExpectQuery("SELECT (.+) FROM webhook_events").
		WithArgs(now, 100).
		WillReturnRows(rows)

	got, err := store.DuePending(context.Background(), now, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, ev.ID, got[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func crawlRow(c task.Crawl) *pgxmock.Rows {
	cfg, _ := json.Marshal(c.Config)
	return pgxmock.NewRows([]string{
		"id", "tenant_id", "seed_url", "seed_task_id", "config",
		"discovered", "completed", "failed", "cancelled", "skipped",
		"status", "webhook_url", "created_at", "expires_at",
	}).AddRow(
		c.ID, c.TenantID, c.SeedURL, c.SeedTaskID, cfg,
		c.Counters.Discovered, c.Counters.Completed, c.Counters.Failed,
		c.Counters.Cancelled, c.Counters.Skipped,
		c.Status, c.WebhookURL, c.CreatedAt, c.ExpiresAt,
	)
}

func TestPostgresSetCrawlStatusSticksOnTerminal(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	done := task.Crawl{
		ID:       uuid.New(),
		TenantID: uuid.New(),
		SeedURL:  "https://example.com/",
		Status:   task.CrawlCompleted,
	}
	mock.ExpectExec("UPDATE crawls SET status").
		WithArgs(done.ID, task.CrawlCancelled).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT (.+) FROM crawls").
		WithArgs(done.ID).
		WillReturnRows(crawlRow(done))

	err := store.SetCrawlStatus(context.Background(), done.ID, task.CrawlCancelled)
	require.ErrorIs(t, err, task.ErrTerminal)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSetCrawlStatusUnknownCrawl(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	id := uuid.New()
	mock.ExpectExec("UPDATE crawls SET status").
		WithArgs(id, task.CrawlCancelled).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT (.+) FROM crawls").
		WithArgs(id).
		WillReturnError(pgx.ErrNoRows)

	err := store.SetCrawlStatus(context.Background(), id, task.CrawlCancelled)
	require.ErrorIs(t, err, task.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresExpireOnTerminalTask(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	done := task.Task{
		ID:        uuid.New(),
		Kind:      task.KindScrape,
		TenantID:  uuid.New(),
		Status:    task.StatusCompleted,
		CreatedAt: time.Now().UTC(),
	}

	mock.ExpectBegin()
	// The guarded UPDATE matches nothing once the row left 'queued'.
	mock.ExpectQuery("UPDATE tasks").
		WithArgs(done.ID, pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows(taskRowColumns))
	mock.ExpectQuery("SELECT (.+) FROM tasks").
		WithArgs(done.ID).
		WillReturnRows(taskRow(done))
	mock.ExpectRollback()

	err := store.Expire(context.Background(), done.ID)
	require.ErrorIs(t, err, task.ErrTerminal)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDebitCreditsReturnsBalance(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	tenant := uuid.New()
	mock.ExpectQuery("INSERT INTO tenant_credits").
		WithArgs(tenant, 1).
		WillReturnRows(pgxmock.NewRows([]string{"balance"}).AddRow(int64(-4)))

	balance, err := store.DebitCredits(context.Background(), tenant, 1)
	require.NoError(t, err)
	require.EqualValues(t, -4, balance)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreditBalanceDefaultsToZero(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	tenant := uuid.New()
	mock.ExpectQuery("SELECT balance FROM tenant_credits").
		WithArgs(tenant).
		WillReturnRows(pgxmock.NewRows([]string{"balance"}))

	balance, err := store.CreditBalance(context.Background(), tenant)
	require.NoError(t, err)
	require.Zero(t, balance)
	require.NoError(t, mock.ExpectationsWereMet())
}
