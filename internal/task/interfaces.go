package task

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Store persists tasks and owns every status transition. Implementations
// must make LeaseNext, Complete and Fail single-round-trip atomic
// operations; concurrent LeaseNext calls must skip, never block on, rows
// another call is inspecting.
type Store interface {
	// Enqueue persists a new task in queued status.
	Enqueue(ctx context.Context, t *Task) error
	// Find returns a task by id, or ErrNotFound.
	Find(ctx context.Context, id uuid.UUID) (Task, error)
	// Query returns tasks matching the filter, at most 100 rows.
	Query(ctx context.Context, f QueryFilter) ([]Task, error)
	// CancelMany cancels every non-terminal task in ids, returning the ids
	// actually cancelled. With force, active tasks are cancelled too;
	// otherwise only queued ones.
	CancelMany(ctx context.Context, ids []uuid.UUID, force bool) ([]uuid.UUID, error)
	// LeaseNext atomically claims the highest-priority queued task of one
	// of the given kinds, ties broken by earliest created_at. Backlogged
	// tasks are invisible to dispatch. Returns nil when nothing is ready.
	LeaseNext(ctx context.Context, workerID uuid.UUID, kinds []Kind, now time.Time) (*Task, error)
	// Expire cancels a still-queued task with the expired error kind,
	// appending its outbox event. Used for backlog age-out and crawl
	// budget expiry.
	Expire(ctx context.Context, id uuid.UUID) error
	// ExtendLease pushes the lease deadline; ErrLostLease if not held.
	ExtendLease(ctx context.Context, id, workerID uuid.UUID, until time.Time) error
	// Complete transitions an active task to completed, appending an outbox
	// event when a webhook is configured. ErrLostLease if not held.
	Complete(ctx context.Context, id, workerID uuid.UUID, result json.RawMessage) error
	// Fail transitions an active task to failed, or back to queued with a
	// backoff when retry is set and retries remain. ErrLostLease if not held.
	Fail(ctx context.Context, id, workerID uuid.UUID, errCode string, retry bool) error
	// ReapExpired returns active tasks with elapsed leases to queued without
	// touching retry_count. Returns the number reaped.
	ReapExpired(ctx context.Context, now time.Time) (int, error)
	// CountActive reports in-flight tasks for one tenant.
	CountActive(ctx context.Context, tenant uuid.UUID) (int, error)
	// ListByCrawl pages through a crawl's child tasks.
	ListByCrawl(ctx context.Context, crawlID uuid.UUID, page, limit int) ([]Task, error)
}

// CrawlStore persists crawl metadata and counters.
type CrawlStore interface {
	CreateCrawl(ctx context.Context, c *Crawl) error
	FindCrawl(ctx context.Context, id uuid.UUID) (Crawl, error)
	// AddDiscovered bumps the discovered counter, refusing past the page cap.
	AddDiscovered(ctx context.Context, id uuid.UUID, n int) error
	// RecordChildOutcome bumps completed/failed/cancelled for one child.
	RecordChildOutcome(ctx context.Context, id uuid.UUID, outcome Status) error
	// AddSkipped counts pages dropped before a child task existed for
	// them (robots refusals); kept apart from the child outcome counters.
	AddSkipped(ctx context.Context, id uuid.UUID, n int) error
	// SetCrawlStatus flips the crawl status; terminal statuses are sticky.
	SetCrawlStatus(ctx context.Context, id uuid.UUID, status CrawlStatus) error
	// ListExpired returns processing crawls whose budget elapsed.
	ListExpired(ctx context.Context, now time.Time) ([]Crawl, error)
}

// CreditStore persists the per-tenant credit ledger. Rows are created on
// first debit; a negative balance means usage past the provisioned
// allowance and is settled out of band.
type CreditStore interface {
	// DebitCredits subtracts amount from the tenant's balance and returns
	// the balance after the debit.
	DebitCredits(ctx context.Context, tenant uuid.UUID, amount int) (int64, error)
	// CreditBalance returns the tenant's current balance.
	CreditBalance(ctx context.Context, tenant uuid.UUID) (int64, error)
}

// OutboxStore drives webhook delivery from the durable event table.
type OutboxStore interface {
	// AppendEvent inserts a pending event row.
	AppendEvent(ctx context.Context, ev *WebhookEvent) error
	// DuePending returns pending/failed events with next_retry_at <= now.
	DuePending(ctx context.Context, now time.Time, limit int) ([]WebhookEvent, error)
	// UpdateEvent persists a delivery attempt's outcome.
	UpdateEvent(ctx context.Context, ev *WebhookEvent) error
	// EventsForTask lists outbox rows referencing one resource id.
	EventsForTask(ctx context.Context, taskID uuid.UUID) ([]WebhookEvent, error)
}

// BacklogEntry is a task parked while its tenant is out of permits.
type BacklogEntry struct {
	TaskID     uuid.UUID
	TenantID   uuid.UUID
	EnqueuedAt time.Time
	ExpiresAt  time.Time
}

// BacklogStore holds tasks awaiting tenant permits, FIFO by admission.
type BacklogStore interface {
	Push(ctx context.Context, e BacklogEntry) error
	// Oldest returns up to limit entries ordered by admission time.
	Oldest(ctx context.Context, limit int) ([]BacklogEntry, error)
	Remove(ctx context.Context, taskID uuid.UUID) error
	Depth(ctx context.Context) (int, error)
}
