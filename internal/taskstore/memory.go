// Package taskstore provides durable task, crawl, outbox and backlog
// persistence. The Postgres implementation is authoritative; the memory
// implementation backs development and tests.
package taskstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crawlrs/crawlrs/internal/task"
)

// Memory is an in-process implementation of the store interfaces.
type Memory struct {
	mu      sync.RWMutex
	tasks   map[uuid.UUID]*task.Task
	crawls  map[uuid.UUID]*task.Crawl
	events  map[uuid.UUID]*task.WebhookEvent
	credits map[uuid.UUID]int64
	backlog []task.BacklogEntry
}

// NewMemory constructs an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		tasks:   make(map[uuid.UUID]*task.Task),
		crawls:  make(map[uuid.UUID]*task.Crawl),
		events:  make(map[uuid.UUID]*task.WebhookEvent),
		credits: make(map[uuid.UUID]int64),
	}
}

// Enqueue persists a new task in queued status.
func (m *Memory) Enqueue(_ context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
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
	cp := *t
	m.tasks[t.ID] = &cp
	return nil
}

// Find returns a task by id.
func (m *Memory) Find(_ context.Context, id uuid.UUID) (task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return task.Task{}, task.ErrNotFound
	}
	return *t, nil
}

// Query returns tasks matching the filter.
func (m *Memory) Query(_ context.Context, f task.QueryFilter) ([]task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []task.Task
	for _, id := range f.IDs {
		t, ok := m.tasks[id]
		if !ok {
			continue
		}
		if !matchesFilter(t, f) {
			continue
		}
		cp := *t
		if !f.IncludeResults {
			cp.Result = nil
		}
		out = append(out, cp)
		if len(out) >= 100 {
			break
		}
	}
	return out, nil
}

func matchesFilter(t *task.Task, f task.QueryFilter) bool {
	if f.TenantID != nil && t.TenantID != *f.TenantID {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, t.Status) {
		return false
	}
	if len(f.Kinds) > 0 && !containsKind(f.Kinds, t.Kind) {
		return false
	}
	return true
}

func containsStatus(set []task.Status, s task.Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func containsKind(set []task.Kind, k task.Kind) bool {
	for _, v := range set {
		if v == k {
			return true
		}
	}
	return false
}

// CancelMany cancels non-terminal tasks, emitting outbox events.
func (m *Memory) CancelMany(_ context.Context, ids []uuid.UUID, force bool) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	var cancelled []uuid.UUID
	for _, id := range ids {
		t, ok := m.tasks[id]
		if !ok || t.Status.IsTerminal() {
			continue
		}
		if t.Status == task.StatusActive && !force {
			continue
		}
		t.Status = task.StatusCancelled
		t.ErrorCode = string(task.KindCancelled)
		t.LeaseHolder = nil
		t.LeaseUntil = nil
		t.CompletedAt = &now
		m.appendTerminalEventLocked(t, now)
		cancelled = append(cancelled, id)
	}
	return cancelled, nil
}

// LeaseNext claims the best ready queued task for workerID.
func (m *Memory) LeaseNext(
	_ context.Context,
	workerID uuid.UUID,
	kinds []task.Kind,
	now time.Time,
) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	parked := make(map[uuid.UUID]struct{}, len(m.backlog))
	for _, e := range m.backlog {
		parked[e.TaskID] = struct{}{}
	}
	var best *task.Task
	for _, t := range m.tasks {
		if t.Status != task.StatusQueued {
			continue
		}
		if _, held := parked[t.ID]; held {
			continue
		}
		if len(kinds) > 0 && !containsKind(kinds, t.Kind) {
			continue
		}
		if t.NextRetryAt != nil && t.NextRetryAt.After(now) {
			continue
		}
		if best == nil ||
			t.Priority > best.Priority ||
			(t.Priority == best.Priority && t.CreatedAt.Before(best.CreatedAt)) {
			best = t
		}
	}
	if best == nil {
		return nil, nil
	}
	until := now.Add(task.LeaseDuration)
	holder := workerID
	best.Status = task.StatusActive
	best.LeaseHolder = &holder
	best.LeaseUntil = &until
	if best.StartedAt == nil {
		started := now
		best.StartedAt = &started
	}
	cp := *best
	return &cp, nil
}

// ExtendLease pushes the lease deadline for a held lease.
func (m *Memory) ExtendLease(_ context.Context, id, workerID uuid.UUID, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return task.ErrNotFound
	}
	if !t.HoldsLease(workerID, time.Now()) {
		return task.ErrLostLease
	}
	u := until
	t.LeaseUntil = &u
	return nil
}

// Complete transitions a held task to completed and appends its event.
func (m *Memory) Complete(_ context.Context, id, workerID uuid.UUID, result json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return task.ErrNotFound
	}
	if t.Status.IsTerminal() {
		return task.ErrTerminal
	}
	if !t.HoldsLease(workerID, time.Now()) {
		return task.ErrLostLease
	}
	now := time.Now().UTC()
	t.Status = task.StatusCompleted
	t.Result = result
	t.LeaseHolder = nil
	t.LeaseUntil = nil
	t.CompletedAt = &now
	m.appendTerminalEventLocked(t, now)
	return nil
}

// Fail marks a held task failed, or re-queues it with backoff when
// retry is requested and attempts remain.
func (m *Memory) Fail(_ context.Context, id, workerID uuid.UUID, errCode string, retry bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return task.ErrNotFound
	}
	if t.Status.IsTerminal() {
		return task.ErrTerminal
	}
	if !t.HoldsLease(workerID, time.Now()) {
		return task.ErrLostLease
	}
	now := time.Now().UTC()
	t.LeaseHolder = nil
	t.LeaseUntil = nil
	if retry && t.RetryCount < t.MaxRetries {
		t.RetryCount++
		next := now.Add(task.RetryBackoff(t.RetryCount))
		t.Status = task.StatusQueued
		t.NextRetryAt = &next
		t.ErrorCode = errCode
		return nil
	}
	t.Status = task.StatusFailed
	t.ErrorCode = errCode
	t.CompletedAt = &now
	m.appendTerminalEventLocked(t, now)
	return nil
}

// Expire cancels a still-queued task with the expired error kind.
func (m *Memory) Expire(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return task.ErrNotFound
	}
	if t.Status != task.StatusQueued {
		return task.ErrTerminal
	}
	now := time.Now().UTC()
	t.Status = task.StatusCancelled
	t.ErrorCode = string(task.KindExpired)
	t.CompletedAt = &now
	m.appendTerminalEventLocked(t, now)
	return nil
}

// ReapExpired returns lapsed active tasks to queued. Lease loss is a
// worker fault, so retry_count is left alone.
func (m *Memory) ReapExpired(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reaped := 0
	for _, t := range m.tasks {
		if t.Status != task.StatusActive || t.LeaseUntil == nil || t.LeaseUntil.After(now) {
			continue
		}
		t.Status = task.StatusQueued
		t.LeaseHolder = nil
		t.LeaseUntil = nil
		reaped++
	}
	return reaped, nil
}

// CountActive reports in-flight tasks for one tenant.
func (m *Memory) CountActive(_ context.Context, tenant uuid.UUID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, t := range m.tasks {
		if t.TenantID == tenant && t.Status == task.StatusActive {
			n++
		}
	}
	return n, nil
}

// ListByCrawl pages through a crawl's child tasks ordered by creation.
func (m *Memory) ListByCrawl(
	_ context.Context,
	crawlID uuid.UUID,
	page, limit int,
) ([]task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []task.Task
	for _, t := range m.tasks {
		if t.CrawlID != nil && *t.CrawlID == crawlID && t.Kind == task.KindCrawlChild {
			all = append(all, *t)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	if limit <= 0 {
		limit = 20
	}
	if page < 1 {
		page = 1
	}
	start := (page - 1) * limit
	if start >= len(all) {
		return nil, nil
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], nil
}

func (m *Memory) appendTerminalEventLocked(t *task.Task, now time.Time) {
	ev, err := task.NewTerminalEvent(t, now)
	if err != nil || ev == nil {
		return
	}
	m.events[ev.ID] = ev
}

// --- CrawlStore ---

// CreateCrawl persists a crawl record.
func (m *Memory) CreateCrawl(_ context.Context, c *task.Crawl) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.ExpiresAt.IsZero() {
		c.ExpiresAt = c.CreatedAt.Add(task.CrawlBudget)
	}
	c.Status = task.CrawlProcessing
	cp := *c
	m.crawls[c.ID] = &cp
	return nil
}

// FindCrawl returns a crawl by id.
func (m *Memory) FindCrawl(_ context.Context, id uuid.UUID) (task.Crawl, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.crawls[id]
	if !ok {
		return task.Crawl{}, task.ErrNotFound
	}
	return *c, nil
}

// AddDiscovered bumps the discovered counter up to the page cap.
func (m *Memory) AddDiscovered(_ context.Context, id uuid.UUID, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.crawls[id]
	if !ok {
		return task.ErrNotFound
	}
	if c.Config.Limit > 0 && c.Counters.Discovered+n > c.Config.Limit {
		return task.E(task.KindInvalidInput, "page cap reached")
	}
	c.Counters.Discovered += n
	return nil
}

// RecordChildOutcome bumps one outcome counter.
func (m *Memory) RecordChildOutcome(_ context.Context, id uuid.UUID, outcome task.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.crawls[id]
	if !ok {
		return task.ErrNotFound
	}
	switch outcome {
	case task.StatusCompleted:
		c.Counters.Completed++
	case task.StatusFailed:
		c.Counters.Failed++
	case task.StatusCancelled:
		c.Counters.Cancelled++
	}
	return nil
}

// SetCrawlStatus flips the crawl status; terminal statuses stick.
func (m *Memory) SetCrawlStatus(_ context.Context, id uuid.UUID, status task.CrawlStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.crawls[id]
	if !ok {
		return task.ErrNotFound
	}
	if c.Status.IsTerminal() {
		return task.ErrTerminal
	}
	c.Status = status
	return nil
}

// AddSkipped counts robots-refused pages for a crawl.
func (m *Memory) AddSkipped(_ context.Context, id uuid.UUID, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.crawls[id]
	if !ok {
		return task.ErrNotFound
	}
	c.Counters.Skipped += n
	return nil
}

// DebitCredits subtracts from the tenant's ledger, creating the row on
// first use.
func (m *Memory) DebitCredits(_ context.Context, tenant uuid.UUID, amount int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credits[tenant] -= int64(amount)
	return m.credits[tenant], nil
}

// CreditBalance returns the tenant's current balance.
func (m *Memory) CreditBalance(_ context.Context, tenant uuid.UUID) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.credits[tenant], nil
}

// ListExpired returns processing crawls past their budget.
func (m *Memory) ListExpired(_ context.Context, now time.Time) ([]task.Crawl, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []task.Crawl
	for _, c := range m.crawls {
		if c.Status == task.CrawlProcessing && !c.ExpiresAt.After(now) {
			out = append(out, *c)
		}
	}
	return out, nil
}

// --- OutboxStore ---

// AppendEvent inserts a pending webhook event row.
func (m *Memory) AppendEvent(_ context.Context, ev *task.WebhookEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	cp := *ev
	m.events[ev.ID] = &cp
	return nil
}

// DuePending returns deliverable events ordered by next_retry_at.
func (m *Memory) DuePending(_ context.Context, now time.Time, limit int) ([]task.WebhookEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []task.WebhookEvent
	for _, ev := range m.events {
		if ev.Status != task.EventPending && ev.Status != task.EventFailed {
			continue
		}
		if ev.NextRetryAt.After(now) {
			continue
		}
		out = append(out, *ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRetryAt.Before(out[j].NextRetryAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateEvent persists an attempt outcome; delivered/dead are sticky.
func (m *Memory) UpdateEvent(_ context.Context, ev *task.WebhookEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.events[ev.ID]
	if !ok {
		return task.ErrNotFound
	}
	if cur.Status == task.EventDelivered || cur.Status == task.EventDead {
		return task.ErrTerminal
	}
	cp := *ev
	m.events[ev.ID] = &cp
	return nil
}

// EventsForTask lists outbox rows whose payload references the task.
func (m *Memory) EventsForTask(_ context.Context, taskID uuid.UUID) ([]task.WebhookEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []task.WebhookEvent
	for _, ev := range m.events {
		var payload task.TerminalEventPayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			continue
		}
		if payload.TaskID == taskID {
			out = append(out, *ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- BacklogStore ---

// Push parks a task awaiting a tenant permit.
func (m *Memory) Push(_ context.Context, e task.BacklogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backlog = append(m.backlog, e)
	return nil
}

// Oldest returns up to limit entries FIFO by admission.
func (m *Memory) Oldest(_ context.Context, limit int) ([]task.BacklogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := len(m.backlog)
	if limit > 0 && n > limit {
		n = limit
	}
	out := make([]task.BacklogEntry, n)
	copy(out, m.backlog[:n])
	return out, nil
}

// Remove drops one backlog entry.
func (m *Memory) Remove(_ context.Context, taskID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.backlog {
		if e.TaskID == taskID {
			m.backlog = append(m.backlog[:i], m.backlog[i+1:]...)
			return nil
		}
	}
	return task.ErrNotFound
}

// Depth reports the backlog size.
func (m *Memory) Depth(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.backlog), nil
}
