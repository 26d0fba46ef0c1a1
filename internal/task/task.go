// Package task defines the durable work model shared across subsystems.
package task

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the unit of work a task represents.
type Kind string

// Task kinds persisted in the task store.
const (
	KindScrape     Kind = "scrape"
	KindCrawlSeed  Kind = "crawl_seed"
	KindCrawlChild Kind = "crawl_child"
	KindExtract    Kind = "extract"
	KindSearch     Kind = "search"
)

// Status is the lifecycle state of a task.
type Status string

// Task status values. Transitions form a DAG: queued -> active ->
// {completed, failed, cancelled}, with active -> queued only via lease
// expiry or an explicit retry.
const (
	StatusQueued    Status = "queued"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether a status admits no further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// LeaseDuration is the exclusive claim window handed out by LeaseNext.
// Workers running longer tasks must extend before 80% of it elapses.
const LeaseDuration = 5 * time.Minute

// DefaultMaxRetries bounds task-level retry attempts.
const DefaultMaxRetries = 3

// Task is one unit of durable work. The store row is the canonical state;
// a worker holding a valid lease owns the in-flight copy.
type Task struct {
	ID          uuid.UUID       `json:"id"`
	Kind        Kind            `json:"kind"`
	TenantID    uuid.UUID       `json:"tenant_id"`
	Priority    int             `json:"priority"`
	Status      Status          `json:"status"`
	RetryCount  int             `json:"retry_count"`
	MaxRetries  int             `json:"max_retries"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	ErrorCode   string          `json:"error_code,omitempty"`
	WebhookURL  string          `json:"webhook_url,omitempty"`
	LeaseHolder *uuid.UUID      `json:"lease_holder,omitempty"`
	LeaseUntil  *time.Time      `json:"lease_until,omitempty"`
	ParentID    *uuid.UUID      `json:"parent_id,omitempty"`
	CrawlID     *uuid.UUID      `json:"crawl_id,omitempty"`
	NextRetryAt *time.Time      `json:"next_retry_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// HoldsLease reports whether workerID currently owns this task's lease.
func (t *Task) HoldsLease(workerID uuid.UUID, now time.Time) bool {
	return t.Status == StatusActive &&
		t.LeaseHolder != nil && *t.LeaseHolder == workerID &&
		t.LeaseUntil != nil && t.LeaseUntil.After(now)
}

// RetryBackoff computes the delay before re-queueing a failed task.
// The ladder is 1s, 5s, 25s, ... capped at five minutes.
func RetryBackoff(retryCount int) time.Duration {
	const ceiling = 5 * time.Minute
	d := time.Second
	for i := 1; i < retryCount; i++ {
		d *= 5
		if d >= ceiling {
			return ceiling
		}
	}
	return d
}

// ScrapePayload is the opaque payload carried by scrape and crawl-child tasks.
type ScrapePayload struct {
	URL                 string            `json:"url"`
	Formats             []string          `json:"formats,omitempty"`
	Headers             map[string]string `json:"headers,omitempty"`
	TimeoutMs           int               `json:"timeout_ms,omitempty"`
	Mobile              bool              `json:"mobile,omitempty"`
	Proxy               string            `json:"proxy,omitempty"`
	SkipTLSVerification bool              `json:"skip_tls_verification,omitempty"`
	NeedsJS             bool              `json:"needs_js,omitempty"`
	NeedsScreenshot     bool              `json:"needs_screenshot,omitempty"`
	NeedsAntiBot        bool              `json:"needs_anti_bot,omitempty"`
	Actions             []Action          `json:"actions,omitempty"`
	Depth               int               `json:"depth,omitempty"`
}

// Action is one browser step requested alongside a scrape.
type Action struct {
	Type     string `json:"type"` // wait, click, scroll, screenshot
	Selector string `json:"selector,omitempty"`
	Millis   int    `json:"milliseconds,omitempty"`
}

// SearchPayload is carried by search tasks.
type SearchPayload struct {
	Query    string   `json:"query"`
	Engines  []string `json:"engines,omitempty"`
	Limit    int      `json:"limit,omitempty"`
	Language string   `json:"lang,omitempty"`
	Country  string   `json:"country,omitempty"`
}

// ExtractPayload is carried by extract tasks. At least one of Prompt or
// Schema must be set; Schema is a JSON Schema the extracted object must
// conform to.
type ExtractPayload struct {
	URL    string          `json:"url"`
	Prompt string          `json:"prompt,omitempty"`
	Schema json.RawMessage `json:"schema,omitempty"`
}

// QueryFilter narrows batch task queries.
type QueryFilter struct {
	IDs            []uuid.UUID
	Statuses       []Status
	Kinds          []Kind
	TenantID       *uuid.UUID
	IncludeResults bool
}
