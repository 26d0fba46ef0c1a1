package task

import (
	"time"

	"github.com/google/uuid"
)

// CrawlStatus is the lifecycle state of a crawl invocation.
type CrawlStatus string

// Crawl status values.
const (
	CrawlProcessing CrawlStatus = "processing"
	CrawlCompleted  CrawlStatus = "completed"
	CrawlFailed     CrawlStatus = "failed"
	CrawlCancelled  CrawlStatus = "cancelled"
	CrawlExpired    CrawlStatus = "expired"
)

// IsTerminal reports whether the crawl admits no further transitions.
func (s CrawlStatus) IsTerminal() bool {
	return s != CrawlProcessing
}

// CrawlBudget is the wall-clock budget after which an unfinished crawl
// transitions to expired.
const CrawlBudget = 24 * time.Hour

// CrawlConfig carries the per-crawl knobs requested by the client.
type CrawlConfig struct {
	MaxDepth      int            `json:"max_depth"`
	Limit         int            `json:"limit"`
	IncludePaths  []string       `json:"include_paths,omitempty"`
	ExcludePaths  []string       `json:"exclude_paths,omitempty"`
	IgnoreRobots  bool           `json:"ignore_robots,omitempty"`
	CrawlDelayMs  int            `json:"crawl_delay_ms,omitempty"`
	MaxConcurrent int            `json:"max_concurrency,omitempty"`
	Scrape        *ScrapePayload `json:"scrape_options,omitempty"`
}

// CrawlCounters tracks page accounting for one crawl.
// Invariant: Completed+Failed+Cancelled <= Discovered <= Limit. Skipped
// counts pages refused before a child task existed (robots) and is not
// part of that sum.
type CrawlCounters struct {
	Discovered int `json:"discovered"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
	Skipped    int `json:"skipped"`
}

// Crawl is the metadata record for one crawl invocation. The frontier is
// owned by the crawl, not by any single worker.
type Crawl struct {
	ID         uuid.UUID     `json:"id"`
	TenantID   uuid.UUID     `json:"tenant_id"`
	SeedURL    string        `json:"seed_url"`
	SeedTaskID uuid.UUID     `json:"seed_task_id"`
	Config     CrawlConfig   `json:"config"`
	Counters   CrawlCounters `json:"counters"`
	Status     CrawlStatus   `json:"status"`
	WebhookURL string        `json:"webhook_url,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	ExpiresAt  time.Time     `json:"expires_at"`
}
