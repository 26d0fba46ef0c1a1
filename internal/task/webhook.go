package task

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventStatus is the delivery state of an outbox row.
type EventStatus string

// Webhook event statuses. Delivered and dead are sticky.
const (
	EventPending   EventStatus = "pending"
	EventDelivered EventStatus = "delivered"
	EventFailed    EventStatus = "failed"
	EventDead      EventStatus = "dead"
)

// Event types emitted on task terminal transitions.
const (
	EventScrapeCompleted  = "scrape.completed"
	EventScrapeFailed     = "scrape.failed"
	EventCrawlCompleted   = "crawl.completed"
	EventCrawlFailed      = "crawl.failed"
	EventCrawlPage        = "crawl.page"
	EventCrawlPageFailed  = "crawl.page_failed"
	EventSearchCompleted  = "search.completed"
	EventSearchFailed     = "search.failed"
	EventExtractCompleted = "extract.completed"
	EventExtractFailed    = "extract.failed"
)

// WebhookMaxRetries bounds delivery attempts before dead-lettering.
const WebhookMaxRetries = 5

// WebhookEvent is one durable outbox row. Rows are appended in the same
// transaction as the terminal status write they announce.
type WebhookEvent struct {
	ID             uuid.UUID       `json:"id"`
	TenantID       uuid.UUID       `json:"tenant_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	TargetURL      string          `json:"target_url"`
	Status         EventStatus     `json:"status"`
	RetryCount     int             `json:"retry_count"`
	NextRetryAt    time.Time       `json:"next_retry_at"`
	ResponseStatus *int            `json:"response_status,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	DeliveredAt    *time.Time      `json:"delivered_at,omitempty"`
}

// WebhookBackoff returns the delay before the next delivery attempt.
// The ladder is 10s, 1m, 5m, 30m, 1h, indexed by the retry count.
func WebhookBackoff(retryCount int) time.Duration {
	ladder := []time.Duration{
		10 * time.Second,
		time.Minute,
		5 * time.Minute,
		30 * time.Minute,
		time.Hour,
	}
	if retryCount < 1 {
		return ladder[0]
	}
	if retryCount > len(ladder) {
		return ladder[len(ladder)-1]
	}
	return ladder[retryCount-1]
}

// EventTypeFor maps a task kind and outcome to the wire event type.
func EventTypeFor(kind Kind, succeeded bool) string {
	switch kind {
	case KindCrawlSeed:
		if succeeded {
			return EventCrawlCompleted
		}
		return EventCrawlFailed
	case KindCrawlChild:
		if succeeded {
			return EventCrawlPage
		}
		return EventCrawlPageFailed
	case KindSearch:
		if succeeded {
			return EventSearchCompleted
		}
		return EventSearchFailed
	case KindExtract:
		if succeeded {
			return EventExtractCompleted
		}
		return EventExtractFailed
	default:
		if succeeded {
			return EventScrapeCompleted
		}
		return EventScrapeFailed
	}
}
