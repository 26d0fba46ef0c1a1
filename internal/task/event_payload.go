package task

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TerminalEventPayload is the webhook body emitted for task terminal
// transitions. Failed tasks carry the short error code, never internals.
type TerminalEventPayload struct {
	Event     string     `json:"event"`
	TaskID    uuid.UUID  `json:"task_id"`
	CrawlID   *uuid.UUID `json:"crawl_id,omitempty"`
	Status    Status     `json:"status"`
	ErrorCode string     `json:"error_code,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// NewTerminalEvent builds the pending outbox row for a task that just
// reached a terminal status. Returns nil when no webhook is configured.
func NewTerminalEvent(t *Task, now time.Time) (*WebhookEvent, error) {
	if t.WebhookURL == "" {
		return nil, nil
	}
	eventType := EventTypeFor(t.Kind, t.Status == StatusCompleted)
	body, err := json.Marshal(TerminalEventPayload{
		Event:     eventType,
		TaskID:    t.ID,
		CrawlID:   t.CrawlID,
		Status:    t.Status,
		ErrorCode: t.ErrorCode,
		Timestamp: now.UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}
	return &WebhookEvent{
		ID:          uuid.New(),
		TenantID:    t.TenantID,
		EventType:   eventType,
		Payload:     body,
		TargetURL:   t.WebhookURL,
		Status:      EventPending,
		NextRetryAt: now,
		CreatedAt:   now,
	}, nil
}
