package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/crawlrs/crawlrs/internal/metrics"
	"github.com/crawlrs/crawlrs/internal/task"
)

// Delivery knobs.
const (
	// RequestTimeout bounds one delivery attempt.
	RequestTimeout = 10 * time.Second
	// PollInterval is the outbox scan cadence.
	PollInterval = time.Second
	// batchSize caps events claimed per scan.
	batchSize = 100
)

// Deliverer drains the webhook outbox: due events are POSTed to their
// target with a signed body, and the row is advanced to delivered,
// failed-with-backoff, or dead.
type Deliverer struct {
	outbox task.OutboxStore
	secret string
	client *http.Client
	logger *zap.Logger
	now    func() time.Time
	poll   time.Duration
}

// NewDeliverer wires a deliverer against the outbox store. secret signs
// every payload.
func NewDeliverer(outbox task.OutboxStore, secret string, logger *zap.Logger) *Deliverer {
	return &Deliverer{
		outbox: outbox,
		secret: secret,
		client: &http.Client{Timeout: RequestTimeout},
		logger: logger.Named("webhook"),
		now:    time.Now,
		poll:   PollInterval,
	}
}

// Run scans the outbox until ctx is cancelled.
func (d *Deliverer) Run(ctx context.Context) {
	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.Tick(ctx); err != nil {
				d.logger.Warn("outbox scan failed", zap.Error(err))
			}
		}
	}
}

// Tick processes one batch of due events and reports how many were
// attempted.
func (d *Deliverer) Tick(ctx context.Context) (int, error) {
	due, err := d.outbox.DuePending(ctx, d.now(), batchSize)
	if err != nil {
		return 0, fmt.Errorf("list due events: %w", err)
	}
	for i := range due {
		d.deliver(ctx, &due[i])
	}
	return len(due), nil
}

func (d *Deliverer) deliver(ctx context.Context, ev *task.WebhookEvent) {
	status, err := d.post(ctx, ev)
	now := d.now()

	if err == nil && status >= 200 && status < 300 {
		ev.Status = task.EventDelivered
		ev.ResponseStatus = &status
		ev.DeliveredAt = &now
		ev.ErrorMessage = ""
		metrics.ObserveWebhookDelivery("delivered")
		if uerr := d.outbox.UpdateEvent(ctx, ev); uerr != nil {
			d.logger.Warn("record delivery", zap.Error(uerr))
		}
		return
	}

	ev.RetryCount++
	if status > 0 {
		ev.ResponseStatus = &status
		ev.ErrorMessage = fmt.Sprintf("endpoint returned status %d", status)
	} else if err != nil {
		ev.ErrorMessage = err.Error()
	}
	if ev.RetryCount >= task.WebhookMaxRetries {
		ev.Status = task.EventDead
		metrics.ObserveWebhookDelivery("dead")
		d.logger.Warn("webhook dead-lettered",
			zap.String("event_id", ev.ID.String()),
			zap.String("target", ev.TargetURL),
			zap.Int("attempts", ev.RetryCount))
	} else {
		ev.Status = task.EventFailed
		ev.NextRetryAt = now.Add(task.WebhookBackoff(ev.RetryCount))
		metrics.ObserveWebhookDelivery("failed")
	}
	if uerr := d.outbox.UpdateEvent(ctx, ev); uerr != nil {
		d.logger.Warn("record delivery failure", zap.Error(uerr))
	}
}

// post performs one signed attempt. A zero status means the request
// never produced a response.
func (d *Deliverer) post(ctx context.Context, ev *task.WebhookEvent) (int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, RequestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, ev.TargetURL,
		bytes.NewReader(ev.Payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, ev.EventType)
	req.Header.Set(HeaderSignature, Sign(d.secret, ev.Payload))

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	return resp.StatusCode, nil
}
