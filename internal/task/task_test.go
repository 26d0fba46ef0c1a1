package task

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestStatusIsTerminal(t *testing.T) {
	t.Parallel()

	require.False(t, StatusQueued.IsTerminal())
	require.False(t, StatusActive.IsTerminal())
	require.True(t, StatusCompleted.IsTerminal())
	require.True(t, StatusFailed.IsTerminal())
	require.True(t, StatusCancelled.IsTerminal())
}

func TestRetryBackoffLadder(t *testing.T) {
	t.Parallel()

	require.Equal(t, time.Second, RetryBackoff(1))
	require.Equal(t, 5*time.Second, RetryBackoff(2))
	require.Equal(t, 25*time.Second, RetryBackoff(3))
	require.Equal(t, 125*time.Second, RetryBackoff(4))
	// Capped at five minutes from then on.
	require.Equal(t, 5*time.Minute, RetryBackoff(5))
	require.Equal(t, 5*time.Minute, RetryBackoff(20))
}

func TestWebhookBackoffLadder(t *testing.T) {
	t.Parallel()

	require.Equal(t, 10*time.Second, WebhookBackoff(1))
	require.Equal(t, time.Minute, WebhookBackoff(2))
	require.Equal(t, 5*time.Minute, WebhookBackoff(3))
	require.Equal(t, 30*time.Minute, WebhookBackoff(4))
	require.Equal(t, time.Hour, WebhookBackoff(5))
	require.Equal(t, time.Hour, WebhookBackoff(9))
}

func TestHoldsLease(t *testing.T) {
	t.Parallel()

	worker := uuid.New()
	other := uuid.New()
	now := time.Now()
	until := now.Add(time.Minute)

	tk := Task{Status: StatusActive, LeaseHolder: &worker, LeaseUntil: &until}
	require.True(t, tk.HoldsLease(worker, now))
	require.False(t, tk.HoldsLease(other, now))
	require.False(t, tk.HoldsLease(worker, until.Add(time.Second)))

	tk.Status = StatusQueued
	require.False(t, tk.HoldsLease(worker, now))
}

func TestErrorKindMapping(t *testing.T) {
	t.Parallel()

	err := Wrap(KindEngineTransient, "fetch", errors.New("connection reset"))
	require.Equal(t, KindEngineTransient, KindOf(err))
	require.True(t, err.Retryable())
	require.Equal(t, "ENGINE_TRANSIENT", KindOf(err).APICode())

	term := E(KindSSRFDetected, "private address")
	require.False(t, term.Retryable())
	require.Equal(t, "SSRF_DETECTED", term.Kind.APICode())

	require.Equal(t, KindInternal, KindOf(errors.New("plain")))
}

func TestEventTypeFor(t *testing.T) {
	t.Parallel()

	require.Equal(t, EventScrapeCompleted, EventTypeFor(KindScrape, true))
	require.Equal(t, EventScrapeFailed, EventTypeFor(KindCrawlChild, false))
	require.Equal(t, EventCrawlCompleted, EventTypeFor(KindCrawlSeed, true))
	require.Equal(t, EventCrawlFailed, EventTypeFor(KindCrawlSeed, false))
	require.Equal(t, EventExtractCompleted, EventTypeFor(KindExtract, true))
}
