package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crawlrs/crawlrs/internal/metrics"
	"github.com/crawlrs/crawlrs/internal/task"
	"github.com/crawlrs/crawlrs/internal/taskstore"
)

func TestMain(m *testing.M) {
	metrics.Init()
	m.Run()
}

func appendEvent(t *testing.T, store *taskstore.Memory, target string) *task.WebhookEvent {
	t.Helper()
	ev := &task.WebhookEvent{
		ID:          uuid.New(),
		TenantID:    uuid.New(),
		EventType:   task.EventScrapeCompleted,
		Payload:     []byte(`{"task_id":"t1","status":"completed"}`),
		TargetURL:   target,
		Status:      task.EventPending,
		NextRetryAt: time.Now().Add(-time.Second),
		CreatedAt:   time.Now(),
	}
	require.NoError(t, store.AppendEvent(context.Background(), ev))
	return ev
}

func TestDeliverySignsAndMarksDelivered(t *testing.T) {
	t.Parallel()

	var gotEvent, gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEvent = r.Header.Get(HeaderEvent)
		gotSig = r.Header.Get(HeaderSignature)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := taskstore.NewMemory()
	ev := appendEvent(t, store, srv.URL)

	d := NewDeliverer(store, "s3cret", zap.NewNop())
	n, err := d.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.Equal(t, task.EventScrapeCompleted, gotEvent)
	require.True(t, Verify("s3cret", gotBody, gotSig))
	require.Equal(t, string(ev.Payload), string(gotBody))

	due, err := store.DuePending(context.Background(), time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Empty(t, due, "delivered events leave the due set")
}

func TestDeliveryFailureSchedulesRetry(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := taskstore.NewMemory()
	appendEvent(t, store, srv.URL)

	d := NewDeliverer(store, "s3cret", zap.NewNop())
	start := time.Now()
	_, err := d.Tick(context.Background())
	require.NoError(t, err)

	// not due now, due once the first backoff rung (10s) elapses
	due, err := store.DuePending(context.Background(), time.Now(), 10)
	require.NoError(t, err)
	require.Empty(t, due)

	due, err = store.DuePending(context.Background(), start.Add(11*time.Second), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, task.EventFailed, due[0].Status)
	require.Equal(t, 1, due[0].RetryCount)
	require.NotNil(t, due[0].ResponseStatus)
	require.Equal(t, http.StatusInternalServerError, *due[0].ResponseStatus)
}

func TestDeliveryDeadLettersAfterMaxRetries(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	store := taskstore.NewMemory()
	appendEvent(t, store, srv.URL)

	d := NewDeliverer(store, "s3cret", zap.NewNop())
	// force the event due again after each failed attempt
	for i := 0; i < task.WebhookMaxRetries; i++ {
		d.now = func() time.Time { return time.Now().Add(time.Duration(i+1) * time.Hour) }
		_, err := d.Tick(context.Background())
		require.NoError(t, err)
	}

	due, err := store.DuePending(context.Background(), time.Now().Add(100*time.Hour), 10)
	require.NoError(t, err)
	require.Empty(t, due, "dead events are never retried")
}

func TestDeliveryUnreachableEndpointFails(t *testing.T) {
	t.Parallel()

	store := taskstore.NewMemory()
	appendEvent(t, store, "http://127.0.0.1:1/hook")

	d := NewDeliverer(store, "s3cret", zap.NewNop())
	_, err := d.Tick(context.Background())
	require.NoError(t, err)

	due, err := store.DuePending(context.Background(), time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, task.EventFailed, due[0].Status)
	require.NotEmpty(t, due[0].ErrorMessage)
	require.Nil(t, due[0].ResponseStatus)
}

func TestSignVerifyRoundTrip(t *testing.T) {
	t.Parallel()

	body := []byte(`{"event":"scrape.completed"}`)
	sig := Sign("secret", body)
	require.True(t, Verify("secret", body, sig))
	require.False(t, Verify("other", body, sig))
	require.False(t, Verify("secret", []byte(`{}`), sig))
	require.Regexp(t, `^sha256=[0-9a-f]{64}$`, sig)
}
