package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crawlrs/crawlrs/internal/metrics"
)

func newTestBreaker(now *time.Time) *Breaker {
	metrics.Init()
	b := NewBreaker(NameHTTP, DefaultBreakerConfig())
	b.now = func() time.Time { return *now }
	return b
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	t.Parallel()

	now := time.Now()
	b := newTestBreaker(&now)

	for i := 0; i < 4; i++ {
		b.RecordFailure()
		require.Equal(t, StateClosed, b.State())
		require.True(t, b.Allow())
	}
	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())
	require.False(t, b.Allow())
}

func TestBreakerWindowForgivesOldFailures(t *testing.T) {
	t.Parallel()

	now := time.Now()
	b := newTestBreaker(&now)

	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	// The early failures fall out of the 60s window before the fifth.
	now = now.Add(61 * time.Second)
	b.RecordFailure()
	require.Equal(t, StateClosed, b.State())
	require.Equal(t, 1, b.FailureCount())
}

func TestBreakerSuccessResetsCounter(t *testing.T) {
	t.Parallel()

	now := time.Now()
	b := newTestBreaker(&now)

	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	b.RecordSuccess()
	require.Zero(t, b.FailureCount())
	b.RecordFailure()
	require.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenSingleProbe(t *testing.T) {
	t.Parallel()

	now := time.Now()
	b := newTestBreaker(&now)
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	require.False(t, b.Allow())

	// Recovery elapsed: one probe gets through, a second caller does not.
	now = now.Add(31 * time.Second)
	require.True(t, b.Allow())
	require.False(t, b.Allow())
}

func TestBreakerHalfOpenSuccessCloses(t *testing.T) {
	t.Parallel()

	now := time.Now()
	b := newTestBreaker(&now)
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	now = now.Add(31 * time.Second)
	require.True(t, b.Allow())
	b.RecordSuccess()
	require.Equal(t, StateClosed, b.State())
	require.True(t, b.Allow())
	require.Zero(t, b.FailureCount())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	now := time.Now()
	b := newTestBreaker(&now)
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	now = now.Add(31 * time.Second)
	require.True(t, b.Allow())
	b.RecordFailure()
	require.False(t, b.Allow())

	// The 30s clock restarts from the probe failure.
	now = now.Add(29 * time.Second)
	require.False(t, b.Allow())
	now = now.Add(2 * time.Second)
	require.True(t, b.Allow())
}
