package ratelimit

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crawlrs/crawlrs/internal/cache"
	"github.com/crawlrs/crawlrs/internal/metrics"
	"github.com/crawlrs/crawlrs/internal/task"
)

func TestMain(m *testing.M) {
	metrics.Init()
	m.Run()
}

type brokenCache struct{ cache.Cache }

func (brokenCache) Incr(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("backend down")
}

func TestAllowWithinBudget(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 26, 10, 0, 10, 0, time.UTC)
	c := cache.NewMemoryAt(func() time.Time { return now })
	l := New(c, Config{RequestsPerMinute: 3}, zap.NewNop())
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Allow(ctx, "cred-a"))
	}
	err := l.Allow(ctx, "cred-a")
	require.Error(t, err)
	require.Equal(t, task.KindRateLimitExceeded, task.KindOf(err))

	var te *task.Error
	require.ErrorAs(t, err, &te)
	require.Greater(t, te.RetryAfter, time.Duration(0))
	require.LessOrEqual(t, te.RetryAfter, Window)

	// A different credential has its own window.
	require.NoError(t, l.Allow(ctx, "cred-b"))
}

func TestAllowWindowRollover(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 26, 10, 0, 59, 0, time.UTC)
	c := cache.NewMemoryAt(func() time.Time { return now })
	l := New(c, Config{RequestsPerMinute: 1}, zap.NewNop())
	l.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, l.Allow(ctx, "cred"))
	require.Error(t, l.Allow(ctx, "cred"))

	// One second later the minute boundary has passed.
	now = now.Add(time.Second)
	require.NoError(t, l.Allow(ctx, "cred"))
}

func TestAllowFailsOpen(t *testing.T) {
	t.Parallel()

	l := New(brokenCache{}, Config{RequestsPerMinute: 1}, zap.NewNop())
	require.NoError(t, l.Allow(context.Background(), "cred"))
	require.NoError(t, l.Allow(context.Background(), "cred"))
}

func TestRemaining(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	c := cache.NewMemoryAt(func() time.Time { return now })
	l := New(c, Config{RequestsPerMinute: 5}, zap.NewNop())
	l.now = func() time.Time { return now }
	ctx := context.Background()

	require.Equal(t, 5, l.Remaining(ctx, "cred"))
	require.NoError(t, l.Allow(ctx, "cred"))
	require.NoError(t, l.Allow(ctx, "cred"))
	require.Equal(t, 3, l.Remaining(ctx, "cred"))
}

func TestBudgetResolvedOnEveryAllow(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	c := cache.NewMemoryAt(func() time.Time { return now })
	var budget atomic.Int64
	budget.Store(1)
	lookup := func(context.Context, string) int { return int(budget.Load()) }
	l := New(c, Config{RequestsPerMinute: 100}, zap.NewNop(), WithBudgets(lookup))
	l.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, l.Allow(ctx, "cred"))
	require.Equal(t, task.KindRateLimitExceeded, task.KindOf(l.Allow(ctx, "cred")))

	// An upgraded plan applies mid-window, without a restart.
	budget.Store(3)
	require.NoError(t, l.Allow(ctx, "cred"))
	require.Equal(t, 1, l.Remaining(ctx, "cred"))

	// An unknown credential falls back to the configured default.
	budget.Store(0)
	require.Equal(t, 100, l.Remaining(ctx, "other"))
}
