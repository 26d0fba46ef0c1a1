package semaphore

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crawlrs/crawlrs/internal/cache"
	"github.com/crawlrs/crawlrs/internal/task"
)

type brokenCache struct{ cache.Cache }

func (brokenCache) Incr(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("backend down")
}

func TestAcquireUpToLimit(t *testing.T) {
	t.Parallel()

	s := New(cache.NewMemory(), Config{DefaultLimit: 2}, zap.NewNop())
	ctx := context.Background()
	tenant := uuid.New()

	p1, err := s.Acquire(ctx, tenant)
	require.NoError(t, err)
	p2, err := s.Acquire(ctx, tenant)
	require.NoError(t, err)

	_, err = s.Acquire(ctx, tenant)
	require.Error(t, err)
	require.Equal(t, task.KindConcurrencyExhausted, task.KindOf(err))
	// The refused attempt must not leak a slot.
	require.Equal(t, 2, s.InUse(ctx, tenant))

	// Another tenant is unaffected.
	other, err := s.Acquire(ctx, uuid.New())
	require.NoError(t, err)
	other.Release()

	p1.Release()
	p3, err := s.Acquire(ctx, tenant)
	require.NoError(t, err)
	p3.Release()
	p2.Release()
	require.Zero(t, s.InUse(ctx, tenant))
}

func TestReleaseIsIdempotent(t *testing.T) {
	t.Parallel()

	s := New(cache.NewMemory(), Config{DefaultLimit: 1}, zap.NewNop())
	ctx := context.Background()
	tenant := uuid.New()

	p, err := s.Acquire(ctx, tenant)
	require.NoError(t, err)
	p.Release()
	p.Release()
	p.Release()
	require.Zero(t, s.InUse(ctx, tenant))

	// A nil permit is safe on error paths.
	var nilPermit *Permit
	nilPermit.Release()
}

func TestAcquireFailsOpen(t *testing.T) {
	t.Parallel()

	s := New(brokenCache{}, Config{DefaultLimit: 1}, zap.NewNop())
	p, err := s.Acquire(context.Background(), uuid.New())
	require.NoError(t, err)
	p.Release()
}

func TestKeepaliveOutlivesCounterTTL(t *testing.T) {
	t.Parallel()

	now := time.Now()
	clock := cache.NewMemoryAt(func() time.Time { return now })
	s := New(clock, Config{DefaultLimit: 2}, zap.NewNop())
	ctx := context.Background()
	tenant := uuid.New()

	p1, err := s.Acquire(ctx, tenant)
	require.NoError(t, err)
	p2, err := s.Acquire(ctx, tenant)
	require.NoError(t, err)

	// A long-running holder heartbeats across several TTL windows. The
	// counter must keep both permits on the books the whole time.
	for i := 0; i < 4; i++ {
		now = now.Add(permitTTL / 2)
		p1.Keepalive(ctx)
		p2.Keepalive(ctx)
	}
	require.Equal(t, 2, s.InUse(ctx, tenant))
	_, err = s.Acquire(ctx, tenant)
	require.Error(t, err)
	require.Equal(t, task.KindConcurrencyExhausted, task.KindOf(err))

	p1.Release()
	p2.Release()

	// A nil permit heartbeat is safe on error paths.
	var nilPermit *Permit
	nilPermit.Keepalive(ctx)
}

func TestCounterSelfHealsWithoutKeepalive(t *testing.T) {
	t.Parallel()

	now := time.Now()
	clock := cache.NewMemoryAt(func() time.Time { return now })
	s := New(clock, Config{DefaultLimit: 1}, zap.NewNop())
	ctx := context.Background()
	tenant := uuid.New()

	_, err := s.Acquire(ctx, tenant)
	require.NoError(t, err)

	// A crashed holder never heartbeats and never releases. Once the TTL
	// lapses the slot is usable again.
	now = now.Add(permitTTL + time.Second)
	p, err := s.Acquire(ctx, tenant)
	require.NoError(t, err)
	p.Release()
}

func TestLimitResolvedOnEveryAcquire(t *testing.T) {
	t.Parallel()

	var limit atomic.Int64
	limit.Store(1)
	lookup := func(context.Context, uuid.UUID) int { return int(limit.Load()) }
	s := New(cache.NewMemory(), Config{DefaultLimit: 5}, zap.NewNop(), WithLimits(lookup))
	ctx := context.Background()
	tenant := uuid.New()

	p1, err := s.Acquire(ctx, tenant)
	require.NoError(t, err)
	_, err = s.Acquire(ctx, tenant)
	require.Equal(t, task.KindConcurrencyExhausted, task.KindOf(err))

	// Raising the tenant's plan takes effect on the next call.
	limit.Store(2)
	p2, err := s.Acquire(ctx, tenant)
	require.NoError(t, err)

	// A lookup that knows nothing falls back to the default.
	limit.Store(0)
	p3, err := s.Acquire(ctx, tenant)
	require.NoError(t, err)

	p1.Release()
	p2.Release()
	p3.Release()
}
