package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryGetSet(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()

	_, err := m.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrMiss)

	require.NoError(t, m.Set(ctx, "k", []byte("v"), 0))
	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v"), got)

	require.NoError(t, m.Del(ctx, "k"))
	_, err = m.Get(ctx, "k")
	require.ErrorIs(t, err, ErrMiss)
}

func TestMemoryTTLExpiry(t *testing.T) {
	t.Parallel()

	now := time.Now()
	m := NewMemoryAt(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Minute))
	_, err := m.Get(ctx, "k")
	require.NoError(t, err)

	now = now.Add(time.Minute + time.Second)
	_, err = m.Get(ctx, "k")
	require.ErrorIs(t, err, ErrMiss)
}

func TestMemoryCounter(t *testing.T) {
	t.Parallel()

	now := time.Now()
	m := NewMemoryAt(func() time.Time { return now })
	ctx := context.Background()

	n, err := m.Incr(ctx, "c", time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	n, err = m.Incr(ctx, "c", time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	// Counters read back like Redis: decimal strings.
	val, err := m.Get(ctx, "c")
	require.NoError(t, err)
	require.Equal(t, []byte("2"), val)

	n, err = m.Decr(ctx, "c")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	// Never below zero.
	_, err = m.Decr(ctx, "c")
	require.NoError(t, err)
	n, err = m.Decr(ctx, "c")
	require.NoError(t, err)
	require.Zero(t, n)

	// The TTL set on first increment expires the whole counter.
	now = now.Add(2 * time.Minute)
	n, err = m.Incr(ctx, "c", time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestMemoryIncrRefreshesTTL(t *testing.T) {
	t.Parallel()

	now := time.Now()
	m := NewMemoryAt(func() time.Time { return now })
	ctx := context.Background()

	_, err := m.Incr(ctx, "c", time.Minute)
	require.NoError(t, err)

	// Each increment pushes the deadline out, so a key touched every 40s
	// with a 60s TTL never lapses.
	for i := 0; i < 3; i++ {
		now = now.Add(40 * time.Second)
		_, err = m.Incr(ctx, "c", time.Minute)
		require.NoError(t, err)
	}
	n, err := m.Incr(ctx, "c", time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 5, n)
}

func TestMemoryExpire(t *testing.T) {
	t.Parallel()

	now := time.Now()
	m := NewMemoryAt(func() time.Time { return now })
	ctx := context.Background()

	require.ErrorIs(t, m.Expire(ctx, "missing", time.Minute), ErrMiss)

	_, err := m.Incr(ctx, "c", time.Minute)
	require.NoError(t, err)

	now = now.Add(50 * time.Second)
	require.NoError(t, m.Expire(ctx, "c", time.Minute))

	// The refreshed deadline counts from the Expire call.
	now = now.Add(50 * time.Second)
	val, err := m.Get(ctx, "c")
	require.NoError(t, err)
	require.Equal(t, []byte("1"), val)

	now = now.Add(time.Minute)
	require.ErrorIs(t, m.Expire(ctx, "c", time.Minute), ErrMiss)
}
