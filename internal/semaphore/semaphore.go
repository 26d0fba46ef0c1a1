// Package semaphore bounds per-tenant concurrent task execution with
// counters on the shared cache.
package semaphore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crawlrs/crawlrs/internal/cache"
	"github.com/crawlrs/crawlrs/internal/task"
)

// permitTTL bounds how long a crashed holder can pin a permit before the
// counter self-heals.
const permitTTL = 2 * task.LeaseDuration

// Config controls the semaphore.
type Config struct {
	DefaultLimit int `mapstructure:"default_limit"`
}

// LimitFunc resolves a tenant's concurrency ceiling at acquire time, so
// a changed limit applies to the next Acquire without a restart.
type LimitFunc func(ctx context.Context, tenant uuid.UUID) int

// Semaphore hands out per-tenant execution permits. Acquire is an
// increment-then-check: a racer past the limit undoes its increment and
// reports exhaustion, so the counter never settles above the limit.
type Semaphore struct {
	cache  cache.Cache
	limit  int
	limits LimitFunc
	logger *zap.Logger
}

// Option customizes the semaphore.
type Option func(*Semaphore)

// WithLimits installs a per-tenant limit lookup consulted on every
// Acquire. Non-positive lookups fall back to the configured default.
func WithLimits(fn LimitFunc) Option {
	return func(s *Semaphore) { s.limits = fn }
}

// New constructs a Semaphore over the shared cache.
func New(c cache.Cache, cfg Config, logger *zap.Logger, opts ...Option) *Semaphore {
	limit := cfg.DefaultLimit
	if limit <= 0 {
		limit = 10
	}
	s := &Semaphore{cache: c, limit: limit, logger: logger.Named("semaphore")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Permit is one held execution slot. Release is idempotent; every exit
// path of a task may call it without double-counting.
type Permit struct {
	release   func()
	keepalive func(ctx context.Context)
	once      sync.Once
}

// Release returns the slot.
func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(p.release)
}

// Keepalive refreshes the permit counter's crash-recovery TTL. Holders
// running longer than the TTL call it on their lease heartbeat so live
// permits are never forgotten.
func (p *Permit) Keepalive(ctx context.Context) {
	if p == nil || p.keepalive == nil {
		return
	}
	p.keepalive(ctx)
}

func key(tenant uuid.UUID) string {
	return fmt.Sprintf("sem:%s", tenant)
}

// Acquire claims a slot for the tenant, or reports exhaustion. The
// tenant's limit is resolved on every call.
func (s *Semaphore) Acquire(ctx context.Context, tenant uuid.UUID) (*Permit, error) {
	limit := s.limit
	if s.limits != nil {
		if n := s.limits(ctx, tenant); n > 0 {
			limit = n
		}
	}
	k := key(tenant)
	n, err := s.cache.Incr(ctx, k, permitTTL)
	if err != nil {
		// Fail open: a counter outage must not halt the whole fleet.
		s.logger.Warn("permit backend unavailable, granting slot", zap.Error(err))
		return &Permit{release: func() {}}, nil
	}
	if n > int64(limit) {
		if _, derr := s.cache.Decr(ctx, k); derr != nil {
			s.logger.Warn("permit rollback failed", zap.Error(derr))
		}
		return nil, task.E(task.KindConcurrencyExhausted, "tenant concurrency limit reached")
	}
	return &Permit{
		release: func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := s.cache.Decr(releaseCtx, k); err != nil {
				s.logger.Warn("permit release failed", zap.Error(err))
			}
		},
		keepalive: func(ctx context.Context) {
			if err := s.cache.Expire(ctx, k, permitTTL); err != nil {
				s.logger.Warn("permit keepalive failed", zap.Error(err))
			}
		},
	}, nil
}

// InUse reports the tenant's current slot count. Advisory.
func (s *Semaphore) InUse(ctx context.Context, tenant uuid.UUID) int {
	val, err := s.cache.Get(ctx, key(tenant))
	if err != nil {
		return 0
	}
	var n int
	if _, err := fmt.Sscanf(string(val), "%d", &n); err != nil {
		return 0
	}
	return n
}

// Limit reports the configured per-tenant ceiling.
func (s *Semaphore) Limit() int { return s.limit }
