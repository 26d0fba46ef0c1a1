// Package ratelimit enforces the per-credential request budget with a
// fixed one-minute window on the shared counter cache.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/crawlrs/crawlrs/internal/cache"
	"github.com/crawlrs/crawlrs/internal/metrics"
	"github.com/crawlrs/crawlrs/internal/task"
)

// Window is the fixed accounting window. Counters reset on the window
// boundary, not on a sliding horizon.
const Window = time.Minute

// Config controls the limiter.
type Config struct {
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
}

// BudgetFunc resolves a credential's per-window request budget at
// admission time, so a changed budget applies without a restart.
type BudgetFunc func(ctx context.Context, credential string) int

// Limiter counts requests per credential per window. A failed counter
// backend fails open: admission control should degrade, not outage.
type Limiter struct {
	cache   cache.Cache
	limit   int
	budgets BudgetFunc
	logger  *zap.Logger
	now     func() time.Time
}

// Option customizes the limiter.
type Option func(*Limiter)

// WithBudgets installs a per-credential budget lookup consulted on every
// Allow. Non-positive lookups fall back to the configured default.
func WithBudgets(fn BudgetFunc) Option {
	return func(l *Limiter) { l.budgets = fn }
}

// New constructs a Limiter over the shared cache.
func New(c cache.Cache, cfg Config, logger *zap.Logger, opts ...Option) *Limiter {
	limit := cfg.RequestsPerMinute
	if limit <= 0 {
		limit = 60
	}
	l := &Limiter{
		cache:  c,
		limit:  limit,
		logger: logger.Named("ratelimit"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) budgetFor(ctx context.Context, credential string) int {
	if l.budgets != nil {
		if n := l.budgets(ctx, credential); n > 0 {
			return n
		}
	}
	return l.limit
}

// Allow admits or refuses one request for the credential. On refusal the
// returned error carries the seconds remaining until the window resets.
func (l *Limiter) Allow(ctx context.Context, credential string) error {
	now := l.now().UTC()
	windowStart := now.Truncate(Window)
	key := fmt.Sprintf("rl:%s:%d", credential, windowStart.Unix())

	n, err := l.cache.Incr(ctx, key, Window)
	if err != nil {
		l.logger.Warn("counter backend unavailable, admitting request", zap.Error(err))
		return nil
	}
	if n > int64(l.budgetFor(ctx, credential)) {
		metrics.ObserveRateLimitRejection()
		retryAfter := windowStart.Add(Window).Sub(now)
		e := task.E(task.KindRateLimitExceeded, "request budget exhausted for this window")
		e.RetryAfter = retryAfter
		return e
	}
	return nil
}

// Remaining reports how many requests the credential has left in the
// current window. Advisory only; Allow is the authority.
func (l *Limiter) Remaining(ctx context.Context, credential string) int {
	budget := l.budgetFor(ctx, credential)
	now := l.now().UTC()
	key := fmt.Sprintf("rl:%s:%d", credential, now.Truncate(Window).Unix())
	val, err := l.cache.Get(ctx, key)
	if err != nil {
		return budget
	}
	var n int
	if _, err := fmt.Sscanf(string(val), "%d", &n); err != nil {
		return budget
	}
	if n >= budget {
		return 0
	}
	return budget - n
}
