// Package backlog promotes tasks parked for tenant permits and ages out
// entries that waited too long.
package backlog

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/crawlrs/crawlrs/internal/metrics"
	"github.com/crawlrs/crawlrs/internal/semaphore"
	"github.com/crawlrs/crawlrs/internal/task"
)

// AgeOut is how long an entry may wait for a permit before its task is
// cancelled as expired.
const AgeOut = time.Hour

// Interval is the reaper cadence.
const Interval = 30 * time.Second

const batchSize = 100

// Reaper walks the backlog oldest-first every tick. Eligible entries
// (their tenant has a free slot) rejoin the dispatchable queue; entries
// past their deadline are expired.
type Reaper struct {
	backlog task.BacklogStore
	store   task.Store
	sem     *semaphore.Semaphore
	logger  *zap.Logger
	now     func() time.Time
}

// NewReaper constructs a backlog reaper.
func NewReaper(b task.BacklogStore, s task.Store, sem *semaphore.Semaphore, logger *zap.Logger) *Reaper {
	return &Reaper{
		backlog: b,
		store:   s,
		sem:     sem,
		logger:  logger.Named("backlog"),
		now:     time.Now,
	}
}

// Run ticks until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(Interval)
	defer ticker.Stop()
	r.logger.Info("backlog reaper started", zap.Duration("interval", Interval))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("backlog reaper stopped")
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick processes one batch. Exported so tests and the sweep-on-start
// path can drive it directly.
func (r *Reaper) Tick(ctx context.Context) {
	entries, err := r.backlog.Oldest(ctx, batchSize)
	if err != nil {
		r.logger.Error("backlog scan failed", zap.Error(err))
		return
	}
	now := r.now().UTC()
	promoted, expired := 0, 0
	for _, e := range entries {
		if ctx.Err() != nil {
			return
		}
		if !e.ExpiresAt.After(now) {
			if err := r.expire(ctx, e); err != nil {
				r.logger.Error("backlog expire failed",
					zap.String("task_id", e.TaskID.String()), zap.Error(err))
				continue
			}
			expired++
			continue
		}
		ok, err := r.promote(ctx, e)
		if err != nil {
			r.logger.Error("backlog promote failed",
				zap.String("task_id", e.TaskID.String()), zap.Error(err))
			continue
		}
		if ok {
			promoted++
		}
	}
	if promoted > 0 || expired > 0 {
		r.logger.Info("backlog tick",
			zap.Int("promoted", promoted),
			zap.Int("expired", expired),
		)
	}
	if depth, err := r.backlog.Depth(ctx); err == nil {
		metrics.SetBacklogDepth(depth)
	}
}

// promote removes the entry when its tenant has a free slot. The probe
// permit is released immediately: the executing worker acquires its own.
func (r *Reaper) promote(ctx context.Context, e task.BacklogEntry) (bool, error) {
	permit, err := r.sem.Acquire(ctx, e.TenantID)
	if err != nil {
		if task.KindOf(err) == task.KindConcurrencyExhausted {
			return false, nil
		}
		return false, err
	}
	permit.Release()
	if err := r.backlog.Remove(ctx, e.TaskID); err != nil {
		return false, err
	}
	metrics.BacklogPromoted()
	return true, nil
}

func (r *Reaper) expire(ctx context.Context, e task.BacklogEntry) error {
	if err := r.backlog.Remove(ctx, e.TaskID); err != nil {
		return err
	}
	if err := r.store.Expire(ctx, e.TaskID); err != nil {
		// Already terminal (cancelled via the API while parked) is fine.
		if !errors.Is(err, task.ErrNotFound) && !errors.Is(err, task.ErrTerminal) {
			return err
		}
	}
	metrics.BacklogExpired()
	return nil
}
