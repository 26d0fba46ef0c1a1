// Package dispatch runs the worker pool and the background reapers that
// keep leases and crawl budgets honest.
package dispatch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crawlrs/crawlrs/internal/crawl"
	"github.com/crawlrs/crawlrs/internal/metrics"
	"github.com/crawlrs/crawlrs/internal/task"
	"github.com/crawlrs/crawlrs/internal/worker"
)

// ReapInterval is the cadence of the lease and crawl-budget sweeps.
const ReapInterval = 30 * time.Second

// Pool runs a fixed set of workers until the context finishes.
type Pool struct {
	workers []*worker.Worker
	logger  *zap.Logger
}

// NewPool wraps pre-built workers.
func NewPool(logger *zap.Logger, workers ...*worker.Worker) *Pool {
	return &Pool{workers: workers, logger: logger.Named("dispatch")}
}

// Run blocks until every worker has drained after ctx cancellation.
func (p *Pool) Run(ctx context.Context) {
	p.logger.Info("worker pool starting", zap.Int("workers", len(p.workers)))
	var wg sync.WaitGroup
	for _, w := range p.workers {
		wg.Add(1)
		go func(w *worker.Worker) {
			defer wg.Done()
			w.Run(ctx)
		}(w)
	}
	wg.Wait()
	p.logger.Info("worker pool stopped")
}

// Reaper sweeps expired leases back to queued and expires crawls past
// their wall-clock budget. Reaped tasks keep their retry count: a lost
// lease is not the task's fault.
type Reaper struct {
	store    task.Store
	crawls   task.CrawlStore
	logger   *zap.Logger
	interval time.Duration
	now      func() time.Time
}

// NewReaper wires the sweep loops.
func NewReaper(store task.Store, crawls task.CrawlStore, logger *zap.Logger) *Reaper {
	return &Reaper{
		store:    store,
		crawls:   crawls,
		logger:   logger.Named("reaper"),
		interval: ReapInterval,
		now:      time.Now,
	}
}

// Run sweeps on the configured cadence until ctx finishes.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick performs one sweep.
func (r *Reaper) Tick(ctx context.Context) {
	now := r.now()
	reaped, err := r.store.ReapExpired(ctx, now)
	if err != nil {
		r.logger.Warn("lease sweep failed", zap.Error(err))
	} else if reaped > 0 {
		metrics.ObserveLeaseReaps(reaped)
		r.logger.Info("requeued tasks with expired leases", zap.Int("count", reaped))
	}
	if expired := crawl.ExpireOverdue(ctx, r.store, r.crawls, r.logger, now); expired > 0 {
		r.logger.Info("expired crawls past budget", zap.Int("count", expired))
	}
}
