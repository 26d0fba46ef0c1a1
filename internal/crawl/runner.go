package crawl

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crawlrs/crawlrs/internal/task"
)

// ErrStopped is returned when the crawl was cancelled or expired out
// from under the runner; the worker cancels the seed task rather than
// recording a failure.
var ErrStopped = errors.New("crawl stopped")

// childPollInterval is how often the runner checks in-flight children
// for terminal status.
const childPollInterval = 500 * time.Millisecond

// Summary is the seed task's result payload.
type Summary struct {
	CrawlID    uuid.UUID        `json:"crawl_id"`
	Discovered int              `json:"discovered"`
	Completed  int              `json:"completed"`
	Failed     int              `json:"failed"`
	Skipped    int              `json:"skipped"`
	Status     task.CrawlStatus `json:"status"`
}

// Runner drives one crawl from its seed task: it owns the frontier,
// spawns child tasks for individual pages and folds their outcomes
// back into the crawl record. Page fetching itself happens in child
// task executors on whatever worker leases them.
type Runner struct {
	store  task.Store
	crawls task.CrawlStore
	robots *RobotsCache
	logger *zap.Logger
	now    func() time.Time
	poll   time.Duration
}

// NewRunner wires a runner against the shared stores.
func NewRunner(store task.Store, crawls task.CrawlStore, robots *RobotsCache, logger *zap.Logger) *Runner {
	return &Runner{
		store:  store,
		crawls: crawls,
		robots: robots,
		logger: logger.Named("crawl"),
		now:    time.Now,
		poll:   childPollInterval,
	}
}

// Run executes the crawl identified by the seed task until the frontier
// drains, the page cap or wall-clock budget is hit, or the crawl is
// cancelled. It returns the summary to store as the seed's result.
func (r *Runner) Run(ctx context.Context, seed *task.Task) (json.RawMessage, error) {
	if seed.CrawlID == nil {
		return nil, task.E(task.KindInvalidInput, "seed task has no crawl id")
	}
	c, err := r.crawls.FindCrawl(ctx, *seed.CrawlID)
	if err != nil {
		return nil, err
	}
	if c.Status.IsTerminal() {
		return nil, ErrStopped
	}

	frontier, err := NewFrontier(c.SeedURL, c.Config)
	if err != nil {
		return nil, err
	}
	pacer := NewPacer(time.Duration(c.Config.CrawlDelayMs) * time.Millisecond)
	maxInFlight := c.Config.MaxConcurrent
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxConcurrent
	}

	log := r.logger.With(zap.String("crawl_id", c.ID.String()))
	inFlight := make(map[uuid.UUID]Item)
	var completed, failed, skipped int

	for {
		if cur, err := r.crawls.FindCrawl(ctx, c.ID); err == nil && cur.Status != task.CrawlProcessing {
			log.Info("crawl no longer processing, stopping",
				zap.String("status", string(cur.Status)))
			r.cancelInFlight(ctx, c.ID, inFlight)
			return nil, ErrStopped
		}
		if !r.now().Before(c.ExpiresAt) {
			r.cancelInFlight(ctx, c.ID, inFlight)
			if err := r.crawls.SetCrawlStatus(ctx, c.ID, task.CrawlExpired); err != nil {
				log.Warn("mark crawl expired", zap.Error(err))
			}
			return nil, task.E(task.KindExpired, "crawl budget elapsed")
		}

		progressed := false
		for len(inFlight) < maxInFlight {
			item, ok := frontier.Pop()
			if !ok {
				break
			}
			var robotsDelay time.Duration
			if !c.Config.IgnoreRobots {
				allowed, delay, err := r.robots.Allowed(ctx, item.URL)
				if err != nil || !allowed {
					skipped++
					log.Debug("robots disallowed", zap.String("url", item.URL), zap.Error(err))
					if recErr := r.crawls.AddSkipped(ctx, c.ID, 1); recErr != nil {
						log.Warn("record skip", zap.Error(recErr))
					}
					continue
				}
				robotsDelay = delay
			}
			if err := pacer.Wait(ctx, item.URL, robotsDelay); err != nil {
				r.cancelInFlight(ctx, c.ID, inFlight)
				return nil, err
			}
			childID, err := r.spawnChild(ctx, &c, seed, item)
			if err != nil {
				log.Warn("spawn child", zap.String("url", item.URL), zap.Error(err))
				failed++
				continue
			}
			inFlight[childID] = item
			progressed = true
		}

		if len(inFlight) == 0 && frontier.Len() == 0 {
			break
		}

		for id, item := range inFlight {
			child, err := r.store.Find(ctx, id)
			if err != nil || !child.Status.IsTerminal() {
				continue
			}
			delete(inFlight, id)
			progressed = true
			if recErr := r.crawls.RecordChildOutcome(ctx, c.ID, child.Status); recErr != nil {
				log.Warn("record child outcome", zap.Error(recErr))
			}
			switch child.Status {
			case task.StatusCompleted:
				completed++
				r.feedLinks(ctx, log, &c, frontier, item, child.Result)
			case task.StatusFailed:
				failed++
			default:
				skipped++
			}
		}

		if !progressed {
			select {
			case <-ctx.Done():
				r.cancelInFlight(ctx, c.ID, inFlight)
				return nil, ctx.Err()
			case <-time.After(r.poll):
			}
		}
	}

	if err := r.crawls.SetCrawlStatus(ctx, c.ID, task.CrawlCompleted); err != nil {
		log.Warn("mark crawl completed", zap.Error(err))
	}
	body, err := json.Marshal(Summary{
		CrawlID:    c.ID,
		Discovered: frontier.Discovered(),
		Completed:  completed,
		Failed:     failed,
		Skipped:    skipped,
		Status:     task.CrawlCompleted,
	})
	if err != nil {
		return nil, task.Wrap(task.KindInternal, "marshal crawl summary", err)
	}
	log.Info("crawl completed",
		zap.Int("discovered", frontier.Discovered()),
		zap.Int("completed", completed),
		zap.Int("failed", failed),
		zap.Int("skipped", skipped))
	return body, nil
}

// spawnChild enqueues one page fetch as a crawl-child task, inheriting
// the seed's priority and the crawl's scrape options.
func (r *Runner) spawnChild(ctx context.Context, c *task.Crawl, seed *task.Task, item Item) (uuid.UUID, error) {
	payload := task.ScrapePayload{}
	if c.Config.Scrape != nil {
		payload = *c.Config.Scrape
	}
	payload.URL = item.URL
	payload.Depth = item.Depth
	body, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, task.Wrap(task.KindInternal, "marshal child payload", err)
	}
	child := &task.Task{
		ID:         uuid.New(),
		Kind:       task.KindCrawlChild,
		TenantID:   c.TenantID,
		Priority:   seed.Priority,
		Status:     task.StatusQueued,
		MaxRetries: task.DefaultMaxRetries,
		Payload:    body,
		WebhookURL: c.WebhookURL,
		ParentID:   &seed.ID,
		CrawlID:    &c.ID,
		CreatedAt:  r.now(),
	}
	if err := r.store.Enqueue(ctx, child); err != nil {
		return uuid.Nil, err
	}
	return child.ID, nil
}

// feedLinks expands the frontier with a completed child's discovered
// links and keeps the durable discovered counter in step.
func (r *Runner) feedLinks(ctx context.Context, log *zap.Logger, c *task.Crawl, frontier *Frontier, parent Item, result json.RawMessage) {
	if len(result) == 0 {
		return
	}
	var res task.ScrapeResult
	if err := json.Unmarshal(result, &res); err != nil {
		log.Warn("unmarshal child result", zap.Error(err))
		return
	}
	admitted := 0
	for _, link := range res.Links {
		if frontier.Push(link, parent.Depth+1) == SkipNone {
			admitted++
		}
	}
	if admitted == 0 {
		return
	}
	if err := r.crawls.AddDiscovered(ctx, c.ID, admitted); err != nil {
		log.Warn("bump discovered counter", zap.Int("admitted", admitted), zap.Error(err))
	}
}

// cancelInFlight force-cancels children the runner will no longer wait
// on and records their outcomes.
func (r *Runner) cancelInFlight(ctx context.Context, crawlID uuid.UUID, inFlight map[uuid.UUID]Item) {
	if len(inFlight) == 0 {
		return
	}
	ids := make([]uuid.UUID, 0, len(inFlight))
	for id := range inFlight {
		ids = append(ids, id)
	}
	cancelled, err := r.store.CancelMany(ctx, ids, true)
	if err != nil {
		r.logger.Warn("cancel in-flight children", zap.Error(err))
		return
	}
	for range cancelled {
		if err := r.crawls.RecordChildOutcome(ctx, crawlID, task.StatusCancelled); err != nil {
			r.logger.Warn("record cancelled child", zap.Error(err))
		}
	}
}

// ExpireOverdue flips processing crawls past their wall-clock budget to
// expired, force-cancels the seed task so it lands terminal instead of
// bouncing through re-lease, and cancels still-queued children. The
// dispatch layer calls it on the reaper cadence.
func ExpireOverdue(ctx context.Context, store task.Store, crawls task.CrawlStore, logger *zap.Logger, now time.Time) int {
	overdue, err := crawls.ListExpired(ctx, now)
	if err != nil {
		logger.Warn("list expired crawls", zap.Error(err))
		return 0
	}
	expired := 0
	for _, c := range overdue {
		if err := crawls.SetCrawlStatus(ctx, c.ID, task.CrawlExpired); err != nil {
			logger.Warn("expire crawl", zap.String("crawl_id", c.ID.String()), zap.Error(err))
			continue
		}
		if c.SeedTaskID != uuid.Nil {
			if _, err := store.CancelMany(ctx, []uuid.UUID{c.SeedTaskID}, true); err != nil {
				logger.Warn("cancel expired crawl seed", zap.Error(err))
			}
		}
		limit := c.Config.Limit
		if limit <= 0 {
			limit = 1000
		}
		children, err := store.ListByCrawl(ctx, c.ID, 1, limit)
		if err == nil {
			var ids []uuid.UUID
			for _, child := range children {
				if child.Status == task.StatusQueued {
					ids = append(ids, child.ID)
				}
			}
			if len(ids) > 0 {
				if _, err := store.CancelMany(ctx, ids, false); err != nil {
					logger.Warn("cancel expired crawl children", zap.Error(err))
				}
			}
		}
		expired++
	}
	return expired
}
