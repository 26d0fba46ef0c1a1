// Package worker leases queued tasks and executes them to a terminal
// status.
package worker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/rand"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crawlrs/crawlrs/internal/backlog"
	"github.com/crawlrs/crawlrs/internal/crawl"
	"github.com/crawlrs/crawlrs/internal/engine"
	"github.com/crawlrs/crawlrs/internal/metrics"
	"github.com/crawlrs/crawlrs/internal/search"
	"github.com/crawlrs/crawlrs/internal/semaphore"
	"github.com/crawlrs/crawlrs/internal/ssrf"
	"github.com/crawlrs/crawlrs/internal/task"
)

// Poll jitter bounds between empty lease attempts.
const (
	pollMin = 100 * time.Millisecond
	pollMax = time.Second
)

// keepaliveFraction of the lease duration between extensions.
const keepaliveFraction = 0.8

// Fetcher is the engine surface the worker needs; satisfied by
// engine.Router.
type Fetcher interface {
	Fetch(ctx context.Context, req *engine.Request) (*engine.Result, error)
}

// Searcher is the search surface; satisfied by search.Aggregator.
type Searcher interface {
	Search(ctx context.Context, q search.Query) (*task.SearchResult, error)
}

// Extractor is the structured-extraction surface; satisfied by
// extract.Service.
type Extractor interface {
	Extract(ctx context.Context, p task.ExtractPayload) (json.RawMessage, error)
}

// Worker executes leased tasks. One Worker is one concurrency slot; run
// several via dispatch.Pool.
type Worker struct {
	id        uuid.UUID
	store     task.Store
	backlog   task.BacklogStore
	credits   task.CreditStore
	sem       *semaphore.Semaphore
	guard     *ssrf.Guard
	fetcher   Fetcher
	crawls    *crawl.Runner
	searcher  Searcher
	extractor Extractor
	converter Converter
	kinds     []task.Kind
	logger    *zap.Logger
	now       func() time.Time
}

// New constructs a Worker handling the given task kinds.
func New(
	store task.Store,
	backlog task.BacklogStore,
	credits task.CreditStore,
	sem *semaphore.Semaphore,
	guard *ssrf.Guard,
	fetcher Fetcher,
	crawls *crawl.Runner,
	searcher Searcher,
	extractor Extractor,
	kinds []task.Kind,
	logger *zap.Logger,
) *Worker {
	id := uuid.New()
	if len(kinds) == 0 {
		kinds = []task.Kind{
			task.KindScrape, task.KindCrawlSeed, task.KindCrawlChild,
			task.KindSearch, task.KindExtract,
		}
	}
	return &Worker{
		id:        id,
		store:     store,
		backlog:   backlog,
		credits:   credits,
		sem:       sem,
		guard:     guard,
		fetcher:   fetcher,
		crawls:    crawls,
		searcher:  searcher,
		extractor: extractor,
		converter: TextConverter{},
		kinds:     kinds,
		logger:    logger.Named("worker").With(zap.String("worker_id", id.String())),
		now:       time.Now,
	}
}

// ID returns the worker's lease-holder identity.
func (w *Worker) ID() uuid.UUID { return w.id }

// Run leases and executes tasks until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		t, err := w.store.LeaseNext(ctx, w.id, w.kinds, w.now())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("lease attempt failed", zap.Error(err))
			t = nil
		}
		if t == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollMin + time.Duration(rand.Int63n(int64(pollMax-pollMin)))):
			}
			continue
		}
		w.process(ctx, t)
	}
}

func (w *Worker) process(ctx context.Context, t *task.Task) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	log := w.logger.With(
		zap.String("task_id", t.ID.String()),
		zap.String("kind", string(t.Kind)))

	// crawl seeds only wait on children, and every child takes a permit
	// of its own; counting the waiting seed would wedge a tenant at limit 1
	var permit *semaphore.Permit
	if t.Kind != task.KindCrawlSeed {
		p, err := w.sem.Acquire(ctx, t.TenantID)
		if err != nil {
			// lost the admission race for the tenant's slots: park the task and
			// surrender the lease without burning a retry
			w.park(ctx, t, log)
			return
		}
		permit = p
	}
	defer permit.Release()

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go w.keepalive(taskCtx, t.ID, permit, cancel, log)

	started := w.now()
	result, execErr := w.execute(taskCtx, t)
	metrics.ObserveTaskDuration(string(t.Kind), w.now().Sub(started))

	w.finish(ctx, t, result, execErr, log)
}

// park pushes the task to the tenant backlog and lets the lease lapse;
// the lease reaper returns it to queued where the backlog row keeps it
// out of dispatch until a slot frees.
func (w *Worker) park(ctx context.Context, t *task.Task, log *zap.Logger) {
	now := w.now()
	if err := w.backlog.Push(ctx, task.BacklogEntry{
		TaskID:     t.ID,
		TenantID:   t.TenantID,
		EnqueuedAt: now,
		ExpiresAt:  now.Add(backlog.AgeOut),
	}); err != nil {
		log.Warn("backlog push failed", zap.Error(err))
	}
	if err := w.store.ExtendLease(ctx, t.ID, w.id, now); err != nil {
		log.Warn("lease surrender failed", zap.Error(err))
	}
	log.Info("task parked, tenant out of permits")
}

func (w *Worker) keepalive(ctx context.Context, id uuid.UUID, permit *semaphore.Permit, cancel context.CancelFunc, log *zap.Logger) {
	interval := time.Duration(float64(task.LeaseDuration) * keepaliveFraction)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.store.ExtendLease(ctx, id, w.id, w.now().Add(task.LeaseDuration)); err != nil {
				if errors.Is(err, task.ErrLostLease) {
					log.Warn("lease lost, abandoning task")
					cancel()
					return
				}
				log.Warn("lease extension failed", zap.Error(err))
			}
			// the permit counter's TTL must outlive the holder, not the acquire
			permit.Keepalive(ctx)
		}
	}
}

func (w *Worker) execute(ctx context.Context, t *task.Task) (json.RawMessage, error) {
	switch t.Kind {
	case task.KindScrape, task.KindCrawlChild:
		return w.executeScrape(ctx, t)
	case task.KindCrawlSeed:
		return w.crawls.Run(ctx, t)
	case task.KindSearch:
		return w.executeSearch(ctx, t)
	case task.KindExtract:
		return w.executeExtract(ctx, t)
	default:
		return nil, task.E(task.KindInvalidInput, "unknown task kind "+string(t.Kind))
	}
}

func (w *Worker) executeExtract(ctx context.Context, t *task.Task) (json.RawMessage, error) {
	if w.extractor == nil {
		return nil, task.E(task.KindInvalidInput, "extraction not configured")
	}
	var p task.ExtractPayload
	if err := json.Unmarshal(t.Payload, &p); err != nil {
		return nil, task.Wrap(task.KindInvalidInput, "decode extract payload", err)
	}
	if err := w.guard.Validate(ctx, p.URL); err != nil {
		return nil, err
	}
	return w.extractor.Extract(ctx, p)
}

func (w *Worker) executeScrape(ctx context.Context, t *task.Task) (json.RawMessage, error) {
	var p task.ScrapePayload
	if err := json.Unmarshal(t.Payload, &p); err != nil {
		return nil, task.Wrap(task.KindInvalidInput, "decode scrape payload", err)
	}
	if err := w.guard.Validate(ctx, p.URL); err != nil {
		return nil, err
	}

	req := &engine.Request{
		URL:             p.URL,
		Headers:         p.Headers,
		Timeout:         time.Duration(p.TimeoutMs) * time.Millisecond,
		Mobile:          p.Mobile,
		NeedsJS:         p.NeedsJS,
		NeedsScreenshot: p.NeedsScreenshot || wantsFormat(p.Formats, "screenshot"),
		NeedsAntiBot:    p.NeedsAntiBot,
		Proxy:           p.Proxy,
		SkipTLSVerify:   p.SkipTLSVerification,
	}
	for _, a := range p.Actions {
		req.Actions = append(req.Actions, task.Action{
			Type: a.Type, Selector: a.Selector, Millis: a.Millis,
		})
	}

	res, err := w.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	return w.buildScrapeResult(t, p, res)
}

func (w *Worker) buildScrapeResult(t *task.Task, p task.ScrapePayload, res *engine.Result) (json.RawMessage, error) {
	headers := make(map[string]string, len(res.Headers))
	for k := range res.Headers {
		headers[k] = res.Headers.Get(k)
	}
	out := task.ScrapeResult{
		URL:        res.URL,
		StatusCode: res.StatusCode,
		Headers:    headers,
		Engine:     string(res.Engine),
		DurationMs: res.Duration.Milliseconds(),
	}
	formats := p.Formats
	if len(formats) == 0 {
		formats = []string{"html"}
	}
	if wantsFormat(formats, "html") {
		out.HTML = string(res.Body)
	}
	if wantsFormat(formats, "markdown") {
		md, err := w.converter.Convert(string(res.Body))
		if err != nil {
			w.logger.Warn("markdown conversion failed", zap.Error(err))
		} else {
			out.Markdown = md
		}
	}
	if len(res.Screenshot) > 0 {
		out.Screenshot = base64.StdEncoding.EncodeToString(res.Screenshot)
	}
	// crawl children always report links so the orchestrator can expand
	// the frontier
	if t.Kind == task.KindCrawlChild || wantsFormat(formats, "links") {
		out.Links = crawl.ExtractLinks(res.Body, res.URL)
	}
	body, err := json.Marshal(out)
	if err != nil {
		return nil, task.Wrap(task.KindInternal, "marshal scrape result", err)
	}
	return body, nil
}

func (w *Worker) executeSearch(ctx context.Context, t *task.Task) (json.RawMessage, error) {
	var p task.SearchPayload
	if err := json.Unmarshal(t.Payload, &p); err != nil {
		return nil, task.Wrap(task.KindInvalidInput, "decode search payload", err)
	}
	res, err := w.searcher.Search(ctx, search.Query{
		Query:    p.Query,
		Limit:    p.Limit,
		Language: p.Language,
		Country:  p.Country,
		Engines:  p.Engines,
	})
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(res)
	if err != nil {
		return nil, task.Wrap(task.KindInternal, "marshal search result", err)
	}
	return body, nil
}

func (w *Worker) finish(ctx context.Context, t *task.Task, result json.RawMessage, execErr error, log *zap.Logger) {
	if execErr == nil {
		if err := w.store.Complete(ctx, t.ID, w.id, result); err != nil {
			if errors.Is(err, task.ErrLostLease) || errors.Is(err, task.ErrTerminal) {
				log.Warn("completion write refused", zap.Error(err))
				metrics.ObserveTask(string(t.Kind), "lost")
				return
			}
			log.Error("completion write failed", zap.Error(err))
			return
		}
		metrics.ObserveTask(string(t.Kind), "completed")
		w.settleCredits(ctx, t, result, log)
		log.Info("task completed")
		return
	}

	if errors.Is(execErr, crawl.ErrStopped) {
		// the crawl reached a terminal state through another path; land the
		// seed row terminal too, or lease expiry would requeue it forever
		if _, err := w.store.CancelMany(ctx, []uuid.UUID{t.ID}, true); err != nil {
			log.Warn("cancel stopped seed", zap.Error(err))
		}
		metrics.ObserveTask(string(t.Kind), "cancelled")
		log.Info("crawl stopped externally")
		return
	}

	kind := task.KindOf(execErr)
	retry := false
	var te *task.Error
	if errors.As(execErr, &te) {
		retry = te.Retryable()
	}
	if err := w.store.Fail(ctx, t.ID, w.id, kind.APICode(), retry); err != nil {
		if errors.Is(err, task.ErrLostLease) || errors.Is(err, task.ErrTerminal) {
			log.Warn("failure write refused", zap.Error(err))
			metrics.ObserveTask(string(t.Kind), "lost")
			return
		}
		log.Error("failure write failed", zap.Error(err))
		return
	}
	metrics.ObserveTask(string(t.Kind), "failed")
	log.Warn("task failed",
		zap.String("error_kind", string(kind)),
		zap.Bool("retryable", retry),
		zap.Error(execErr))
}

// settleCredits debits the tenant ledger for one completed task. Search
// answers served from cache are free.
func (w *Worker) settleCredits(ctx context.Context, t *task.Task, result json.RawMessage, log *zap.Logger) {
	if t.Kind == task.KindSearch {
		var res task.SearchResult
		if json.Unmarshal(result, &res) == nil && res.Cached {
			return
		}
	}
	metrics.ObserveCredits(string(t.Kind), 1)
	if w.credits == nil {
		return
	}
	if _, err := w.credits.DebitCredits(ctx, t.TenantID, 1); err != nil {
		log.Warn("credit debit failed", zap.Error(err))
	}
}

func wantsFormat(formats []string, want string) bool {
	return slices.Contains(formats, want)
}
