// Package api exposes the REST surface for the crawlrs service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crawlrs/crawlrs/internal/backlog"
	"github.com/crawlrs/crawlrs/internal/config"
	"github.com/crawlrs/crawlrs/internal/engine"
	"github.com/crawlrs/crawlrs/internal/metrics"
	"github.com/crawlrs/crawlrs/internal/ratelimit"
	"github.com/crawlrs/crawlrs/internal/semaphore"
	"github.com/crawlrs/crawlrs/internal/ssrf"
	"github.com/crawlrs/crawlrs/internal/task"
)

// Sync-wait bridge bounds.
const (
	syncPollInterval  = 500 * time.Millisecond
	defaultSyncWaitMs = 5000
	maxSyncWaitMs     = 30000
)

// EngineHealth reports per-engine breaker state; satisfied by
// engine.Router.
type EngineHealth interface {
	HealthSnapshot() []engine.Health
}

// SearchHealth reports per-search-provider breaker state; satisfied by
// search.Aggregator.
type SearchHealth interface {
	HealthSnapshot() map[string]string
}

// Server wires HTTP handlers to the stores and admission layers.
type Server struct {
	router  chi.Router
	store   task.Store
	crawls  task.CrawlStore
	backlog task.BacklogStore
	credits task.CreditStore
	limiter *ratelimit.Limiter
	sem     *semaphore.Semaphore
	guard   *ssrf.Guard
	engines EngineHealth
	search  SearchHealth
	cfg     config.Config
	logger  *zap.Logger
	now     func() time.Time
	poll    time.Duration
}

// NewServer constructs the Server with middleware and routes.
func NewServer(
	store task.Store,
	crawls task.CrawlStore,
	backlogStore task.BacklogStore,
	creditStore task.CreditStore,
	limiter *ratelimit.Limiter,
	sem *semaphore.Semaphore,
	guard *ssrf.Guard,
	engines EngineHealth,
	searchHealth SearchHealth,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	s := &Server{
		store:   store,
		crawls:  crawls,
		backlog: backlogStore,
		credits: creditStore,
		limiter: limiter,
		sem:     sem,
		guard:   guard,
		engines: engines,
		search:  searchHealth,
		cfg:     cfg,
		logger:  logger.Named("api"),
		now:     time.Now,
		poll:    syncPollInterval,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))

	r.Get("/health", s.health)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(cfg.Auth.Enabled, cfg.Auth.APIKey))
		r.Use(rateLimitMiddleware(limiter))

		r.Route("/v1", func(r chi.Router) {
			r.Post("/scrape", s.submitScrape)
			r.Get("/scrape/{id}", s.getTask)
			r.Post("/crawl", s.submitCrawl)
			r.Route("/crawl/{id}", func(r chi.Router) {
				r.Get("/", s.getCrawl)
				r.Get("/results", s.getCrawlResults)
				r.Delete("/", s.cancelCrawl)
			})
			r.Post("/search", s.submitSearch)
			r.Post("/extract", s.submitExtract)
			r.Get("/extract/{id}", s.getTask)
			r.Get("/credits", s.getCredits)
		})
		r.Route("/v2", func(r chi.Router) {
			r.Post("/tasks/query", s.queryTasks)
			r.Post("/tasks/cancel", s.cancelTasks)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	data := map[string]any{"status": "ok"}
	if s.engines != nil {
		data["engines"] = s.engines.HealthSnapshot()
	}
	if s.search != nil {
		data["search_engines"] = s.search.HealthSnapshot()
	}
	if s.backlog != nil {
		if depth, err := s.backlog.Depth(r.Context()); err == nil {
			data["backlog_depth"] = depth
		}
	}
	writeData(w, data, 0)
}

type scrapeOptions struct {
	Headers             map[string]string `json:"headers,omitempty"`
	TimeoutMs           int               `json:"timeout_ms,omitempty"`
	Mobile              bool              `json:"mobile,omitempty"`
	Proxy               string            `json:"proxy,omitempty"`
	SkipTLSVerification bool              `json:"skip_tls_verification,omitempty"`
	RenderJS            bool              `json:"render_js,omitempty"`
	AntiBot             bool              `json:"anti_bot,omitempty"`
	Screenshot          bool              `json:"screenshot,omitempty"`
}

type scrapeRequest struct {
	URL        string         `json:"url"`
	Formats    []string       `json:"formats,omitempty"`
	Options    *scrapeOptions `json:"options,omitempty"`
	Actions    []task.Action  `json:"actions,omitempty"`
	Priority   int            `json:"priority,omitempty"`
	WebhookURL string         `json:"webhook_url,omitempty"`
	SyncWaitMs *int           `json:"sync_wait_ms,omitempty"`
}

func (req *scrapeRequest) payload() task.ScrapePayload {
	p := task.ScrapePayload{
		URL:     req.URL,
		Formats: req.Formats,
		Actions: req.Actions,
	}
	if o := req.Options; o != nil {
		p.Headers = o.Headers
		p.TimeoutMs = o.TimeoutMs
		p.Mobile = o.Mobile
		p.Proxy = o.Proxy
		p.SkipTLSVerification = o.SkipTLSVerification
		p.NeedsJS = o.RenderJS
		p.NeedsAntiBot = o.AntiBot
		p.NeedsScreenshot = o.Screenshot
	}
	return p
}

func (s *Server) submitScrape(w http.ResponseWriter, r *http.Request) {
	var req scrapeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorKind(w, task.KindInvalidInput, "invalid JSON body")
		return
	}
	if err := validateTargetURL(req.URL); err != nil {
		writeError(w, err)
		return
	}
	if err := s.guard.Validate(r.Context(), req.URL); err != nil {
		writeError(w, err)
		return
	}

	body, err := json.Marshal(req.payload())
	if err != nil {
		writeError(w, task.Wrap(task.KindInternal, "encode payload", err))
		return
	}
	t := &task.Task{
		ID:         uuid.New(),
		Kind:       task.KindScrape,
		TenantID:   tenantOf(r),
		Priority:   req.Priority,
		MaxRetries: task.DefaultMaxRetries,
		Payload:    body,
		WebhookURL: req.WebhookURL,
	}
	if err := s.admit(r.Context(), t); err != nil {
		writeError(w, err)
		return
	}
	s.respondAfterWait(w, r, t.ID, req.SyncWaitMs)
}

type crawlerOptions struct {
	MaxDepth     int      `json:"max_depth,omitempty"`
	Limit        int      `json:"limit,omitempty"`
	IncludePaths []string `json:"include_paths,omitempty"`
	ExcludePaths []string `json:"exclude_paths,omitempty"`
	IgnoreRobots bool     `json:"ignore_robots,omitempty"`
	CrawlDelayMs int      `json:"crawl_delay_ms,omitempty"`
}

type crawlRequest struct {
	URL            string          `json:"url"`
	CrawlerOptions *crawlerOptions `json:"crawler_options,omitempty"`
	ScrapeOptions  *scrapeRequest  `json:"scrape_options,omitempty"`
	MaxConcurrency int             `json:"max_concurrency,omitempty"`
	Priority       int             `json:"priority,omitempty"`
	WebhookURL     string          `json:"webhook_url,omitempty"`
}

func (s *Server) submitCrawl(w http.ResponseWriter, r *http.Request) {
	var req crawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorKind(w, task.KindInvalidInput, "invalid JSON body")
		return
	}
	if err := validateTargetURL(req.URL); err != nil {
		writeError(w, err)
		return
	}
	if err := s.guard.Validate(r.Context(), req.URL); err != nil {
		writeError(w, err)
		return
	}

	cfg := task.CrawlConfig{
		MaxDepth:      s.cfg.Crawler.MaxDepthDefault,
		Limit:         s.cfg.Crawler.MaxPagesDefault,
		CrawlDelayMs:  s.cfg.Crawler.DelayMs,
		MaxConcurrent: req.MaxConcurrency,
	}
	if o := req.CrawlerOptions; o != nil {
		if o.MaxDepth > 0 {
			cfg.MaxDepth = o.MaxDepth
		}
		if o.Limit > 0 {
			cfg.Limit = o.Limit
		}
		cfg.IncludePaths = o.IncludePaths
		cfg.ExcludePaths = o.ExcludePaths
		cfg.IgnoreRobots = o.IgnoreRobots
		if o.CrawlDelayMs > 0 {
			cfg.CrawlDelayMs = o.CrawlDelayMs
		}
	}
	if req.ScrapeOptions != nil {
		p := req.ScrapeOptions.payload()
		cfg.Scrape = &p
	}

	now := s.now()
	seedID := uuid.New()
	c := &task.Crawl{
		ID:         uuid.New(),
		TenantID:   tenantOf(r),
		SeedURL:    req.URL,
		SeedTaskID: seedID,
		Config:     cfg,
		Counters:   task.CrawlCounters{Discovered: 1},
		Status:     task.CrawlProcessing,
		WebhookURL: req.WebhookURL,
		CreatedAt:  now,
		ExpiresAt:  now.Add(task.CrawlBudget),
	}
	if err := s.crawls.CreateCrawl(r.Context(), c); err != nil {
		writeError(w, err)
		return
	}

	seed := &task.Task{
		ID:         seedID,
		Kind:       task.KindCrawlSeed,
		TenantID:   c.TenantID,
		Priority:   req.Priority,
		MaxRetries: task.DefaultMaxRetries,
		WebhookURL: req.WebhookURL,
		CrawlID:    &c.ID,
	}
	if err := s.admit(r.Context(), seed); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, crawlView(*c), 0)
}

func (s *Server) getCrawl(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeErrorKind(w, task.KindInvalidInput, "malformed crawl id")
		return
	}
	c, err := s.crawls.FindCrawl(r.Context(), id)
	if err != nil {
		writeErrorKind(w, task.KindNotFound, "crawl not found")
		return
	}
	writeData(w, crawlView(c), 0)
}

func (s *Server) getCrawlResults(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeErrorKind(w, task.KindInvalidInput, "malformed crawl id")
		return
	}
	if _, err := s.crawls.FindCrawl(r.Context(), id); err != nil {
		writeErrorKind(w, task.KindNotFound, "crawl not found")
		return
	}
	page := intQuery(r, "page", 1)
	limit := intQuery(r, "limit", 20)
	children, err := s.store.ListByCrawl(r.Context(), id, page, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]taskView, 0, len(children))
	for _, t := range children {
		views = append(views, newTaskView(t))
	}
	writeData(w, map[string]any{
		"crawl_id": id,
		"page":     page,
		"limit":    limit,
		"results":  views,
	}, 0)
}

// cancelCrawl flips the crawl record and force-cancels its seed; the
// running seed notices the terminal crawl status and winds down its
// children on its own.
func (s *Server) cancelCrawl(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeErrorKind(w, task.KindInvalidInput, "malformed crawl id")
		return
	}
	c, err := s.crawls.FindCrawl(r.Context(), id)
	if err != nil {
		writeErrorKind(w, task.KindNotFound, "crawl not found")
		return
	}
	if c.Status.IsTerminal() {
		writeData(w, crawlView(c), 0)
		return
	}
	if err := s.crawls.SetCrawlStatus(r.Context(), id, task.CrawlCancelled); err != nil {
		// a racer (reaper or another cancel) beat us to a terminal status
		if !errors.Is(err, task.ErrTerminal) {
			writeError(w, err)
			return
		}
	}
	if _, err := s.store.CancelMany(r.Context(), []uuid.UUID{c.SeedTaskID}, true); err != nil {
		s.logger.Warn("cancel seed task", zap.Error(err))
	}
	c.Status = task.CrawlCancelled
	writeData(w, crawlView(c), 0)
}

type searchRequest struct {
	Query      string   `json:"query"`
	Engines    []string `json:"engines,omitempty"`
	Limit      int      `json:"limit,omitempty"`
	Language   string   `json:"lang,omitempty"`
	Country    string   `json:"country,omitempty"`
	Priority   int      `json:"priority,omitempty"`
	WebhookURL string   `json:"webhook_url,omitempty"`
	SyncWaitMs *int     `json:"sync_wait_ms,omitempty"`
}

func (s *Server) submitSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorKind(w, task.KindInvalidInput, "invalid JSON body")
		return
	}
	if req.Query == "" {
		writeErrorKind(w, task.KindInvalidInput, "query is required")
		return
	}
	body, err := json.Marshal(task.SearchPayload{
		Query:    req.Query,
		Engines:  req.Engines,
		Limit:    req.Limit,
		Language: req.Language,
		Country:  req.Country,
	})
	if err != nil {
		writeError(w, task.Wrap(task.KindInternal, "encode payload", err))
		return
	}
	t := &task.Task{
		ID:         uuid.New(),
		Kind:       task.KindSearch,
		TenantID:   tenantOf(r),
		Priority:   req.Priority,
		MaxRetries: task.DefaultMaxRetries,
		Payload:    body,
		WebhookURL: req.WebhookURL,
	}
	if err := s.admit(r.Context(), t); err != nil {
		writeError(w, err)
		return
	}
	s.respondAfterWait(w, r, t.ID, req.SyncWaitMs)
}

type extractRequest struct {
	URL        string          `json:"url"`
	Prompt     string          `json:"prompt,omitempty"`
	Schema     json.RawMessage `json:"schema,omitempty"`
	Priority   int             `json:"priority,omitempty"`
	WebhookURL string          `json:"webhook_url,omitempty"`
	SyncWaitMs *int            `json:"sync_wait_ms,omitempty"`
}

func (s *Server) submitExtract(w http.ResponseWriter, r *http.Request) {
	var req extractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorKind(w, task.KindInvalidInput, "invalid JSON body")
		return
	}
	if err := validateTargetURL(req.URL); err != nil {
		writeError(w, err)
		return
	}
	if req.Prompt == "" && len(req.Schema) == 0 {
		writeErrorKind(w, task.KindInvalidInput, "prompt or schema is required")
		return
	}
	if err := s.guard.Validate(r.Context(), req.URL); err != nil {
		writeError(w, err)
		return
	}

	body, err := json.Marshal(task.ExtractPayload{
		URL:    req.URL,
		Prompt: req.Prompt,
		Schema: req.Schema,
	})
	if err != nil {
		writeError(w, task.Wrap(task.KindInternal, "encode payload", err))
		return
	}
	t := &task.Task{
		ID:         uuid.New(),
		Kind:       task.KindExtract,
		TenantID:   tenantOf(r),
		Priority:   req.Priority,
		MaxRetries: task.DefaultMaxRetries,
		Payload:    body,
		WebhookURL: req.WebhookURL,
	}
	if err := s.admit(r.Context(), t); err != nil {
		writeError(w, err)
		return
	}
	s.respondAfterWait(w, r, t.ID, req.SyncWaitMs)
}

func (s *Server) getCredits(w http.ResponseWriter, r *http.Request) {
	tenant := tenantOf(r)
	balance, err := s.credits.CreditBalance(r.Context(), tenant)
	if err != nil {
		writeError(w, task.Wrap(task.KindInternal, "read credit balance", err))
		return
	}
	writeData(w, map[string]any{"tenant_id": tenant, "balance": balance}, 0)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeErrorKind(w, task.KindInvalidInput, "malformed task id")
		return
	}
	t, err := s.store.Find(r.Context(), id)
	if err != nil {
		writeErrorKind(w, task.KindNotFound, "task not found")
		return
	}
	writeData(w, newTaskView(t), 0)
}

type tasksQueryRequest struct {
	TaskIDs        []uuid.UUID `json:"task_ids"`
	IncludeResults bool        `json:"include_results,omitempty"`
	Filters        struct {
		Status   []task.Status `json:"status,omitempty"`
		TaskType []task.Kind   `json:"task_type,omitempty"`
	} `json:"filters,omitempty"`
}

func (s *Server) queryTasks(w http.ResponseWriter, r *http.Request) {
	var req tasksQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorKind(w, task.KindInvalidInput, "invalid JSON body")
		return
	}
	if len(req.TaskIDs) == 0 {
		writeErrorKind(w, task.KindInvalidInput, "task_ids is required")
		return
	}
	if len(req.TaskIDs) > 100 {
		writeErrorKind(w, task.KindInvalidInput, "at most 100 task_ids per query")
		return
	}
	tenant := tenantOf(r)
	tasks, err := s.store.Query(r.Context(), task.QueryFilter{
		IDs:            req.TaskIDs,
		Statuses:       req.Filters.Status,
		Kinds:          req.Filters.TaskType,
		TenantID:       &tenant,
		IncludeResults: req.IncludeResults,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, newTaskView(t))
	}
	writeData(w, map[string]any{"tasks": views}, 0)
}

type tasksCancelRequest struct {
	TaskIDs []uuid.UUID `json:"task_ids"`
	Force   bool        `json:"force,omitempty"`
}

func (s *Server) cancelTasks(w http.ResponseWriter, r *http.Request) {
	var req tasksCancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorKind(w, task.KindInvalidInput, "invalid JSON body")
		return
	}
	if len(req.TaskIDs) == 0 {
		writeErrorKind(w, task.KindInvalidInput, "task_ids is required")
		return
	}
	cancelled, err := s.store.CancelMany(r.Context(), req.TaskIDs, req.Force)
	if err != nil {
		writeError(w, err)
		return
	}
	if cancelled == nil {
		cancelled = []uuid.UUID{}
	}
	writeData(w, map[string]any{"cancelled": cancelled}, 0)
}

// admit probes the tenant's concurrency budget before enqueueing. When
// the tenant is saturated the task is accepted anyway but parked in the
// backlog, where the reaper promotes it once a slot frees.
func (s *Server) admit(ctx context.Context, t *task.Task) error {
	permit, err := s.sem.Acquire(ctx, t.TenantID)
	saturated := err != nil && task.KindOf(err) == task.KindConcurrencyExhausted
	if err == nil {
		// probe only: the executing worker takes its own permit
		permit.Release()
	}

	if err := s.store.Enqueue(ctx, t); err != nil {
		return task.Wrap(task.KindInternal, "enqueue task", err)
	}
	if saturated {
		now := s.now()
		if err := s.backlog.Push(ctx, task.BacklogEntry{
			TaskID:     t.ID,
			TenantID:   t.TenantID,
			EnqueuedAt: now,
			ExpiresAt:  now.Add(backlog.AgeOut),
		}); err != nil {
			s.logger.Warn("backlog push failed", zap.Error(err))
		}
	}
	return nil
}

// respondAfterWait runs the sync-wait bridge: poll the task until it
// reaches a terminal state or the wait bound elapses, then answer with
// either the inline result or the processing handle.
func (s *Server) respondAfterWait(w http.ResponseWriter, r *http.Request, id uuid.UUID, syncWaitMs *int) {
	waitMs := defaultSyncWaitMs
	if syncWaitMs != nil {
		waitMs = *syncWaitMs
	}
	if waitMs > maxSyncWaitMs {
		waitMs = maxSyncWaitMs
	}

	t, terminal := s.waitTerminal(r.Context(), id, time.Duration(waitMs)*time.Millisecond)
	if !terminal {
		writeData(w, map[string]any{"task_id": id, "status": "processing"}, 0)
		return
	}
	if t.Status == task.StatusCompleted {
		writeJSON(w, http.StatusOK, envelope{
			Success:     true,
			Data:        inlineResult(t),
			CreditsUsed: creditsFor(t),
		})
		return
	}
	writeJSON(w, http.StatusOK, envelope{
		Success:   false,
		Data:      newTaskView(*t),
		Error:     "task did not complete",
		ErrorCode: t.ErrorCode,
	})
}

func (s *Server) waitTerminal(ctx context.Context, id uuid.UUID, bound time.Duration) (*task.Task, bool) {
	deadline := s.now().Add(bound)
	for {
		t, err := s.store.Find(ctx, id)
		if err == nil && t.Status.IsTerminal() {
			return &t, true
		}
		remaining := deadline.Sub(s.now())
		if remaining <= 0 {
			return nil, false
		}
		interval := s.poll
		if remaining < interval {
			interval = remaining
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(interval):
		}
	}
}

// inlineResult flattens a completed task's result into the envelope's
// data object alongside the task handle.
func inlineResult(t *task.Task) map[string]any {
	data := map[string]any{
		"task_id": t.ID,
		"status":  string(t.Status),
	}
	var body map[string]any
	if len(t.Result) > 0 && json.Unmarshal(t.Result, &body) == nil {
		for k, v := range body {
			data[k] = v
		}
	}
	return data
}

/// creditsFor settles inline billing: one credit per completed task,
// except search answers served from cache.
func creditsFor(t *task.Task) int {
	if t.Status != task.StatusCompleted {
		return 0
	}
	if t.Kind == task.KindSearch {
		var res task.SearchResult
		if json.Unmarshal(t.Result, &res) == nil && res.Cached {
			return 0
		}
	}
	return 1
}

type taskView struct {
	ID          uuid.UUID       `json:"id"`
	Kind        task.Kind       `json:"kind"`
	Status      task.Status     `json:"status"`
	RetryCount  int             `json:"retry_count"`
	Result      json.RawMessage `json:"result,omitempty"`
	ErrorCode   string          `json:"error_code,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

func newTaskView(t task.Task) taskView {
	return taskView{
		ID:          t.ID,
		Kind:        t.Kind,
		Status:      t.Status,
		RetryCount:  t.RetryCount,
		Result:      t.Result,
		ErrorCode:   t.ErrorCode,
		CreatedAt:   t.CreatedAt,
		CompletedAt: t.CompletedAt,
	}
}

func crawlView(c task.Crawl) map[string]any {
	return map[string]any{
		"id":         c.ID,
		"status":     c.Status,
		"seed_url":   c.SeedURL,
		"counters":   c.Counters,
		"webhook":    c.WebhookURL != "",
		"created_at": c.CreatedAt,
		"expires_at": c.ExpiresAt,
	}
}

func validateTargetURL(raw string) error {
	if raw == "" {
		return task.E(task.KindInvalidInput, "url is required")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return task.E(task.KindInvalidInput, "url must be absolute http or https")
	}
	return nil
}

func intQuery(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
