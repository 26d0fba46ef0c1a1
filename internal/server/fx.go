// Package server wires configuration into running subsystems and owns
// the process lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/crawlrs/crawlrs/internal/api"
	"github.com/crawlrs/crawlrs/internal/backlog"
	"github.com/crawlrs/crawlrs/internal/cache"
	"github.com/crawlrs/crawlrs/internal/config"
	"github.com/crawlrs/crawlrs/internal/crawl"
	"github.com/crawlrs/crawlrs/internal/dispatch"
	"github.com/crawlrs/crawlrs/internal/engine"
	"github.com/crawlrs/crawlrs/internal/extract"
	"github.com/crawlrs/crawlrs/internal/logging"
	"github.com/crawlrs/crawlrs/internal/metrics"
	"github.com/crawlrs/crawlrs/internal/ratelimit"
	"github.com/crawlrs/crawlrs/internal/search"
	"github.com/crawlrs/crawlrs/internal/semaphore"
	"github.com/crawlrs/crawlrs/internal/ssrf"
	"github.com/crawlrs/crawlrs/internal/task"
	"github.com/crawlrs/crawlrs/internal/taskstore"
	"github.com/crawlrs/crawlrs/internal/webhook"
	"github.com/crawlrs/crawlrs/internal/worker"
)

// stores is the full persistence surface one backend provides.
type stores interface {
	task.Store
	task.CrawlStore
	task.OutboxStore
	task.BacklogStore
	task.CreditStore
}

// App is the assembled service: every background loop plus the HTTP
// front end, sharing one store and one counter cache.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	store         stores
	api           *api.Server
	pool          *dispatch.Pool
	leaseReaper   *dispatch.Reaper
	backlogReaper *backlog.Reaper
	deliverer     *webhook.Deliverer

	closers []func()
}

// Build assembles an App from configuration. Nothing starts running
// until Run.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{cfg: cfg, logger: logger}

	counters, err := app.buildCache(ctx)
	if err != nil {
		return nil, err
	}
	store, err := app.buildStore(ctx)
	if err != nil {
		return nil, err
	}
	app.store = store

	var guardOpts []ssrf.Option
	if cfg.SSRF.AllowPrivate {
		logger.Warn("SSRF guard disabled, private targets are reachable")
		guardOpts = append(guardOpts, ssrf.WithAllowPrivate())
	}
	guard := ssrf.NewGuard(guardOpts...)

	router := engine.NewRouter(logger,
		engine.NewHTTP(engine.HTTPConfig{UserAgent: cfg.Crawler.UserAgent}),
		engine.NewTLSClient(engine.TLSClientConfig{}),
		engine.NewBrowser(cfg.Browser),
		engine.NewStealth(cfg.Browser),
	)

	providers, err := search.Engines(nil)
	if err != nil {
		return nil, fmt.Errorf("build search engines: %w", err)
	}
	aggregator := search.NewAggregator(counters, logger, providers...)

	limiter := ratelimit.New(counters, cfg.RateLimit, logger)
	sem := semaphore.New(counters, cfg.Tenancy, logger)

	robots := crawl.NewRobotsCache(cfg.Crawler.UserAgent, logger)
	runner := crawl.NewRunner(store, store, robots, logger)

	var extractClient extract.Client
	if cfg.Extract.Endpoint != "" {
		extractClient = extract.NewHTTPClient(cfg.Extract)
	} else {
		logger.Info("no extraction endpoint configured, extract tasks will be refused")
	}
	extractor := extract.NewService(router, worker.TextConverter{}, extractClient, logger)

	workers := make([]*worker.Worker, cfg.Workers.Count)
	for i := range workers {
		workers[i] = worker.New(store, store, store, sem, guard, router, runner, aggregator, extractor, nil, logger)
	}
	app.pool = dispatch.NewPool(logger, workers...)
	app.leaseReaper = dispatch.NewReaper(store, store, logger)
	app.backlogReaper = backlog.NewReaper(store, store, sem, logger)
	app.deliverer = webhook.NewDeliverer(store, cfg.Webhook.Secret, logger)

	app.api = api.NewServer(store, store, store, store, limiter, sem, guard, router, aggregator, cfg, logger)

	logger.Info("app assembled",
		zap.Int("workers", cfg.Workers.Count),
		zap.Bool("postgres", cfg.DB.DSN != ""),
		zap.Bool("redis", cfg.Redis.Addr != ""),
		zap.Bool("auth", cfg.Auth.Enabled),
	)
	return app, nil
}

// buildCache connects the shared counter cache: Redis when configured,
// an in-process fallback otherwise. Single-node deployments work fine
// on the fallback; rate and concurrency accounting just stops being
// shared across frontends.
func (a *App) buildCache(ctx context.Context) (cache.Cache, error) {
	if a.cfg.Redis.Addr == "" {
		a.logger.Info("no redis configured, using in-process counters")
		return cache.NewMemory(), nil
	}
	rc, err := cache.NewRedis(ctx, a.cfg.Redis, a.logger)
	if err != nil {
		return nil, fmt.Errorf("build cache: %w", err)
	}
	a.closers = append(a.closers, func() {
		if err := rc.Close(); err != nil {
			a.logger.Warn("close redis", zap.Error(err))
		}
	})
	return rc, nil
}

func (a *App) buildStore(ctx context.Context) (stores, error) {
	if a.cfg.DB.DSN == "" {
		a.logger.Info("no database configured, using in-memory task store")
		return taskstore.NewMemory(), nil
	}
	pg, err := taskstore.NewPostgres(ctx, a.cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("build store: %w", err)
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	a.closers = append(a.closers, pg.Close)
	return pg, nil
}

// Run starts every loop and blocks until SIGINT/SIGTERM or a fatal
// listener error, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	run := func(name string, f func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f(ctx)
			a.logger.Info("loop stopped", zap.String("loop", name))
		}()
	}
	run("workers", a.pool.Run)
	run("lease-reaper", a.leaseReaper.Run)
	run("backlog-reaper", a.backlogReaper.Run)
	run("webhook-deliverer", a.deliverer.Run)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-serveErr:
		a.logger.Error("http server failed", zap.Error(err))
		runErr = err
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown", zap.Error(err))
	}
	wg.Wait()
	a.Close()
	a.logger.Info("shutdown complete")
	return runErr
}

// Close releases infrastructure connections. Idempotent.
func (a *App) Close() {
	for _, c := range a.closers {
		c()
	}
	a.closers = nil
	_ = a.logger.Sync()
}
