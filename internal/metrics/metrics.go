// Package metrics exposes Prometheus collectors for the crawlrs service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	tasksTotal                 *prometheus.CounterVec
	taskDurationSeconds        *prometheus.HistogramVec
	leaseReapsTotal            prometheus.Counter
	engineRequestsTotal        *prometheus.CounterVec
	engineLatencySeconds       *prometheus.HistogramVec
	breakerState               *prometheus.GaugeVec
	webhookDeliveriesTotal     *prometheus.CounterVec
	rateLimitRejectionsTotal   prometheus.Counter
	backlogDepth               prometheus.Gauge
	backlogPromotedTotal       prometheus.Counter
	backlogExpiredTotal        prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	activeWorkers              prometheus.Gauge
	searchCacheTotal           *prometheus.CounterVec
	creditsConsumedTotal       *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlrs_tasks_total",
				Help: "Total tasks reaching a status, labeled by kind and status.",
			},
			[]string{"kind", "status"},
		)

		taskDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawlrs_task_duration_seconds",
				Help:    "Histogram of task execution latencies, labeled by kind.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"kind"},
		)

		leaseReapsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawlrs_lease_reaps_total",
				Help: "Total expired leases returned to the queue by the reaper.",
			},
		)

		engineRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlrs_engine_requests_total",
				Help: "Total fetch attempts, labeled by engine and outcome.",
			},
			[]string{"engine", "outcome"},
		)

		engineLatencySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawlrs_engine_latency_seconds",
				Help:    "Histogram of per-engine fetch latencies.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"engine"},
		)

		breakerState = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crawlrs_breaker_state",
				Help: "Circuit breaker state per engine: 0 closed, 1 open, 2 half-open.",
			},
			[]string{"engine"},
		)

		webhookDeliveriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlrs_webhook_deliveries_total",
				Help: "Total webhook delivery attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		rateLimitRejectionsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawlrs_rate_limit_rejections_total",
				Help: "Total requests refused by the fixed-window rate limiter.",
			},
		)

		backlogDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawlrs_backlog_depth",
				Help: "Tasks currently parked awaiting a tenant permit.",
			},
		)

		backlogPromotedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawlrs_backlog_promoted_total",
				Help: "Backlog entries returned to the dispatchable queue.",
			},
		)

		backlogExpiredTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawlrs_backlog_expired_total",
				Help: "Backlog entries cancelled past their age-out deadline.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlrs_http_requests_total",
				Help: "Total HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawlrs_http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"method", "route"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawlrs_active_workers",
				Help: "Workers currently executing a leased task.",
			},
		)

		searchCacheTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlrs_search_cache_total",
				Help: "Search cache lookups, labeled by outcome (hit, miss).",
			},
			[]string{"outcome"},
		)

		creditsConsumedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlrs_credits_consumed_total",
				Help: "Billing credits consumed, labeled by operation.",
			},
			[]string{"operation"},
		)
	})
}

// Handler returns an http.Handler exposing the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveTask records one task reaching a status.
func ObserveTask(kind, status string) {
	tasksTotal.WithLabelValues(kind, status).Inc()
}

// ObserveTaskDuration records one task's execution latency.
func ObserveTaskDuration(kind string, d time.Duration) {
	taskDurationSeconds.WithLabelValues(kind).Observe(d.Seconds())
}

// ObserveLeaseReaps adds reaped lease count.
func ObserveLeaseReaps(n int) {
	leaseReapsTotal.Add(float64(n))
}

// ObserveEngine records one engine attempt and its latency.
func ObserveEngine(engine, outcome string, d time.Duration) {
	engineRequestsTotal.WithLabelValues(engine, outcome).Inc()
	engineLatencySeconds.WithLabelValues(engine).Observe(d.Seconds())
}

// SetBreakerState publishes the breaker state for one engine.
func SetBreakerState(engine string, state int) {
	breakerState.WithLabelValues(engine).Set(float64(state))
}

// ObserveWebhookDelivery records one delivery attempt outcome.
func ObserveWebhookDelivery(outcome string) {
	webhookDeliveriesTotal.WithLabelValues(outcome).Inc()
}

// ObserveRateLimitRejection counts one 429.
func ObserveRateLimitRejection() {
	rateLimitRejectionsTotal.Inc()
}

// SetBacklogDepth publishes the backlog size.
func SetBacklogDepth(n int) {
	backlogDepth.Set(float64(n))
}

// BacklogPromoted counts one backlog promotion.
func BacklogPromoted() {
	backlogPromotedTotal.Inc()
}

// BacklogExpired counts one backlog age-out.
func BacklogExpired() {
	backlogExpiredTotal.Inc()
}

// ObserveHTTPRequest records one API request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveWorkers increments the busy-worker gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the busy-worker gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveSearchCache records one cache lookup outcome.
func ObserveSearchCache(outcome string) {
	searchCacheTotal.WithLabelValues(outcome).Inc()
}

// ObserveCredits adds consumed billing credits for an operation.
func ObserveCredits(operation string, n int) {
	creditsConsumedTotal.WithLabelValues(operation).Add(float64(n))
}
