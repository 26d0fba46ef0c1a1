package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crawlrs/crawlrs/internal/metrics"
	"github.com/crawlrs/crawlrs/internal/task"
)

// statsAlpha is the EWMA smoothing factor for per-engine quality stats.
const statsAlpha = 0.1

type engineStats struct {
	successRate float64
	avgLatency  time.Duration
	usageCount  int64
}

// Router scores, orders and attempts engines for each fetch. Engine
// order in the constructor is the configured priority used to break
// score ties.
type Router struct {
	engines  []Engine
	breakers map[Name]*Breaker
	logger   *zap.Logger

	mu    sync.Mutex
	stats map[Name]*engineStats
}

// NewRouter constructs a Router with a default breaker per engine.
func NewRouter(logger *zap.Logger, engines ...Engine) *Router {
	r := &Router{
		engines:  engines,
		breakers: make(map[Name]*Breaker, len(engines)),
		logger:   logger.Named("router"),
		stats:    make(map[Name]*engineStats, len(engines)),
	}
	for _, e := range engines {
		r.breakers[e.Name()] = NewBreaker(e.Name(), DefaultBreakerConfig())
		r.stats[e.Name()] = &engineStats{successRate: 1}
	}
	return r
}

// Breaker exposes one engine's breaker, mainly for tests and health.
func (r *Router) Breaker(name Name) *Breaker {
	return r.breakers[name]
}

type candidate struct {
	engine   Engine
	score    float64
	priority int
}

// rank scores every engine for the request, drops zeros, and orders the
// rest by blended score, then configured priority, then cost.
func (r *Router) rank(req *Request) []candidate {
	var out []candidate
	for i, e := range r.engines {
		support := e.SupportScore(req)
		if support <= 0 {
			continue
		}
		out = append(out, candidate{
			engine:   e,
			score:    r.blend(e.Name(), float64(support)),
			priority: i,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		if out[i].priority != out[j].priority {
			return out[i].priority < out[j].priority
		}
		return out[i].engine.Cost() < out[j].engine.Cost()
	})
	return out
}

// blend folds the engine's observed quality into its support score:
// success rate dominates, latency trims up to 20%, heavy recent use
// trims up to 10% to spread load.
func (r *Router) blend(name Name, support float64) float64 {
	r.mu.Lock()
	st := r.stats[name]
	rate, latency, usage := st.successRate, st.avgLatency, st.usageCount
	r.mu.Unlock()

	score := support * (0.3 + rate*0.7)
	latencyScore := 1 - min(latency.Seconds()/10, 1)
	score *= 0.8 + latencyScore*0.2
	usagePenalty := min(float64(usage)/1000, 0.1)
	return score * (1 - usagePenalty)
}

func (r *Router) observe(name Name, ok bool, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.stats[name]
	outcome := 0.0
	if ok {
		outcome = 1.0
	}
	st.successRate = st.successRate*(1-statsAlpha) + outcome*statsAlpha
	st.avgLatency = time.Duration(float64(st.avgLatency)*(1-statsAlpha) + float64(latency)*statsAlpha)
	st.usageCount++
}

// Fetch attempts candidates in order. Transient failures feed the
// breaker and fall through to the next engine; terminal failures stop
// the walk and surface as-is.
func (r *Router) Fetch(ctx context.Context, req *Request) (*Result, error) {
	candidates := r.rank(req)
	if len(candidates) == 0 {
		return nil, task.E(task.KindAllEnginesFailed, "no engine supports this request")
	}
	var lastErr error
	for _, c := range candidates {
		name := c.engine.Name()
		br := r.breakers[name]
		if !br.Allow() {
			r.logger.Debug("skipping engine, breaker not admitting",
				zap.String("engine", string(name)))
			continue
		}
		fetchCtx, cancel := context.WithTimeout(ctx, req.EffectiveTimeout())
		start := time.Now()
		res, err := c.engine.Fetch(fetchCtx, req)
		latency := time.Since(start)
		cancel()

		if err == nil {
			br.RecordSuccess()
			r.observe(name, true, latency)
			metrics.ObserveEngine(string(name), "success", latency)
			res.Engine = name
			res.Duration = latency
			return res, nil
		}
		r.observe(name, false, latency)
		kind := task.KindOf(err)
		r.logger.Warn("engine attempt failed",
			zap.String("engine", string(name)),
			zap.String("url", req.URL),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		if kind == task.KindEngineTerminal || kind == task.KindSSRFDetected || kind == task.KindInvalidInput {
			metrics.ObserveEngine(string(name), "terminal", latency)
			return nil, err
		}
		// Transient (or unclassified): count against the breaker and
		// move on to the next candidate.
		br.RecordFailure()
		metrics.ObserveEngine(string(name), "transient", latency)
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	if lastErr == nil {
		return nil, task.E(task.KindAllEnginesFailed, "every candidate engine is unavailable")
	}
	return nil, task.Wrap(task.KindAllEnginesFailed, "every candidate engine failed", lastErr)
}

// Health describes one engine for the health endpoint.
type Health struct {
	Name         Name    `json:"name"`
	State        string  `json:"state"`
	FailureCount int     `json:"failure_count"`
	SuccessRate  float64 `json:"success_rate"`
	AvgLatencyMs int64   `json:"avg_latency_ms"`
}

// HealthSnapshot reports every engine's breaker state and quality stats.
func (r *Router) HealthSnapshot() []Health {
	out := make([]Health, 0, len(r.engines))
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.engines {
		name := e.Name()
		st := r.stats[name]
		br := r.breakers[name]
		out = append(out, Health{
			Name:         name,
			State:        br.State().String(),
			FailureCount: br.FailureCount(),
			SuccessRate:  st.successRate,
			AvgLatencyMs: st.avgLatency.Milliseconds(),
		})
	}
	return out
}
