package search

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xrash/smetrics"
	"go.uber.org/zap"

	"github.com/crawlrs/crawlrs/internal/cache"
	"github.com/crawlrs/crawlrs/internal/engine"
	"github.com/crawlrs/crawlrs/internal/metrics"
	"github.com/crawlrs/crawlrs/internal/task"
)

// Aggregation knobs.
const (
	// EngineTimeout bounds each provider's answer.
	EngineTimeout = 10 * time.Second
	// CacheTTL is how long a merged result set is served from cache.
	CacheTTL = time.Hour
	// titleSimilarity is the Jaro-Winkler threshold above which two hits
	// with different URLs are considered the same result.
	titleSimilarity = 0.85
)

// Aggregator fans a query out to all configured engines concurrently,
// guards each with a circuit breaker, and merges the answers.
type Aggregator struct {
	engines  []Engine
	breakers map[string]*engine.Breaker
	store    cache.Cache
	logger   *zap.Logger
	timeout  time.Duration
}

// NewAggregator wires the engine set. Engine order is merge priority.
func NewAggregator(store cache.Cache, logger *zap.Logger, engines ...Engine) *Aggregator {
	breakers := make(map[string]*engine.Breaker, len(engines))
	for _, e := range engines {
		breakers[e.Name()] = engine.NewBreaker(engine.Name(e.Name()), engine.DefaultBreakerConfig())
	}
	return &Aggregator{
		engines:  engines,
		breakers: breakers,
		store:    store,
		logger:   logger.Named("search"),
		timeout:  EngineTimeout,
	}
}

// Search answers a query, from cache when a fresh identical query was
// answered within the TTL. Fewer successful engines than q.MinSuccess
// fails the whole search.
func (a *Aggregator) Search(ctx context.Context, q Query) (*task.SearchResult, error) {
	if strings.TrimSpace(q.Query) == "" {
		return nil, task.E(task.KindInvalidInput, "empty query")
	}
	selected := a.selectEngines(q.Engines)
	if len(selected) == 0 {
		return nil, task.E(task.KindInvalidInput, "no matching search engines")
	}

	key := CacheKey(q, selected)
	if cached, err := a.store.Get(ctx, key); err == nil {
		var hits []task.SearchHit
		if err := json.Unmarshal(cached, &hits); err == nil {
			metrics.ObserveSearchCache("hit")
			return a.result(q, selected, hits, true), nil
		}
	} else if !errors.Is(err, cache.ErrMiss) {
		a.logger.Warn("search cache read", zap.Error(err))
	}
	metrics.ObserveSearchCache("miss")

	type answer struct {
		order int
		name  string
		hits  []task.SearchHit
		err   error
	}
	answers := make([]answer, len(selected))
	var wg sync.WaitGroup
	for i, eng := range selected {
		br := a.breakers[eng.Name()]
		if !br.Allow() {
			answers[i] = answer{order: i, name: eng.Name(),
				err: task.E(task.KindEngineTransient, eng.Name()+" circuit open")}
			continue
		}
		wg.Add(1)
		go func(i int, eng Engine, br *engine.Breaker) {
			defer wg.Done()
			engCtx, cancel := context.WithTimeout(ctx, a.timeout)
			defer cancel()
			hits, err := eng.Search(engCtx, q)
			if err != nil {
				br.RecordFailure()
				a.logger.Warn("search engine failed",
					zap.String("engine", eng.Name()), zap.Error(err))
			} else {
				br.RecordSuccess()
			}
			answers[i] = answer{order: i, name: eng.Name(), hits: hits, err: err}
		}(i, eng, br)
	}
	wg.Wait()

	succeeded := 0
	var merged []task.SearchHit
	for _, ans := range answers {
		if ans.err != nil {
			continue
		}
		succeeded++
		merged = append(merged, ans.hits...)
	}
	minSuccess := q.MinSuccess
	if minSuccess <= 0 {
		minSuccess = 1
	}
	if succeeded < minSuccess {
		return nil, task.E(task.KindInsufficientEngines,
			fmt.Sprintf("%d of %d engines answered, need %d", succeeded, len(selected), minSuccess))
	}

	hits := dedupe(merged)
	scoreHits(q.Query, hits)
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if limit := q.EffectiveLimit(); len(hits) > limit {
		hits = hits[:limit]
	}

	if body, err := json.Marshal(hits); err == nil {
		if err := a.store.Set(ctx, key, body, CacheTTL); err != nil {
			a.logger.Warn("search cache write", zap.Error(err))
		}
	}
	return a.result(q, selected, hits, false), nil
}

// HealthSnapshot reports per-engine breaker state for /health.
func (a *Aggregator) HealthSnapshot() map[string]string {
	out := make(map[string]string, len(a.breakers))
	for name, br := range a.breakers {
		out[name] = br.State().String()
	}
	return out
}

func (a *Aggregator) selectEngines(names []string) []Engine {
	if len(names) == 0 {
		return a.engines
	}
	want := make(map[string]struct{}, len(names))
	for _, n := range names {
		want[strings.ToLower(n)] = struct{}{}
	}
	var out []Engine
	for _, e := range a.engines {
		if _, ok := want[e.Name()]; ok {
			out = append(out, e)
		}
	}
	return out
}

func (a *Aggregator) result(q Query, selected []Engine, hits []task.SearchHit, cached bool) *task.SearchResult {
	names := make([]string, len(selected))
	for i, e := range selected {
		names[i] = e.Name()
	}
	if hits == nil {
		hits = []task.SearchHit{}
	}
	return &task.SearchResult{Query: q.Query, Hits: hits, Engines: names, Cached: cached}
}

// CacheKey derives the deterministic cache key for one query shape.
func CacheKey(q Query, selected []Engine) string {
	names := make([]string, len(selected))
	for i, e := range selected {
		names[i] = e.Name()
	}
	sort.Strings(names)
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%d",
		strings.ToLower(strings.TrimSpace(q.Query)),
		strings.Join(names, ","), q.Language, q.EffectiveLimit())
	return "search:" + hex.EncodeToString(h.Sum(nil))
}

// dedupe drops hits whose normalized URL was already seen, or whose
// title is near-identical to a kept hit. First occurrence wins, so
// engine priority order decides which duplicate survives.
func dedupe(hits []task.SearchHit) []task.SearchHit {
	seenURL := make(map[string]struct{}, len(hits))
	var kept []task.SearchHit
	for _, hit := range hits {
		u := normalizeHitURL(hit.URL)
		if _, dup := seenURL[u]; dup {
			continue
		}
		similar := false
		title := normalizeTitle(hit.Title)
		for _, existing := range kept {
			if smetrics.JaroWinkler(title, normalizeTitle(existing.Title), 0.7, 4) >= titleSimilarity {
				similar = true
				break
			}
		}
		if similar {
			continue
		}
		seenURL[u] = struct{}{}
		kept = append(kept, hit)
	}
	return kept
}

// scoreHits assigns a term-overlap relevance score in [0,1].
func scoreHits(query string, hits []task.SearchHit) {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return
	}
	for i := range hits {
		text := strings.ToLower(hits[i].Title + " " + hits[i].Description)
		matched := 0
		for _, term := range terms {
			if strings.Contains(text, term) {
				matched++
			}
		}
		hits[i].Score = float64(matched) / float64(len(terms))
	}
}

func normalizeHitURL(raw string) string {
	u := strings.ToLower(strings.TrimSpace(raw))
	if i := strings.IndexAny(u, "#?"); i >= 0 {
		u = u[:i]
	}
	return strings.TrimSuffix(u, "/")
}

func normalizeTitle(title string) string {
	return strings.Join(strings.Fields(strings.ToLower(title)), " ")
}
