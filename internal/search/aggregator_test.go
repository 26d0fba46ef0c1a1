package search

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crawlrs/crawlrs/internal/cache"
	"github.com/crawlrs/crawlrs/internal/metrics"
	"github.com/crawlrs/crawlrs/internal/task"
)

func TestMain(m *testing.M) {
	metrics.Init()
	m.Run()
}

type fakeSearch struct {
	name  string
	hits  []task.SearchHit
	err   error
	calls int
}

func (f *fakeSearch) Name() string { return f.name }

func (f *fakeSearch) Search(_ context.Context, _ Query) ([]task.SearchHit, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.hits, nil
}

func hit(title, url string) task.SearchHit {
	return task.SearchHit{Title: title, URL: url}
}

func TestSearchMergesAndRanks(t *testing.T) {
	t.Parallel()

	a := NewAggregator(cache.NewMemory(), zap.NewNop(),
		&fakeSearch{name: "alpha", hits: []task.SearchHit{
			hit("Go concurrency patterns", "https://a.test/go"),
			hit("Cooking pasta", "https://a.test/pasta"),
		}},
		&fakeSearch{name: "beta", hits: []task.SearchHit{
			hit("Concurrency in Go explained", "https://b.test/conc"),
		}},
	)

	res, err := a.Search(context.Background(), Query{Query: "go concurrency"})
	require.NoError(t, err)
	require.False(t, res.Cached)
	require.Len(t, res.Hits, 3)
	// both query terms match the first two, none match pasta
	require.Equal(t, "https://a.test/go", res.Hits[0].URL)
	require.Equal(t, "https://a.test/pasta", res.Hits[2].URL)
	require.Zero(t, res.Hits[2].Score)
}

func TestSearchDeduplicatesByURL(t *testing.T) {
	t.Parallel()

	a := NewAggregator(cache.NewMemory(), zap.NewNop(),
		&fakeSearch{name: "alpha", hits: []task.SearchHit{
			hit("Release notes", "https://x.test/notes?utm=1"),
		}},
		&fakeSearch{name: "beta", hits: []task.SearchHit{
			hit("Totally different title about releases", "https://x.test/notes/"),
		}},
	)

	res, err := a.Search(context.Background(), Query{Query: "release"})
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	require.Equal(t, "Release notes", res.Hits[0].Title)
}

func TestSearchDeduplicatesSimilarTitles(t *testing.T) {
	t.Parallel()

	a := NewAggregator(cache.NewMemory(), zap.NewNop(),
		&fakeSearch{name: "alpha", hits: []task.SearchHit{
			hit("The Go Programming Language", "https://a.test/1"),
		}},
		&fakeSearch{name: "beta", hits: []task.SearchHit{
			hit("The Go Programming Languages", "https://b.test/2"),
			hit("Rust ownership guide", "https://b.test/3"),
		}},
	)

	res, err := a.Search(context.Background(), Query{Query: "go"})
	require.NoError(t, err)
	require.Len(t, res.Hits, 2)
}

func TestSearchServesFromCache(t *testing.T) {
	t.Parallel()

	eng := &fakeSearch{name: "alpha", hits: []task.SearchHit{hit("One", "https://a.test/1")}}
	a := NewAggregator(cache.NewMemory(), zap.NewNop(), eng)

	first, err := a.Search(context.Background(), Query{Query: "one"})
	require.NoError(t, err)
	require.False(t, first.Cached)

	second, err := a.Search(context.Background(), Query{Query: "one"})
	require.NoError(t, err)
	require.True(t, second.Cached)
	require.Equal(t, 1, eng.calls)
	require.Equal(t, first.Hits, second.Hits)
}

func TestSearchMinSuccess(t *testing.T) {
	t.Parallel()

	broken := task.E(task.KindEngineTransient, "down")
	a := NewAggregator(cache.NewMemory(), zap.NewNop(),
		&fakeSearch{name: "alpha", err: broken},
		&fakeSearch{name: "beta", hits: []task.SearchHit{hit("One", "https://b.test/1")}},
	)

	// default minimum of one succeeding engine is met
	res, err := a.Search(context.Background(), Query{Query: "q"})
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)

	_, err = a.Search(context.Background(), Query{Query: "other", MinSuccess: 2})
	require.Error(t, err)
	require.Equal(t, task.KindInsufficientEngines, task.KindOf(err))
}

func TestSearchAllEnginesDown(t *testing.T) {
	t.Parallel()

	a := NewAggregator(cache.NewMemory(), zap.NewNop(),
		&fakeSearch{name: "alpha", err: task.E(task.KindEngineTransient, "down")},
	)

	_, err := a.Search(context.Background(), Query{Query: "q"})
	require.Error(t, err)
	require.Equal(t, task.KindInsufficientEngines, task.KindOf(err))
}

func TestSearchEngineSubset(t *testing.T) {
	t.Parallel()

	alpha := &fakeSearch{name: "alpha", hits: []task.SearchHit{hit("A", "https://a.test/1")}}
	beta := &fakeSearch{name: "beta", hits: []task.SearchHit{hit("B", "https://b.test/1")}}
	a := NewAggregator(cache.NewMemory(), zap.NewNop(), alpha, beta)

	res, err := a.Search(context.Background(), Query{Query: "q", Engines: []string{"beta"}})
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	require.Equal(t, "https://b.test/1", res.Hits[0].URL)
	require.Zero(t, alpha.calls)
}

func TestSearchBreakerOpensAfterRepeatedFailures(t *testing.T) {
	t.Parallel()

	eng := &fakeSearch{name: "alpha", err: task.E(task.KindEngineTransient, "down")}
	a := NewAggregator(cache.NewMemory(), zap.NewNop(), eng)

	for i := 0; i < 5; i++ {
		_, err := a.Search(context.Background(), Query{Query: "q"})
		require.Error(t, err)
	}
	require.Equal(t, 5, eng.calls)

	// breaker is now open: the engine is skipped entirely
	_, err := a.Search(context.Background(), Query{Query: "q"})
	require.Error(t, err)
	require.Equal(t, 5, eng.calls)
}

func TestSearchRejectsEmptyQuery(t *testing.T) {
	t.Parallel()

	a := NewAggregator(cache.NewMemory(), zap.NewNop(),
		&fakeSearch{name: "alpha"})
	_, err := a.Search(context.Background(), Query{Query: "   "})
	require.Error(t, err)
	require.Equal(t, task.KindInvalidInput, task.KindOf(err))
}

func TestCacheKeyShape(t *testing.T) {
	t.Parallel()

	alpha := &fakeSearch{name: "alpha"}
	beta := &fakeSearch{name: "beta"}

	base := CacheKey(Query{Query: "Go Modules"}, []Engine{alpha, beta})
	require.Equal(t, base, CacheKey(Query{Query: "  go modules "}, []Engine{alpha, beta}))
	// engine order does not matter, membership does
	require.Equal(t, base, CacheKey(Query{Query: "go modules"}, []Engine{beta, alpha}))
	require.NotEqual(t, base, CacheKey(Query{Query: "go modules"}, []Engine{alpha}))
	require.NotEqual(t, base, CacheKey(Query{Query: "go modules", Language: "de"}, []Engine{alpha, beta}))
	require.NotEqual(t, base, CacheKey(Query{Query: "go modules", Limit: 20}, []Engine{alpha, beta}))
}

func TestEnginesFactory(t *testing.T) {
	t.Parallel()

	all, err := Engines(nil)
	require.NoError(t, err)
	require.Len(t, all, 4)

	subset, err := Engines([]string{"Bing", "sogou"})
	require.NoError(t, err)
	require.Len(t, subset, 2)
	require.Equal(t, NameBing, subset[0].Name())

	_, err = Engines([]string{"altavista"})
	require.Error(t, err)
	require.Equal(t, task.KindInvalidInput, task.KindOf(err))
}
