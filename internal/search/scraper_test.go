package search

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crawlrs/crawlrs/internal/task"
)

const bingPage = `<html><body>
<ol id="b_results">
  <li class="b_algo">
    <h2><a href="https://go.dev/">The Go Programming Language</a></h2>
    <div class="b_caption"><p>Build simple, secure, scalable systems.</p></div>
  </li>
  <li class="b_algo">
    <h2><a href="https://go.dev/doc/">Documentation</a></h2>
    <div class="b_caption"><p>Learn how to use Go.</p></div>
  </li>
  <li class="b_algo">
    <h2><a href="/relative/skipped">Relative link</a></h2>
  </li>
</ol>
</body></html>`

func TestBingScraperParsesResults(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "golang", r.URL.Query().Get("q"))
		require.Equal(t, "10", r.URL.Query().Get("count"))
		require.NotEmpty(t, r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte(bingPage))
	}))
	defer srv.Close()

	eng := NewBing(WithBaseURL(srv.URL))
	hits, err := eng.Search(context.Background(), Query{Query: "golang"})
	require.NoError(t, err)
	require.Len(t, hits, 2, "relative links are dropped")

	require.Equal(t, task.SearchHit{
		Title:       "The Go Programming Language",
		URL:         "https://go.dev/",
		Description: "Build simple, secure, scalable systems.",
		Engine:      NameBing,
	}, hits[0])
	require.Equal(t, "https://go.dev/doc/", hits[1].URL)
}

func TestScraperRespectsLimit(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(bingPage))
	}))
	defer srv.Close()

	eng := NewBing(WithBaseURL(srv.URL))
	hits, err := eng.Search(context.Background(), Query{Query: "golang", Limit: 1})
	require.NoError(t, err)
	require.Len(t, hits, 1)
}

func TestScraperNon200IsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	eng := NewGoogle(WithBaseURL(srv.URL))
	_, err := eng.Search(context.Background(), Query{Query: "golang"})
	require.Error(t, err)
	require.Equal(t, task.KindEngineTransient, task.KindOf(err))
}

func TestScraperUnreachableIsTransient(t *testing.T) {
	t.Parallel()

	eng := NewSogou(WithBaseURL("http://127.0.0.1:1"))
	_, err := eng.Search(context.Background(), Query{Query: "golang"})
	require.Error(t, err)
	require.Equal(t, task.KindEngineTransient, task.KindOf(err))
}
