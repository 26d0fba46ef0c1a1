package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crawlrs/crawlrs/internal/task"
)

func TestHTTPEngineFetch(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "token-123", r.Header.Get("X-Custom"))
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body>hello</body></html>"))
	}))
	defer srv.Close()

	e := NewHTTP(HTTPConfig{})
	res, err := e.Fetch(context.Background(), &Request{
		URL:     srv.URL,
		Headers: map[string]string{"X-Custom": "token-123"},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Contains(t, string(res.Body), "hello")
}

func TestHTTPEngineClassifiesStatuses(t *testing.T) {
	t.Parallel()

	status := http.StatusNotFound
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	e := NewHTTP(HTTPConfig{})
	ctx := context.Background()

	_, err := e.Fetch(ctx, &Request{URL: srv.URL})
	require.Equal(t, task.KindEngineTerminal, task.KindOf(err))

	status = http.StatusServiceUnavailable
	_, err = e.Fetch(ctx, &Request{URL: srv.URL})
	require.Equal(t, task.KindEngineTransient, task.KindOf(err))
}

func TestHTTPEngineSupportScore(t *testing.T) {
	t.Parallel()

	e := NewHTTP(HTTPConfig{})
	require.Equal(t, 100, e.SupportScore(&Request{URL: "https://example.com"}))
	require.Zero(t, e.SupportScore(&Request{NeedsJS: true}))
	require.Zero(t, e.SupportScore(&Request{NeedsScreenshot: true}))
	require.Zero(t, e.SupportScore(&Request{NeedsAntiBot: true}))
	require.Zero(t, e.SupportScore(&Request{Actions: []task.Action{{Type: "click"}}}))
}

func TestTLSClientSupportScore(t *testing.T) {
	t.Parallel()

	e := NewTLSClient(TLSClientConfig{})
	require.Equal(t, 100, e.SupportScore(&Request{NeedsAntiBot: true}))
	require.Equal(t, 50, e.SupportScore(&Request{}))
	require.Zero(t, e.SupportScore(&Request{NeedsJS: true}))
	require.Zero(t, e.SupportScore(&Request{NeedsScreenshot: true}))
}
