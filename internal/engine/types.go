// Package engine routes fetch requests across the available fetch
// strategies, protecting each behind a circuit breaker.
package engine

import (
	"context"
	"net/http"
	"time"

	"github.com/crawlrs/crawlrs/internal/task"
)

// Name identifies one fetch strategy.
type Name string

// The four fetch strategies, cheapest first.
const (
	// NameHTTP is the plain HTTP client. No JS, no screenshots.
	NameHTTP Name = "http"
	// NameBrowser is a headless browser. JS and screenshots.
	NameBrowser Name = "browser"
	// NameTLSClient impersonates browser TLS fingerprints. No JS.
	NameTLSClient Name = "tlsclient"
	// NameStealth is a hardened browser session. JS, screenshots, anti-bot.
	NameStealth Name = "stealth"
)

// DefaultTimeout bounds a fetch when the request does not set one.
const DefaultTimeout = 30 * time.Second

// MaxTimeout caps the per-request override.
const MaxTimeout = 120 * time.Second

// Request is one fetch to route.
type Request struct {
	URL             string
	Headers         map[string]string
	Timeout         time.Duration
	Mobile          bool
	NeedsJS         bool
	NeedsScreenshot bool
	NeedsAntiBot    bool
	Actions         []task.Action
	Proxy           string
	SkipTLSVerify   bool
}

// EffectiveTimeout clamps the requested timeout into the allowed range.
func (r *Request) EffectiveTimeout() time.Duration {
	if r.Timeout <= 0 {
		return DefaultTimeout
	}
	if r.Timeout > MaxTimeout {
		return MaxTimeout
	}
	return r.Timeout
}

// Result is a successful fetch.
type Result struct {
	URL        string
	StatusCode int
	Body       []byte
	Screenshot []byte
	Headers    http.Header
	Engine     Name
	Duration   time.Duration
}

// Engine is one fetch strategy.
type Engine interface {
	// Name returns the stable engine identifier.
	Name() Name
	// SupportScore rates how well the engine fits the request, 0..100.
	// Zero means the engine cannot satisfy it at all.
	SupportScore(req *Request) int
	// Cost is the relative credit cost, used as the final tie breaker.
	Cost() int
	// Fetch executes the request. Failures carry engine-transient or
	// engine-terminal kinds so the router can decide whether to move on.
	Fetch(ctx context.Context, req *Request) (*Result, error)
}

// classifyStatus maps an HTTP status to a routing outcome.
func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 400:
		return nil
	case code == http.StatusTooManyRequests || code >= 500:
		return task.E(task.KindEngineTransient, http.StatusText(code))
	default:
		return task.E(task.KindEngineTerminal, http.StatusText(code))
	}
}
