package engine

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/crawlrs/crawlrs/internal/task"
)

// HTTPConfig controls the plain HTTP engine.
type HTTPConfig struct {
	UserAgent       string `mapstructure:"user_agent"`
	MobileUserAgent string `mapstructure:"mobile_user_agent"`
	MaxBodyBytes    int    `mapstructure:"max_body_bytes"`
}

// HTTPEngine fetches with a Colly collector. Cheapest strategy: no JS,
// no screenshots, no anti-bot.
type HTTPEngine struct {
	cfg  HTTPConfig
	base *colly.Collector
}

// NewHTTP builds the plain HTTP engine.
func NewHTTP(cfg HTTPConfig) *HTTPEngine {
	if cfg.UserAgent == "" {
		cfg.UserAgent = "crawlrs/1.0"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 10 << 20
	}
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true // robots policy is enforced by the frontier
	return &HTTPEngine{cfg: cfg, base: c}
}

func (e *HTTPEngine) Name() Name { return NameHTTP }

func (e *HTTPEngine) Cost() int { return 1 }

// SupportScore: perfect for static pages, useless for anything needing
// a browser or TLS impersonation.
func (e *HTTPEngine) SupportScore(req *Request) int {
	if req.NeedsJS || req.NeedsScreenshot || req.NeedsAntiBot || len(req.Actions) > 0 {
		return 0
	}
	return 100
}

// Fetch executes one GET through a cloned collector.
func (e *HTTPEngine) Fetch(ctx context.Context, req *Request) (*Result, error) {
	collector := e.base.Clone()
	collector.UserAgent = e.cfg.UserAgent
	if req.Mobile && e.cfg.MobileUserAgent != "" {
		collector.UserAgent = e.cfg.MobileUserAgent
	}
	collector.MaxBodySize = e.cfg.MaxBodyBytes
	collector.SetRequestTimeout(req.EffectiveTimeout())

	transport, err := e.transport(req)
	if err != nil {
		return nil, err
	}
	collector.WithTransport(transport)

	var (
		result   *Result
		fetchErr error
	)
	collector.OnRequest(func(r *colly.Request) {
		for k, v := range req.Headers {
			r.Headers.Set(k, v)
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		result = &Result{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			Headers:    r.Headers.Clone(),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			fetchErr = classifyStatus(r.StatusCode)
			return
		}
		fetchErr = task.Wrap(task.KindEngineTransient, "http fetch", err)
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(req.URL)
	}()
	select {
	case <-ctx.Done():
		return nil, task.Wrap(task.KindEngineTransient, "http fetch cancelled", ctx.Err())
	case err := <-done:
		if fetchErr != nil {
			return nil, fetchErr
		}
		if err != nil {
			return nil, task.Wrap(task.KindEngineTransient, "http visit", err)
		}
	}
	if result == nil {
		return nil, task.E(task.KindEngineTransient, "no response received")
	}
	if err := classifyStatus(result.StatusCode); err != nil {
		return nil, err
	}
	return result, nil
}

func (e *HTTPEngine) transport(req *Request) (http.RoundTripper, error) {
	t := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
	if req.SkipTLSVerify {
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	if req.Proxy != "" {
		proxyURL, err := url.Parse(req.Proxy)
		if err != nil {
			return nil, task.Wrap(task.KindInvalidInput, fmt.Sprintf("proxy %q", req.Proxy), err)
		}
		t.Proxy = http.ProxyURL(proxyURL)
	}
	return t, nil
}
