package engine

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/crawlrs/crawlrs/internal/task"
)

// BrowserConfig controls the headless browser engines.
type BrowserConfig struct {
	// RemoteURL is a DevTools websocket endpoint. When set, sessions
	// attach to the remote browser pool instead of spawning Chrome.
	RemoteURL   string `mapstructure:"remote_url"`
	MaxParallel int    `mapstructure:"max_parallel"`
	UserAgent   string `mapstructure:"user_agent"`
}

// BrowserEngine renders pages in headless Chrome: JS, screenshots and
// scripted actions, but no anti-bot hardening.
type BrowserEngine struct {
	session *browserSession
}

// NewBrowser builds the headless browser engine.
func NewBrowser(cfg BrowserConfig) *BrowserEngine {
	return &BrowserEngine{session: newBrowserSession(cfg, nil)}
}

func (e *BrowserEngine) Name() Name { return NameBrowser }

func (e *BrowserEngine) Cost() int { return 5 }

// SupportScore: the pick for JS and screenshots, expensive for plain
// pages, and not hardened against bot walls.
func (e *BrowserEngine) SupportScore(req *Request) int {
	if req.NeedsAntiBot {
		return 0
	}
	if req.NeedsJS || req.NeedsScreenshot || len(req.Actions) > 0 {
		return 100
	}
	return 10
}

// Fetch renders the page and optionally captures a screenshot.
func (e *BrowserEngine) Fetch(ctx context.Context, req *Request) (*Result, error) {
	return e.session.fetch(ctx, req)
}

// Close tears down the allocator.
func (e *BrowserEngine) Close() { e.session.close() }

// browserSession owns one chromedp allocator and a parallelism gate.
// Both browser engines are thin wrappers over it.
type browserSession struct {
	cfg         BrowserConfig
	limiter     chan struct{}
	allocOnce   sync.Once
	allocator   context.Context
	allocCancel context.CancelFunc
	extraFlags  []chromedp.ExecAllocatorOption
}

func newBrowserSession(cfg BrowserConfig, extraFlags []chromedp.ExecAllocatorOption) *browserSession {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}
	return &browserSession{
		cfg:        cfg,
		limiter:    make(chan struct{}, cfg.MaxParallel),
		extraFlags: extraFlags,
	}
}

func (s *browserSession) alloc() context.Context {
	s.allocOnce.Do(func() {
		if s.cfg.RemoteURL != "" {
			s.allocator, s.allocCancel = chromedp.NewRemoteAllocator(
				context.Background(), s.cfg.RemoteURL)
			return
		}
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", "new"),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("hide-scrollbars", true),
		)
		opts = append(opts, s.extraFlags...)
		s.allocator, s.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	})
	return s.allocator
}

func (s *browserSession) close() {
	if s.allocCancel != nil {
		s.allocCancel()
	}
}

func (s *browserSession) fetch(ctx context.Context, req *Request) (*Result, error) {
	select {
	case s.limiter <- struct{}{}:
	case <-ctx.Done():
		return nil, task.Wrap(task.KindEngineTransient, "browser slot wait", ctx.Err())
	}
	defer func() { <-s.limiter }()

	tabCtx, tabCancel := chromedp.NewContext(s.alloc())
	defer tabCancel()
	tabCtx, cancel := context.WithTimeout(tabCtx, req.EffectiveTimeout())
	defer cancel()

	meta := newPageMeta()
	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	var (
		html       string
		finalURL   string
		screenshot []byte
	)
	actions := []chromedp.Action{
		s.setupAction(req),
		chromedp.Navigate(req.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	actions = append(actions, requestActions(req)...)
	actions = append(actions,
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if req.NeedsScreenshot {
		actions = append(actions, chromedp.CaptureScreenshot(&screenshot))
	}

	start := time.Now()
	if err := chromedp.Run(tabCtx, actions...); err != nil {
		return nil, task.Wrap(task.KindEngineTransient, "browser run", err)
	}

	status, headers := meta.snapshot()
	if status == 0 {
		status = http.StatusOK
	}
	if err := classifyStatus(status); err != nil {
		return nil, err
	}
	if finalURL == "" {
		finalURL = req.URL
	}
	return &Result{
		URL:        finalURL,
		StatusCode: status,
		Body:       []byte(html),
		Screenshot: screenshot,
		Headers:    headers,
		Duration:   time.Since(start),
	}, nil
}

func (s *browserSession) setupAction(req *Request) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if s.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(s.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if req.Mobile {
			if err := emulation.SetDeviceMetricsOverride(390, 844, 3, true).Do(ctx); err != nil {
				return fmt.Errorf("set mobile metrics: %w", err)
			}
		}
		if len(req.Headers) > 0 {
			headers := network.Headers{}
			for k, v := range req.Headers {
				headers[k] = v
			}
			if err := network.SetExtraHTTPHeaders(headers).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

// requestActions translates the scripted steps into chromedp actions.
// The final screenshot step is handled by the caller, so a screenshot
// action here only forces the flag.
func requestActions(req *Request) []chromedp.Action {
	var out []chromedp.Action
	for _, a := range req.Actions {
		switch a.Type {
		case "wait":
			d := time.Duration(a.Millis) * time.Millisecond
			if a.Selector != "" {
				out = append(out, chromedp.WaitVisible(a.Selector, chromedp.ByQuery))
			} else if d > 0 {
				out = append(out, chromedp.Sleep(d))
			}
		case "click":
			out = append(out, chromedp.Click(a.Selector, chromedp.ByQuery))
		case "scroll":
			out = append(out, chromedp.Evaluate("window.scrollTo(0, document.body.scrollHeight)", nil))
		case "screenshot":
			req.NeedsScreenshot = true
		}
	}
	return out
}

// pageMeta captures the document response status and headers off the
// CDP event stream.
type pageMeta struct {
	mu      sync.Mutex
	status  int
	headers http.Header
}

func newPageMeta() *pageMeta {
	return &pageMeta{headers: http.Header{}}
}

func (m *pageMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	headers := http.Header{}
	for k, v := range resp.Response.Headers {
		headers.Add(k, fmt.Sprint(v))
	}
	m.mu.Lock()
	m.status = int(resp.Response.Status)
	m.headers = headers
	m.mu.Unlock()
}

func (m *pageMeta) snapshot() (int, http.Header) {
	m.mu.Lock()
	defer m.mu.Unlock()
	headers := make(http.Header, len(m.headers))
	for k, vs := range m.headers {
		for _, v := range vs {
			headers.Add(k, v)
		}
	}
	return m.status, headers
}
