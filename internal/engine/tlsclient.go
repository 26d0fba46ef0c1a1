package engine

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/crawlrs/crawlrs/internal/task"
)

// TLSClientConfig controls the TLS-impersonation engine.
type TLSClientConfig struct {
	UserAgent    string `mapstructure:"user_agent"`
	MaxBodyBytes int64  `mapstructure:"max_body_bytes"`
}

// TLSClientEngine presents a browser-shaped TLS handshake and header
// set without running a browser. Useful against TLS-fingerprinting
// bot walls; cannot execute JS or take screenshots.
type TLSClientEngine struct {
	cfg TLSClientConfig
}

// NewTLSClient builds the TLS-impersonation engine.
func NewTLSClient(cfg TLSClientConfig) *TLSClientEngine {
	if cfg.UserAgent == "" {
		cfg.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 10 << 20
	}
	return &TLSClientEngine{cfg: cfg}
}

func (e *TLSClientEngine) Name() Name { return NameTLSClient }

func (e *TLSClientEngine) Cost() int { return 3 }

// SupportScore: first pick for anti-bot targets, a fallback for plain
// pages, never an option when a browser is required.
func (e *TLSClientEngine) SupportScore(req *Request) int {
	if req.NeedsJS || req.NeedsScreenshot || len(req.Actions) > 0 {
		return 0
	}
	if req.NeedsAntiBot {
		return 100
	}
	return 50
}

// Fetch executes one GET with a browser-like handshake.
func (e *TLSClientEngine) Fetch(ctx context.Context, req *Request) (*Result, error) {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:     e.tlsConfig(req),
		TLSHandshakeTimeout: 15 * time.Second,
		ForceAttemptHTTP2:   true,
	}
	if req.Proxy != "" {
		proxyURL, err := url.Parse(req.Proxy)
		if err != nil {
			return nil, task.Wrap(task.KindInvalidInput, "proxy url", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	client := &http.Client{
		Transport: transport,
		Timeout:   req.EffectiveTimeout(),
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, task.Wrap(task.KindInvalidInput, "build request", err)
	}
	e.applyHeaders(httpReq, req)

	start := time.Now()
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, task.Wrap(task.KindEngineTransient, "tls fetch", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, e.cfg.MaxBodyBytes))
	if err != nil {
		return nil, task.Wrap(task.KindEngineTransient, "read body", err)
	}
	if err := classifyStatus(resp.StatusCode); err != nil {
		return nil, err
	}
	return &Result{
		URL:        resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		Body:       body,
		Headers:    resp.Header.Clone(),
		Duration:   time.Since(start),
	}, nil
}

// tlsConfig pins the cipher ordering and curve preferences Chrome
// advertises, which is what fingerprinting walls check.
func (e *TLSClientEngine) tlsConfig(req *Request) *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: req.SkipTLSVerify,
		CipherSuites: []uint16{
			tls.TLS_AES_128_GCM_SHA256,
			tls.TLS_AES_256_GCM_SHA384,
			tls.TLS_CHACHA20_POLY1305_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
		},
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
			tls.CurveP384,
		},
	}
}

func (e *TLSClientEngine) applyHeaders(httpReq *http.Request, req *Request) {
	httpReq.Header.Set("User-Agent", e.cfg.UserAgent)
	httpReq.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	httpReq.Header.Set("Accept-Language", "en-US,en;q=0.9")
	httpReq.Header.Set("Sec-Fetch-Dest", "document")
	httpReq.Header.Set("Sec-Fetch-Mode", "navigate")
	httpReq.Header.Set("Sec-Fetch-Site", "none")
	httpReq.Header.Set("Upgrade-Insecure-Requests", "1")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
}
