package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Workers.Count != 8 {
		t.Fatalf("expected default worker count 8, got %d", cfg.Workers.Count)
	}
	if cfg.RateLimit.RequestsPerMinute != 60 {
		t.Fatalf("expected default rate limit 60, got %d", cfg.RateLimit.RequestsPerMinute)
	}
	if cfg.Tenancy.DefaultLimit != 10 {
		t.Fatalf("expected default tenant limit 10, got %d", cfg.Tenancy.DefaultLimit)
	}
	if cfg.Crawler.UserAgent != "crawlrs/1.0" {
		t.Fatalf("unexpected default user agent %q", cfg.Crawler.UserAgent)
	}
	if got := cfg.ShutdownTimeout(); got != 15*time.Second {
		t.Fatalf("expected shutdown timeout 15s, got %v", got)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
workers:
  count: 4
redis:
  addr: localhost:6379
rate_limit:
  requests_per_minute: 120
crawler:
  user_agent: custom-agent
  max_depth_default: 5
  max_pages_default: 50
webhook:
  secret: hmac-key
logging:
  development: true
  level: debug
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Workers.Count != 4 {
		t.Fatalf("expected worker count 4, got %d", cfg.Workers.Count)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Fatalf("expected redis addr override, got %q", cfg.Redis.Addr)
	}
	if cfg.RateLimit.RequestsPerMinute != 120 {
		t.Fatalf("expected rate limit 120, got %d", cfg.RateLimit.RequestsPerMinute)
	}
	if cfg.Crawler.UserAgent != "custom-agent" || cfg.Crawler.MaxDepthDefault != 5 {
		t.Fatalf("expected crawler overrides to apply: %+v", cfg.Crawler)
	}
	if cfg.Webhook.Secret != "hmac-key" {
		t.Fatalf("expected webhook secret override")
	}
	if !cfg.Logging.Development || cfg.Logging.Level != "debug" {
		t.Fatalf("expected logging overrides to apply: %+v", cfg.Logging)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("CRAWLRS_SERVER_PORT", "7070")
	t.Setenv("CRAWLRS_LOGGING_LEVEL", "warn")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Fatalf("expected env port 7070, got %d", cfg.Server.Port)
	}
	if cfg.Logging.Level != "warn" {
		t.Fatalf("expected env level warn, got %q", cfg.Logging.Level)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	valid := func() Config {
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "invalid port",
			mutate: func(c *Config) { c.Server.Port = 0 },
			want:   "server.port",
		},
		{
			name:   "invalid worker count",
			mutate: func(c *Config) { c.Workers.Count = -1 },
			want:   "workers.count",
		},
		{
			name:   "invalid rate limit",
			mutate: func(c *Config) { c.RateLimit.RequestsPerMinute = 0 },
			want:   "rate_limit.requests_per_minute",
		},
		{
			name:   "invalid tenant limit",
			mutate: func(c *Config) { c.Tenancy.DefaultLimit = 0 },
			want:   "tenancy.default_limit",
		},
		{
			name:   "auth missing api key",
			mutate: func(c *Config) { c.Auth.Enabled = true; c.Auth.APIKey = "" },
			want:   "auth.api_key",
		},
		{
			name:   "invalid page cap",
			mutate: func(c *Config) { c.Crawler.MaxPagesDefault = 0 },
			want:   "crawler.max_pages_default",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
