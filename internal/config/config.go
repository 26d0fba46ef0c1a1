// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/crawlrs/crawlrs/internal/cache"
	"github.com/crawlrs/crawlrs/internal/engine"
	"github.com/crawlrs/crawlrs/internal/extract"
	"github.com/crawlrs/crawlrs/internal/ratelimit"
	"github.com/crawlrs/crawlrs/internal/semaphore"
	"github.com/crawlrs/crawlrs/internal/taskstore"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig         `mapstructure:"server"`
	Auth      AuthConfig           `mapstructure:"auth"`
	DB        taskstore.Config     `mapstructure:"db"`
	Redis     cache.Config         `mapstructure:"redis"`
	Workers   WorkerConfig         `mapstructure:"workers"`
	RateLimit ratelimit.Config     `mapstructure:"rate_limit"`
	Tenancy   semaphore.Config     `mapstructure:"tenancy"`
	Browser   engine.BrowserConfig `mapstructure:"browser"`
	Crawler   CrawlerConfig        `mapstructure:"crawler"`
	Webhook   WebhookConfig        `mapstructure:"webhook"`
	Extract   extract.Config       `mapstructure:"extract"`
	SSRF      SSRFConfig           `mapstructure:"ssrf"`
	Logging   LoggingConfig        `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int `mapstructure:"port"`
	ShutdownTimeout int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines API authentication.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// WorkerConfig sizes the task execution pool.
type WorkerConfig struct {
	Count int `mapstructure:"count"`
}

// CrawlerConfig governs crawl defaults.
type CrawlerConfig struct {
	UserAgent       string `mapstructure:"user_agent"`
	MaxDepthDefault int    `mapstructure:"max_depth_default"`
	MaxPagesDefault int    `mapstructure:"max_pages_default"`
	DelayMs         int    `mapstructure:"delay_ms"`
}

// WebhookConfig controls outbox delivery.
type WebhookConfig struct {
	Secret string `mapstructure:"secret"`
}

// SSRFConfig toggles the private-network guard. AllowPrivate exists for
// local development only.
type SSRFConfig struct {
	AllowPrivate bool `mapstructure:"allow_private"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLRS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout_seconds", 15)
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 2)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("workers.count", 8)
	v.SetDefault("rate_limit.requests_per_minute", 60)
	v.SetDefault("tenancy.default_limit", 10)
	v.SetDefault("browser.max_parallel", 4)
	v.SetDefault("crawler.user_agent", "crawlrs/1.0")
	v.SetDefault("crawler.max_depth_default", 2)
	v.SetDefault("crawler.max_pages_default", 100)
	v.SetDefault("crawler.delay_ms", 0)
	v.SetDefault("extract.endpoint", "")
	v.SetDefault("extract.model", "gpt-4o-mini")
	v.SetDefault("extract.timeout_seconds", 60)
	v.SetDefault("ssrf.allow_private", false)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Workers.Count <= 0 {
		return fmt.Errorf("workers.count must be > 0")
	}
	if c.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("rate_limit.requests_per_minute must be > 0")
	}
	if c.Tenancy.DefaultLimit <= 0 {
		return fmt.Errorf("tenancy.default_limit must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Crawler.MaxPagesDefault <= 0 {
		return fmt.Errorf("crawler.max_pages_default must be > 0")
	}
	return nil
}

// ShutdownTimeout converts the configured grace period.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeout) * time.Second
}
