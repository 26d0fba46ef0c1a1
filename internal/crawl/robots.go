package crawl

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
)

// robotsTTL bounds how long parsed rules are reused per origin.
const robotsTTL = time.Hour

// RobotsCache fetches and caches parsed robots.txt per origin. An
// unreachable or missing robots.txt allows everything, matching what
// well-behaved crawlers do for 4xx.
type RobotsCache struct {
	client    *http.Client
	userAgent string
	logger    *zap.Logger
	now       func() time.Time

	mu      sync.Mutex
	entries map[string]*robotsEntry
}

type robotsEntry struct {
	group      *robotstxt.Group
	crawlDelay time.Duration
	fetchedAt  time.Time
}

// NewRobotsCache constructs an empty cache.
func NewRobotsCache(userAgent string, logger *zap.Logger) *RobotsCache {
	if userAgent == "" {
		userAgent = "crawlrs"
	}
	return &RobotsCache{
		client:    &http.Client{Timeout: 10 * time.Second},
		userAgent: userAgent,
		logger:    logger.Named("robots"),
		now:       time.Now,
		entries:   make(map[string]*robotsEntry),
	}
}

// Allowed reports whether the URL may be fetched and the origin's
// Crawl-delay (zero when unset).
func (c *RobotsCache) Allowed(ctx context.Context, rawURL string) (bool, time.Duration, error) {
	origin, err := Origin(rawURL)
	if err != nil {
		return false, 0, err
	}
	entry := c.entry(ctx, origin)
	if entry.group == nil {
		return true, entry.crawlDelay, nil
	}
	u, err := urlPath(rawURL)
	if err != nil {
		return false, 0, err
	}
	return entry.group.Test(u), entry.crawlDelay, nil
}

func (c *RobotsCache) entry(ctx context.Context, origin string) *robotsEntry {
	c.mu.Lock()
	cached, ok := c.entries[origin]
	if ok && c.now().Sub(cached.fetchedAt) < robotsTTL {
		c.mu.Unlock()
		return cached
	}
	c.mu.Unlock()

	entry := c.fetch(ctx, origin)
	c.mu.Lock()
	c.entries[origin] = entry
	c.mu.Unlock()
	return entry
}

func (c *RobotsCache) fetch(ctx context.Context, origin string) *robotsEntry {
	entry := &robotsEntry{fetchedAt: c.now()}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin+"/robots.txt", nil)
	if err != nil {
		return entry
	}
	req.Header.Set("User-Agent", c.userAgent)
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("robots fetch failed, allowing all",
			zap.String("origin", origin), zap.Error(err))
		return entry
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return entry
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 512<<10))
	if err != nil {
		return entry
	}
	data, err := robotstxt.FromBytes(body)
	if err != nil {
		c.logger.Debug("robots parse failed, allowing all",
			zap.String("origin", origin), zap.Error(err))
		return entry
	}
	group := data.FindGroup(c.userAgent)
	entry.group = group
	if group != nil {
		entry.crawlDelay = group.CrawlDelay
	}
	return entry
}

// Seed primes the cache with pre-parsed rules. Tests use it to avoid
// network fetches.
func (c *RobotsCache) Seed(origin string, robotsTxt []byte) error {
	data, err := robotstxt.FromBytes(robotsTxt)
	if err != nil {
		return err
	}
	group := data.FindGroup(c.userAgent)
	entry := &robotsEntry{group: group, fetchedAt: c.now()}
	if group != nil {
		entry.crawlDelay = group.CrawlDelay
	}
	c.mu.Lock()
	c.entries[origin] = entry
	c.mu.Unlock()
	return nil
}

func urlPath(rawURL string) (string, error) {
	u, err := Normalize(rawURL)
	if err != nil {
		return "", err
	}
	origin, err := Origin(u)
	if err != nil {
		return "", err
	}
	p := u[len(origin):]
	if p == "" {
		p = "/"
	}
	return p, nil
}
