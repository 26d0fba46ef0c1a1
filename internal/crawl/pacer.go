package crawl

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Pacer spaces fetches per origin, honoring the larger of the crawl's
// configured delay and the origin's robots Crawl-delay. Origins without
// a delay are unthrottled.
type Pacer struct {
	baseDelay time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewPacer builds a pacer with a crawl-wide base delay; zero means no
// floor.
func NewPacer(baseDelay time.Duration) *Pacer {
	return &Pacer{
		baseDelay: baseDelay,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Wait blocks until the origin's next fetch slot or ctx cancellation.
// robotsDelay is the origin's Crawl-delay, raised to the base delay if
// smaller. Delay changes between calls re-shape the limiter in place.
func (p *Pacer) Wait(ctx context.Context, rawURL string, robotsDelay time.Duration) error {
	delay := robotsDelay
	if p.baseDelay > delay {
		delay = p.baseDelay
	}
	if delay <= 0 {
		return nil
	}
	origin, err := Origin(rawURL)
	if err != nil {
		return err
	}

	p.mu.Lock()
	lim, ok := p.limiters[origin]
	if !ok {
		lim = rate.NewLimiter(rate.Every(delay), 1)
		p.limiters[origin] = lim
	} else if lim.Limit() != rate.Every(delay) {
		lim.SetLimit(rate.Every(delay))
	}
	p.mu.Unlock()

	return lim.Wait(ctx)
}
