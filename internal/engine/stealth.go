package engine

import (
	"context"

	"github.com/chromedp/chromedp"
)

// StealthEngine is the hardened browser session: JS, screenshots and
// automation-concealment flags for targets behind bot walls. Most
// capable, most expensive.
type StealthEngine struct {
	session *browserSession
}

// NewStealth builds the hardened browser engine.
func NewStealth(cfg BrowserConfig) *StealthEngine {
	flags := []chromedp.ExecAllocatorOption{
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-infobars", true),
	}
	return &StealthEngine{session: newBrowserSession(cfg, flags)}
}

func (e *StealthEngine) Name() Name { return NameStealth }

func (e *StealthEngine) Cost() int { return 10 }

// SupportScore: the only full answer to anti-bot plus rendering, a
// strong second choice for plain JS work.
func (e *StealthEngine) SupportScore(req *Request) int {
	if req.NeedsAntiBot {
		return 100
	}
	if req.NeedsJS || req.NeedsScreenshot || len(req.Actions) > 0 {
		return 90
	}
	return 50
}

// Fetch renders through the hardened session.
func (e *StealthEngine) Fetch(ctx context.Context, req *Request) (*Result, error) {
	return e.session.fetch(ctx, req)
}

// Close tears down the allocator.
func (e *StealthEngine) Close() { e.session.close() }
