package engine

import (
	"sync"
	"time"

	"github.com/crawlrs/crawlrs/internal/metrics"
)

// BreakerState is the gate position for one engine.
type BreakerState int

// Breaker states. The int values feed the state gauge.
const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// BreakerConfig tunes one breaker.
type BreakerConfig struct {
	// FailureThreshold opens the breaker once this many failures land
	// inside FailureWindow.
	FailureThreshold int
	FailureWindow    time.Duration
	// RecoveryTimeout is how long the breaker stays open before
	// admitting one probe.
	RecoveryTimeout time.Duration
}

// DefaultBreakerConfig mirrors the production tuning: 5 failures in 60s
// opens, 30s to half-open.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		FailureWindow:    time.Minute,
		RecoveryTimeout:  30 * time.Second,
	}
}

// Breaker is a three-state gate for one engine. In half-open exactly one
// probe is admitted; its outcome decides the next state.
type Breaker struct {
	name Name
	cfg  BreakerConfig
	now  func() time.Time

	mu          sync.Mutex
	state       BreakerState
	failures    []time.Time
	lastFailure time.Time
	probing     bool
}

// NewBreaker constructs a closed breaker.
func NewBreaker(name Name, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg = DefaultBreakerConfig()
	}
	return &Breaker{name: name, cfg: cfg, now: time.Now}
}

// Allow reports whether a call may proceed. An open breaker past its
// recovery timeout flips to half-open and admits the caller as the
// single probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.lastFailure) > b.cfg.RecoveryTimeout {
			b.setState(StateHalfOpen)
			b.probing = true
			return true
		}
		return false
	default: // half-open
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
}

// RecordSuccess clears failure history. A half-open probe success closes
// the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = b.failures[:0]
	b.probing = false
	if b.state != StateClosed {
		b.setState(StateClosed)
	}
}

// RecordFailure appends to the rolling window and transitions state.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.lastFailure = now
	b.failures = append(b.failures, now)
	cutoff := now.Add(-b.cfg.FailureWindow)
	for len(b.failures) > 0 && b.failures[0].Before(cutoff) {
		b.failures = b.failures[1:]
	}
	b.probing = false
	switch b.state {
	case StateClosed:
		if len(b.failures) >= b.cfg.FailureThreshold {
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.setState(StateOpen)
	}
}

// State returns the current gate position.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.lastFailure) > b.cfg.RecoveryTimeout {
		return StateHalfOpen
	}
	return b.state
}

// FailureCount reports failures inside the current window.
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := b.now().Add(-b.cfg.FailureWindow)
	n := 0
	for _, t := range b.failures {
		if !t.Before(cutoff) {
			n++
		}
	}
	return n
}

func (b *Breaker) setState(s BreakerState) {
	b.state = s
	metrics.SetBreakerState(string(b.name), int(s))
}
