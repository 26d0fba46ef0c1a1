// Package ssrf validates outbound fetch targets against private and
// link-local address space before any connection is made.
package ssrf

import (
	"context"
	"net"
	"net/netip"
	"net/url"
	"strings"

	"github.com/crawlrs/crawlrs/internal/task"
)

// blockedPrefixes is the address space a fetch target may never resolve
// into. Loopback, RFC 1918, link-local, and their IPv6 counterparts.
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
}

// Blocked reports whether addr falls in refused address space.
// IPv4-mapped IPv6 addresses are unwrapped first so ::ffff:127.0.0.1
// cannot slip through.
func Blocked(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	// 0.0.0.0 and :: reach localhost on most stacks.
	return addr.IsUnspecified()
}

// Guard resolves and screens fetch targets. The resolver is injectable
// so tests never touch DNS.
type Guard struct {
	lookup       func(ctx context.Context, host string) ([]netip.Addr, error)
	allowPrivate bool
}

// Option configures a Guard.
type Option func(*Guard)

// WithLookup replaces the DNS resolution function.
func WithLookup(fn func(ctx context.Context, host string) ([]netip.Addr, error)) Option {
	return func(g *Guard) { g.lookup = fn }
}

// WithAllowPrivate disables blocking. Development only.
func WithAllowPrivate() Option {
	return func(g *Guard) { g.allowPrivate = true }
}

// NewGuard constructs a Guard using the system resolver.
func NewGuard(opts ...Option) *Guard {
	g := &Guard{
		lookup: func(ctx context.Context, host string) ([]netip.Addr, error) {
			return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
		},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Validate refuses URLs that are malformed, non-HTTP, or whose host
// resolves to blocked address space. Every resolved address must pass:
// one private A record poisons the whole name.
func (g *Guard) Validate(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return task.Wrap(task.KindInvalidInput, "malformed url", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return task.E(task.KindInvalidInput, "unsupported url scheme")
	}
	host := u.Hostname()
	if host == "" {
		return task.E(task.KindInvalidInput, "url has no host")
	}
	if g.allowPrivate {
		return nil
	}
	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return task.E(task.KindSSRFDetected, "target resolves to loopback")
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		if Blocked(addr) {
			return task.E(task.KindSSRFDetected, "target address is private")
		}
		return nil
	}
	addrs, err := g.lookup(ctx, host)
	if err != nil {
		return task.Wrap(task.KindEngineTransient, "resolve host", err)
	}
	if len(addrs) == 0 {
		return task.E(task.KindEngineTransient, "host has no addresses")
	}
	for _, addr := range addrs {
		if Blocked(addr) {
			return task.E(task.KindSSRFDetected, "target resolves to private address")
		}
	}
	return nil
}
