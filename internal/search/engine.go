// Package search fans queries out to web search engines and merges the
// results into a single deduplicated, relevance-ordered list.
package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/crawlrs/crawlrs/internal/task"
)

// Default knobs for a search invocation.
const (
	DefaultLimit = 10
	MaxLimit     = 50
)

// Query is one search invocation.
type Query struct {
	Query    string
	Limit    int
	Language string
	Country  string
	// Engines restricts the fan-out to the named engines; empty means all
	// configured ones.
	Engines []string
	// MinSuccess is how many engines must answer for the search to count.
	MinSuccess int
}

// EffectiveLimit clamps the requested result count.
func (q Query) EffectiveLimit() int {
	if q.Limit <= 0 {
		return DefaultLimit
	}
	if q.Limit > MaxLimit {
		return MaxLimit
	}
	return q.Limit
}

// Engine answers one provider's search results.
type Engine interface {
	Name() string
	Search(ctx context.Context, q Query) ([]task.SearchHit, error)
}

// Engine names accepted in search payloads.
const (
	NameGoogle = "google"
	NameBing   = "bing"
	NameBaidu  = "baidu"
	NameSogou  = "sogou"
)

// Engines builds the named provider set, all providers when names is
// empty. Unknown names are invalid input.
func Engines(names []string) ([]Engine, error) {
	if len(names) == 0 {
		names = []string{NameGoogle, NameBing, NameBaidu, NameSogou}
	}
	out := make([]Engine, 0, len(names))
	for _, n := range names {
		switch strings.ToLower(n) {
		case NameGoogle:
			out = append(out, NewGoogle())
		case NameBing:
			out = append(out, NewBing())
		case NameBaidu:
			out = append(out, NewBaidu())
		case NameSogou:
			out = append(out, NewSogou())
		default:
			return nil, task.E(task.KindInvalidInput, fmt.Sprintf("unknown search engine %q", n))
		}
	}
	return out, nil
}
