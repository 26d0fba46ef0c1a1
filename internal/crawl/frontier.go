package crawl

import (
	"regexp"
	"strings"
	"sync"

	"github.com/crawlrs/crawlrs/internal/task"
)

// DefaultMaxConcurrent bounds in-flight children when the config is silent.
const DefaultMaxConcurrent = 5

// SkipReason says why a candidate URL was not admitted to the frontier.
type SkipReason string

// Skip reasons, surfaced in crawl logs.
const (
	SkipNone      SkipReason = ""
	SkipDepth     SkipReason = "depth"
	SkipFiltered  SkipReason = "filtered"
	SkipDuplicate SkipReason = "duplicate"
	SkipCapacity  SkipReason = "capacity"
)

// Item is one pending visit.
type Item struct {
	URL   string
	Depth int
}

// Frontier is one crawl's pending URL queue plus its dedup state.
// Pop order is FIFO, which yields roughly breadth-first expansion since
// children land behind their parents.
type Frontier struct {
	mu      sync.Mutex
	cfg     task.CrawlConfig
	include []*regexp.Regexp
	exclude []*regexp.Regexp
	seen    map[string]struct{}
	queue   []Item
	pushed  int
}

// NewFrontier compiles the filters and seeds the queue at depth zero.
func NewFrontier(seedURL string, cfg task.CrawlConfig) (*Frontier, error) {
	include, err := compilePatterns(cfg.IncludePaths)
	if err != nil {
		return nil, err
	}
	exclude, err := compilePatterns(cfg.ExcludePaths)
	if err != nil {
		return nil, err
	}
	seed, err := Normalize(seedURL)
	if err != nil {
		return nil, err
	}
	f := &Frontier{
		cfg:     cfg,
		include: include,
		exclude: exclude,
		seen:    map[string]struct{}{seed: {}},
		queue:   []Item{{URL: seed, Depth: 0}},
		pushed:  1,
	}
	return f, nil
}

// compilePatterns accepts both plain regular expressions and the
// glob-flavored patterns clients commonly send ("/docs/*"): a bare *
// is widened to .* before compiling, and matches anchor at the path
// start.
func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		expr := p
		if !strings.HasPrefix(expr, "^") {
			expr = "^" + strings.ReplaceAll(expr, "*", ".*")
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, task.Wrap(task.KindInvalidInput, "path filter "+p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// Push admits a candidate URL, or reports why it was skipped. The URL
// must already be normalized and absolute.
func (f *Frontier) Push(normalizedURL string, depth int) SkipReason {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cfg.MaxDepth > 0 && depth > f.cfg.MaxDepth {
		return SkipDepth
	}
	if f.cfg.Limit > 0 && f.pushed >= f.cfg.Limit {
		return SkipCapacity
	}
	if !f.matchesFilters(normalizedURL) {
		return SkipFiltered
	}
	if _, dup := f.seen[normalizedURL]; dup {
		return SkipDuplicate
	}
	f.seen[normalizedURL] = struct{}{}
	f.queue = append(f.queue, Item{URL: normalizedURL, Depth: depth})
	f.pushed++
	return SkipNone
}

// Pop returns the next pending item in admission order.
func (f *Frontier) Pop() (Item, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return Item{}, false
	}
	item := f.queue[0]
	f.queue = f.queue[1:]
	return item, true
}

// Len reports pending items.
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}

// Discovered reports how many URLs have been admitted in total,
// including the seed.
func (f *Frontier) Discovered() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pushed
}

// matchesFilters applies include then exclude rules to the URL path.
// With include rules present the path must match at least one; any
// exclude match refuses.
func (f *Frontier) matchesFilters(normalizedURL string) bool {
	p := pathOf(normalizedURL)
	if len(f.include) > 0 {
		matched := false
		for _, re := range f.include {
			if re.MatchString(p) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	for _, re := range f.exclude {
		if re.MatchString(p) {
			return false
		}
	}
	return true
}

func pathOf(normalizedURL string) string {
	origin, err := Origin(normalizedURL)
	if err != nil {
		return normalizedURL
	}
	p := normalizedURL[len(origin):]
	if p == "" {
		return "/"
	}
	return p
}
