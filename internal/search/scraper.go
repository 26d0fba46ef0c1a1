package search

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/crawlrs/crawlrs/internal/task"
)

const scraperUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"

// selectors pick one provider's result blocks out of its HTML. Provider
// markup drifts; these need occasional upkeep.
type selectors struct {
	result  string
	title   string
	link    string
	snippet string
}

// scraperEngine queries a provider's public HTML endpoint and parses
// result blocks with goquery.
type scraperEngine struct {
	name    string
	baseURL string
	client  *http.Client
	sel     selectors
	query   func(v url.Values, q Query)
}

// ScraperOption adjusts a provider engine, mainly for tests.
type ScraperOption func(*scraperEngine)

// WithBaseURL points the engine at a different endpoint.
func WithBaseURL(u string) ScraperOption {
	return func(e *scraperEngine) { e.baseURL = u }
}

// WithClient swaps the HTTP client.
func WithClient(c *http.Client) ScraperOption {
	return func(e *scraperEngine) { e.client = c }
}

func newScraper(name, baseURL string, sel selectors, query func(url.Values, Query), opts ...ScraperOption) *scraperEngine {
	e := &scraperEngine{
		name:    name,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		sel:     sel,
		query:   query,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewGoogle scrapes Google web search.
func NewGoogle(opts ...ScraperOption) Engine {
	return newScraper(NameGoogle, "https://www.google.com/search",
		selectors{
			result:  "div[jscontroller='SC7lYd']",
			title:   "h3",
			link:    "a[href]",
			snippet: "div[data-sncf='1']",
		},
		func(v url.Values, q Query) {
			v.Set("q", q.Query)
			v.Set("num", strconv.Itoa(q.EffectiveLimit()))
			if q.Language != "" {
				v.Set("hl", q.Language)
			}
			if q.Country != "" {
				v.Set("gl", q.Country)
			}
		}, opts...)
}

// NewBing scrapes Bing web search.
func NewBing(opts ...ScraperOption) Engine {
	return newScraper(NameBing, "https://www.bing.com/search",
		selectors{
			result:  ".b_algo",
			title:   "h2",
			link:    "h2 a",
			snippet: ".b_caption p",
		},
		func(v url.Values, q Query) {
			v.Set("q", q.Query)
			v.Set("count", strconv.Itoa(q.EffectiveLimit()))
			if q.Language != "" {
				v.Set("setlang", q.Language)
			}
		}, opts...)
}

// NewBaidu scrapes Baidu web search.
func NewBaidu(opts ...ScraperOption) Engine {
	return newScraper(NameBaidu, "https://www.baidu.com/s",
		selectors{
			result:  ".result",
			title:   "h3",
			link:    "h3 a",
			snippet: ".c-abstract",
		},
		func(v url.Values, q Query) {
			v.Set("wd", q.Query)
			v.Set("rn", strconv.Itoa(q.EffectiveLimit()))
		}, opts...)
}

// NewSogou scrapes Sogou web search.
func NewSogou(opts ...ScraperOption) Engine {
	return newScraper(NameSogou, "https://www.sogou.com/web",
		selectors{
			result: ".vrwrap, .rb",
			title:  "h3",
			link:   "h3 a",
		},
		func(v url.Values, q Query) {
			v.Set("query", q.Query)
		}, opts...)
}

func (e *scraperEngine) Name() string { return e.name }

func (e *scraperEngine) Search(ctx context.Context, q Query) ([]task.SearchHit, error) {
	v := url.Values{}
	e.query(v, q)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"?"+v.Encode(), nil)
	if err != nil {
		return nil, task.Wrap(task.KindInternal, "build search request", err)
	}
	req.Header.Set("User-Agent", scraperUserAgent)
	req.Header.Set("Accept-Language", acceptLanguage(q.Language))

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, task.Wrap(task.KindEngineTransient, e.name+" request", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, task.E(task.KindEngineTransient,
			fmt.Sprintf("%s returned status %d", e.name, resp.StatusCode))
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, task.Wrap(task.KindEngineTransient, e.name+" parse", err)
	}
	return e.parse(doc, q.EffectiveLimit()), nil
}

func (e *scraperEngine) parse(doc *goquery.Document, limit int) []task.SearchHit {
	var hits []task.SearchHit
	doc.Find(e.sel.result).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		title := strings.TrimSpace(sel.Find(e.sel.title).First().Text())
		href, _ := sel.Find(e.sel.link).First().Attr("href")
		href = strings.TrimSpace(href)
		if title == "" || href == "" || !strings.HasPrefix(href, "http") {
			return true
		}
		hit := task.SearchHit{Title: title, URL: href, Engine: e.name}
		if e.sel.snippet != "" {
			hit.Description = strings.TrimSpace(sel.Find(e.sel.snippet).First().Text())
		}
		hits = append(hits, hit)
		return len(hits) < limit
	})
	return hits
}

func acceptLanguage(lang string) string {
	if lang == "" {
		return "en-US,en;q=0.9"
	}
	return lang + ";q=0.9,en;q=0.5"
}
