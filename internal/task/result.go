package task

import "encoding/json"

// ScrapeResult is the terminal result payload of scrape and crawl-child
// tasks. Screenshot is base64; Links carry normalized absolute URLs so
// crawl orchestration can expand the frontier without re-parsing HTML.
type ScrapeResult struct {
	URL        string            `json:"url"`
	StatusCode int               `json:"status_code"`
	HTML       string            `json:"html,omitempty"`
	Markdown   string            `json:"markdown,omitempty"`
	Screenshot string            `json:"screenshot,omitempty"`
	Links      []string          `json:"links,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Engine     string            `json:"engine,omitempty"`
	DurationMs int64             `json:"duration_ms"`
}

// SearchHit is one result from one search engine.
type SearchHit struct {
	Title       string  `json:"title"`
	URL         string  `json:"url"`
	Description string  `json:"description,omitempty"`
	Engine      string  `json:"engine,omitempty"`
	Score       float64 `json:"score,omitempty"`
}

// SearchResult is the terminal result payload of search tasks.
type SearchResult struct {
	Query   string      `json:"query"`
	Hits    []SearchHit `json:"hits"`
	Engines []string    `json:"engines"`
	Cached  bool        `json:"cached"`
}

// ExtractResult is the terminal result payload of extract tasks. Data is
// the structured object produced by the extraction model.
type ExtractResult struct {
	URL        string          `json:"url"`
	Data       json.RawMessage `json:"data"`
	Model      string          `json:"model,omitempty"`
	DurationMs int64           `json:"duration_ms"`
}
