// Package crawl implements the per-crawl frontier: URL normalization,
// de-duplication, robots policy, path filters and page accounting.
package crawl

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/crawlrs/crawlrs/internal/task"
)

// Normalize canonicalizes a URL for de-duplication: scheme and host
// lowercased, default ports stripped, fragment dropped, dot segments
// resolved. A trailing slash is preserved when the source had one.
func Normalize(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", task.Wrap(task.KindInvalidInput, "parse url", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", task.E(task.KindInvalidInput, "url must be absolute")
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	if host, port, ok := strings.Cut(u.Host, ":"); ok {
		if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
			u.Host = host
		}
	}

	if u.Path != "" {
		hadTrailing := strings.HasSuffix(u.Path, "/") && u.Path != "/"
		cleaned := path.Clean(u.Path)
		if cleaned == "." {
			cleaned = "/"
		}
		if hadTrailing && cleaned != "/" {
			cleaned += "/"
		}
		u.Path = cleaned
	}
	return u.String(), nil
}

// Resolve makes href absolute against base and normalizes it.
func Resolve(base, href string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", task.Wrap(task.KindInvalidInput, "parse base url", err)
	}
	h, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", task.Wrap(task.KindInvalidInput, "parse href", err)
	}
	return Normalize(b.ResolveReference(h).String())
}

// Origin returns scheme://host for per-origin robots and pacing state.
func Origin(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", task.E(task.KindInvalidInput, fmt.Sprintf("not an absolute url: %q", rawURL))
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host), nil
}

// ExtractLinks pulls anchor hrefs out of an HTML document, resolved
// against baseURL and normalized. Non-HTTP links and unparsable hrefs
// are dropped silently.
func ExtractLinks(body []byte, baseURL string) []string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return nil
	}
	seen := make(map[string]struct{})
	var out []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") ||
			strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") {
			return
		}
		abs, err := Resolve(baseURL, href)
		if err != nil {
			return
		}
		if !strings.HasPrefix(abs, "http://") && !strings.HasPrefix(abs, "https://") {
			return
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		out = append(out, abs)
	})
	return out
}
