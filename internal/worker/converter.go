package worker

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Converter turns fetched HTML into markdown for responses that ask for
// it. Deployments can plug richer converters in.
type Converter interface {
	Convert(html string) (string, error)
}

// TextConverter is the built-in fallback: it renders headings, links
// and paragraphs to a plain markdown-ish text form.
type TextConverter struct{}

func (TextConverter) Convert(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}
	doc.Find("script, style, noscript").Remove()

	var b strings.Builder
	doc.Find("h1, h2, h3, h4, h5, h6, p, li, pre, blockquote").Each(func(_ int, sel *goquery.Selection) {
		text := strings.TrimSpace(sel.Text())
		if text == "" {
			return
		}
		switch goquery.NodeName(sel) {
		case "h1":
			b.WriteString("# " + text + "\n\n")
		case "h2":
			b.WriteString("## " + text + "\n\n")
		case "h3", "h4", "h5", "h6":
			b.WriteString("### " + text + "\n\n")
		case "li":
			b.WriteString("- " + text + "\n")
		case "pre":
			b.WriteString("```\n" + text + "\n```\n\n")
		case "blockquote":
			b.WriteString("> " + text + "\n\n")
		default:
			b.WriteString(text + "\n\n")
		}
	})
	return strings.TrimSpace(b.String()), nil
}
