package render

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// ArticleSelector matches one feed fragment.
const ArticleSelector = "article.news-item"

var ErrNoTimestamp = errors.New("fragment has no timestamp")

// Canonicalize re-serializes a fragment through the HTML parser so that
// markup written to disk and markup read back compare byte-for-byte.
func Canonicalize(fragment string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return "", fmt.Errorf("parsing fragment: %w", err)
	}
	sel := doc.Find("article").First()
	if sel.Length() == 0 {
		return "", errors.New("fragment has no article element")
	}
	return goquery.OuterHtml(sel)
}

// TimestampOf reads the machine timestamp carried in a fragment.
func TimestampOf(s *goquery.Selection) (time.Time, error) {
	raw, ok := s.Find(".timestamp[data-ts]").First().Attr("data-ts")
	if !ok {
		return time.Time{}, ErrNoTimestamp
	}
	ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing data-ts %q: %w", raw, err)
	}
	return ts, nil
}

// ParseTimestamp is TimestampOf over raw fragment markup.
func ParseTimestamp(fragment string) (time.Time, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing fragment: %w", err)
	}
	return TimestampOf(doc.Selection)
}

// SourceLinkOf returns the link back to the channel message, if present.
func SourceLinkOf(s *goquery.Selection) string {
	var link string
	s.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		href, _ := a.Attr("href")
		if strings.HasPrefix(href, "https://t.me/") {
			link = href
			return false
		}
		return true
	})
	return link
}

// MediaSourcesOf lists local media referenced by a fragment.
func MediaSourcesOf(s *goquery.Selection) []string {
	var out []string
	s.Find("img[src], video source[src], video[src]").Each(func(_ int, m *goquery.Selection) {
		src, _ := m.Attr("src")
		if strings.HasPrefix(src, "/media/") {
			out = append(out, src)
		}
	})
	return out
}

// HeadlineOf returns the fragment's headline text.
func HeadlineOf(s *goquery.Selection) string {
	return strings.TrimSpace(s.Find(".news-headline").First().Text())
}
