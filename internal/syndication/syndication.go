// Package syndication regenerates the read-only projections of the live
// feed: rss.xml and sitemap.xml.
package syndication

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/renameio/v2"
	"github.com/gorilla/feeds"

	"github.com/pauljones0/tg-site-mirror/internal/models"
	"github.com/pauljones0/tg-site-mirror/internal/render"
)

const (
	RSSFile     = "rss.xml"
	SitemapFile = "sitemap.xml"

	defaultTitle   = "Новость"
	sitemapXMLNS   = "http://www.sitemaps.org/schemas/sitemap/0.9"
	sitemapTimeFmt = "2006-01-02T15:04:05-07:00"
)

// page is one static page listed in the sitemap.
type page struct {
	path       string
	changefreq string
	priority   string
}

var pages = []page{
	{"index.html", "always", "1.0"},
	{"news.html", "always", "0.9"},
	{"archive.html", "daily", "0.7"},
	{"history.html", "daily", "0.8"},
}

type Options struct {
	PublicDir string
	BaseURL   string
	SiteName  string
	Channel   string
	Items     int
	Location  *time.Location
}

type Writer struct {
	opts Options
}

func New(opts Options) *Writer {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Writer{opts: opts}
}

// Write regenerates both files from the live feed.
func (w *Writer) Write(fragments []models.Fragment, now time.Time) error {
	rss, err := w.RSS(fragments)
	if err != nil {
		return err
	}
	sitemap, err := w.Sitemap(now)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(w.opts.PublicDir, 0o755); err != nil {
		return fmt.Errorf("creating public dir: %w", err)
	}
	if err := renameio.WriteFile(filepath.Join(w.opts.PublicDir, RSSFile), rss, 0o644); err != nil {
		return fmt.Errorf("writing rss: %w", err)
	}
	if err := renameio.WriteFile(filepath.Join(w.opts.PublicDir, SitemapFile), sitemap, 0o644); err != nil {
		return fmt.Errorf("writing sitemap: %w", err)
	}
	return nil
}

// RSS builds an RSS 2.0 document from the first fragments of the feed. The
// channel date is the newest item's, so unchanged input gives unchanged
// output.
func (w *Writer) RSS(fragments []models.Fragment) ([]byte, error) {
	channelLink := "https://t.me/" + w.opts.Channel
	feed := &feeds.Feed{
		Title:       w.opts.SiteName,
		Link:        &feeds.Link{Href: strings.TrimRight(w.opts.BaseURL, "/")},
		Description: "Репосты из @" + w.opts.Channel,
	}

	for i, f := range fragments {
		if i >= w.opts.Items {
			break
		}
		item, err := itemFor(f, channelLink)
		if err != nil {
			return nil, err
		}
		if item.Created.After(feed.Created) {
			feed.Created = item.Created
		}
		feed.Add(item)
	}

	out, err := feed.ToRss()
	if err != nil {
		return nil, fmt.Errorf("encoding rss: %w", err)
	}
	return []byte(out), nil
}

func itemFor(f models.Fragment, fallbackLink string) (*feeds.Item, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(f.HTML))
	if err != nil {
		return nil, fmt.Errorf("parsing fragment %s: %w", f.ID, err)
	}
	sel := doc.Find("article").First()

	title := render.HeadlineOf(sel)
	if title == "" {
		title = defaultTitle
	}
	link := f.Meta.SourceLink
	if link == "" {
		link = render.SourceLinkOf(sel)
	}
	if link == "" {
		link = fallbackLink
	}

	var desc []string
	sel.Find(".news-text").Each(func(_ int, p *goquery.Selection) {
		if t := strings.TrimSpace(p.Text()); t != "" {
			desc = append(desc, t)
		}
	})
	description := strings.Join(desc, "\n")
	if description == "" {
		description = title
	}

	return &feeds.Item{
		Title:       title,
		Link:        &feeds.Link{Href: link},
		Description: description,
		Id:          link,
		Created:     f.Timestamp,
	}, nil
}

type urlSet struct {
	XMLName xml.Name     `xml:"urlset"`
	XMLNS   string       `xml:"xmlns,attr"`
	URLs    []sitemapURL `xml:"url"`
}

type sitemapURL struct {
	Loc        string `xml:"loc"`
	LastMod    string `xml:"lastmod"`
	ChangeFreq string `xml:"changefreq"`
	Priority   string `xml:"priority"`
}

// Sitemap lists the site's static pages with now as their last change.
func (w *Writer) Sitemap(now time.Time) ([]byte, error) {
	base := strings.TrimRight(w.opts.BaseURL, "/")
	mod := now.In(w.opts.Location).Format(sitemapTimeFmt)

	set := urlSet{XMLNS: sitemapXMLNS}
	for _, p := range pages {
		set.URLs = append(set.URLs, sitemapURL{
			Loc:        base + "/" + p.path,
			LastMod:    mod,
			ChangeFreq: p.changefreq,
			Priority:   p.priority,
		})
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(set); err != nil {
		return nil, fmt.Errorf("encoding sitemap: %w", err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}
