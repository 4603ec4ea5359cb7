// Package feedstore keeps the live feed file: rendered fragments, newest
// first, with everything past the visible limit hidden behind a reveal
// control.
package feedstore

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/renameio/v2"

	"github.com/pauljones0/tg-site-mirror/internal/models"
	"github.com/pauljones0/tg-site-mirror/internal/render"
)

const (
	FileName    = "news.html"
	hiddenClass = "hidden"

	showMoreControl = `<button id="show-more" style="padding:10px 20px;background:#0077cc;color:#fff;border:none;border-radius:4px;cursor:pointer">Показать ещё</button>
<script>document.getElementById("show-more").onclick=function(){document.querySelectorAll(".news-item.hidden").forEach(function(e){e.classList.remove("hidden")});this.style.display="none"};</script>
`
)

type Store struct {
	path      string
	limit     int
	fragments []models.Fragment
	changed   bool
}

func New(publicDir string, visibleLimit int) *Store {
	return &Store{
		path:  filepath.Join(publicDir, FileName),
		limit: visibleLimit,
	}
}

func (s *Store) Path() string { return s.path }

// Load reads the feed file. Structured data comes from the sidecar records in
// meta, keyed by fragment id; fragments without one fall back to what their
// markup carries. A missing file is an empty feed.
func (s *Store) Load(meta map[string]models.FragmentMeta) error {
	s.fragments = nil
	s.changed = false

	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading feed: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("parsing feed: %w", err)
	}

	var loadErr error
	doc.Find(render.ArticleSelector).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		id, _ := sel.Attr("id")
		vis := models.Visible
		if sel.HasClass(hiddenClass) {
			vis = models.Overflow
			sel.RemoveClass(hiddenClass)
		}
		html, err := goquery.OuterHtml(sel)
		if err != nil {
			loadErr = fmt.Errorf("serializing fragment %s: %w", id, err)
			return false
		}

		m, ok := meta[id]
		if !ok || m.Timestamp.IsZero() {
			m = metaFromMarkup(id, sel)
		}
		if m.Timestamp.IsZero() {
			slog.Warn("Feed fragment has no timestamp, it will never be retired", "id", id)
		}

		s.fragments = append(s.fragments, models.Fragment{
			ID:         id,
			HTML:       html,
			Timestamp:  m.Timestamp,
			Visibility: vis,
			Meta:       m,
		})
		return true
	})
	return loadErr
}

func metaFromMarkup(id string, sel *goquery.Selection) models.FragmentMeta {
	m := models.FragmentMeta{
		ID:         id,
		SourceLink: render.SourceLinkOf(sel),
		MediaFiles: render.MediaSourcesOf(sel),
		Urgent:     sel.HasClass("urgent"),
	}
	if ts, err := render.TimestampOf(sel); err == nil {
		m.Timestamp = ts
	} else {
		slog.Debug("No timestamp in fragment markup", "id", id, "error", err)
	}
	return m
}

// Fragments returns the feed, newest first.
func (s *Store) Fragments() []models.Fragment {
	out := make([]models.Fragment, len(s.fragments))
	copy(out, s.fragments)
	return out
}

func (s *Store) Len() int { return len(s.fragments) }

// Changed reports whether Insert or Remove modified the feed since Load.
func (s *Store) Changed() bool { return s.changed }

// Expired returns the fragments at or past the cutoff, in feed order, without
// removing them. Fragments without a timestamp never expire.
func (s *Store) Expired(cutoff time.Time) []models.Fragment {
	var out []models.Fragment
	for _, f := range s.fragments {
		if !f.Timestamp.IsZero() && !f.Timestamp.After(cutoff) {
			out = append(out, f)
		}
	}
	return out
}

// Insert places a fragment at the front of the feed. Anything pushed past
// the visible limit becomes Overflow.
func (s *Store) Insert(f models.Fragment) {
	f.Visibility = models.Visible
	s.fragments = append([]models.Fragment{f}, s.fragments...)
	s.changed = true
	s.partition()
}

// Remove drops a fragment by id. It reports whether one was found.
func (s *Store) Remove(id string) bool {
	for i, f := range s.fragments {
		if f.ID == id {
			s.fragments = append(s.fragments[:i], s.fragments[i+1:]...)
			s.changed = true
			s.partition()
			return true
		}
	}
	return false
}

// Has reports whether a fragment with the id is live.
func (s *Store) Has(id string) bool {
	for _, f := range s.fragments {
		if f.ID == id {
			return true
		}
	}
	return false
}

// RenderHashes returns the render hashes of every live fragment that has one.
func (s *Store) RenderHashes() map[string]bool {
	out := make(map[string]bool, len(s.fragments))
	for _, f := range s.fragments {
		if f.Meta.RenderHash != "" {
			out[f.Meta.RenderHash] = true
		}
	}
	return out
}

// Meta returns the sidecar records of the live feed keyed by fragment id.
func (s *Store) Meta() map[string]models.FragmentMeta {
	out := make(map[string]models.FragmentMeta, len(s.fragments))
	for _, f := range s.fragments {
		out[f.ID] = f.Meta
	}
	return out
}

func (s *Store) partition() {
	for i := range s.fragments {
		if i < s.limit {
			s.fragments[i].Visibility = models.Visible
		} else {
			s.fragments[i].Visibility = models.Overflow
		}
	}
}

// VisibleCount returns how many fragments are shown without the reveal control.
func (s *Store) VisibleCount() int {
	n := 0
	for _, f := range s.fragments {
		if f.Visibility == models.Visible {
			n++
		}
	}
	return n
}

// Bytes serializes the feed as it is written to disk.
func (s *Store) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	overflow := false
	for _, f := range s.fragments {
		html := f.HTML
		if f.Visibility == models.Overflow {
			overflow = true
			tagged, err := withClass(html, hiddenClass)
			if err != nil {
				return nil, fmt.Errorf("tagging fragment %s: %w", f.ID, err)
			}
			html = tagged
		}
		buf.WriteString(strings.TrimSpace(html))
		buf.WriteByte('\n')
	}
	if overflow {
		buf.WriteString(showMoreControl)
	}
	return buf.Bytes(), nil
}

// Save atomically replaces the feed file.
func (s *Store) Save() error {
	data, err := s.Bytes()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating feed dir: %w", err)
	}
	if err := renameio.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("writing feed: %w", err)
	}
	return nil
}

func withClass(fragment, class string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return "", err
	}
	sel := doc.Find("article").First()
	sel.AddClass(class)
	return goquery.OuterHtml(sel)
}
