// Package archive keeps the archive page: media-free previews of fragments
// that left the live feed, newest first.
package archive

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/renameio/v2"

	"github.com/pauljones0/tg-site-mirror/internal/fingerprint"
	"github.com/pauljones0/tg-site-mirror/internal/models"
	"github.com/pauljones0/tg-site-mirror/internal/render"
)

const (
	FileName = "archive.html"
	header   = "<!-- Архивные карточки -->\n"
)

var sourceTmpl = template.Must(template.New("source").Parse(
	`<p class="source">Источник: <a href="{{.Link}}" target="_blank" rel="noopener">{{.Name}}</a></p>`))

// MediaRemover deletes a locally stored media file by site path.
type MediaRemover interface {
	Delete(sitePath string) error
}

// Preview is one archived item.
type Preview struct {
	ID        string
	Key       string
	HTML      string
	Timestamp time.Time
}

type Store struct {
	path     string
	siteName string
	media    MediaRemover
	previews []Preview
	keys     map[string]bool
	changed  bool
	deleted  int
}

func New(publicDir, siteName string, m MediaRemover) *Store {
	return &Store{
		path:     filepath.Join(publicDir, FileName),
		siteName: siteName,
		media:    m,
		keys:     make(map[string]bool),
	}
}

func (s *Store) Path() string { return s.path }

// Load reads the archive file. A missing file is an empty archive.
func (s *Store) Load() error {
	s.previews = nil
	s.keys = make(map[string]bool)
	s.changed = false
	s.deleted = 0

	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading archive: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("parsing archive: %w", err)
	}

	var loadErr error
	doc.Find(render.ArticleSelector).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		html, err := goquery.OuterHtml(sel)
		if err != nil {
			loadErr = fmt.Errorf("serializing archived item: %w", err)
			return false
		}
		id, _ := sel.Attr("id")
		ts, _ := render.TimestampOf(sel)
		key := archiveKey(render.SourceLinkOf(sel), ts)
		if s.keys[key] {
			// Written twice by an older version; keep the first copy.
			s.changed = true
			return true
		}
		s.keys[key] = true
		s.previews = append(s.previews, Preview{ID: id, Key: key, HTML: html, Timestamp: ts})
		return true
	})
	return loadErr
}

func archiveKey(link string, ts time.Time) string {
	date := ""
	if !ts.IsZero() {
		date = ts.UTC().Format(time.RFC3339Nano)
	}
	return fingerprint.ArchiveKey(link, date)
}

// Retire archives a preview of the fragment and deletes the media it
// referenced. It returns false when the fragment was already archived; media
// is deleted either way. On error nothing is deleted and the archive is
// unchanged. Deletion failures are logged, not returned.
func (s *Store) Retire(f models.Fragment) (Preview, bool, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(f.HTML))
	if err != nil {
		return Preview{}, false, fmt.Errorf("parsing fragment %s: %w", f.ID, err)
	}
	sel := doc.Find("article").First()
	if sel.Length() == 0 {
		return Preview{}, false, fmt.Errorf("fragment %s has no article element", f.ID)
	}

	media := append(append([]string{}, f.Meta.MediaFiles...), render.MediaSourcesOf(sel)...)

	link := f.Meta.SourceLink
	if link == "" {
		link = render.SourceLinkOf(sel)
	}
	key := archiveKey(link, f.Timestamp)
	if s.keys[key] {
		slog.Debug("Fragment already archived", "id", f.ID)
		s.deleted += s.deleteMedia(f.ID, media)
		return Preview{}, false, nil
	}

	sel.RemoveClass("hidden")
	sel.Find(`img, video, script[type="application/ld+json"]`).Remove()
	if link != "" && sel.Find(`.source a[href^="https://t.me/"]`).Length() == 0 {
		var buf bytes.Buffer
		if err := sourceTmpl.Execute(&buf, struct{ Link, Name string }{link, s.siteName}); err != nil {
			return Preview{}, false, fmt.Errorf("building source link for %s: %w", f.ID, err)
		}
		sel.AppendHtml(buf.String())
	}

	html, err := goquery.OuterHtml(sel)
	if err != nil {
		return Preview{}, false, fmt.Errorf("serializing preview %s: %w", f.ID, err)
	}

	s.deleted += s.deleteMedia(f.ID, media)

	p := Preview{ID: f.ID, Key: key, HTML: html, Timestamp: f.Timestamp}
	s.keys[key] = true
	s.previews = append(s.previews, p)
	s.sort()
	s.changed = true
	return p, true, nil
}

func (s *Store) deleteMedia(id string, paths []string) int {
	seen := make(map[string]bool)
	deleted := 0
	for _, p := range paths {
		if seen[p] {
			continue
		}
		seen[p] = true
		if err := s.media.Delete(p); err != nil {
			slog.Warn("Failed to delete archived media", "id", id, "path", p, "error", err)
			continue
		}
		deleted++
	}
	return deleted
}

func (s *Store) sort() {
	sort.SliceStable(s.previews, func(i, j int) bool {
		return s.previews[i].Timestamp.After(s.previews[j].Timestamp)
	})
}

// Previews returns the archive, newest first.
func (s *Store) Previews() []Preview {
	out := make([]Preview, len(s.previews))
	copy(out, s.previews)
	return out
}

func (s *Store) Len() int { return len(s.previews) }

// Contains reports whether an item with the source link and timestamp is archived.
func (s *Store) Contains(link string, ts time.Time) bool {
	return s.keys[archiveKey(link, ts)]
}

// MediaDeleted returns how many media files Retire removed since Load.
func (s *Store) MediaDeleted() int { return s.deleted }

// Changed reports whether Retire added anything since Load.
func (s *Store) Changed() bool { return s.changed }

// Bytes serializes the archive as it is written to disk.
func (s *Store) Bytes() []byte {
	var buf bytes.Buffer
	buf.WriteString(header)
	for _, p := range s.previews {
		buf.WriteString(strings.TrimSpace(p.HTML))
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// Save atomically replaces the archive file.
func (s *Store) Save() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating archive dir: %w", err)
	}
	if err := renameio.WriteFile(s.path, s.Bytes(), 0o644); err != nil {
		return fmt.Errorf("writing archive: %w", err)
	}
	return nil
}
