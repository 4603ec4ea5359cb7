// Package render turns a normalized post group into a feed fragment and reads
// structured data back out of persisted fragments.
package render

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"time"

	"github.com/pauljones0/tg-site-mirror/internal/media"
	"github.com/pauljones0/tg-site-mirror/internal/models"
	"github.com/pauljones0/tg-site-mirror/internal/util"
)

const (
	headlineRunes   = 100
	defaultHeadline = "Новость"
	DisplayLayout   = "02.01.2006 15:04"
)

// MediaFetcher stores an attachment locally for the fragment to reference.
type MediaFetcher interface {
	Fetch(ctx context.Context, kind models.ContentKind, m models.Media) (media.Stored, error)
}

type Options struct {
	Channel  string // channel username, used for source links
	SiteURL  string
	SiteName string
	Location *time.Location
}

type Renderer struct {
	media MediaFetcher
	opts  Options
}

func New(m MediaFetcher, opts Options) *Renderer {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Renderer{media: m, opts: opts}
}

// Result is a rendered fragment plus the media stored for it, if any.
type Result struct {
	Fragment models.Fragment
	Media    *media.Stored
}

// Render builds the fragment for a post group. A failed or oversize media
// fetch fails the whole render; nothing is partially produced.
func (r *Renderer) Render(ctx context.Context, group models.PostGroup, content models.NormalizedContent) (Result, error) {
	lead := group.Lead()
	ts := lead.Timestamp.In(r.opts.Location)
	link := SourceLink(r.opts.Channel, lead.ID)

	var stored *media.Stored
	if mp, ok := group.MediaPost(); ok {
		s, err := r.media.Fetch(ctx, mp.Kind, *mp.Media)
		if err != nil {
			return Result{}, fmt.Errorf("%w: post %s: %w", models.ErrRender, lead.ID, err)
		}
		stored = &s
	}

	headline := defaultHeadline
	source := content.Caption
	if source == "" {
		source = content.Body
	}
	if source != "" {
		h, cut := util.TruncateRunes(source, headlineRunes)
		if cut {
			h += "..."
		}
		headline = h
	}

	view := fragmentView{
		ID:          FragmentID(lead.ID),
		Urgent:      content.Urgent,
		Category:    content.Category,
		Headline:    headline,
		Caption:     content.Caption,
		Body:        content.Body,
		ISOTime:     ts.Format(time.RFC3339Nano),
		DisplayTime: ts.Format(DisplayLayout),
		SourceLink:  link,
		SiteName:    r.opts.SiteName,
		MoreMedia:   len(group.Messages) - 1,
	}

	article := newsArticle{
		Context:       "https://schema.org",
		Type:          "NewsArticle",
		Headline:      headline,
		DatePublished: view.ISOTime,
		Author:        organization{Type: "Organization", Name: r.opts.SiteName},
		Publisher: organization{
			Type: "Organization",
			Name: r.opts.SiteName,
			Logo: &imageObject{Type: "ImageObject", URL: r.opts.SiteURL + "/logo.png"},
		},
		ArticleBody: content.Text(),
		URL:         link,
	}
	if stored != nil {
		view.Kind = string(stored.Kind)
		view.MediaSrc = stored.SitePath
		article.Image = r.opts.SiteURL + stored.SitePath
	}

	ld, err := json.Marshal(article)
	if err != nil {
		return Result{}, fmt.Errorf("%w: post %s: %w", models.ErrRender, lead.ID, err)
	}
	view.JSONLD = template.JS(ld)

	var buf bytes.Buffer
	if err := fragmentTmpl.Execute(&buf, view); err != nil {
		return Result{}, fmt.Errorf("%w: post %s: %w", models.ErrRender, lead.ID, err)
	}
	html, err := Canonicalize(buf.String())
	if err != nil {
		return Result{}, fmt.Errorf("%w: post %s: %w", models.ErrRender, lead.ID, err)
	}

	meta := models.FragmentMeta{
		ID:           view.ID,
		IngestionKey: group.Key,
		Timestamp:    ts,
		SourceLink:   link,
		Urgent:       content.Urgent,
	}
	if stored != nil {
		meta.MediaFiles = []string{stored.SitePath}
	}

	return Result{
		Fragment: models.Fragment{
			ID:         view.ID,
			HTML:       html,
			Timestamp:  ts,
			Visibility: models.Visible,
			Meta:       meta,
		},
		Media: stored,
	}, nil
}

// FragmentID is the DOM id of the fragment for a source message.
func FragmentID(messageID string) string {
	return "post-" + messageID
}

// SourceLink points back at the original channel message.
func SourceLink(channel, messageID string) string {
	return "https://t.me/" + channel + "/" + messageID
}
