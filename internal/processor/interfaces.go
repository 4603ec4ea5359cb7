package processor

import (
	"context"
	"time"

	"github.com/pauljones0/tg-site-mirror/internal/models"
	"github.com/pauljones0/tg-site-mirror/internal/render"
)

// PostSource abstracts the channel the posts are read from.
type PostSource interface {
	FetchPosts(ctx context.Context) ([]models.Post, error)
}

// SocialSink abstracts the social network posts are forwarded to.
type SocialSink interface {
	Publish(ctx context.Context, post models.SocialPost) (string, error)
}

// FragmentRenderer abstracts the markup layer.
type FragmentRenderer interface {
	Render(ctx context.Context, group models.PostGroup, content models.NormalizedContent) (render.Result, error)
}

// MediaStore abstracts the local media directory.
type MediaStore interface {
	Delete(sitePath string) error
	RemoveOlderThan(cutoff time.Time, keep map[string]bool) (int, error)
}

// Syndicator regenerates the derived outputs of the live feed.
type Syndicator interface {
	Write(fragments []models.Fragment, now time.Time) error
}
