// Package fingerprint computes the identities used for deduplication.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/pauljones0/tg-site-mirror/internal/models"
)

// IngestionKey identifies a source post. Messages of one album share it.
func IngestionKey(p models.Post) string {
	if p.GroupID != "" {
		return p.GroupID
	}
	return p.ID
}

// RenderHash identifies the visible output of a post by its normalized text.
// Posts without any text fall back to their ingestion key, so media-only posts
// are never collapsed into one another.
func RenderHash(c models.NormalizedContent, ingestionKey string) string {
	if text := c.Text(); text != "" {
		return digest("render", text)
	}
	return digest("render-key", ingestionKey)
}

// SocialKey identifies a forward to the social network. It lives in its own
// namespace so resetting the render hashes never frees it.
func SocialKey(c models.NormalizedContent, ingestionKey string) string {
	if text := c.Text(); text != "" {
		return digest("social", text)
	}
	return digest("social-key", ingestionKey)
}

// ArchiveKey identifies an archived preview by its source link and date.
func ArchiveKey(sourceLink, date string) string {
	return digest("archive", sourceLink+"|"+date)
}

func digest(kind, s string) string {
	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(s))
	return hex.EncodeToString(h.Sum(nil))
}
