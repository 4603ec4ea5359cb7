package models

import (
	"errors"
	"time"
)

// Visibility of a fragment in the live feed.
type Visibility int

const (
	Visible Visibility = iota
	Overflow
)

func (v Visibility) String() string {
	if v == Overflow {
		return "overflow"
	}
	return "visible"
}

// Fragment is one self-contained markup unit in the live feed or archive.
type Fragment struct {
	ID         string // DOM id, "post-<message id>"
	HTML       string // canonical markup, without visibility tagging
	Timestamp  time.Time
	Visibility Visibility
	Meta       FragmentMeta
}

// FragmentMeta is the structured sidecar record kept for each live fragment
// so the feed can be reloaded without relying on markup parsing.
type FragmentMeta struct {
	ID           string    `json:"id" firestore:"id"`
	IngestionKey string    `json:"ingestion_key" firestore:"ingestionKey"`
	Timestamp    time.Time `json:"timestamp" firestore:"timestamp"`
	RenderHash   string    `json:"render_hash" firestore:"renderHash"`
	SourceLink   string    `json:"source_link" firestore:"sourceLink"`
	MediaFiles   []string  `json:"media_files,omitempty" firestore:"mediaFiles,omitempty"` // site paths, e.g. /media/photos/x.jpg
	Urgent       bool      `json:"urgent,omitempty" firestore:"urgent,omitempty"`
}

// SocialPost is the payload forwarded to the social network.
type SocialPost struct {
	Key       string      `json:"key" firestore:"key"`
	Caption   string      `json:"caption" firestore:"caption"`
	Body      string      `json:"body" firestore:"body"`
	MediaPath string      `json:"media_path,omitempty" firestore:"mediaPath,omitempty"` // local file path
	MediaKind ContentKind `json:"media_kind,omitempty" firestore:"mediaKind,omitempty"`
	// FragmentID ties a pending retry to the live fragment it was built from.
	FragmentID string `json:"fragment_id,omitempty" firestore:"fragmentID,omitempty"`
	// Timestamp and Urgent order the forwards: urgent posts go out first,
	// then everything else oldest first.
	Timestamp time.Time `json:"ts" firestore:"ts"`
	Urgent    bool      `json:"urgent,omitempty" firestore:"urgent,omitempty"`
}

// Message joins caption and body into the wall-post text.
func (s SocialPost) Message() string {
	switch {
	case s.Caption == "" && s.Body == "":
		return ""
	case s.Caption == "":
		return s.Body
	case s.Body == "":
		return s.Caption
	default:
		return s.Caption + "\n\n" + s.Body
	}
}

var (
	ErrSourceUnavailable = errors.New("post source unavailable")
	ErrMediaTooLarge     = errors.New("media exceeds size ceiling")
	ErrMediaFetch        = errors.New("media fetch failed")
	ErrRender            = errors.New("render failed")
	ErrSink              = errors.New("social sink failed")
	ErrLedgerCorrupt     = errors.New("ledger state corrupt")
)
