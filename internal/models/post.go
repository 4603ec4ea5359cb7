package models

import (
	"time"
)

// ContentKind is the kind of payload a channel message carries.
type ContentKind string

const (
	KindText  ContentKind = "text"
	KindPhoto ContentKind = "photo"
	KindVideo ContentKind = "video"
)

// Media references a file attached to a channel message.
type Media struct {
	FileID string `validate:"required"`
	// Size is the byte size reported by the source. Zero when unknown.
	Size int64 `validate:"gte=0"`
}

// Post represents one channel message as delivered by the source.
type Post struct {
	ID         string      `validate:"required,numeric"`
	GroupID    string      // shared by all messages of one media album
	Timestamp  time.Time   `validate:"required"`
	RawCaption string      // caption attached to media
	RawBody    string      // free-standing text
	Kind       ContentKind `validate:"required,oneof=text photo video"`
	Media      *Media      `validate:"required_unless=Kind text"`
}

// PostGroup is the unit of ingestion: every message sharing an ingestion key.
// Albums arrive as several messages; plain posts form a group of one.
type PostGroup struct {
	Key      string
	Messages []Post
}

// Lead returns the message whose id and timestamp identify the group.
func (g PostGroup) Lead() Post {
	return g.Messages[0]
}

// Caption returns the first non-empty caption in the group.
func (g PostGroup) Caption() string {
	for _, m := range g.Messages {
		if m.RawCaption != "" {
			return m.RawCaption
		}
	}
	return ""
}

// Body returns the first non-empty free-standing text in the group.
func (g PostGroup) Body() string {
	for _, m := range g.Messages {
		if m.RawBody != "" {
			return m.RawBody
		}
	}
	return ""
}

// MediaPost returns the first message carrying media, if any.
func (g PostGroup) MediaPost() (Post, bool) {
	for _, m := range g.Messages {
		if m.Kind != KindText && m.Media != nil {
			return m, true
		}
	}
	return Post{}, false
}

// NormalizedContent is the cleaned text derived from a post group.
type NormalizedContent struct {
	Caption  string
	Body     string
	Urgent   bool
	Category string // empty when no rule matched
}

// Text returns caption and body joined the way they are hashed and forwarded.
func (n NormalizedContent) Text() string {
	switch {
	case n.Caption == "":
		return n.Body
	case n.Body == "":
		return n.Caption
	default:
		return n.Caption + "\n" + n.Body
	}
}
