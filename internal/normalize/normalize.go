// Package normalize cleans raw channel text into the caption and body shown
// on the site and forwarded to the social network.
package normalize

import (
	"strings"
	"unicode"

	"github.com/pauljones0/tg-site-mirror/internal/models"
)

type Normalizer struct {
	rules *RuleTable
}

func New(rules *RuleTable) *Normalizer {
	return &Normalizer{rules: rules}
}

// Clean removes boilerplate and emoji, then collapses whitespace.
func (n *Normalizer) Clean(text string) string {
	if text == "" {
		return ""
	}
	for _, re := range n.rules.Boilerplate {
		text = re.ReplaceAllString(text, "")
	}
	if n.rules.Emoji != nil {
		text = strings.Map(func(r rune) rune {
			if unicode.Is(n.rules.Emoji, r) {
				return -1
			}
			return r
		}, text)
	}
	return collapse(text)
}

// IsUrgent reports whether the raw text carries the urgency marker.
func (n *Normalizer) IsUrgent(texts ...string) bool {
	if n.rules.UrgentMarker == nil {
		return false
	}
	for _, t := range texts {
		if n.rules.UrgentMarker.MatchString(t) {
			return true
		}
	}
	return false
}

// Normalize cleans caption and body and merges them: the caption keeps only
// the text preceding the first occurrence of the cleaned body in
// "caption body", so a sentence repeated in both fields is shown once. With no
// body, everything is the caption.
func (n *Normalizer) Normalize(rawCaption, rawBody string) models.NormalizedContent {
	urgent := n.IsUrgent(rawCaption, rawBody)

	caption := n.stripMarker(n.Clean(rawCaption))
	body := n.stripMarker(n.Clean(rawBody))
	combined := collapse(caption + " " + body)

	if body != "" {
		// body is a suffix of combined, so Index never misses.
		caption = strings.TrimSpace(combined[:strings.Index(combined, body)])
	} else {
		caption = combined
	}

	return models.NormalizedContent{
		Caption:  caption,
		Body:     body,
		Urgent:   urgent,
		Category: n.Categorize(caption + " " + body),
	}
}

// Categorize returns the category of the first rule with a keyword present
// in text, or "" when none matches. Keywords are matched case-sensitively.
func (n *Normalizer) Categorize(text string) string {
	for _, rule := range n.rules.Categories {
		for _, kw := range rule.Keywords {
			if kw != "" && strings.Contains(text, kw) {
				return rule.Category
			}
		}
	}
	return ""
}

func (n *Normalizer) stripMarker(text string) string {
	if n.rules.UrgentMarker == nil || text == "" {
		return text
	}
	return collapse(n.rules.UrgentMarker.ReplaceAllString(text, ""))
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
