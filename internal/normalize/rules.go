package normalize

import (
	"fmt"
	"regexp"
	"unicode"

	"github.com/pauljones0/tg-site-mirror/internal/config"
)

// Emoji holds the pictographic ranges stripped from channel text.
var Emoji = &unicode.RangeTable{
	R16: []unicode.Range16{
		{Lo: 0x200d, Hi: 0x200d, Stride: 1}, // zero width joiner
		{Lo: 0xfe0f, Hi: 0xfe0f, Stride: 1}, // emoji presentation selector
	},
	R32: []unicode.Range32{
		{Lo: 0x1f1e0, Hi: 0x1f1ff, Stride: 1}, // flags
		{Lo: 0x1f300, Hi: 0x1f5ff, Stride: 1}, // symbols & pictographs
		{Lo: 0x1f600, Hi: 0x1f64f, Stride: 1}, // emoticons
		{Lo: 0x1f680, Hi: 0x1f6ff, Stride: 1}, // transport & map
		{Lo: 0x1f900, Hi: 0x1f9ff, Stride: 1}, // supplemental symbols
	},
}

// CategoryRule maps any of its keywords to a category.
type CategoryRule struct {
	Category string
	Keywords []string
}

// RuleTable is the configuration the normalizer runs against.
type RuleTable struct {
	Boilerplate  []*regexp.Regexp
	UrgentMarker *regexp.Regexp // nil disables urgency detection
	Categories   []CategoryRule
	Emoji        *unicode.RangeTable
}

// NewRuleTable compiles the configured rules. Boilerplate patterns are
// regular expressions matched case-insensitively; the urgent marker is a
// literal token.
func NewRuleTable(cfg config.RulesConfig) (*RuleTable, error) {
	rt := &RuleTable{Emoji: Emoji}

	for _, p := range cfg.Boilerplate {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("compiling boilerplate pattern %q: %w", p, err)
		}
		rt.Boilerplate = append(rt.Boilerplate, re)
	}

	if cfg.UrgentMarker != "" {
		rt.UrgentMarker = regexp.MustCompile("(?i)" + regexp.QuoteMeta(cfg.UrgentMarker))
	}

	for _, c := range cfg.Categories {
		rt.Categories = append(rt.Categories, CategoryRule{Category: c.Category, Keywords: c.Keywords})
	}
	return rt, nil
}
