package relay

import (
	"strings"

	"pinrelay/internal/platform"
)

// MentionLine renders the mention list appended to a relayed copy.
//
// Contract (user-facing, not an implementation detail): each distinct
// mentioned entity appears exactly once, ordered by the position of its first
// mention in the raw content. Entities the platform reported but whose token
// is absent from the raw text keep their reported order, after the in-text
// ones.
func MentionLine(raw string, mentions []platform.Mention) string {
	if len(mentions) == 0 {
		return ""
	}

	type slot struct {
		tag string
		pos int
	}
	seen := map[string]bool{}
	var inText, trailing []slot
	for i, m := range mentions {
		if m.ID == "" || seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		if idx := strings.Index(raw, m.Tag); idx >= 0 {
			inText = append(inText, slot{tag: m.Tag, pos: idx})
		} else {
			trailing = append(trailing, slot{tag: m.Tag, pos: i})
		}
	}

	// Stable ordering by first occurrence.
	for i := 1; i < len(inText); i++ {
		for j := i; j > 0 && inText[j].pos < inText[j-1].pos; j-- {
			inText[j], inText[j-1] = inText[j-1], inText[j]
		}
	}

	tags := make([]string, 0, len(inText)+len(trailing))
	for _, s := range inText {
		tags = append(tags, s.tag)
	}
	for _, s := range trailing {
		tags = append(tags, s.tag)
	}
	return strings.Join(tags, " ")
}
