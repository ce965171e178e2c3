// Package enrich derives tags and a category label from a video title using fixed keyword rules.
package enrich

import "strings"

// MaxTags caps the number of tags derived from a title.
const MaxTags = 5

// CategoryOther is returned when no keyword matches.
const CategoryOther = "other"

var stopWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "but": {}, "in": {},
	"on": {}, "at": {}, "to": {}, "for": {}, "of": {}, "with": {},
}

type category struct {
	name     string
	keywords []string
}

// categories are checked in this order; the first match wins.
var categories = []category{
	{"education", []string{"learn", "tutorial", "how to", "guide", "tips", "lesson"}},
	{"entertainment", []string{"funny", "comedy", "prank", "reaction", "gaming"}},
	{"music", []string{"song", "music", "concert", "cover", "remix"}},
	{"gaming", []string{"gameplay", "gaming", "playthrough", "stream"}},
	{"food", []string{"recipe", "cooking", "food", "baking", "kitchen"}},
	{"fitness", []string{"workout", "exercise", "fitness", "gym", "training"}},
	{"tech", []string{"technology", "tech", "review", "unboxing", "coding"}},
}

// Categories lists the closed label vocabulary in priority order, followed by CategoryOther.
func Categories() []string {
	out := make([]string, 0, len(categories)+1)
	for _, c := range categories {
		out = append(out, c.name)
	}
	return append(out, CategoryOther)
}

// DeriveTags splits the lowercased title on whitespace and '#', drops stop words and
// tokens of two characters or fewer, and returns up to MaxTags distinct tokens in title order.
func DeriveTags(title string) []string {
	fields := strings.Fields(strings.ToLower(strings.ReplaceAll(title, "#", " ")))
	seen := make(map[string]struct{}, len(fields))
	var tags []string
	for _, w := range fields {
		if len(tags) == MaxTags {
			break
		}
		if len([]rune(w)) <= 2 {
			continue
		}
		if _, stop := stopWords[w]; stop {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		tags = append(tags, w)
	}
	return tags
}

// DeriveCategory returns the first category whose keywords occur as a substring of the
// lowercased title. The transcript is accepted but not inspected.
func DeriveCategory(title, _ string) string {
	lower := strings.ToLower(title)
	for _, c := range categories {
		for _, kw := range c.keywords {
			if strings.Contains(lower, kw) {
				return c.name
			}
		}
	}
	return CategoryOther
}
