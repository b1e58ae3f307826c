// Package intent classifies chat questions as map-filter requests or
// analytical questions.
package intent

import (
	"regexp"
	"strings"
)

var showPattern = regexp.MustCompile(`\b(show|display|highlight)\b`)

// IsShowQuery reports whether text asks for features to be highlighted on the
// map. Matching is whole-word and case-insensitive, so "showing" and
// "displayed" do not count.
func IsShowQuery(text string) bool {
	return showPattern.MatchString(strings.ToLower(text))
}
