package extract

import (
	"regexp"
	"strings"
)

var (
	wsRun        = regexp.MustCompile(`\s+`)
	dotSpace     = regexp.MustCompile(`\.\s+`)
	trailingJunk = regexp.MustCompile(`[\s,;.]+$`)
)

// Normalize produces the canonical form of a citation string used as the key
// for clustering and verification lookups. Whitespace runs collapse to single
// spaces and the space after reporter-abbreviation periods is dropped, so
// "183 Wn. 2d 649" and "183 Wn.2d 649" normalize identically.
func Normalize(raw string) string {
	s := strings.TrimSpace(raw)
	s = wsRun.ReplaceAllString(s, " ")
	s = dotSpace.ReplaceAllString(s, ".")
	s = trailingJunk.ReplaceAllString(s, "")
	return s
}
