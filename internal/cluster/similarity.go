package cluster

import (
	"strings"

	"golang.org/x/text/cases"
)

var foldCaser = cases.Fold()

// Similarity scores two case names in [0,1] using the Dice coefficient over
// case-folded token sets. Token overlap was chosen over edit distance because
// party-name variants mostly differ by dropped or reordered tokens
// ("Sakuma Bros. Farms" vs "Sakuma Brothers Farms, Inc."), which edit
// distance punishes out of proportion.
func Similarity(a, b string) float64 {
	ta := tokens(a)
	tb := tokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	seen := make(map[string]bool, len(ta))
	for _, t := range ta {
		seen[t] = true
	}
	shared := 0
	counted := make(map[string]bool, len(tb))
	for _, t := range tb {
		if seen[t] && !counted[t] {
			shared++
			counted[t] = true
		}
	}

	return 2 * float64(shared) / float64(len(unique(ta))+len(unique(tb)))
}

// tokens splits a case name into folded, punctuation-trimmed tokens, dropping
// the "v."/"vs." connector so it never counts as shared vocabulary.
func tokens(name string) []string {
	fields := strings.Fields(foldCaser.String(name))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,;:()'\"")
		if f == "" || f == "v" || f == "vs" {
			continue
		}
		out = append(out, f)
	}
	return out
}

func unique(ts []string) []string {
	seen := make(map[string]bool, len(ts))
	out := ts[:0:0]
	for _, t := range ts {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}
