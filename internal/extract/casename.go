package extract

import (
	"regexp"
	"sort"
	"strings"

	"github.com/caselens/citeminer/internal/model"
)

// Case-name shapes. A party is a run of capitalized tokens, optionally joined
// by short lowercase connectors ("of", "the", "de") or commas inside a single
// party name.
const partyExpr = `[A-Z][A-Za-z0-9'&.\-]*(?:[ ]+(?:of|the|and|for|de|la|van|von|ex rel\.|d/b/a|[A-Z][A-Za-z0-9'&.\-]*))*`

var (
	versusRe  = regexp.MustCompile(`(` + partyExpr + `)\s+v(?:s)?\.\s+(` + partyExpr + `)`)
	inReRe    = regexp.MustCompile(`(?:In re|In the Matter of|Matter of|Estate of|Ex parte)\s+(` + partyExpr + `)`)
	looseVsRe = regexp.MustCompile(`(\S+(?:\s+\S+){0,5})\s+v(?:s)?\.\s+(\S+(?:\s+\S+){0,5})`)

	// Entities that can stand alone as a case caption without a "v." pair.
	entitySuffixRe = regexp.MustCompile(`(?:Inc\.|LLC|L\.L\.C\.|Corp\.|Co\.|Ltd\.|L\.P\.|P\.S\.|Bros\.|Farms|Dep't|Department|Comm'n|Commission|Board|Authority|District|County|City|State|United States)\s*$`)

	leadingSignalRe = regexp.MustCompile(`^(?:See(?: also)?|Accord|Cf\.|But see|E\.g\.,?|Citing|Quoting|In|Under|Compare)\s+`)
)

// caseNameFinder extracts and validates case names around citation anchors.
type caseNameFinder struct {
	window   int
	denylist []string
	aliases  map[string]string // folded variant -> canonical, see aliasIndex
}

// nameMatch is a validated case-name candidate.
type nameMatch struct {
	Name       string
	Confidence float64
	Method     model.ExtractionMethod
	Distance   int // bytes between name end and anchor start; -1 if unknown
}

// find runs the three case-name strategies against the anchor at span.
// Citation-adjacent wins over document-wide pattern matches, which win over
// loose context matches.
func (f *caseNameFinder) find(text string, anchor model.Span) nameMatch {
	if m, ok := f.adjacent(text, anchor); ok {
		return m
	}
	if m, ok := f.documentWide(text, anchor); ok {
		return m
	}
	if m, ok := f.context(text, anchor); ok {
		return m
	}
	return nameMatch{Distance: -1}
}

// adjacent looks for a case name ending just before the citation string.
func (f *caseNameFinder) adjacent(text string, anchor model.Span) (nameMatch, bool) {
	lo := anchor.Start - f.window
	if lo < 0 {
		lo = 0
	}
	region := text[lo:anchor.Start]

	best, ok := f.lastValidName(region)
	if !ok {
		return nameMatch{}, false
	}

	dist := len(region) - best.end
	// "Immediately before" tolerates a comma, pincite or short connector.
	if dist > 60 {
		return nameMatch{}, false
	}

	conf := 0.9 - 0.3*float64(dist)/float64(f.window)
	return nameMatch{
		Name:       best.name,
		Confidence: clamp01(conf),
		Method:     model.MethodCitationAdjacent,
		Distance:   dist,
	}, true
}

// documentWide applies the full case-name pattern set anywhere in the text and
// picks the nearest preceding match.
func (f *caseNameFinder) documentWide(text string, anchor model.Span) (nameMatch, bool) {
	region := text[:anchor.Start]
	best, ok := f.lastValidName(region)
	if !ok {
		return nameMatch{}, false
	}
	return nameMatch{
		Name:       best.name,
		Confidence: 0.6,
		Method:     model.MethodPatternBased,
		Distance:   -1,
	}, true
}

// context falls back to a loose "X v. Y" scan over the sentence containing
// the anchor.
func (f *caseNameFinder) context(text string, anchor model.Span) (nameMatch, bool) {
	sent := sentenceAround(text, anchor)
	m := looseVsRe.FindStringSubmatch(sent)
	if m == nil {
		return nameMatch{}, false
	}
	name := f.validate(strings.TrimSpace(m[1] + " v. " + m[2]))
	if name == "" {
		return nameMatch{}, false
	}
	return nameMatch{
		Name:       name,
		Confidence: 0.45,
		Method:     model.MethodContextBased,
		Distance:   -1,
	}, true
}

type foundName struct {
	name string
	end  int
}

// lastValidName returns the last case-name match in region that survives
// validation.
func (f *caseNameFinder) lastValidName(region string) (foundName, bool) {
	var best foundName
	ok := false

	for _, re := range []*regexp.Regexp{versusRe, inReRe} {
		for _, idx := range re.FindAllStringSubmatchIndex(region, -1) {
			raw := region[idx[0]:idx[1]]
			name := f.validate(raw)
			if name == "" {
				continue
			}
			if !ok || idx[1] > best.end {
				best = foundName{name: name, end: idx[1]}
				ok = true
			}
		}
	}
	return best, ok
}

// validate applies the denylist and structural heuristics, returning the
// cleaned name or "" when rejected.
func (f *caseNameFinder) validate(raw string) string {
	name := strings.TrimSpace(raw)
	name = leadingSignalRe.ReplaceAllString(name, "")
	name = strings.Trim(name, " ,;")
	if name == "" {
		return ""
	}

	lower := strings.ToLower(name)
	for _, d := range f.denylist {
		if strings.Contains(lower, d) {
			return ""
		}
	}

	// Structural gate: a real caption has a versus pair, a procedural prefix,
	// or a standalone government/corporate entity.
	structural := strings.Contains(name, " v. ") ||
		strings.Contains(name, " vs. ") ||
		hasProceduralPrefix(name) ||
		entitySuffixRe.MatchString(name)
	if !structural {
		return ""
	}

	if n := len(strings.Fields(name)); n < 2 || n > 14 {
		return ""
	}

	return f.canonicalize(name)
}

// canonicalize maps a validated name onto its canonical spelling when the
// alias table knows the variant.
func (f *caseNameFinder) canonicalize(name string) string {
	if canonical, ok := f.aliases[strings.ToLower(name)]; ok {
		return canonical
	}
	return name
}

// aliasIndex flattens the canonical -> variants table into a folded-variant
// lookup. Canonicals are visited in sorted order, so a variant recorded under
// two canonical names resolves to the same one on every run.
func aliasIndex(aliases map[string][]string) map[string]string {
	if len(aliases) == 0 {
		return nil
	}
	canonicals := make([]string, 0, len(aliases))
	for c := range aliases {
		canonicals = append(canonicals, c)
	}
	sort.Strings(canonicals)

	idx := make(map[string]string)
	for _, c := range canonicals {
		if folded := strings.ToLower(c); idx[folded] == "" {
			idx[folded] = c
		}
		for _, v := range aliases[c] {
			if folded := strings.ToLower(v); idx[folded] == "" {
				idx[folded] = c
			}
		}
	}
	return idx
}

func hasProceduralPrefix(name string) bool {
	for _, p := range []string{"In re ", "In the Matter of ", "Matter of ", "Estate of ", "Ex parte "} {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// sentenceAround returns the sentence containing the span, bounded by periods
// followed by whitespace or by text edges. Good enough for legal prose where
// abbreviation periods rarely precede whitespace-plus-capital.
func sentenceAround(text string, span model.Span) string {
	start := 0
	for i := span.Start - 1; i > 0; i-- {
		if text[i] == '\n' {
			start = i + 1
			break
		}
		if text[i] == '.' && i+1 < len(text) && (text[i+1] == ' ' || text[i+1] == '\n') && i >= 2 && text[i-1] >= 'a' && text[i-1] <= 'z' {
			start = i + 1
			break
		}
	}
	end := len(text)
	for i := span.End; i < len(text); i++ {
		if text[i] == '\n' {
			end = i
			break
		}
		if text[i] == '.' && (i+1 == len(text) || text[i+1] == ' ' || text[i+1] == '\n') {
			end = i + 1
			break
		}
	}
	return strings.TrimSpace(text[start:end])
}
