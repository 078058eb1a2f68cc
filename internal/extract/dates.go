package extract

import (
	"regexp"
	"strconv"

	"github.com/caselens/citeminer/internal/model"
)

var (
	parenYearRe = regexp.MustCompile(`\((?:[A-Za-z0-9.' ]*?\s)?(\d{4})\)`)
	isoDateRe   = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	usDateRe    = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})/(\d{4})\b`)
	monthDateRe = regexp.MustCompile(`\b(?:January|February|March|April|May|June|July|August|September|October|November|December)\s+\d{1,2},\s+(\d{4})\b`)
	bareYearRe  = regexp.MustCompile(`\b(19\d{2}|20\d{2}|2100)\b`)
)

// yearFinder extracts decision years around citation anchors.
type yearFinder struct {
	window  int
	minYear int
	maxYear int
}

// yearMatch is a validated year candidate.
type yearMatch struct {
	Year       int
	Confidence float64
	Method     model.ExtractionMethod
	Distance   int // bytes from anchor end to the match; -1 if document-wide
}

// find runs the date strategies in priority order. Citation-adjacent dates
// always outrank document-wide dates found by context scanning.
func (f *yearFinder) find(text string, anchor model.Span) yearMatch {
	if m, ok := f.adjacent(text, anchor); ok {
		return m
	}
	if m, ok := f.documentWide(text); ok {
		return m
	}
	return yearMatch{Distance: -1}
}

// adjacent scans the window after (then before) the citation for a
// parenthetical year or an explicit date form.
func (f *yearFinder) adjacent(text string, anchor model.Span) (yearMatch, bool) {
	hi := anchor.End + f.window
	if hi > len(text) {
		hi = len(text)
	}
	after := text[anchor.End:hi]

	// Parenthetical year directly after the citation is the strongest signal:
	// "355 P.3d 258 (2015)".
	if loc := parenYearRe.FindStringSubmatchIndex(after); loc != nil {
		if y := f.parseYear(after[loc[2]:loc[3]]); y != 0 {
			return yearMatch{Year: y, Confidence: 0.95, Method: model.MethodCitationAdjacent, Distance: loc[0]}, true
		}
	}

	lo := anchor.Start - f.window
	if lo < 0 {
		lo = 0
	}
	around := text[lo:hi]

	for _, re := range []*regexp.Regexp{isoDateRe, monthDateRe, usDateRe} {
		if m := re.FindStringSubmatch(around); m != nil {
			yearGroup := m[1]
			if re == usDateRe {
				yearGroup = m[3]
			}
			if y := f.parseYear(yearGroup); y != 0 {
				return yearMatch{Year: y, Confidence: 0.8, Method: model.MethodCitationAdjacent, Distance: 0}, true
			}
		}
	}

	return yearMatch{}, false
}

// documentWide is the context fallback: any parenthetical year in the
// document, then any bare in-range year.
func (f *yearFinder) documentWide(text string) (yearMatch, bool) {
	if m := parenYearRe.FindStringSubmatch(text); m != nil {
		if y := f.parseYear(m[1]); y != 0 {
			return yearMatch{Year: y, Confidence: 0.5, Method: model.MethodContextBased, Distance: -1}, true
		}
	}
	if m := bareYearRe.FindStringSubmatch(text); m != nil {
		if y := f.parseYear(m[1]); y != 0 {
			return yearMatch{Year: y, Confidence: 0.4, Method: model.MethodContextBased, Distance: -1}, true
		}
	}
	return yearMatch{}, false
}

func (f *yearFinder) parseYear(s string) int {
	y, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	if y < f.minYear || y > f.maxYear {
		return 0
	}
	return y
}
