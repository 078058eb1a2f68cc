package extract

import (
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/caselens/citeminer/internal/model"
)

// looseCitationRe is the context-strategy fallback: volume, capitalized token,
// page. Deliberately broad; its candidates score low and mostly feed the
// learning loop as low-confidence failures.
var looseCitationRe = regexp.MustCompile(`\b\d{1,4}\s+[A-Z][A-Za-z.]{0,11}\s+\d{1,4}\b`)

// Config carries the extractor tuning knobs.
type Config struct {
	AdjacentWindow     int
	DefaultThreshold   float64
	MinYear            int
	MaxYear            int
	LearnedPatternCost float64
}

// PatternSource supplies learned state to the extractor. Reads may be stale;
// a worker using a slightly old pattern set is acceptable.
type PatternSource interface {
	LearnedPatterns() []model.PatternLearning
	MethodThreshold(m model.ExtractionMethod) float64
	Aliases() map[string][]string
}

// Extractor runs the three extraction strategies and merges their output.
// It is safe for concurrent use.
type Extractor struct {
	cfg      Config
	builtins []Pattern
	denylist []string
	source   PatternSource
}

// New builds an Extractor from the embedded pattern set plus the optional
// learned-pattern source.
func New(cfg Config, source PatternSource) (*Extractor, error) {
	if cfg.AdjacentWindow <= 0 {
		cfg.AdjacentWindow = 200
	}
	if cfg.DefaultThreshold <= 0 {
		cfg.DefaultThreshold = 0.5
	}
	if cfg.MinYear <= 0 {
		cfg.MinYear = 1900
	}
	if cfg.MaxYear <= 0 {
		cfg.MaxYear = 2100
	}

	builtins, denylist, err := BuiltinPatterns()
	if err != nil {
		return nil, err
	}
	return &Extractor{
		cfg:      cfg,
		builtins: builtins,
		denylist: denylist,
		source:   source,
	}, nil
}

// Result is the output of one extraction pass.
type Result struct {
	Citations []model.Citation
	Failures  []model.FailedExtraction
}

type candidate struct {
	span    model.Span
	method  model.ExtractionMethod
	conf    float64
	name    nameMatch
	year    yearMatch
	pattern string
}

// Extract finds all citations in text. It never returns an error: malformed
// input yields zero citations and, at most, failure records.
func (e *Extractor) Extract(text string) Result {
	if text == "" {
		return Result{}
	}

	names := &caseNameFinder{window: e.cfg.AdjacentWindow, denylist: e.denylist, aliases: aliasIndex(e.aliases())}
	years := &yearFinder{window: e.cfg.AdjacentWindow, minYear: e.cfg.MinYear, maxYear: e.cfg.MaxYear}

	cands := e.patternCandidates(text, names, years)
	cands = append(cands, e.contextCandidates(text, cands, names, years)...)
	kept := resolveOverlaps(cands)

	return e.assemble(text, kept)
}

// aliases snapshots the alias table from the learned source, if any.
func (e *Extractor) aliases() map[string][]string {
	if e.source == nil {
		return nil
	}
	return e.source.Aliases()
}

// patterns returns builtins plus the current learned set.
func (e *Extractor) patterns() []Pattern {
	if e.source == nil {
		return e.builtins
	}
	learned := CompileLearned(e.source.LearnedPatterns())
	if len(learned) == 0 {
		return e.builtins
	}
	out := make([]Pattern, 0, len(e.builtins)+len(learned))
	out = append(out, e.builtins...)
	out = append(out, learned...)
	return out
}

// patternCandidates runs the citation-adjacent and pattern-based strategies.
// Both start from pattern matches; a match with a case-name or date anchor
// inside the window is citation-adjacent, an isolated match is pattern-based.
func (e *Extractor) patternCandidates(text string, names *caseNameFinder, years *yearFinder) []candidate {
	var cands []candidate
	for _, p := range e.patterns() {
		for _, span := range p.Find(text) {
			name := names.find(text, span)
			year := years.find(text, span)

			anchorDist := nearestAnchor(name, year)
			method := model.MethodPatternBased
			if anchorDist >= 0 {
				method = model.MethodCitationAdjacent
			}

			cands = append(cands, candidate{
				span:    span,
				method:  method,
				conf:    score(p, anchorDist, e.cfg.AdjacentWindow, e.cfg.LearnedPatternCost),
				name:    name,
				year:    year,
				pattern: p.Name,
			})
		}
	}
	return cands
}

// contextCandidates runs the loose fallback over regions no other strategy
// claimed above threshold.
func (e *Extractor) contextCandidates(text string, existing []candidate, names *caseNameFinder, years *yearFinder) []candidate {
	threshold := e.threshold(model.MethodPatternBased)

	var cands []candidate
	for _, idx := range looseCitationRe.FindAllStringIndex(text, -1) {
		span := model.Span{Start: idx[0], End: idx[1]}

		covered := false
		for _, c := range existing {
			if c.span.Overlaps(span) && c.conf >= threshold {
				covered = true
				break
			}
		}
		if covered {
			continue
		}

		loose := Pattern{Name: "context_loose", Origin: OriginBuiltin, Specificity: 0.35}
		name := names.find(text, span)
		year := years.find(text, span)
		cands = append(cands, candidate{
			span:    span,
			method:  model.MethodContextBased,
			conf:    score(loose, nearestAnchor(name, year), e.cfg.AdjacentWindow, e.cfg.LearnedPatternCost),
			name:    name,
			year:    year,
			pattern: loose.Name,
		})
	}
	return cands
}

// nearestAnchor returns the distance to the closest of the name/year anchors,
// or -1 when neither was found adjacent to the citation.
func nearestAnchor(name nameMatch, year yearMatch) int {
	dist := -1
	if name.Method == model.MethodCitationAdjacent && name.Distance >= 0 {
		dist = name.Distance
	}
	if year.Method == model.MethodCitationAdjacent && year.Distance >= 0 {
		if dist < 0 || year.Distance < dist {
			dist = year.Distance
		}
	}
	return dist
}

// resolveOverlaps keeps the best candidate for each overlapping group:
// highest confidence, ties broken by method priority, then by span start for
// determinism.
func resolveOverlaps(cands []candidate) []candidate {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].conf != cands[j].conf {
			return cands[i].conf > cands[j].conf
		}
		if pi, pj := cands[i].method.Priority(), cands[j].method.Priority(); pi != pj {
			return pi < pj
		}
		return cands[i].span.Start < cands[j].span.Start
	})

	var kept []candidate
	for _, c := range cands {
		overlaps := false
		for _, k := range kept {
			if c.span.Overlaps(k.span) {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, c)
		}
	}

	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].span.Start != kept[j].span.Start {
			return kept[i].span.Start < kept[j].span.Start
		}
		return kept[i].conf > kept[j].conf
	})
	return kept
}

// assemble splits kept candidates into citations above their method's
// threshold and failure records for the learning loop. IDs are positional so
// identical input yields identical output.
func (e *Extractor) assemble(text string, kept []candidate) Result {
	var res Result
	now := time.Now().UTC()

	n := 0
	for _, c := range kept {
		if c.conf < e.threshold(c.method) {
			// The rejected span is the best available seed for a candidate
			// pattern; the learning controller generalizes from it.
			res.Failures = append(res.Failures, model.FailedExtraction{
				TextContext:      contextSnippet(text, c.span, 80),
				ExpectedCitation: text[c.span.Start:c.span.End],
				Method:           c.method,
				Confidence:       c.conf,
				ErrorType:        model.FailureLowConfidence,
				Timestamp:        now,
			})
			continue
		}

		n++
		raw := text[c.span.Start:c.span.End]
		res.Citations = append(res.Citations, model.Citation{
			ID:                 fmt.Sprintf("cit-%03d", n),
			RawText:            raw,
			NormalizedText:     Normalize(raw),
			Span:               c.span,
			Confidence:         c.conf,
			Method:             c.method,
			CaseName:           c.name.Name,
			CaseNameConfidence: c.name.Confidence,
			Year:               c.year.Year,
			DateConfidence:     c.year.Confidence,
		})
	}
	return res
}

func (e *Extractor) threshold(m model.ExtractionMethod) float64 {
	if e.source != nil {
		if t := e.source.MethodThreshold(m); t > 0 {
			return t
		}
	}
	return e.cfg.DefaultThreshold
}

// contextSnippet returns the text around span padded by pad bytes each side.
func contextSnippet(text string, span model.Span, pad int) string {
	lo := span.Start - pad
	if lo < 0 {
		lo = 0
	}
	hi := span.End + pad
	if hi > len(text) {
		hi = len(text)
	}
	return text[lo:hi]
}
