// Package extract implements the multi-strategy citation, case-name and date
// extractors. All extraction is pure string work over the input text: it never
// fails on malformed input, it just produces zero candidates.
package extract

import (
	_ "embed"
	"regexp"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/caselens/citeminer/internal/model"
)

//go:embed patterns.yaml
var builtinPatternsYAML []byte

// PatternOrigin distinguishes shipped patterns from learned ones.
type PatternOrigin string

const (
	OriginBuiltin PatternOrigin = "builtin"
	OriginLearned PatternOrigin = "learned"
)

// Pattern is one registered citation-string matching rule. Learned patterns
// are data, not code: they enter the set from the learning store and carry
// their empirical success rate with them.
type Pattern struct {
	Name        string
	Origin      PatternOrigin
	Specificity float64
	SuccessRate float64 // historical, 0 for builtins (treated as fully trusted)
	re          *regexp.Regexp
}

// Find returns all non-overlapping matches of the pattern as spans.
func (p *Pattern) Find(text string) []model.Span {
	idx := p.re.FindAllStringIndex(text, -1)
	if len(idx) == 0 {
		return nil
	}
	spans := make([]model.Span, 0, len(idx))
	for _, m := range idx {
		spans = append(spans, model.Span{Start: m[0], End: m[1]})
	}
	return spans
}

type patternsFile struct {
	Patterns []struct {
		Name        string  `yaml:"name"`
		Expr        string  `yaml:"expr"`
		Specificity float64 `yaml:"specificity"`
	} `yaml:"patterns"`
	Denylist []string `yaml:"denylist"`
}

// BuiltinPatterns parses the embedded pattern set. The embedded file is part
// of the build, so a parse error is a programming error.
func BuiltinPatterns() ([]Pattern, []string, error) {
	var pf patternsFile
	if err := yaml.Unmarshal(builtinPatternsYAML, &pf); err != nil {
		return nil, nil, eris.Wrap(err, "extract: parse builtin patterns")
	}

	patterns := make([]Pattern, 0, len(pf.Patterns))
	for _, p := range pf.Patterns {
		re, err := regexp.Compile(p.Expr)
		if err != nil {
			return nil, nil, eris.Wrapf(err, "extract: compile builtin pattern %s", p.Name)
		}
		patterns = append(patterns, Pattern{
			Name:        p.Name,
			Origin:      OriginBuiltin,
			Specificity: p.Specificity,
			re:          re,
		})
	}
	return patterns, pf.Denylist, nil
}

// CompileLearned converts learned pattern records into executable patterns,
// skipping any whose regex no longer compiles. A broken learned pattern is a
// data problem, not a reason to fail extraction.
func CompileLearned(records []model.PatternLearning) []Pattern {
	patterns := make([]Pattern, 0, len(records))
	for _, r := range records {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			zap.L().Warn("extract: skipping uncompilable learned pattern",
				zap.String("pattern", r.Pattern),
				zap.Error(err),
			)
			continue
		}
		patterns = append(patterns, Pattern{
			Name:        "learned",
			Origin:      OriginLearned,
			Specificity: 0.6,
			SuccessRate: r.SuccessRate(),
			re:          re,
		})
	}
	return patterns
}
