package learning

import (
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/caselens/citeminer/internal/model"
)

// minFired is the minimum number of held-out samples a candidate pattern must
// match before its success rate means anything.
const minFired = 3

// lowConfTrigger is how many near-miss failures of one method a pass must
// produce before the controller lowers that method's threshold.
const lowConfTrigger = 5

// falsePositiveTrigger is how many verification misses of one method trigger
// a threshold raise.
const falsePositiveTrigger = 3

// Tuning bounds threshold adjustment.
type Tuning struct {
	RetentionFloor   float64
	ThresholdStep    float64
	ThresholdFloor   float64
	ThresholdCeiling float64
}

// Controller runs the adaptive learning pass after each processing pass. It
// never mutates the store directly except through the test-then-commit
// protocol: a candidate pattern must beat the retention floor on held-out
// samples before it is committed, and committed patterns are re-measured
// every pass and evicted when their rate decays to the floor.
type Controller struct {
	store  *Store
	tuning Tuning
}

// NewController builds a controller over the given store.
func NewController(store *Store, tuning Tuning) *Controller {
	if tuning.RetentionFloor <= 0 {
		tuning.RetentionFloor = 0.6
	}
	if tuning.ThresholdStep <= 0 {
		tuning.ThresholdStep = 0.05
	}
	if tuning.ThresholdFloor <= 0 {
		tuning.ThresholdFloor = 0.3
	}
	if tuning.ThresholdCeiling <= 0 {
		tuning.ThresholdCeiling = 0.9
	}
	return &Controller{store: store, tuning: tuning}
}

// PassOutcome is everything one processing pass feeds back into learning.
type PassOutcome struct {
	// Failures are the extractions the pass got wrong or was unsure about.
	Failures []model.FailedExtraction
	// Verified are citations that went through external verification.
	Verified []model.Citation
	// Samples are contexts of successful extractions, added to the held-out
	// evaluation set.
	Samples []Sample
}

// Report summarizes what one learning pass changed.
type Report struct {
	PatternsCommitted []string                           `json:"patterns_committed,omitempty"`
	PatternsRejected  []string                           `json:"patterns_rejected,omitempty"`
	PatternsEvicted   []string                           `json:"patterns_evicted,omitempty"`
	ThresholdChanges  map[model.ExtractionMethod]float64 `json:"threshold_changes,omitempty"`
	AliasesAdded      int                                `json:"aliases_added"`
	FailuresArchived  int                                `json:"failures_archived"`
}

// Process runs one learning pass. Errors from individual store writes are
// logged and folded into the report rather than aborting the pass; learning
// is best-effort and must never fail the job that triggered it.
func (c *Controller) Process(outcome PassOutcome) Report {
	var rep Report

	if err := c.store.AddSamples(outcome.Samples); err != nil {
		zap.L().Warn("learning: persist samples", zap.Error(err))
	}
	samples := c.store.Samples()

	c.learnPatterns(outcome.Failures, samples, &rep)
	c.revalidatePatterns(samples, &rep)
	c.tuneThresholds(outcome, &rep)
	c.recordAliases(outcome.Verified, &rep)

	if err := c.store.ArchiveFailures(outcome.Failures); err != nil {
		zap.L().Warn("learning: archive failures", zap.Error(err))
	} else {
		rep.FailuresArchived = len(outcome.Failures)
	}

	return rep
}

// learnPatterns derives candidate patterns from failure records and commits
// the ones that prove out on the held-out samples.
func (c *Controller) learnPatterns(failures []model.FailedExtraction, samples []Sample, rep *Report) {
	tried := make(map[string]bool)

	for _, f := range failures {
		expr := candidateExpr(f)
		if expr == "" || tried[expr] {
			continue
		}
		tried[expr] = true

		re, err := regexp.Compile(expr)
		if err != nil {
			zap.L().Debug("learning: candidate does not compile",
				zap.String("pattern", expr), zap.Error(err))
			rep.PatternsRejected = append(rep.PatternsRejected, expr)
			continue
		}

		successes, fails := evaluate(re, samples)
		fired := successes + fails
		rate := 0.0
		if fired > 0 {
			rate = float64(successes) / float64(fired)
		}
		if fired < minFired || rate <= c.tuning.RetentionFloor {
			rep.PatternsRejected = append(rep.PatternsRejected, expr)
			continue
		}

		p := model.PatternLearning{
			Pattern:             expr,
			SuccessCount:        successes,
			FailureCount:        fails,
			ConfidenceThreshold: c.store.MethodThreshold(f.Method),
			ContextExamples:     []string{f.TextContext},
			LastUpdated:         time.Now().UTC(),
		}
		if err := c.store.CommitPattern(p); err != nil {
			zap.L().Warn("learning: commit pattern", zap.String("pattern", expr), zap.Error(err))
			rep.PatternsRejected = append(rep.PatternsRejected, expr)
			continue
		}
		zap.L().Info("learning: committed pattern",
			zap.String("pattern", expr),
			zap.Int("fired", fired),
			zap.Float64("success_rate", rate),
		)
		rep.PatternsCommitted = append(rep.PatternsCommitted, expr)
	}
}

// revalidatePatterns re-measures every committed pattern against the current
// sample set. The store evicts patterns whose cumulative rate falls to the
// retention floor.
func (c *Controller) revalidatePatterns(samples []Sample, rep *Report) {
	if len(samples) == 0 {
		return
	}
	before := make(map[string]bool)
	for _, p := range c.store.LearnedPatterns() {
		before[p.Pattern] = true
	}

	for _, p := range c.store.LearnedPatterns() {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			// Should not happen for committed patterns; drop it outright.
			_ = c.store.RecordPatternOutcome(p.Pattern, 0, p.SuccessCount+p.FailureCount+1)
			continue
		}
		successes, fails := evaluate(re, samples)
		if successes == 0 && fails == 0 {
			continue
		}
		if err := c.store.RecordPatternOutcome(p.Pattern, successes, fails); err != nil {
			zap.L().Warn("learning: record pattern outcome",
				zap.String("pattern", p.Pattern), zap.Error(err))
		}
	}

	after := make(map[string]bool)
	for _, p := range c.store.LearnedPatterns() {
		after[p.Pattern] = true
	}
	for expr := range before {
		if !after[expr] {
			rep.PatternsEvicted = append(rep.PatternsEvicted, expr)
		}
	}
}

// evaluate runs a pattern over the held-out samples. A match that overlaps
// the sample's known citation counts as a success; a match elsewhere is a
// false positive. Samples the pattern does not fire on are neutral.
func evaluate(re *regexp.Regexp, samples []Sample) (successes, failures int) {
	for _, s := range samples {
		locs := re.FindAllStringIndex(s.Context, -1)
		if len(locs) == 0 {
			continue
		}
		want := strings.Index(s.Context, s.Citation)
		hit := false
		for _, loc := range locs {
			if want >= 0 && loc[0] < want+len(s.Citation) && want < loc[1] {
				hit = true
				break
			}
		}
		if hit {
			successes++
		} else {
			failures++
		}
	}
	return successes, failures
}

// tuneThresholds nudges per-method confidence thresholds: down when a pass
// produced many near-miss low-confidence failures, up when verification
// exposed false positives.
func (c *Controller) tuneThresholds(outcome PassOutcome, rep *Report) {
	lowConf := make(map[model.ExtractionMethod]int)
	for _, f := range outcome.Failures {
		if f.ErrorType == model.FailureLowConfidence && f.Method.Valid() {
			lowConf[f.Method]++
		}
	}

	misses := make(map[model.ExtractionMethod]int)
	for _, v := range outcome.Verified {
		if v.Verification != nil && !v.Verification.Found && v.Verification.Error == "" {
			misses[v.Method]++
		}
	}

	apply := func(m model.ExtractionMethod, next float64) {
		if err := c.store.SetThreshold(m, next); err != nil {
			zap.L().Warn("learning: set threshold", zap.String("method", string(m)), zap.Error(err))
			return
		}
		if rep.ThresholdChanges == nil {
			rep.ThresholdChanges = make(map[model.ExtractionMethod]float64)
		}
		rep.ThresholdChanges[m] = next
		zap.L().Info("learning: adjusted threshold",
			zap.String("method", string(m)), zap.Float64("threshold", next))
	}

	for m, n := range misses {
		if n < falsePositiveTrigger {
			continue
		}
		next := c.store.MethodThreshold(m) + c.tuning.ThresholdStep
		if next > c.tuning.ThresholdCeiling {
			next = c.tuning.ThresholdCeiling
		}
		if next != c.store.MethodThreshold(m) {
			apply(m, next)
		}
	}
	for m, n := range lowConf {
		if n < lowConfTrigger {
			continue
		}
		if _, raised := rep.ThresholdChanges[m]; raised {
			continue // a raise this pass wins over a lower
		}
		next := c.store.MethodThreshold(m) - c.tuning.ThresholdStep
		if next < c.tuning.ThresholdFloor {
			next = c.tuning.ThresholdFloor
		}
		if next != c.store.MethodThreshold(m) {
			apply(m, next)
		}
	}
}

// recordAliases adds verified canonical spellings to the alias table so the
// case-name finder recognizes the variant next time.
func (c *Controller) recordAliases(verified []model.Citation, rep *Report) {
	for _, v := range verified {
		if v.Verification == nil || !v.Verification.Found {
			continue
		}
		canonical := v.Verification.CaseName
		if canonical == "" || v.CaseName == "" || strings.EqualFold(canonical, v.CaseName) {
			continue
		}
		if err := c.store.AddAlias(canonical, v.CaseName); err != nil {
			zap.L().Warn("learning: add alias", zap.Error(err))
			continue
		}
		rep.AliasesAdded++
	}
}

// candidateExpr derives a regular expression from a failure record. The
// expected citation wins when present; otherwise the failure must carry a
// suggestion. Digits generalize to bounded runs and whitespace to \s+, the
// rest is matched literally.
func candidateExpr(f model.FailedExtraction) string {
	if f.SuggestedPattern != "" {
		return f.SuggestedPattern
	}
	seed := strings.TrimSpace(f.ExpectedCitation)
	if seed == "" {
		return ""
	}

	var b strings.Builder
	b.WriteString(`\b`)
	i := 0
	for i < len(seed) {
		ch := seed[i]
		switch {
		case ch >= '0' && ch <= '9':
			for i < len(seed) && seed[i] >= '0' && seed[i] <= '9' {
				i++
			}
			b.WriteString(`\d{1,4}`)
		case ch == ' ' || ch == '\t':
			for i < len(seed) && (seed[i] == ' ' || seed[i] == '\t') {
				i++
			}
			b.WriteString(`\s+`)
		default:
			b.WriteString(regexp.QuoteMeta(string(ch)))
			i++
		}
	}
	b.WriteString(`\b`)
	return b.String()
}
