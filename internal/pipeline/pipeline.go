// Package pipeline runs one analysis pass: resolve the input to text, extract
// citations, cluster them, verify them against the external database, and
// feed the outcome back into the learning store.
package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/caselens/citeminer/internal/cluster"
	"github.com/caselens/citeminer/internal/extract"
	"github.com/caselens/citeminer/internal/job"
	"github.com/caselens/citeminer/internal/learning"
	"github.com/caselens/citeminer/internal/model"
	"github.com/caselens/citeminer/internal/textsource"
	"github.com/caselens/citeminer/internal/verify"
)

// sampleContextPad is how many bytes of surrounding text each held-out
// learning sample keeps around its citation.
const sampleContextPad = 80

// Pipeline executes analysis jobs. It is safe for concurrent use by the
// worker pool; per-pass state lives on the stack.
type Pipeline struct {
	resolver   *textsource.Resolver
	extractor  *extract.Extractor
	clusterer  *cluster.Engine
	verifier   *verify.Orchestrator // nil when verification is disabled
	controller *learning.Controller
}

// New assembles a Pipeline. verifier may be nil to disable verification
// globally; controller may be nil to disable learning (tests).
func New(
	resolver *textsource.Resolver,
	extractor *extract.Extractor,
	clusterer *cluster.Engine,
	verifier *verify.Orchestrator,
	controller *learning.Controller,
) *Pipeline {
	return &Pipeline{
		resolver:   resolver,
		extractor:  extractor,
		clusterer:  clusterer,
		verifier:   verifier,
		controller: controller,
	}
}

// Run implements job.Runner.
func (p *Pipeline) Run(ctx context.Context, j *model.Job, report job.ProgressFunc) (*model.AnalysisResult, error) {
	started := time.Now()
	if report == nil {
		report = func(int, string, int) {}
	}

	report(5, "resolving input", 0)
	text, err := p.resolver.Resolve(ctx, j.Request)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: resolve input")
	}

	result, outcome := p.Analyze(ctx, text, j.Request, report)
	result.Metadata.DurationMillis = time.Since(started).Milliseconds()

	if p.controller != nil {
		rep := p.controller.Process(outcome)
		if len(rep.PatternsCommitted) > 0 || len(rep.PatternsEvicted) > 0 || len(rep.ThresholdChanges) > 0 {
			zap.L().Info("pipeline: learning pass changed state",
				zap.String("job_id", j.ID),
				zap.Strings("committed", rep.PatternsCommitted),
				zap.Strings("evicted", rep.PatternsEvicted),
				zap.Int("threshold_changes", len(rep.ThresholdChanges)),
			)
		}
	}

	return result, nil
}

// Learn runs the learning pass for an outcome produced by Analyze. Run does
// this itself; the synchronous API path calls it once the result is assembled.
func (p *Pipeline) Learn(outcome learning.PassOutcome) {
	if p.controller == nil {
		return
	}
	p.controller.Process(outcome)
}

// Analyze runs extraction through verification on already-resolved text. The
// synchronous API path uses it directly, without a job.
func (p *Pipeline) Analyze(ctx context.Context, text string, req model.AnalyzeRequest, report job.ProgressFunc) (*model.AnalysisResult, learning.PassOutcome) {
	if report == nil {
		report = func(int, string, int) {}
	}

	report(25, "extracting citations", 0)
	extracted := p.extractor.Extract(text)
	citations := extracted.Citations

	var clusters []model.Cluster
	if !req.Options.SkipClustering {
		report(55, "clustering citations", 0)
		clusters, citations = p.clusterer.Cluster(citations)
	}

	var verified []model.Citation
	if p.verifier != nil && !req.Options.SkipVerification && len(citations) > 0 {
		report(75, "verifying citations", estimateVerifySeconds(len(citations)))
		citations = p.verifier.VerifyAll(ctx, citations)
		verified = citations
	}

	report(95, "assembling result", 0)
	unverified := 0
	for _, c := range citations {
		if c.Verification == nil || !c.Verification.Found {
			unverified++
		}
	}

	result := &model.AnalysisResult{
		Citations: citations,
		Clusters:  clusters,
		Metadata: model.AnalysisMetadata{
			SourceType:      string(req.Type),
			TextLength:      len(text),
			CitationCount:   len(citations),
			ClusterCount:    len(clusters),
			UnverifiedCount: unverified,
		},
	}

	outcome := learning.PassOutcome{
		Failures: append(extracted.Failures, verificationFailures(text, verified)...),
		Verified: verified,
		Samples:  samples(text, citations),
	}
	return result, outcome
}

// verificationFailures turns verification misses into failure records. A miss
// is a false positive, so it carries no candidate seed: it feeds the failure
// archive and threshold tuning, never pattern learning.
func verificationFailures(text string, verified []model.Citation) []model.FailedExtraction {
	var out []model.FailedExtraction
	now := time.Now().UTC()
	for _, c := range verified {
		if c.Verification == nil || c.Verification.Found || c.Verification.Error != "" {
			continue
		}
		out = append(out, model.FailedExtraction{
			TextContext: clip(text, c.Span, sampleContextPad),
			Method:      c.Method,
			Confidence:  c.Confidence,
			ErrorType:   model.FailurePatternMismatch,
			Timestamp:   now,
		})
	}
	return out
}

// samples converts successful extractions into held-out learning samples.
// Citations verification rejected are excluded: a false positive in the
// held-out set would validate the very patterns that produced it.
func samples(text string, citations []model.Citation) []learning.Sample {
	out := make([]learning.Sample, 0, len(citations))
	for _, c := range citations {
		if c.Verification != nil && !c.Verification.Found && c.Verification.Error == "" {
			continue
		}
		out = append(out, learning.Sample{
			Context:  clip(text, c.Span, sampleContextPad),
			Citation: c.RawText,
		})
	}
	return out
}

// clip returns the text around span padded by pad bytes each side.
func clip(text string, span model.Span, pad int) string {
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

// estimateVerifySeconds is a rough ETA at the default verification rate.
func estimateVerifySeconds(n int) int {
	return (n + 1) / 2
}
