package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caselens/citeminer/internal/cluster"
	"github.com/caselens/citeminer/internal/extract"
	"github.com/caselens/citeminer/internal/learning"
	"github.com/caselens/citeminer/internal/model"
	"github.com/caselens/citeminer/internal/textsource"
	"github.com/caselens/citeminer/internal/verify"
)

const opinionText = "We review de novo. Lopez Demetrio v. Sakuma Bros. Farms, 183 Wn.2d 649, 355 P.3d 258 (2015). " +
	"The workers sought rest breaks under Washington law."

type stubVerifier struct {
	outcomes map[string]*model.VerificationOutcome
}

func (s *stubVerifier) Source() string { return "stub" }

func (s *stubVerifier) Verify(ctx context.Context, c model.Citation) (*model.VerificationOutcome, error) {
	if out, ok := s.outcomes[c.NormalizedText]; ok {
		return out, nil
	}
	return &model.VerificationOutcome{Found: false, Source: "stub"}, nil
}

func newTestPipeline(t *testing.T, verifier verify.Verifier) *Pipeline {
	t.Helper()

	store, err := learning.Open(t.TempDir(), learning.Defaults{Threshold: 0.5, RetentionFloor: 0.6})
	require.NoError(t, err)

	extractor, err := extract.New(extract.Config{AdjacentWindow: 200}, store)
	require.NoError(t, err)

	var orch *verify.Orchestrator
	if verifier != nil {
		orch = verify.NewOrchestrator(verifier, verify.Config{
			RatePerSecond: 1000, MaxConcurrency: 4, MaxAttempts: 1, Timeout: time.Second,
		})
	}

	return New(
		textsource.NewResolver(textsource.Config{}, nil),
		extractor,
		cluster.New(cluster.Config{}),
		orch,
		learning.NewController(store, learning.Tuning{}),
	)
}

func TestRunEndToEnd(t *testing.T) {
	verifier := &stubVerifier{outcomes: map[string]*model.VerificationOutcome{
		"183 Wn.2d 649": {Found: true, Source: "stub", CaseName: "Lopez Demetrio v. Sakuma Brothers Farms, Inc."},
		"355 P.3d 258":  {Found: true, Source: "stub", CaseName: "Lopez Demetrio v. Sakuma Brothers Farms, Inc."},
	}}
	p := newTestPipeline(t, verifier)

	j := &model.Job{
		ID:      "job-1",
		Request: model.AnalyzeRequest{Type: model.SourceText, Text: opinionText},
	}

	var steps []string
	result, err := p.Run(context.Background(), j, func(progress int, step string, eta int) {
		steps = append(steps, step)
	})
	require.NoError(t, err)

	require.Len(t, result.Citations, 2)
	assert.Equal(t, "183 Wn.2d 649", result.Citations[0].NormalizedText)
	assert.Equal(t, "355 P.3d 258", result.Citations[1].NormalizedText)

	// Parallel citations of one decision share a cluster.
	require.Len(t, result.Clusters, 1)
	cl := result.Clusters[0]
	assert.Equal(t, 2, cl.Size)
	assert.Equal(t, 2015, cl.CanonicalYear)
	assert.Contains(t, cl.CanonicalCaseName, "Sakuma")
	for _, c := range result.Citations {
		assert.Equal(t, cl.ID, c.ClusterID)
	}

	for _, c := range result.Citations {
		require.NotNil(t, c.Verification)
		assert.True(t, c.Verification.Found)
	}

	assert.Equal(t, "text", result.Metadata.SourceType)
	assert.Equal(t, len(opinionText), result.Metadata.TextLength)
	assert.Equal(t, 2, result.Metadata.CitationCount)
	assert.Equal(t, 1, result.Metadata.ClusterCount)
	assert.Zero(t, result.Metadata.UnverifiedCount)
	assert.GreaterOrEqual(t, result.Metadata.DurationMillis, int64(0))

	assert.Contains(t, steps, "extracting citations")
	assert.Contains(t, steps, "verifying citations")
}

func TestRunDeterministicCitationIDs(t *testing.T) {
	p := newTestPipeline(t, nil)
	req := model.AnalyzeRequest{Type: model.SourceText, Text: opinionText}

	first, _ := p.Analyze(context.Background(), opinionText, req, nil)
	second, _ := p.Analyze(context.Background(), opinionText, req, nil)

	require.Equal(t, len(first.Citations), len(second.Citations))
	for i := range first.Citations {
		assert.Equal(t, first.Citations[i].ID, second.Citations[i].ID)
		assert.Equal(t, first.Citations[i].Span, second.Citations[i].Span)
		assert.Equal(t, first.Citations[i].ClusterID, second.Citations[i].ClusterID)
	}
}

func TestRunSkipOptions(t *testing.T) {
	verifier := &stubVerifier{}
	p := newTestPipeline(t, verifier)

	req := model.AnalyzeRequest{
		Type: model.SourceText, Text: opinionText,
		Options: model.AnalyzeOptions{SkipVerification: true, SkipClustering: true},
	}
	result, _ := p.Analyze(context.Background(), opinionText, req, nil)

	assert.Empty(t, result.Clusters)
	for _, c := range result.Citations {
		assert.Nil(t, c.Verification)
		assert.Empty(t, c.ClusterID)
	}
	// Unverified count reflects the skip.
	assert.Equal(t, len(result.Citations), result.Metadata.UnverifiedCount)
}

func TestAnalyzeVerificationMissesFeedLearning(t *testing.T) {
	// The stub knows no citations, so every verification is a miss.
	p := newTestPipeline(t, &stubVerifier{})

	req := model.AnalyzeRequest{Type: model.SourceText, Text: opinionText}
	result, outcome := p.Analyze(context.Background(), opinionText, req, nil)

	require.Len(t, result.Citations, 2)

	mismatches := 0
	for _, f := range outcome.Failures {
		if f.ErrorType == model.FailurePatternMismatch {
			mismatches++
			assert.NotEmpty(t, f.TextContext)
			// A false positive must not seed a candidate pattern.
			assert.Empty(t, f.ExpectedCitation)
		}
	}
	assert.Equal(t, 2, mismatches)

	// Rejected citations never enter the held-out sample set.
	assert.Empty(t, outcome.Samples)
}

func TestRunResolveFailure(t *testing.T) {
	p := newTestPipeline(t, nil)

	j := &model.Job{
		ID:      "job-1",
		Request: model.AnalyzeRequest{Type: "bogus"},
	}
	_, err := p.Run(context.Background(), j, func(int, string, int) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resolve input")
}

func TestRunNoCitations(t *testing.T) {
	p := newTestPipeline(t, nil)

	j := &model.Job{
		ID:      "job-1",
		Request: model.AnalyzeRequest{Type: model.SourceText, Text: "No citations appear in this text."},
	}
	result, err := p.Run(context.Background(), j, func(int, string, int) {})
	require.NoError(t, err)
	assert.Empty(t, result.Citations)
	assert.Empty(t, result.Clusters)
	assert.Zero(t, result.Metadata.CitationCount)
}
