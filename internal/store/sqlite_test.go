package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caselens/citeminer/internal/model"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func textRequest(text string) model.AnalyzeRequest {
	return model.AnalyzeRequest{Type: model.SourceText, Text: text}
}

func TestSQLiteCreateAndGetJob(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	created, err := s.CreateJob(ctx, textRequest("See 410 U.S. 113 (1973)."))
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, model.JobStatusQueued, created.Status)

	got, err := s.GetJob(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, model.JobStatusQueued, got.Status)
	assert.Equal(t, "See 410 U.S. 113 (1973).", got.Request.Text)
	assert.Nil(t, got.Result)
	assert.Nil(t, got.StartedAt)
}

func TestSQLiteGetJobNotFound(t *testing.T) {
	s := newTestSQLite(t)

	_, err := s.GetJob(context.Background(), "no-such-job")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteJobLifecycle(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	j, err := s.CreateJob(ctx, textRequest("text"))
	require.NoError(t, err)

	require.NoError(t, s.MarkProcessing(ctx, j.ID))
	got, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusProcessing, got.Status)
	require.NotNil(t, got.StartedAt)

	require.NoError(t, s.UpdateProgress(ctx, j.ID, 40, "clustering", 3))
	got, err = s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, 40, got.Progress)
	assert.Equal(t, "clustering", got.CurrentStep)
	assert.Equal(t, 3, got.ETASeconds)

	result := &model.AnalysisResult{
		Citations: []model.Citation{{ID: "cit-001", RawText: "410 U.S. 113"}},
		Metadata:  model.AnalysisMetadata{CitationCount: 1},
	}
	require.NoError(t, s.MarkCompleted(ctx, j.ID, result))
	got, err = s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	require.NotNil(t, got.Result)
	assert.Equal(t, "cit-001", got.Result.Citations[0].ID)
}

func TestSQLiteIllegalTransitions(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	j, err := s.CreateJob(ctx, textRequest("text"))
	require.NoError(t, err)

	// completed is unreachable from queued
	assert.ErrorIs(t, s.MarkCompleted(ctx, j.ID, &model.AnalysisResult{}), ErrIllegalTransition)
	assert.ErrorIs(t, s.MarkFailed(ctx, j.ID, "boom"), ErrIllegalTransition)

	require.NoError(t, s.MarkProcessing(ctx, j.ID))
	require.NoError(t, s.MarkCompleted(ctx, j.ID, &model.AnalysisResult{}))

	// terminal states accept nothing
	assert.ErrorIs(t, s.MarkProcessing(ctx, j.ID), ErrIllegalTransition)
	assert.ErrorIs(t, s.MarkFailed(ctx, j.ID, "late failure"), ErrIllegalTransition)
	assert.ErrorIs(t, s.MarkCanceled(ctx, j.ID), ErrIllegalTransition)

	got, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, got.Status)
	assert.Empty(t, got.Error)
}

func TestSQLiteCancelFromQueuedAndProcessing(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	queued, err := s.CreateJob(ctx, textRequest("a"))
	require.NoError(t, err)
	require.NoError(t, s.MarkCanceled(ctx, queued.ID))

	processing, err := s.CreateJob(ctx, textRequest("b"))
	require.NoError(t, err)
	require.NoError(t, s.MarkProcessing(ctx, processing.ID))
	require.NoError(t, s.MarkCanceled(ctx, processing.ID))

	for _, id := range []string{queued.ID, processing.ID} {
		got, err := s.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusCanceled, got.Status)
	}
}

func TestSQLiteProgressIgnoredAfterTerminal(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	j, err := s.CreateJob(ctx, textRequest("text"))
	require.NoError(t, err)
	require.NoError(t, s.MarkProcessing(ctx, j.ID))
	require.NoError(t, s.MarkCanceled(ctx, j.ID))

	// Late worker update after cancelation must not resurrect the job.
	require.NoError(t, s.UpdateProgress(ctx, j.ID, 99, "verifying", 1))

	got, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCanceled, got.Status)
	assert.Zero(t, got.Progress)
}

func TestSQLiteListJobs(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	a, err := s.CreateJob(ctx, textRequest("a"))
	require.NoError(t, err)
	_, err = s.CreateJob(ctx, textRequest("b"))
	require.NoError(t, err)
	require.NoError(t, s.MarkProcessing(ctx, a.ID))

	all, err := s.ListJobs(ctx, JobFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	processing, err := s.ListJobs(ctx, JobFilter{Status: model.JobStatusProcessing})
	require.NoError(t, err)
	require.Len(t, processing, 1)
	assert.Equal(t, a.ID, processing[0].ID)

	limited, err := s.ListJobs(ctx, JobFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSQLiteSweepStuck(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	stuck, err := s.CreateJob(ctx, textRequest("stuck"))
	require.NoError(t, err)
	require.NoError(t, s.MarkProcessing(ctx, stuck.ID))

	fresh, err := s.CreateJob(ctx, textRequest("fresh"))
	require.NoError(t, err)

	// Cutoff in the future catches the processing job; the queued one is
	// untouched by the sweep.
	n, err := s.SweepStuck(ctx, time.Now().UTC().Add(time.Minute), "stuck job timeout")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetJob(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	assert.Equal(t, "stuck job timeout", got.Error)

	queued, err := s.GetJob(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusQueued, queued.Status)

	// Running the sweep again finds nothing: it is idempotent.
	n, err = s.SweepStuck(ctx, time.Now().UTC().Add(time.Minute), "stuck job timeout")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSQLiteDeleteTerminalBefore(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	done, err := s.CreateJob(ctx, textRequest("done"))
	require.NoError(t, err)
	require.NoError(t, s.MarkProcessing(ctx, done.ID))
	require.NoError(t, s.MarkCompleted(ctx, done.ID, &model.AnalysisResult{}))

	live, err := s.CreateJob(ctx, textRequest("live"))
	require.NoError(t, err)
	require.NoError(t, s.MarkProcessing(ctx, live.ID))

	n, err := s.DeleteTerminalBefore(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.GetJob(ctx, done.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetJob(ctx, live.ID)
	assert.NoError(t, err)
}
