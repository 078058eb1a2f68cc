package job

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caselens/citeminer/internal/model"
	"github.com/caselens/citeminer/internal/store"
)

type stubRunner struct {
	result *model.AnalysisResult
	err    error
	block  chan struct{} // when non-nil, Run waits for close or cancelation
}

func (r *stubRunner) Run(ctx context.Context, j *model.Job, report ProgressFunc) (*model.AnalysisResult, error) {
	if r.block != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-r.block:
		}
	}
	report(50, "extracting", 1)
	return r.result, r.err
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func startManager(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitForStatus(t *testing.T, st store.Store, jobID string, want model.JobStatus) *model.Job {
	t.Helper()
	var got *model.Job
	require.Eventually(t, func() bool {
		j, err := st.GetJob(context.Background(), jobID)
		if err != nil {
			return false
		}
		got = j
		return j.Status == want
	}, 5*time.Second, 10*time.Millisecond)
	return got
}

func TestManagerRunsJobToCompletion(t *testing.T) {
	st := newTestStore(t)
	runner := &stubRunner{result: &model.AnalysisResult{
		Metadata: model.AnalysisMetadata{CitationCount: 2},
	}}
	m := NewManager(st, runner, Config{Workers: 2, QueueSize: 8})
	startManager(t, m)

	j, err := m.Submit(context.Background(), model.AnalyzeRequest{Type: model.SourceText, Text: "text"})
	require.NoError(t, err)

	got := waitForStatus(t, st, j.ID, model.JobStatusCompleted)
	assert.Equal(t, 100, got.Progress)
	require.NotNil(t, got.Result)
	assert.Equal(t, 2, got.Result.Metadata.CitationCount)
}

func TestManagerRecordsRunnerFailure(t *testing.T) {
	st := newTestStore(t)
	runner := &stubRunner{err: eris.New("unreachable URL")}
	m := NewManager(st, runner, Config{Workers: 1, QueueSize: 8})
	startManager(t, m)

	j, err := m.Submit(context.Background(), model.AnalyzeRequest{Type: model.SourceURL, URL: "https://example.invalid"})
	require.NoError(t, err)

	got := waitForStatus(t, st, j.ID, model.JobStatusFailed)
	assert.Contains(t, got.Error, "unreachable URL")
}

func TestManagerQueueFull(t *testing.T) {
	st := newTestStore(t)
	// No workers started: the queue fills and stays full.
	m := NewManager(st, &stubRunner{}, Config{Workers: 1, QueueSize: 1})

	first, err := m.Submit(context.Background(), model.AnalyzeRequest{Type: model.SourceText, Text: "a"})
	require.NoError(t, err)

	overflow, err := m.Submit(context.Background(), model.AnalyzeRequest{Type: model.SourceText, Text: "b"})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Nil(t, overflow)

	// The accepted job is untouched; the rejected one is visible as failed.
	got, err := st.GetJob(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusQueued, got.Status)

	failed, err := st.ListJobs(context.Background(), store.JobFilter{Status: model.JobStatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "queue full", failed[0].Error)
}

func TestManagerCancelQueuedJob(t *testing.T) {
	st := newTestStore(t)
	m := NewManager(st, &stubRunner{}, Config{Workers: 1, QueueSize: 8})

	j, err := m.Submit(context.Background(), model.AnalyzeRequest{Type: model.SourceText, Text: "text"})
	require.NoError(t, err)
	require.NoError(t, m.Cancel(context.Background(), j.ID))

	// Starting the workers afterwards must not resurrect the canceled job.
	startManager(t, m)

	time.Sleep(50 * time.Millisecond)
	got, err := st.GetJob(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCanceled, got.Status)
}

func TestManagerCancelProcessingJob(t *testing.T) {
	st := newTestStore(t)
	runner := &stubRunner{block: make(chan struct{})}
	m := NewManager(st, runner, Config{Workers: 1, QueueSize: 8})
	startManager(t, m)

	j, err := m.Submit(context.Background(), model.AnalyzeRequest{Type: model.SourceText, Text: "text"})
	require.NoError(t, err)

	waitForStatus(t, st, j.ID, model.JobStatusProcessing)
	require.NoError(t, m.Cancel(context.Background(), j.ID))

	got := waitForStatus(t, st, j.ID, model.JobStatusCanceled)
	assert.Equal(t, model.JobStatusCanceled, got.Status)

	// Terminal payloads are immutable: a second cancel is rejected.
	assert.ErrorIs(t, m.Cancel(context.Background(), j.ID), store.ErrIllegalTransition)
}

func TestManagerCompletionLosesToCancel(t *testing.T) {
	st := newTestStore(t)
	runner := &stubRunner{block: make(chan struct{}), result: &model.AnalysisResult{}}
	m := NewManager(st, runner, Config{Workers: 1, QueueSize: 8})
	startManager(t, m)

	j, err := m.Submit(context.Background(), model.AnalyzeRequest{Type: model.SourceText, Text: "text"})
	require.NoError(t, err)
	waitForStatus(t, st, j.ID, model.JobStatusProcessing)

	require.NoError(t, m.Cancel(context.Background(), j.ID))
	close(runner.block) // let the runner race the cancelation

	time.Sleep(50 * time.Millisecond)
	got, err := st.GetJob(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCanceled, got.Status)
	assert.Nil(t, got.Result)
}

func TestManagerActive(t *testing.T) {
	st := newTestStore(t)
	runner := &stubRunner{block: make(chan struct{})}
	m := NewManager(st, runner, Config{Workers: 1, QueueSize: 8})
	startManager(t, m)

	first, err := m.Submit(context.Background(), model.AnalyzeRequest{Type: model.SourceText, Text: "a"})
	require.NoError(t, err)
	waitForStatus(t, st, first.ID, model.JobStatusProcessing)

	second, err := m.Submit(context.Background(), model.AnalyzeRequest{Type: model.SourceText, Text: "b"})
	require.NoError(t, err)

	active, err := m.Active(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, first.ID, active[0].ID)
	assert.Equal(t, second.ID, active[1].ID)

	close(runner.block)
}
