// Package job runs the async job lifecycle: a bounded FIFO queue feeding a
// fixed worker pool, with guarded status transitions persisted through the
// store and a background sweeper for stuck and expired jobs.
package job

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/caselens/citeminer/internal/model"
	"github.com/caselens/citeminer/internal/store"
)

// ErrQueueFull is returned when a submission cannot be accepted because the
// job queue is at capacity.
var ErrQueueFull = eris.New("job queue full")

// ProgressFunc reports worker progress for one job.
type ProgressFunc func(progress int, step string, etaSeconds int)

// Runner executes the analysis for one job. The context is canceled when the
// job is canceled or the manager shuts down.
type Runner interface {
	Run(ctx context.Context, job *model.Job, report ProgressFunc) (*model.AnalysisResult, error)
}

// Config carries the manager tuning knobs.
type Config struct {
	Workers   int
	QueueSize int
}

// Manager owns the queue, the worker pool, and the in-flight registry. Job
// state lives in the store; the registry only tracks cancel functions for
// jobs currently being processed.
type Manager struct {
	store  store.Store
	runner Runner
	cfg    Config

	queue chan string

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// NewManager creates a Manager. Start must be called before submissions are
// processed.
func NewManager(st store.Store, runner Runner, cfg Config) *Manager {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	return &Manager{
		store:  st,
		runner: runner,
		cfg:    cfg,
		queue:  make(chan string, cfg.QueueSize),
		active: make(map[string]context.CancelFunc),
	}
}

// Start runs the worker pool until ctx is canceled and in-flight jobs have
// drained.
func (m *Manager) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < m.cfg.Workers; i++ {
		g.Go(func() error {
			return m.worker(gctx)
		})
	}
	return g.Wait()
}

func (m *Manager) worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case id := <-m.queue:
			m.process(ctx, id)
		}
	}
}

// Submit persists a new queued job and enqueues it in FIFO order. When the
// queue is full the job is recorded as failed so the client sees a terminal
// status rather than a silently dropped ID.
func (m *Manager) Submit(ctx context.Context, req model.AnalyzeRequest) (*model.Job, error) {
	j, err := m.store.CreateJob(ctx, req)
	if err != nil {
		return nil, err
	}

	select {
	case m.queue <- j.ID:
		return j, nil
	default:
		if err := m.store.MarkFailed(ctx, j.ID, "queue full"); err != nil {
			zap.L().Error("job: mark overflow job failed", zap.String("job_id", j.ID), zap.Error(err))
		}
		return nil, ErrQueueFull
	}
}

// Cancel cancels a queued or processing job. Canceling a terminal job returns
// store.ErrIllegalTransition; the stored payload is untouched.
func (m *Manager) Cancel(ctx context.Context, jobID string) error {
	if err := m.store.MarkCanceled(ctx, jobID); err != nil {
		return err
	}

	m.mu.Lock()
	cancel, ok := m.active[jobID]
	m.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

// Get returns the current state of one job.
func (m *Manager) Get(ctx context.Context, jobID string) (*model.Job, error) {
	return m.store.GetJob(ctx, jobID)
}

// Active lists queued and processing jobs for the progress endpoint.
func (m *Manager) Active(ctx context.Context) ([]model.Job, error) {
	queued, err := m.store.ListJobs(ctx, store.JobFilter{Status: model.JobStatusQueued})
	if err != nil {
		return nil, err
	}
	processing, err := m.store.ListJobs(ctx, store.JobFilter{Status: model.JobStatusProcessing})
	if err != nil {
		return nil, err
	}
	return append(processing, queued...), nil
}

func (m *Manager) process(ctx context.Context, jobID string) {
	err := m.store.MarkProcessing(ctx, jobID)
	if eris.Is(err, store.ErrIllegalTransition) {
		// Canceled while queued; nothing to run.
		return
	}
	if err != nil {
		zap.L().Error("job: mark processing", zap.String("job_id", jobID), zap.Error(err))
		return
	}

	j, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		zap.L().Error("job: load job", zap.String("job_id", jobID), zap.Error(err))
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.active[jobID] = cancel
	m.mu.Unlock()
	defer func() {
		cancel()
		m.mu.Lock()
		delete(m.active, jobID)
		m.mu.Unlock()
	}()

	report := func(progress int, step string, etaSeconds int) {
		if err := m.store.UpdateProgress(ctx, jobID, progress, step, etaSeconds); err != nil {
			zap.L().Warn("job: update progress", zap.String("job_id", jobID), zap.Error(err))
		}
	}

	result, runErr := m.runner.Run(jobCtx, j, report)
	switch {
	case runErr == nil:
		if err := m.store.MarkCompleted(ctx, jobID, result); err != nil {
			// A job canceled mid-run loses the completion race; that is the
			// contract, not an error worth more than a log line.
			zap.L().Info("job: completion superseded", zap.String("job_id", jobID), zap.Error(err))
		}
	case jobCtx.Err() != nil && ctx.Err() == nil:
		// Canceled via Cancel; the status is already terminal.
		zap.L().Info("job: canceled mid-run", zap.String("job_id", jobID))
	default:
		if err := m.store.MarkFailed(ctx, jobID, runErr.Error()); err != nil {
			zap.L().Info("job: failure superseded", zap.String("job_id", jobID), zap.Error(err))
		}
	}
}
