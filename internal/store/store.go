// Package store persists analysis jobs. Two backends implement the same
// interface: SQLite for single-node deployments and Postgres for shared ones.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/caselens/citeminer/internal/model"
)

// ErrNotFound is returned when a job ID does not exist.
var ErrNotFound = eris.New("job not found")

// ErrIllegalTransition is returned when a status update would violate the job
// state machine. The stored status is left untouched.
var ErrIllegalTransition = eris.New("illegal status transition")

// JobFilter specifies criteria for listing jobs.
type JobFilter struct {
	Status model.JobStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// Store defines the persistence interface for analysis jobs. Status-changing
// operations enforce the state machine at the database layer with conditional
// updates, so concurrent writers cannot regress a terminal job.
type Store interface {
	// Jobs
	CreateJob(ctx context.Context, req model.AnalyzeRequest) (*model.Job, error)
	GetJob(ctx context.Context, jobID string) (*model.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error)

	// Guarded transitions
	MarkProcessing(ctx context.Context, jobID string) error
	MarkCompleted(ctx context.Context, jobID string, result *model.AnalysisResult) error
	MarkFailed(ctx context.Context, jobID string, errMsg string) error
	MarkCanceled(ctx context.Context, jobID string) error

	// Progress
	UpdateProgress(ctx context.Context, jobID string, progress int, step string, etaSeconds int) error

	// Maintenance
	SweepStuck(ctx context.Context, cutoff time.Time, reason string) (int, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// transitionSources maps a target status to the statuses a job may hold for
// the transition to be legal. Kept in sync with model.JobStatus.CanTransition.
func transitionSources(to model.JobStatus) []model.JobStatus {
	switch to {
	case model.JobStatusProcessing:
		return []model.JobStatus{model.JobStatusQueued}
	case model.JobStatusCompleted, model.JobStatusFailed:
		return []model.JobStatus{model.JobStatusProcessing}
	case model.JobStatusCanceled:
		return []model.JobStatus{model.JobStatusQueued, model.JobStatusProcessing}
	default:
		return nil
	}
}
