package model

import "time"

// JobStatus represents the current state of an analysis job.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCanceled   JobStatus = "canceled"
)

// Terminal reports whether no further transitions are permitted from s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCanceled
}

// CanTransition reports whether moving from s to next is a legal step in the
// job state machine:
//
//	queued → processing | canceled
//	processing → completed | failed | canceled
//
// Terminal states accept nothing, which makes transitions monotonic.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobStatusQueued:
		return next == JobStatusProcessing || next == JobStatusCanceled
	case JobStatusProcessing:
		return next == JobStatusCompleted || next == JobStatusFailed || next == JobStatusCanceled
	default:
		return false
	}
}

// Job is a single submitted unit of analysis work.
type Job struct {
	ID          string          `json:"job_id"`
	Status      JobStatus       `json:"status"`
	Progress    int             `json:"progress"`
	CurrentStep string          `json:"current_step,omitempty"`
	ETASeconds  int             `json:"estimated_time_remaining,omitempty"`
	Request     AnalyzeRequest  `json:"request"`
	Result      *AnalysisResult `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// SourceType describes where the text to analyze comes from.
type SourceType string

const (
	SourceText SourceType = "text"
	SourceURL  SourceType = "url"
	SourceFile SourceType = "file"
)

// AnalyzeRequest is the submitted input for one job.
type AnalyzeRequest struct {
	Type    SourceType     `json:"type"`
	Text    string         `json:"text,omitempty"`
	URL     string         `json:"url,omitempty"`
	FileID  string         `json:"file,omitempty"`
	Options AnalyzeOptions `json:"options,omitempty"`
}

// AnalyzeOptions carries per-request tuning accepted from clients.
type AnalyzeOptions struct {
	SkipVerification bool `json:"skip_verification,omitempty"`
	SkipClustering   bool `json:"skip_clustering,omitempty"`
}
