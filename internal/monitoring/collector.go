// Package monitoring aggregates job and learning statistics for the stats
// CLI command.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/caselens/citeminer/internal/learning"
	"github.com/caselens/citeminer/internal/model"
	"github.com/caselens/citeminer/internal/store"
)

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Job metrics (within sample limit).
	JobsTotal      int     `json:"jobs_total"`
	JobsCompleted  int     `json:"jobs_completed"`
	JobsFailed     int     `json:"jobs_failed"`
	JobsCanceled   int     `json:"jobs_canceled"`
	JobsQueued     int     `json:"jobs_queued"`
	JobsProcessing int     `json:"jobs_processing"`
	JobFailRate    float64 `json:"job_fail_rate"`

	// Extraction metrics over completed jobs.
	AvgCitations   float64 `json:"avg_citations"`
	AvgClusters    float64 `json:"avg_clusters"`
	AvgDurationMS  float64 `json:"avg_duration_ms"`
	VerifiedRate   float64 `json:"verified_rate"`
	CitationsTotal int     `json:"citations_total"`

	// Learning store state.
	LearnedPatterns int                `json:"learned_patterns"`
	Aliases         int                `json:"aliases"`
	Thresholds      map[string]float64 `json:"thresholds,omitempty"`

	CollectedAt time.Time `json:"collected_at"`
}

// Collector gathers metrics from the job store and the learning store.
type Collector struct {
	store      store.Store
	learnStore *learning.Store
}

// NewCollector creates a metrics collector. learnStore may be nil.
func NewCollector(st store.Store, learnStore *learning.Store) *Collector {
	return &Collector{store: st, learnStore: learnStore}
}

// Collect gathers a snapshot over the most recent jobs.
func (c *Collector) Collect(ctx context.Context, sampleLimit int) (*MetricsSnapshot, error) {
	if sampleLimit <= 0 {
		sampleLimit = 1000
	}
	snap := &MetricsSnapshot{CollectedAt: time.Now().UTC()}

	jobs, err := c.store.ListJobs(ctx, store.JobFilter{Limit: sampleLimit})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list jobs")
	}

	snap.JobsTotal = len(jobs)
	var totalCitations, totalClusters, verified int
	var totalDuration int64
	for _, j := range jobs {
		switch j.Status {
		case model.JobStatusCompleted:
			snap.JobsCompleted++
		case model.JobStatusFailed:
			snap.JobsFailed++
		case model.JobStatusCanceled:
			snap.JobsCanceled++
		case model.JobStatusQueued:
			snap.JobsQueued++
		case model.JobStatusProcessing:
			snap.JobsProcessing++
		}
		if j.Result == nil {
			continue
		}
		totalCitations += j.Result.Metadata.CitationCount
		totalClusters += j.Result.Metadata.ClusterCount
		totalDuration += j.Result.Metadata.DurationMillis
		verified += j.Result.Metadata.CitationCount - j.Result.Metadata.UnverifiedCount
	}

	if finished := snap.JobsCompleted + snap.JobsFailed; finished > 0 {
		snap.JobFailRate = float64(snap.JobsFailed) / float64(finished)
	}
	if snap.JobsCompleted > 0 {
		snap.AvgCitations = float64(totalCitations) / float64(snap.JobsCompleted)
		snap.AvgClusters = float64(totalClusters) / float64(snap.JobsCompleted)
		snap.AvgDurationMS = float64(totalDuration) / float64(snap.JobsCompleted)
	}
	snap.CitationsTotal = totalCitations
	if totalCitations > 0 {
		snap.VerifiedRate = float64(verified) / float64(totalCitations)
	}

	if c.learnStore != nil {
		stats := c.learnStore.Summary()
		snap.LearnedPatterns = stats.PatternCount
		snap.Aliases = stats.AliasCount
		snap.Thresholds = stats.Thresholds
	}

	return snap, nil
}
