package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJobStatusTerminal(t *testing.T) {
	assert.False(t, JobStatusQueued.Terminal())
	assert.False(t, JobStatusProcessing.Terminal())
	assert.True(t, JobStatusCompleted.Terminal())
	assert.True(t, JobStatusFailed.Terminal())
	assert.True(t, JobStatusCanceled.Terminal())
}

func TestJobStatusCanTransition(t *testing.T) {
	all := []JobStatus{
		JobStatusQueued, JobStatusProcessing,
		JobStatusCompleted, JobStatusFailed, JobStatusCanceled,
	}

	legal := map[JobStatus][]JobStatus{
		JobStatusQueued:     {JobStatusProcessing, JobStatusCanceled},
		JobStatusProcessing: {JobStatusCompleted, JobStatusFailed, JobStatusCanceled},
	}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, l := range legal[from] {
				if l == to {
					want = true
				}
			}
			assert.Equalf(t, want, from.CanTransition(to), "%s -> %s", from, to)
		}
	}
}

func TestJobStatusTerminalAcceptsNothing(t *testing.T) {
	for _, terminal := range []JobStatus{JobStatusCompleted, JobStatusFailed, JobStatusCanceled} {
		for _, to := range []JobStatus{JobStatusQueued, JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusCanceled} {
			assert.Falsef(t, terminal.CanTransition(to), "%s -> %s", terminal, to)
		}
	}
}
