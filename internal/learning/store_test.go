package learning

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caselens/citeminer/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), Defaults{Threshold: 0.5, RetentionFloor: 0.6})
	require.NoError(t, err)
	return s
}

func TestOpenEmptyDir(t *testing.T) {
	s := newTestStore(t)

	assert.Empty(t, s.LearnedPatterns())
	assert.Empty(t, s.Aliases())
	assert.Equal(t, 0.5, s.MethodThreshold(model.MethodPatternBased))
}

func TestCommitAndReload(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, Defaults{Threshold: 0.5, RetentionFloor: 0.6})
	require.NoError(t, err)

	p := model.PatternLearning{
		Pattern:      `\b\d{1,4}\s+Wn\.2d\s+\d{1,4}\b`,
		SuccessCount: 8,
		FailureCount: 2,
	}
	require.NoError(t, s.CommitPattern(p))
	require.NoError(t, s.SetThreshold(model.MethodContextBased, 0.55))
	require.NoError(t, s.AddAlias("Sakuma Brothers Farms, Inc.", "Sakuma Bros. Farms"))

	// A fresh open sees exactly the committed state.
	s2, err := Open(dir, Defaults{Threshold: 0.5, RetentionFloor: 0.6})
	require.NoError(t, err)

	patterns := s2.LearnedPatterns()
	require.Len(t, patterns, 1)
	assert.Equal(t, p.Pattern, patterns[0].Pattern)
	assert.Equal(t, 8, patterns[0].SuccessCount)

	assert.Equal(t, 0.55, s2.MethodThreshold(model.MethodContextBased))
	assert.Equal(t, 0.5, s2.MethodThreshold(model.MethodPatternBased))

	aliases := s2.Aliases()
	require.Contains(t, aliases, "Sakuma Brothers Farms, Inc.")
	assert.Equal(t, []string{"Sakuma Bros. Farms"}, aliases["Sakuma Brothers Farms, Inc."])
}

func TestCommitRejectsBelowFloor(t *testing.T) {
	s := newTestStore(t)

	err := s.CommitPattern(model.PatternLearning{
		Pattern:      `\bbad\b`,
		SuccessCount: 3,
		FailureCount: 7,
	})
	require.Error(t, err)
	assert.Empty(t, s.LearnedPatterns())
}

func TestCommitMergesExistingPattern(t *testing.T) {
	s := newTestStore(t)
	expr := `\b\d{1,4}\s+F\.4th\s+\d{1,4}\b`

	require.NoError(t, s.CommitPattern(model.PatternLearning{Pattern: expr, SuccessCount: 7, FailureCount: 1}))
	require.NoError(t, s.CommitPattern(model.PatternLearning{Pattern: expr, SuccessCount: 5, FailureCount: 1}))

	patterns := s.LearnedPatterns()
	require.Len(t, patterns, 1)
	assert.Equal(t, 12, patterns[0].SuccessCount)
	assert.Equal(t, 2, patterns[0].FailureCount)
}

func TestRecordOutcomeEvictsAtFloor(t *testing.T) {
	s := newTestStore(t)
	expr := `\bdecaying\b`

	require.NoError(t, s.CommitPattern(model.PatternLearning{Pattern: expr, SuccessCount: 7, FailureCount: 1}))

	// Enough failures to drag the cumulative rate to the floor.
	require.NoError(t, s.RecordPatternOutcome(expr, 0, 10))
	assert.Empty(t, s.LearnedPatterns())

	// Evicting again is a no-op.
	require.NoError(t, s.RecordPatternOutcome(expr, 0, 1))
}

func TestCorruptArtifactFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, patternsFile), []byte("{not json"), 0o644))

	// Thresholds artifact is intact and must still load.
	art := thresholdsArtifact{Version: 1, UpdatedAt: time.Now().UTC(), Thresholds: map[string]float64{
		string(model.MethodPatternBased): 0.7,
	}}
	data, err := json.Marshal(art)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, thresholdsFile), data, 0o644))

	s, err := Open(dir, Defaults{Threshold: 0.5, RetentionFloor: 0.6})
	require.NoError(t, err)

	assert.Empty(t, s.LearnedPatterns())
	assert.Equal(t, 0.7, s.MethodThreshold(model.MethodPatternBased))
}

func TestAtomicWriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, Defaults{})
	require.NoError(t, err)

	require.NoError(t, s.SetThreshold(model.MethodPatternBased, 0.6))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp-")
	}
}

func TestAddAliasDeduplicates(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.AddAlias("State v. Smith", "State vs. Smith"))
	require.NoError(t, s.AddAlias("State v. Smith", "state vs. smith"))
	require.NoError(t, s.AddAlias("State v. Smith", "State v. Smith"))

	assert.Len(t, s.Aliases()["State v. Smith"], 1)
}

func TestAddSamplesBounded(t *testing.T) {
	s := newTestStore(t)

	batch := make([]Sample, defaultMaxSamples+50)
	for i := range batch {
		batch[i] = Sample{Context: "ctx", Citation: "183 Wn.2d 649"}
	}
	require.NoError(t, s.AddSamples(batch))
	assert.Len(t, s.Samples(), defaultMaxSamples)
}

func TestAddSamplesConfiguredCap(t *testing.T) {
	s, err := Open(t.TempDir(), Defaults{MaxSamples: 3})
	require.NoError(t, err)

	batch := []Sample{
		{Context: "one", Citation: "1 A 1"},
		{Context: "two", Citation: "2 A 2"},
		{Context: "three", Citation: "3 A 3"},
		{Context: "four", Citation: "4 A 4"},
	}
	require.NoError(t, s.AddSamples(batch))

	// The most recent samples win.
	kept := s.Samples()
	require.Len(t, kept, 3)
	assert.Equal(t, "two", kept[0].Context)
	assert.Equal(t, "four", kept[2].Context)
}

func TestArchiveFailuresAppends(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, Defaults{})
	require.NoError(t, err)

	failures := []model.FailedExtraction{
		{TextContext: "a", ErrorType: model.FailureLowConfidence, Timestamp: time.Now().UTC()},
		{TextContext: "b", ErrorType: model.FailureMissing, Timestamp: time.Now().UTC()},
	}
	require.NoError(t, s.ArchiveFailures(failures))
	require.NoError(t, s.ArchiveFailures(failures[:1]))

	data, err := os.ReadFile(filepath.Join(dir, failureArchive))
	require.NoError(t, err)
	assert.Equal(t, 3, countLines(data))
}

func countLines(b []byte) int {
	n := 0
	for _, c := range b {
		if c == '\n' {
			n++
		}
	}
	return n
}

func TestCompactEvictsIneffectivePatterns(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, Defaults{RetentionFloor: 0.6})
	require.NoError(t, err)

	good := `\b\d{1,4}\s+Wn\.2d\s+\d{1,4}\b`
	require.NoError(t, s.CommitPattern(model.PatternLearning{Pattern: good, SuccessCount: 8, FailureCount: 2}))
	// A pattern whose track record has decayed below the floor since commit.
	s.patterns[`\bstale\b`] = model.PatternLearning{Pattern: `\bstale\b`, SuccessCount: 1, FailureCount: 4}

	evicted, err := s.Compact(0)
	require.NoError(t, err)
	assert.Equal(t, 1, evicted)

	patterns := s.LearnedPatterns()
	require.Len(t, patterns, 1)
	assert.Equal(t, good, patterns[0].Pattern)

	// The eviction is persisted.
	s2, err := Open(dir, Defaults{RetentionFloor: 0.6})
	require.NoError(t, err)
	assert.Len(t, s2.LearnedPatterns(), 1)
}

func TestCompactRotatesFailureArchive(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, Defaults{})
	require.NoError(t, err)

	require.NoError(t, s.ArchiveFailures([]model.FailedExtraction{
		{TextContext: "a", ErrorType: model.FailureLowConfidence, Timestamp: time.Now().UTC()},
	}))

	_, err = s.Compact(1) // anything above one byte rotates
	require.NoError(t, err)

	_, statErr := os.Stat(filepath.Join(dir, failureArchive))
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(filepath.Join(dir, failureArchive+".old"))
	assert.NoError(t, statErr)

	// The next archive write starts a fresh file.
	require.NoError(t, s.ArchiveFailures([]model.FailedExtraction{
		{TextContext: "b", ErrorType: model.FailureMissing, Timestamp: time.Now().UTC()},
	}))
	data, err := os.ReadFile(filepath.Join(dir, failureArchive))
	require.NoError(t, err)
	assert.Equal(t, 1, countLines(data))
}
