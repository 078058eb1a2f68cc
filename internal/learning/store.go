// Package learning implements the durable learning store and the adaptive
// controller that feeds it. The store owns three independently-versioned
// artifacts — learned patterns, per-method confidence thresholds, and the
// case-name alias table — each readable and writable without the others, so a
// corrupt artifact degrades to defaults instead of failing the whole store.
package learning

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/caselens/citeminer/internal/model"
)

const (
	patternsFile   = "patterns.json"
	thresholdsFile = "thresholds.json"
	aliasesFile    = "aliases.json"
	samplesFile    = "samples.json"
	failureArchive = "failures.jsonl"

	defaultMaxSamples = 200
)

// Sample is one held-out snippet of previously processed text together with
// the citation that was correctly extracted from it. Candidate patterns are
// evaluated against samples before they may enter the store.
type Sample struct {
	Context  string `json:"context"`
	Citation string `json:"citation"`
}

// Defaults supplies fallback values when an artifact is missing or corrupt,
// plus the cap on the held-out sample set.
type Defaults struct {
	Threshold          float64
	RetentionFloor     float64
	MaxContextExamples int
	MaxSamples         int
}

// Store is the process-wide learning state shared across workers. In-memory
// reads are cheap and may be slightly stale relative to another worker's
// write; all mutations go through the single-writer lock and land on disk via
// atomic replace.
type Store struct {
	dir      string
	defaults Defaults

	mu         sync.RWMutex
	patterns   map[string]model.PatternLearning
	thresholds map[model.ExtractionMethod]float64
	aliases    map[string][]string
	samples    []Sample

	writeMu sync.Mutex // serializes artifact writes
}

type patternsArtifact struct {
	Version   int                     `json:"version"`
	UpdatedAt time.Time               `json:"updated_at"`
	Patterns  []model.PatternLearning `json:"patterns"`
}

type thresholdsArtifact struct {
	Version    int                `json:"version"`
	UpdatedAt  time.Time          `json:"updated_at"`
	Thresholds map[string]float64 `json:"thresholds"`
}

type aliasesArtifact struct {
	Version   int                 `json:"version"`
	UpdatedAt time.Time           `json:"updated_at"`
	Aliases   map[string][]string `json:"aliases"`
}

type samplesArtifact struct {
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
	Samples   []Sample  `json:"samples"`
}

// Open loads the learning store from dir, creating it if needed. Artifact
// corruption is isolated: a bad file is logged and replaced by defaults, it
// never fails the open.
func Open(dir string, defaults Defaults) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "learning: create dir %s", dir)
	}
	if defaults.Threshold <= 0 {
		defaults.Threshold = 0.5
	}
	if defaults.RetentionFloor <= 0 {
		defaults.RetentionFloor = 0.6
	}
	if defaults.MaxContextExamples <= 0 {
		defaults.MaxContextExamples = 10
	}
	if defaults.MaxSamples <= 0 {
		defaults.MaxSamples = defaultMaxSamples
	}

	s := &Store{
		dir:        dir,
		defaults:   defaults,
		patterns:   make(map[string]model.PatternLearning),
		thresholds: make(map[model.ExtractionMethod]float64),
		aliases:    make(map[string][]string),
	}

	var pa patternsArtifact
	if loadArtifact(filepath.Join(dir, patternsFile), &pa) {
		for _, p := range pa.Patterns {
			s.patterns[p.Pattern] = p
		}
	}

	var ta thresholdsArtifact
	if loadArtifact(filepath.Join(dir, thresholdsFile), &ta) {
		for k, v := range ta.Thresholds {
			s.thresholds[model.ExtractionMethod(k)] = v
		}
	}

	var aa aliasesArtifact
	if loadArtifact(filepath.Join(dir, aliasesFile), &aa) {
		for k, v := range aa.Aliases {
			s.aliases[k] = v
		}
	}

	var sa samplesArtifact
	if loadArtifact(filepath.Join(dir, samplesFile), &sa) {
		s.samples = sa.Samples
	}

	return s, nil
}

// loadArtifact reads one artifact, returning false when the file is missing
// or corrupt. Corruption is logged and the artifact falls back to defaults.
func loadArtifact(path string, v any) bool {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false
	}
	if err != nil {
		zap.L().Warn("learning: artifact unreadable, using defaults",
			zap.String("path", path), zap.Error(err))
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		zap.L().Warn("learning: artifact corrupt, using defaults",
			zap.String("path", path), zap.Error(err))
		return false
	}
	return true
}

// writeArtifact writes v to path atomically: temp file in the same directory,
// then rename. A crash mid-write leaves the previous committed state intact.
func (s *Store) writeArtifact(path string, v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return eris.Wrapf(err, "learning: marshal %s", filepath.Base(path))
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return eris.Wrap(err, "learning: create temp file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return eris.Wrap(err, "learning: write temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return eris.Wrap(err, "learning: sync temp file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return eris.Wrap(err, "learning: close temp file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return eris.Wrapf(err, "learning: replace %s", filepath.Base(path))
	}
	return nil
}

// LearnedPatterns returns the current pattern set in a stable order.
func (s *Store) LearnedPatterns() []model.PatternLearning {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.PatternLearning, 0, len(s.patterns))
	for _, p := range s.patterns {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pattern < out[j].Pattern })
	return out
}

// MethodThreshold returns the confidence threshold for an extraction method.
func (s *Store) MethodThreshold(m model.ExtractionMethod) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.thresholds[m]; ok {
		return t
	}
	return s.defaults.Threshold
}

// SetThreshold updates a method's confidence threshold and persists the
// thresholds artifact.
func (s *Store) SetThreshold(m model.ExtractionMethod, v float64) error {
	s.mu.Lock()
	s.thresholds[m] = v
	art := thresholdsArtifact{Version: 1, UpdatedAt: time.Now().UTC(), Thresholds: map[string]float64{}}
	for k, t := range s.thresholds {
		art.Thresholds[string(k)] = t
	}
	s.mu.Unlock()

	return s.writeArtifact(filepath.Join(s.dir, thresholdsFile), art)
}

// Aliases returns a copy of the case-name alias table.
func (s *Store) Aliases() map[string][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]string, len(s.aliases))
	for k, v := range s.aliases {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// AddAlias records a verified spelling variant of a canonical case name. The
// table only grows; variants are never removed.
func (s *Store) AddAlias(canonical, variant string) error {
	canonical = strings.TrimSpace(canonical)
	variant = strings.TrimSpace(variant)
	if canonical == "" || variant == "" || strings.EqualFold(canonical, variant) {
		return nil
	}

	s.mu.Lock()
	for _, v := range s.aliases[canonical] {
		if strings.EqualFold(v, variant) {
			s.mu.Unlock()
			return nil
		}
	}
	s.aliases[canonical] = append(s.aliases[canonical], variant)
	art := aliasesArtifact{Version: 1, UpdatedAt: time.Now().UTC(), Aliases: map[string][]string{}}
	for k, v := range s.aliases {
		art.Aliases[k] = append([]string(nil), v...)
	}
	s.mu.Unlock()

	return s.writeArtifact(filepath.Join(s.dir, aliasesFile), art)
}

// CommitPattern writes a tested pattern into the store. Callers must have
// already measured its success rate on held-out samples; Commit enforces the
// retention floor as a final gate.
func (s *Store) CommitPattern(p model.PatternLearning) error {
	if !p.Effective(s.defaults.RetentionFloor) {
		return eris.Errorf("learning: pattern below retention floor (%.2f): %s", p.SuccessRate(), p.Pattern)
	}
	if len(p.ContextExamples) > s.defaults.MaxContextExamples {
		p.ContextExamples = p.ContextExamples[:s.defaults.MaxContextExamples]
	}
	p.LastUpdated = time.Now().UTC()

	s.mu.Lock()
	if existing, ok := s.patterns[p.Pattern]; ok {
		existing.SuccessCount += p.SuccessCount
		existing.FailureCount += p.FailureCount
		existing.LastUpdated = p.LastUpdated
		s.patterns[p.Pattern] = existing
	} else {
		s.patterns[p.Pattern] = p
	}
	art := s.patternsArtifactLocked()
	s.mu.Unlock()

	return s.writeArtifact(filepath.Join(s.dir, patternsFile), art)
}

// RecordPatternOutcome updates a pattern's track record and evicts it when
// its success rate falls to the retention floor or below.
func (s *Store) RecordPatternOutcome(pattern string, successes, failures int) error {
	s.mu.Lock()
	p, ok := s.patterns[pattern]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	p.SuccessCount += successes
	p.FailureCount += failures
	p.LastUpdated = time.Now().UTC()

	evicted := false
	if !p.Effective(s.defaults.RetentionFloor) {
		delete(s.patterns, pattern)
		evicted = true
	} else {
		s.patterns[pattern] = p
	}
	art := s.patternsArtifactLocked()
	s.mu.Unlock()

	if evicted {
		zap.L().Info("learning: evicted ineffective pattern",
			zap.String("pattern", pattern),
			zap.Float64("success_rate", p.SuccessRate()),
		)
	}
	return s.writeArtifact(filepath.Join(s.dir, patternsFile), art)
}

func (s *Store) patternsArtifactLocked() patternsArtifact {
	art := patternsArtifact{Version: 1, UpdatedAt: time.Now().UTC()}
	for _, p := range s.patterns {
		art.Patterns = append(art.Patterns, p)
	}
	sort.Slice(art.Patterns, func(i, j int) bool { return art.Patterns[i].Pattern < art.Patterns[j].Pattern })
	return art
}

// Samples returns the held-out evaluation set.
func (s *Store) Samples() []Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Sample(nil), s.samples...)
}

// AddSamples appends held-out samples, keeping the most recent MaxSamples.
func (s *Store) AddSamples(samples []Sample) error {
	if len(samples) == 0 {
		return nil
	}
	s.mu.Lock()
	s.samples = append(s.samples, samples...)
	if len(s.samples) > s.defaults.MaxSamples {
		s.samples = s.samples[len(s.samples)-s.defaults.MaxSamples:]
	}
	art := samplesArtifact{Version: 1, UpdatedAt: time.Now().UTC(), Samples: append([]Sample(nil), s.samples...)}
	s.mu.Unlock()

	return s.writeArtifact(filepath.Join(s.dir, samplesFile), art)
}

// ArchiveFailures appends consumed failure records to the failure archive.
// The archive is append-only history, not one of the versioned artifacts.
func (s *Store) ArchiveFailures(failures []model.FailedExtraction) error {
	if len(failures) == 0 {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	f, err := os.OpenFile(filepath.Join(s.dir, failureArchive), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return eris.Wrap(err, "learning: open failure archive")
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, fe := range failures {
		if err := enc.Encode(fe); err != nil {
			return eris.Wrap(err, "learning: append failure record")
		}
	}
	return nil
}

// Compact evicts patterns whose success rate has fallen to the retention
// floor or below and rotates the failure archive once it grows past
// maxArchiveBytes (<=0 keeps the archive untouched). The rotated archive is
// kept beside the live one as a single .old generation.
func (s *Store) Compact(maxArchiveBytes int64) (evicted int, err error) {
	s.mu.Lock()
	for name, p := range s.patterns {
		if !p.Effective(s.defaults.RetentionFloor) {
			delete(s.patterns, name)
			evicted++
		}
	}
	art := s.patternsArtifactLocked()
	s.mu.Unlock()

	if evicted > 0 {
		if err := s.writeArtifact(filepath.Join(s.dir, patternsFile), art); err != nil {
			return evicted, err
		}
	}

	if maxArchiveBytes > 0 {
		path := filepath.Join(s.dir, failureArchive)
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		if fi, statErr := os.Stat(path); statErr == nil && fi.Size() > maxArchiveBytes {
			if err := os.Rename(path, path+".old"); err != nil {
				return evicted, eris.Wrap(err, "learning: rotate failure archive")
			}
		}
	}
	return evicted, nil
}

// Stats summarizes the store for observability.
type Stats struct {
	PatternCount int                `json:"pattern_count"`
	AliasCount   int                `json:"alias_count"`
	SampleCount  int                `json:"sample_count"`
	Thresholds   map[string]float64 `json:"thresholds"`
}

// Summary returns current store statistics.
func (s *Store) Summary() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{
		PatternCount: len(s.patterns),
		AliasCount:   len(s.aliases),
		SampleCount:  len(s.samples),
		Thresholds:   make(map[string]float64, len(s.thresholds)),
	}
	for k, v := range s.thresholds {
		st.Thresholds[string(k)] = v
	}
	return st
}

// Health verifies the store directory is writable.
func (s *Store) Health() error {
	f, err := os.CreateTemp(s.dir, ".health-*")
	if err != nil {
		return eris.Wrap(err, "learning: store dir not writable")
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return nil
}
