package model

import "time"

// FailureType classifies why an extraction was recorded as failed.
// low_confidence comes from the extractor rejecting a candidate below its
// method threshold; pattern_mismatch comes from external verification finding
// no such citation. missing is reserved for externally reported gaps (a
// citation a reviewer found that extraction never produced) and is accepted
// through the failure archive rather than generated in-process.
type FailureType string

const (
	FailureLowConfidence   FailureType = "low_confidence"
	FailurePatternMismatch FailureType = "pattern_mismatch"
	FailureMissing         FailureType = "missing"
)

// FailedExtraction captures the context of an extraction the engine got wrong
// or was unsure about. Created during a processing pass, consumed by the
// learning controller, then archived.
type FailedExtraction struct {
	TextContext      string           `json:"text_context"`
	ExpectedCitation string           `json:"expected_citation,omitempty"`
	Method           ExtractionMethod `json:"method"`
	Confidence       float64          `json:"confidence"`
	ErrorType        FailureType      `json:"error_type"`
	SuggestedPattern string           `json:"suggested_pattern,omitempty"`
	Timestamp        time.Time        `json:"timestamp"`
}

// PatternLearning is one learned extraction pattern together with its
// empirical track record. Mutated only through the learning store's
// test-then-commit protocol.
type PatternLearning struct {
	Pattern             string    `json:"pattern"`
	SuccessCount        int       `json:"success_count"`
	FailureCount        int       `json:"failure_count"`
	ConfidenceThreshold float64   `json:"confidence_threshold"`
	ContextExamples     []string  `json:"context_examples,omitempty"`
	LastUpdated         time.Time `json:"last_updated"`
}

// SuccessRate returns success/(success+failure), or 0 with no observations.
func (p PatternLearning) SuccessRate() float64 {
	total := p.SuccessCount + p.FailureCount
	if total == 0 {
		return 0
	}
	return float64(p.SuccessCount) / float64(total)
}

// Effective reports whether the pattern has earned retention. Patterns are
// kept only while their measured success rate exceeds the retention floor.
func (p PatternLearning) Effective(retentionFloor float64) bool {
	return p.SuccessRate() > retentionFloor
}
