package model

// ExtractionMethod identifies which strategy produced a candidate citation.
type ExtractionMethod string

const (
	MethodCitationAdjacent ExtractionMethod = "citation_adjacent"
	MethodPatternBased     ExtractionMethod = "pattern_based"
	MethodContextBased     ExtractionMethod = "context_based"
)

// Priority orders methods for tie-breaking when overlapping candidates have
// equal confidence. Lower is better.
func (m ExtractionMethod) Priority() int {
	switch m {
	case MethodCitationAdjacent:
		return 0
	case MethodPatternBased:
		return 1
	case MethodContextBased:
		return 2
	default:
		return 3
	}
}

// Valid reports whether m is one of the three known strategies.
func (m ExtractionMethod) Valid() bool {
	return m == MethodCitationAdjacent || m == MethodPatternBased || m == MethodContextBased
}

// Span is a half-open [Start, End) byte range into the source text.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Overlaps reports whether two spans share at least one byte.
func (s Span) Overlaps(o Span) bool {
	return s.Start < o.End && o.Start < s.End
}

// Len returns the span length in bytes.
func (s Span) Len() int {
	return s.End - s.Start
}

// Citation is a single extracted legal citation. Instances are immutable once
// a processing pass has produced them; ClusterID is assigned by the clustering
// engine before the result is assembled.
type Citation struct {
	ID                 string               `json:"id"`
	RawText            string               `json:"raw_text"`
	NormalizedText     string               `json:"normalized_text"`
	Span               Span                 `json:"span"`
	Confidence         float64              `json:"confidence"`
	Method             ExtractionMethod     `json:"extraction_method"`
	CaseName           string               `json:"case_name,omitempty"`
	CaseNameConfidence float64              `json:"case_name_confidence,omitempty"`
	Year               int                  `json:"year,omitempty"`
	DateConfidence     float64              `json:"date_confidence,omitempty"`
	Verification       *VerificationOutcome `json:"verification,omitempty"`
	ClusterID          string               `json:"cluster_id,omitempty"`
}

// VerificationOutcome records the result of checking a citation against an
// external legal database. A citation with a nil Verification or Found=false
// is reported as unverified, never as an error.
type VerificationOutcome struct {
	Found    bool   `json:"found"`
	Source   string `json:"source,omitempty"`
	CaseName string `json:"case_name,omitempty"`
	Court    string `json:"court,omitempty"`
	URL      string `json:"url,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Cluster groups citations believed to refer to the same case, e.g. parallel
// reporters. Every member's case name equals the canonical name or passes the
// similarity threshold, and all members with an extractable year agree on it.
type Cluster struct {
	ID                string   `json:"cluster_id"`
	CanonicalCaseName string   `json:"canonical_case_name"`
	CanonicalYear     int      `json:"canonical_year,omitempty"`
	MemberIDs         []string `json:"member_citation_ids"`
	Size              int      `json:"size"`
}

// AnalysisResult is the final payload attached to a completed job.
type AnalysisResult struct {
	Citations []Citation       `json:"citations"`
	Clusters  []Cluster        `json:"clusters"`
	Metadata  AnalysisMetadata `json:"metadata"`
}

// AnalysisMetadata summarizes one processing pass.
type AnalysisMetadata struct {
	SourceType      string `json:"source_type"`
	TextLength      int    `json:"text_length"`
	CitationCount   int    `json:"citation_count"`
	ClusterCount    int    `json:"cluster_count"`
	UnverifiedCount int    `json:"unverified_count"`
	DurationMillis  int64  `json:"duration_ms"`
}
