// Package cluster groups extracted citations that refer to the same case,
// such as parallel reporter citations of one decision.
package cluster

import (
	"fmt"
	"sort"
	"strings"

	"github.com/caselens/citeminer/internal/model"
)

// Config carries the clustering thresholds.
type Config struct {
	// MaxDistance is the maximum gap in bytes between two citations for them
	// to be considered cluster-mates.
	MaxDistance int
	// MinSimilarity is the minimum case-name token similarity for a merge
	// when names are not identical.
	MinSimilarity float64
}

// Engine clusters the citations of one processing pass. It is stateless and
// deterministic: identical input produces identical cluster membership.
type Engine struct {
	cfg Config
}

// New creates a clustering engine.
func New(cfg Config) *Engine {
	if cfg.MaxDistance <= 0 {
		cfg.MaxDistance = 100
	}
	if cfg.MinSimilarity <= 0 {
		cfg.MinSimilarity = 0.8
	}
	return &Engine{cfg: cfg}
}

// Cluster groups citations and returns the clusters plus a copy of the
// citations annotated with their cluster IDs. Citations that match nothing
// form singleton clusters.
func (e *Engine) Cluster(citations []model.Citation) ([]model.Cluster, []model.Citation) {
	if len(citations) == 0 {
		return nil, nil
	}

	// Stable processing order: span start, then confidence.
	ordered := make([]model.Citation, len(citations))
	copy(ordered, citations)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Span.Start != ordered[j].Span.Start {
			return ordered[i].Span.Start < ordered[j].Span.Start
		}
		return ordered[i].Confidence > ordered[j].Confidence
	})

	parent := make([]int, len(ordered))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra != rb {
			if ra > rb {
				ra, rb = rb, ra
			}
			parent[rb] = ra
		}
	}

	for i := 0; i < len(ordered); i++ {
		for j := i + 1; j < len(ordered); j++ {
			gap := ordered[j].Span.Start - ordered[i].Span.End
			if gap > e.cfg.MaxDistance {
				break // ordered by span start, no closer pairs remain
			}
			if e.compatible(ordered[i], ordered[j]) {
				union(i, j)
			}
		}
	}

	groups := make(map[int][]int)
	var roots []int
	for i := range ordered {
		r := find(i)
		if _, ok := groups[r]; !ok {
			roots = append(roots, r)
		}
		groups[r] = append(groups[r], i)
	}
	sort.Ints(roots)

	byID := make(map[string]*model.Citation, len(citations))
	annotated := make([]model.Citation, len(citations))
	copy(annotated, citations)
	for i := range annotated {
		byID[annotated[i].ID] = &annotated[i]
	}

	clusters := make([]model.Cluster, 0, len(roots))
	for n, r := range roots {
		members := groups[r]
		cl := model.Cluster{
			ID:   fmt.Sprintf("cl-%03d", n+1),
			Size: len(members),
		}

		best := -1
		bestYear := -1
		for _, idx := range members {
			c := ordered[idx]
			cl.MemberIDs = append(cl.MemberIDs, c.ID)
			if c.CaseName != "" && (best < 0 || c.Confidence > ordered[best].Confidence) {
				best = idx
			}
			if c.Year != 0 && (bestYear < 0 || c.Confidence > ordered[bestYear].Confidence) {
				bestYear = idx
			}
		}
		if best >= 0 {
			cl.CanonicalCaseName = ordered[best].CaseName
		}
		if bestYear >= 0 {
			cl.CanonicalYear = ordered[bestYear].Year
		}

		for _, id := range cl.MemberIDs {
			if c, ok := byID[id]; ok {
				c.ClusterID = cl.ID
			}
		}
		clusters = append(clusters, cl)
	}

	return clusters, annotated
}

// compatible reports whether two citations may share a cluster: close enough
// in the text (checked by the caller), case names identical or similar above
// threshold, and years consistent. A missing name or year on one side never
// blocks a merge; conflicting values do.
func (e *Engine) compatible(a, b model.Citation) bool {
	if a.CaseName != "" && b.CaseName != "" {
		if !strings.EqualFold(a.CaseName, b.CaseName) &&
			Similarity(a.CaseName, b.CaseName) < e.cfg.MinSimilarity {
			return false
		}
	}
	if a.Year != 0 && b.Year != 0 && a.Year != b.Year {
		return false
	}
	return true
}
