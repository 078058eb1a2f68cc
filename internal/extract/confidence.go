package extract

// Confidence scoring weights. The final score blends pattern specificity,
// pattern origin (builtin vs learned), the pattern's historical success rate,
// and proximity to a case-name/date anchor when one exists:
//
//	score = 0.55*specificity + origin + 0.15*history + 0.10*(1 - dist/window)
//
// Builtins carry full origin credit and are treated as history 1.0; learned
// patterns pay the learned-pattern cost and earn history from their measured
// success rate.
const (
	weightSpecificity = 0.55
	weightHistory     = 0.15
	weightProximity   = 0.10
	originCredit      = 0.20
)

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// score computes the confidence for a candidate produced by pattern p.
// anchorDist is the distance in bytes to the nearest case-name/date anchor,
// or a negative value when no anchor was found within the window.
func score(p Pattern, anchorDist, window int, learnedCost float64) float64 {
	s := weightSpecificity * p.Specificity

	if p.Origin == OriginLearned {
		s += originCredit - learnedCost
		s += weightHistory * p.SuccessRate
	} else {
		s += originCredit
		s += weightHistory
	}

	if anchorDist >= 0 && window > 0 {
		d := float64(anchorDist) / float64(window)
		if d > 1 {
			d = 1
		}
		s += weightProximity * (1 - d)
	}

	return clamp01(s)
}
