package scoring

import (
	"errors"

	"gatekeeper/pkg/models"
)

// ErrBadWeight is returned by ValidateWeights when a criterion carries a
// non-positive weight. Weight validation happens when criteria are attached;
// Compute itself never fails.
var ErrBadWeight = errors.New("criterion weight must be positive")

// Result is the aggregate of one scoring pass.
type Result struct {
	// Score is the weighted mean over evaluated criteria, 0-100. Zero
	// evaluated criteria yield Score 0, which callers must read as "not
	// yet decidable", not as failure.
	Score float64
	// Blocking is set when any single criterion is rejected; a rejection
	// vetoes the gate regardless of the aggregate.
	Blocking  bool
	Evaluated int
	Total     int
}

// AllEvaluated reports whether every criterion has been scored. Automatic
// transitions are gated on this, not on Score alone.
func (r Result) AllEvaluated() bool {
	return r.Total > 0 && r.Evaluated == r.Total
}

// Compute aggregates criterion scores into the gate score. Pending criteria
// are excluded from both numerator and denominator, so a partial score is
// the weighted mean of what has been evaluated so far.
func Compute(criteria []models.Criterion) Result {
	res := Result{Total: len(criteria)}
	var num, den float64
	for _, c := range criteria {
		if c.State == models.CriterionRejected {
			res.Blocking = true
		}
		if !c.Evaluated() {
			continue
		}
		res.Evaluated++
		if c.Weight <= 0 {
			continue
		}
		num += *c.Score * c.Weight
		den += c.Weight
	}
	if den > 0 {
		res.Score = num / den
	}
	return res
}

// ValidateWeights rejects non-positive weights at attach time. Weights need
// not sum to 100; Compute normalizes by the evaluated total.
func ValidateWeights(criteria []models.Criterion) error {
	for _, c := range criteria {
		if c.Weight <= 0 {
			return ErrBadWeight
		}
	}
	return nil
}
