package consensus

import (
	"errors"
	"math"

	"gatekeeper/pkg/models"
)

var (
	ErrWeightSum         = errors.New("approver weights must sum to 100")
	ErrDuplicateApprover = errors.New("duplicate approver identity")
	ErrNoApprovers       = errors.New("at least one approver required")
)

const weightSumTolerance = 0.01

// Config tunes the consensus rules. MajorityPercent is the weighted share
// of approvals required once everyone has voted; VetoWeight is the minimum
// approver weight whose rejection fails the gate outright.
type Config struct {
	MajorityPercent float64
	VetoWeight      float64
}

func DefaultConfig() Config {
	return Config{MajorityPercent: 80, VetoWeight: 40}
}

// Result is the aggregate of one tally pass.
type Result struct {
	Verdict          string
	WeightedApproval float64
	Voted            int
	Total            int
}

// Tally folds individual decisions into the collective verdict. Rules in
// order: a veto-weight rejection decides immediately; otherwise nothing is
// decided until all approvers voted; then the weighted approval share is
// compared against the majority threshold.
func Tally(approvers []models.Approver, cfg Config) Result {
	res := Result{Verdict: models.VerdictPending, Total: len(approvers)}
	if len(approvers) == 0 {
		return res
	}
	var total, approved float64
	allVoted := true
	vetoed := false
	for _, a := range approvers {
		total += a.Weight
		switch a.Decision {
		case models.DecisionApproved:
			res.Voted++
			approved += a.Weight
		case models.DecisionRejected:
			res.Voted++
			if cfg.VetoWeight > 0 && a.Weight >= cfg.VetoWeight {
				vetoed = true
			}
		default:
			allVoted = false
		}
	}
	// The approval share always reflects the full board, whatever the
	// verdict turns out to be.
	res.WeightedApproval = share(approved, total)
	if vetoed {
		res.Verdict = models.VerdictRejected
		return res
	}
	if !allVoted {
		return res
	}
	if res.WeightedApproval >= cfg.MajorityPercent {
		res.Verdict = models.VerdictApproved
	} else {
		res.Verdict = models.VerdictRejected
	}
	return res
}

func share(approved, total float64) float64 {
	if total <= 0 {
		return 0
	}
	return approved / total * 100
}

// Validate enforces the creation invariants: unique identities and weights
// summing to 100 within tolerance.
func Validate(approvers []models.Approver) error {
	if len(approvers) == 0 {
		return ErrNoApprovers
	}
	seen := map[string]struct{}{}
	var sum float64
	for _, a := range approvers {
		if _, ok := seen[a.ID]; ok {
			return ErrDuplicateApprover
		}
		seen[a.ID] = struct{}{}
		sum += a.Weight
	}
	if math.Abs(sum-100) > weightSumTolerance {
		return ErrWeightSum
	}
	return nil
}
