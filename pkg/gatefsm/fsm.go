package gatefsm

import (
	"errors"
	"time"

	"gatekeeper/pkg/models"
)

var (
	ErrInvalidTransition = errors.New("invalid gate transition")
	ErrTerminal          = errors.New("gate is in a terminal state")
)

// Transition causes carried on every state-change event.
const (
	CauseInstantiated        = "GATE_INSTANTIATED"
	CauseScoreThresholdMet   = "SCORE_THRESHOLD_MET"
	CauseScoreBelowThreshold = "SCORE_BELOW_THRESHOLD"
	CauseCriterionRejected   = "CRITERION_REJECTED"
	CauseConsensusRejected   = "CONSENSUS_REJECTED"
	CauseConsensusVeto       = "CONSENSUS_VETO"
	CauseSLAExpired          = "SLA_EXPIRED"
	CauseEscalationExhausted = "ESCALATION_EXHAUSTED"
	CauseConsensusTimeout    = "CONSENSUS_TIMEOUT"
	CauseManualConfirmation  = "MANUAL_CONFIRMATION"
)

// CanTransition reports whether the gate lifecycle permits from -> to.
// CONDITIONAL admits only the explicit confirmation to PASSED; the other
// terminal states admit nothing.
func CanTransition(from, to string) bool {
	switch from {
	case models.GatePending:
		return to == models.GateInProgress
	case models.GateInProgress:
		return to == models.GatePassed || to == models.GateFailed || to == models.GateConditional
	case models.GateConditional:
		return to == models.GatePassed
	default:
		return false
	}
}

func Transition(from, to string) (string, error) {
	if !CanTransition(from, to) {
		if IsTerminal(from) {
			return from, ErrTerminal
		}
		return from, ErrInvalidTransition
	}
	return to, nil
}

// IsTerminal reports whether child records of a gate in this state are
// immutable. CONDITIONAL counts as terminal: criteria and votes are frozen
// even though the confirmation transition remains open.
func IsTerminal(state string) bool {
	switch state {
	case models.GatePassed, models.GateFailed, models.GateConditional:
		return true
	default:
		return false
	}
}

// Guards bundles the inputs the in-progress transition rules consume.
type Guards struct {
	Score        float64
	Required     float64
	Blocking     bool
	AllEvaluated bool
	Verdict      string
	NoRejections bool
	PastDeadline bool
}

// Evaluate applies the in-progress transition guards and returns the target
// state and cause, or ("", "") when no automatic transition fires.
//
// Order matters: a single rejected criterion or a rejected consensus fails
// the gate before any score check, and the pass transition requires score,
// completeness, and consensus to all agree.
func Evaluate(g Guards) (string, string) {
	if g.Blocking {
		return models.GateFailed, CauseCriterionRejected
	}
	if g.Verdict == models.VerdictRejected {
		return models.GateFailed, CauseConsensusRejected
	}
	if !g.AllEvaluated {
		return "", ""
	}
	if g.Score >= g.Required && g.Verdict == models.VerdictApproved {
		return models.GatePassed, CauseScoreThresholdMet
	}
	// CONDITIONAL freezes child records and opens the confirmation
	// path, so a standing rejection keeps the gate in progress even
	// past the deadline: the objection has to be resolved or escalated.
	if g.Score >= g.Required && g.Verdict == models.VerdictPending &&
		g.NoRejections && g.PastDeadline {
		return models.GateConditional, CauseConsensusTimeout
	}
	return "", ""
}

// IsExpired reports whether deadline has passed at now. A zero deadline
// never expires.
func IsExpired(now, deadline time.Time) bool {
	if deadline.IsZero() {
		return false
	}
	return now.UTC().After(deadline.UTC())
}
