package models

import (
	"encoding/json"
	"time"
)

// Gate states.
const (
	GatePending     = "PENDING"
	GateInProgress  = "IN_PROGRESS"
	GatePassed      = "PASSED"
	GateFailed      = "FAILED"
	GateConditional = "CONDITIONAL"
)

// Criterion states.
const (
	CriterionPending  = "PENDING"
	CriterionApproved = "APPROVED"
	CriterionRejected = "REJECTED"
)

// Approver decisions.
const (
	DecisionPending  = "PENDING"
	DecisionApproved = "APPROVED"
	DecisionRejected = "REJECTED"
)

// Consensus verdicts.
const (
	VerdictApproved = "APPROVED"
	VerdictRejected = "REJECTED"
	VerdictPending  = "PENDING"
)

// AutomatedCheckResult is the latest machine measurement for a criterion.
// Re-running a check overwrites the previous result.
type AutomatedCheckResult struct {
	Value      float64   `json:"value"`
	Threshold  float64   `json:"threshold"`
	ExecutedAt time.Time `json:"executed_at"`
}

// Criterion is one weighted readiness dimension of a gate.
type Criterion struct {
	ID        string                `json:"id"`
	Name      string                `json:"name"`
	Category  string                `json:"category"`
	Weight    float64               `json:"weight"`
	Approver  string                `json:"approver"`
	Threshold float64               `json:"threshold"`
	Automated bool                  `json:"automated"`
	Score     *float64              `json:"score,omitempty"`
	State     string                `json:"state"`
	Deadline  time.Time             `json:"deadline"`
	Comments  []string              `json:"comments,omitempty"`
	LastCheck *AutomatedCheckResult `json:"last_check,omitempty"`
}

// Evaluated reports whether the criterion has left the pending state.
func (c Criterion) Evaluated() bool {
	return c.State != CriterionPending && c.Score != nil
}

// Approver is a stakeholder voting on the gate as a whole. Weight is the
// contribution to the weighted consensus; weights across a gate sum to 100.
type Approver struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Role      string     `json:"role"`
	Weight    float64    `json:"weight"`
	Decision  string     `json:"decision"`
	DecidedAt *time.Time `json:"decided_at,omitempty"`
	Comments  []string   `json:"comments,omitempty"`
	SLAHours  int        `json:"sla_hours"`
}

// EscalationTier is one step of the escalation chain: when a deadline
// expires the gate is re-routed to Contact with Extension more time.
type EscalationTier struct {
	Contact   string        `json:"contact"`
	Extension time.Duration `json:"extension"`
}

// Gate is one quality checkpoint for one project phase. The aggregate score
// is never stored; it is recomputed from the criteria on every read.
type Gate struct {
	ID            string           `json:"id"`
	ProjectID     string           `json:"project_id"`
	Template      string           `json:"template"`
	Phase         string           `json:"phase"`
	State         string           `json:"state"`
	RequiredScore float64          `json:"required_score"`
	Criteria      []Criterion      `json:"criteria"`
	Approvers     []Approver       `json:"approvers"`
	Escalations   []EscalationTier `json:"escalations,omitempty"`
	EscalationIdx int              `json:"escalation_idx"`
	CreatedAt     time.Time        `json:"created_at"`
	Deadline      time.Time        `json:"deadline"`
	ResolvedAt    *time.Time       `json:"resolved_at,omitempty"`
	Cause         string           `json:"cause,omitempty"`
}

// CriterionByID returns a pointer into g.Criteria, or nil.
func (g *Gate) CriterionByID(id string) *Criterion {
	for i := range g.Criteria {
		if g.Criteria[i].ID == id {
			return &g.Criteria[i]
		}
	}
	return nil
}

// ApproverByID returns a pointer into g.Approvers, or nil.
func (g *Gate) ApproverByID(id string) *Approver {
	for i := range g.Approvers {
		if g.Approvers[i].ID == id {
			return &g.Approvers[i]
		}
	}
	return nil
}

// ManualReview is a human judgement aimed at a criterion or an approver slot.
type ManualReview struct {
	Reviewer string   `json:"reviewer"`
	Target   string   `json:"target"`
	Approve  bool     `json:"approve"`
	Score    *float64 `json:"score,omitempty"`
	Comment  string   `json:"comment,omitempty"`
}

// GateSnapshot is the read model returned to callers: current score and
// consensus plus time remaining on the gate SLA.
type GateSnapshot struct {
	GateID            string      `json:"gate_id"`
	ProjectID         string      `json:"project_id"`
	Phase             string      `json:"phase"`
	State             string      `json:"state"`
	Score             float64     `json:"score"`
	RequiredScore     float64     `json:"required_score"`
	Blocking          bool        `json:"blocking"`
	CriteriaEvaluated int         `json:"criteria_evaluated"`
	CriteriaTotal     int         `json:"criteria_total"`
	Verdict           string      `json:"verdict"`
	WeightedApproval  float64     `json:"weighted_approval"`
	Criteria          []Criterion `json:"criteria"`
	Approvers         []Approver  `json:"approvers"`
	Deadline          time.Time   `json:"deadline"`
	RemainingSec      int64       `json:"remaining_sec"`
	Cause             string      `json:"cause,omitempty"`
	ResolvedAt        *time.Time  `json:"resolved_at,omitempty"`
}

// StateChange is emitted exactly once per gate transition and consumed by
// the external notification collaborator.
type StateChange struct {
	GateID    string    `json:"gate_id"`
	ProjectID string    `json:"project_id"`
	Phase     string    `json:"phase"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Cause     string    `json:"cause"`
	Score     float64   `json:"score"`
	At        time.Time `json:"at"`
}

// Escalation is emitted when an SLA deadline fires: either the gate was
// re-routed to a higher tier or a terminal decision was forced.
type Escalation struct {
	GateID      string    `json:"gate_id"`
	Subject     string    `json:"subject"`
	Tier        int       `json:"tier"`
	Contact     string    `json:"contact,omitempty"`
	Forced      bool      `json:"forced"`
	Deadline    time.Time `json:"deadline"`
	EscalatedAt time.Time `json:"escalated_at"`
}

// CheckMessage is the wire form of an automated check result arriving on
// the check bus.
type CheckMessage struct {
	GateID      string          `json:"gate_id"`
	CriterionID string          `json:"criterion_id"`
	Value       float64         `json:"value"`
	Detail      json.RawMessage `json:"detail,omitempty"`
}

// Transition is one audit record of a gate state change.
type Transition struct {
	GateID string    `json:"gate_id"`
	From   string    `json:"from"`
	To     string    `json:"to"`
	Cause  string    `json:"cause"`
	Actor  string    `json:"actor,omitempty"`
	At     time.Time `json:"at"`
}
