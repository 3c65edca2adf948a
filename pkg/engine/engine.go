package engine

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"gatekeeper/pkg/consensus"
	"gatekeeper/pkg/gatefsm"
	"gatekeeper/pkg/models"
	"gatekeeper/pkg/scoring"
	"gatekeeper/pkg/sla"

	"github.com/google/uuid"
)

var (
	ErrGateNotFound      = errors.New("gate not found")
	ErrTargetNotFound    = errors.New("review target not found")
	ErrCriterionRequired = errors.New("at least one criterion required")
	ErrGateTerminal      = errors.New("gate already resolved")
	ErrNotConditional    = errors.New("gate is not awaiting confirmation")
	ErrNotAuthorized     = errors.New("not authorized for this submission")
	ErrGateCorrupt       = errors.New("gate data corrupt, processing halted")
	ErrScoreRange        = errors.New("score must be within 0-100")
)

// Storage persists gates write-through: every mutation is saved before the
// call returns, and open gates are reloaded on process restart to rebuild
// the scheduler.
type Storage interface {
	SaveGate(ctx context.Context, g *models.Gate) error
	AppendTransition(ctx context.Context, tr models.Transition) error
	LoadOpenGates(ctx context.Context) ([]*models.Gate, error)
}

// Notifier receives state-change and escalation events. Delivery (mail,
// chat, webhook) is entirely the collaborator's concern.
type Notifier interface {
	GateTransitioned(ctx context.Context, sc models.StateChange)
	GateEscalated(ctx context.Context, esc models.Escalation)
}

// Identity confirms that a principal may act on the given review target of
// a gate before a submission is accepted.
type Identity interface {
	Authorize(ctx context.Context, actor Actor, g *models.Gate, target string) error
}

// Actor is the submitting principal as established by the host's auth layer.
type Actor struct {
	ID    string
	Roles []string
}

// HasRole reports whether the actor carries the given role.
func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

type Config struct {
	Consensus      consensus.Config
	DefaultGateSLA time.Duration
	Now            func() time.Time
}

// Engine drives gates through their lifecycle. Each gate carries its own
// mutex as the unit of mutual exclusion: all mutations to one gate are
// serialized, different gates proceed in parallel. Scoring and consensus
// are pure functions invoked under that lock.
type Engine struct {
	cfg      Config
	store    Storage
	notify   Notifier
	identity Identity
	sched    *sla.Scheduler

	mu    sync.RWMutex
	gates map[string]*gateEntry
}

type gateEntry struct {
	mu      sync.Mutex
	gate    *models.Gate
	corrupt bool
}

func New(cfg Config, store Storage, notify Notifier, identity Identity) *Engine {
	if cfg.Consensus.MajorityPercent <= 0 {
		cfg.Consensus = consensus.DefaultConfig()
	}
	if cfg.DefaultGateSLA <= 0 {
		cfg.DefaultGateSLA = 48 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Engine{
		cfg:      cfg,
		store:    store,
		notify:   notify,
		identity: identity,
		sched:    sla.New(),
		gates:    map[string]*gateEntry{},
	}
}

// CreateSpec instantiates one gate from a template.
type CreateSpec struct {
	ProjectID     string
	Template      string
	Phase         string
	RequiredScore float64
	SLA           time.Duration
	Criteria      []models.Criterion
	Approvers     []models.Approver
	Escalations   []models.EscalationTier
}

// CreateGate validates the spec, instantiates the gate, moves it to
// IN_PROGRESS, arms all SLA deadlines, and persists it.
func (e *Engine) CreateGate(ctx context.Context, spec CreateSpec) (models.GateSnapshot, error) {
	if len(spec.Criteria) == 0 {
		return models.GateSnapshot{}, ErrCriterionRequired
	}
	if err := scoring.ValidateWeights(spec.Criteria); err != nil {
		return models.GateSnapshot{}, err
	}
	if err := consensus.Validate(spec.Approvers); err != nil {
		return models.GateSnapshot{}, err
	}
	now := e.cfg.Now()
	slaWindow := spec.SLA
	if slaWindow <= 0 {
		slaWindow = e.cfg.DefaultGateSLA
	}
	g := &models.Gate{
		ID:            uuid.New().String(),
		ProjectID:     spec.ProjectID,
		Template:      spec.Template,
		Phase:         spec.Phase,
		State:         models.GatePending,
		RequiredScore: spec.RequiredScore,
		Criteria:      make([]models.Criterion, len(spec.Criteria)),
		Approvers:     make([]models.Approver, len(spec.Approvers)),
		Escalations:   spec.Escalations,
		CreatedAt:     now,
		Deadline:      now.Add(slaWindow),
	}
	copy(g.Criteria, spec.Criteria)
	copy(g.Approvers, spec.Approvers)
	for i := range g.Criteria {
		if g.Criteria[i].ID == "" {
			g.Criteria[i].ID = uuid.New().String()
		}
		g.Criteria[i].State = models.CriterionPending
		g.Criteria[i].Score = nil
		if g.Criteria[i].Deadline.IsZero() {
			g.Criteria[i].Deadline = g.Deadline
		}
	}
	for i := range g.Approvers {
		g.Approvers[i].Decision = models.DecisionPending
		g.Approvers[i].DecidedAt = nil
	}

	entry := &gateEntry{gate: g}
	e.mu.Lock()
	e.gates[g.ID] = entry
	e.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if err := e.transitionLocked(ctx, entry, models.GateInProgress, gatefsm.CauseInstantiated, ""); err != nil {
		// Never persisted: forget the gate entirely so nothing
		// escalates or notifies for it later.
		e.mu.Lock()
		delete(e.gates, g.ID)
		e.mu.Unlock()
		return models.GateSnapshot{}, err
	}
	e.armDeadlinesLocked(g)
	return e.snapshotLocked(entry), nil
}

// SubmitAutomatedCheck applies a machine-produced measurement to one
// criterion. Values are normalized 0-100 by the producing check; re-running
// a check overwrites the prior result.
func (e *Engine) SubmitAutomatedCheck(ctx context.Context, gateID, criterionID string, value float64) (models.GateSnapshot, error) {
	if value < 0 || value > 100 {
		return models.GateSnapshot{}, ErrScoreRange
	}
	entry, err := e.entry(gateID)
	if err != nil {
		return models.GateSnapshot{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.corrupt {
		return models.GateSnapshot{}, ErrGateCorrupt
	}
	g := entry.gate
	if gatefsm.IsTerminal(g.State) {
		return e.snapshotLocked(entry), ErrGateTerminal
	}
	c := g.CriterionByID(criterionID)
	if c == nil {
		return models.GateSnapshot{}, ErrTargetNotFound
	}
	now := e.cfg.Now()
	score := value
	c.Score = &score
	c.LastCheck = &models.AutomatedCheckResult{Value: value, Threshold: c.Threshold, ExecutedAt: now}
	if value >= c.Threshold {
		c.State = models.CriterionApproved
	} else {
		c.State = models.CriterionRejected
	}
	e.sched.Cancel(sla.Key(sla.KindCriterion, g.ID, c.ID))
	return e.reevaluateLocked(ctx, entry, now, "")
}

// SubmitManualReview records a human judgement: a review of one criterion
// or an approver's vote on the gate, depending on what the target names.
// Resubmitting a vote replaces the prior decision rather than appending.
func (e *Engine) SubmitManualReview(ctx context.Context, actor Actor, gateID string, review models.ManualReview) (models.GateSnapshot, error) {
	if review.Score != nil && (*review.Score < 0 || *review.Score > 100) {
		return models.GateSnapshot{}, ErrScoreRange
	}
	entry, err := e.entry(gateID)
	if err != nil {
		return models.GateSnapshot{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.corrupt {
		return models.GateSnapshot{}, ErrGateCorrupt
	}
	g := entry.gate
	if gatefsm.IsTerminal(g.State) {
		return e.snapshotLocked(entry), ErrGateTerminal
	}
	if e.identity != nil {
		if err := e.identity.Authorize(ctx, actor, g, review.Target); err != nil {
			return models.GateSnapshot{}, err
		}
	}
	now := e.cfg.Now()
	if c := g.CriterionByID(review.Target); c != nil {
		score := 100.0
		if !review.Approve {
			score = 0
		}
		if review.Score != nil {
			score = *review.Score
		}
		c.Score = &score
		if review.Approve {
			c.State = models.CriterionApproved
		} else {
			c.State = models.CriterionRejected
		}
		if review.Comment != "" {
			c.Comments = append(c.Comments, review.Comment)
		}
		e.sched.Cancel(sla.Key(sla.KindCriterion, g.ID, c.ID))
		return e.reevaluateLocked(ctx, entry, now, actor.ID)
	}
	if a := g.ApproverByID(review.Target); a != nil {
		if review.Approve {
			a.Decision = models.DecisionApproved
		} else {
			a.Decision = models.DecisionRejected
		}
		decided := now
		a.DecidedAt = &decided
		if review.Comment != "" {
			a.Comments = append(a.Comments, review.Comment)
		}
		e.sched.Cancel(sla.Key(sla.KindApprover, g.ID, a.ID))
		return e.reevaluateLocked(ctx, entry, now, actor.ID)
	}
	return models.GateSnapshot{}, ErrTargetNotFound
}

// ConfirmGate resolves a CONDITIONAL gate to PASSED. This is the one
// transition allowed out of a terminal state, and it requires an explicit
// human confirmation.
func (e *Engine) ConfirmGate(ctx context.Context, actor Actor, gateID string) (models.GateSnapshot, error) {
	entry, err := e.entry(gateID)
	if err != nil {
		return models.GateSnapshot{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.corrupt {
		return models.GateSnapshot{}, ErrGateCorrupt
	}
	g := entry.gate
	if g.State != models.GateConditional {
		return e.snapshotLocked(entry), ErrNotConditional
	}
	if e.identity != nil {
		if err := e.identity.Authorize(ctx, actor, g, ""); err != nil {
			return models.GateSnapshot{}, err
		}
	}
	if err := e.transitionLocked(ctx, entry, models.GatePassed, gatefsm.CauseManualConfirmation, actor.ID); err != nil {
		return models.GateSnapshot{}, err
	}
	return e.snapshotLocked(entry), nil
}

// GetGateStatus returns the full current snapshot; the score is recomputed
// from the criteria on every call.
func (e *Engine) GetGateStatus(gateID string) (models.GateSnapshot, error) {
	entry, err := e.entry(gateID)
	if err != nil {
		return models.GateSnapshot{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.corrupt {
		return models.GateSnapshot{}, ErrGateCorrupt
	}
	return e.snapshotLocked(entry), nil
}

// Tick drives SLA escalation. The host calls it on a fixed interval; a
// paused host catches up on the next call, firing every overdue deadline
// exactly once in increasing deadline order. The "still pending" re-check
// happens under the owning gate's lock, so a vote racing an expiry wins.
func (e *Engine) Tick(ctx context.Context, now time.Time) {
	for _, due := range e.sched.Due(now) {
		e.escalate(ctx, due, now)
	}
}

// Rehydrate reloads open gates from storage after a restart and re-arms
// their outstanding deadlines. A gate that fails validation is quarantined
// and skipped; the rest keep operating.
func (e *Engine) Rehydrate(ctx context.Context) error {
	gates, err := e.store.LoadOpenGates(ctx)
	if err != nil {
		return err
	}
	for _, g := range gates {
		entry := &gateEntry{gate: g}
		if scoring.ValidateWeights(g.Criteria) != nil || consensus.Validate(g.Approvers) != nil {
			entry.corrupt = true
			log.Printf("engine: quarantined corrupt gate %s", g.ID)
		}
		e.mu.Lock()
		e.gates[g.ID] = entry
		e.mu.Unlock()
		if entry.corrupt || gatefsm.IsTerminal(g.State) {
			continue
		}
		entry.mu.Lock()
		e.armDeadlinesLocked(g)
		entry.mu.Unlock()
	}
	return nil
}

// OpenGates counts tracked gates that have not resolved.
func (e *Engine) OpenGates() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := 0
	for _, entry := range e.gates {
		entry.mu.Lock()
		if !entry.corrupt && !gatefsm.IsTerminal(entry.gate.State) {
			n++
		}
		entry.mu.Unlock()
	}
	return n
}

// ArmedDeadlines reports the number of outstanding SLA deadlines.
func (e *Engine) ArmedDeadlines() int {
	return e.sched.Len()
}

func (e *Engine) entry(gateID string) (*gateEntry, error) {
	e.mu.RLock()
	entry, ok := e.gates[gateID]
	e.mu.RUnlock()
	if !ok {
		return nil, ErrGateNotFound
	}
	return entry, nil
}

// reevaluateLocked recomputes score and consensus, applies any automatic
// transition, and persists. Caller holds entry.mu.
func (e *Engine) reevaluateLocked(ctx context.Context, entry *gateEntry, now time.Time, actor string) (models.GateSnapshot, error) {
	g := entry.gate
	score := scoring.Compute(g.Criteria)
	if score.Evaluated > 0 && !e.weightsUsable(g) {
		entry.corrupt = true
		return models.GateSnapshot{}, ErrGateCorrupt
	}
	tally := consensus.Tally(g.Approvers, e.cfg.Consensus)
	to, cause := gatefsm.Evaluate(gatefsm.Guards{
		Score:        score.Score,
		Required:     g.RequiredScore,
		Blocking:     score.Blocking,
		AllEvaluated: score.AllEvaluated(),
		Verdict:      tally.Verdict,
		NoRejections: !anyRejection(g.Approvers),
		PastDeadline: gatefsm.IsExpired(now, g.Deadline),
	})
	if to != "" {
		if cause == gatefsm.CauseConsensusRejected && tallyHasVeto(g, e.cfg.Consensus) {
			cause = gatefsm.CauseConsensusVeto
		}
		// The transition save also carries the child mutation that
		// triggered it.
		if err := e.transitionLocked(ctx, entry, to, cause, actor); err != nil {
			return models.GateSnapshot{}, err
		}
		return e.snapshotLocked(entry), nil
	}
	if err := e.store.SaveGate(ctx, g); err != nil {
		return models.GateSnapshot{}, err
	}
	return e.snapshotLocked(entry), nil
}

func tallyHasVeto(g *models.Gate, cfg consensus.Config) bool {
	for _, a := range g.Approvers {
		if a.Decision == models.DecisionRejected && cfg.VetoWeight > 0 && a.Weight >= cfg.VetoWeight {
			return true
		}
	}
	return false
}

func (e *Engine) weightsUsable(g *models.Gate) bool {
	var sum float64
	for _, c := range g.Criteria {
		if c.Evaluated() {
			sum += c.Weight
		}
	}
	return sum > 0
}

// transitionLocked is the single place a gate changes state. The new state
// is saved before anything is emitted: the audit row and the notifier fire
// only after a successful persist, and a failed save rolls the in-memory
// state back so no collaborator hears about a transition that never
// happened. The state-change event fires exactly once per transition;
// concurrent triggers are serialized by the per-gate lock and the
// CanTransition guard. Caller holds entry.mu.
func (e *Engine) transitionLocked(ctx context.Context, entry *gateEntry, to, cause, actor string) error {
	g := entry.gate
	from := g.State
	next, err := gatefsm.Transition(from, to)
	if err != nil {
		return nil
	}
	now := e.cfg.Now()
	prevResolved, prevCause := g.ResolvedAt, g.Cause
	g.State = next
	if gatefsm.IsTerminal(next) {
		resolved := now
		g.ResolvedAt = &resolved
		g.Cause = cause
	}
	if err := e.store.SaveGate(ctx, g); err != nil {
		g.State = from
		g.ResolvedAt = prevResolved
		g.Cause = prevCause
		return err
	}
	if gatefsm.IsTerminal(next) {
		e.sched.CancelGate(g.ID)
	}
	tr := models.Transition{GateID: g.ID, From: from, To: next, Cause: cause, Actor: actor, At: now}
	if err := e.store.AppendTransition(ctx, tr); err != nil {
		log.Printf("engine: transition audit for gate %s: %v", g.ID, err)
	}
	if e.notify != nil {
		e.notify.GateTransitioned(ctx, models.StateChange{
			GateID:    g.ID,
			ProjectID: g.ProjectID,
			Phase:     g.Phase,
			From:      from,
			To:        next,
			Cause:     cause,
			Score:     scoring.Compute(g.Criteria).Score,
			At:        now,
		})
	}
	return nil
}

func (e *Engine) armDeadlinesLocked(g *models.Gate) {
	e.sched.Arm(sla.Entry{Key: sla.Key(sla.KindGate, g.ID, ""), Kind: sla.KindGate, GateID: g.ID, Deadline: g.Deadline})
	for _, a := range g.Approvers {
		if a.Decision != models.DecisionPending || a.SLAHours <= 0 {
			continue
		}
		e.sched.Arm(sla.Entry{
			Key:      sla.Key(sla.KindApprover, g.ID, a.ID),
			Kind:     sla.KindApprover,
			GateID:   g.ID,
			Subject:  a.ID,
			Deadline: g.CreatedAt.Add(time.Duration(a.SLAHours) * time.Hour),
		})
	}
	for _, c := range g.Criteria {
		if c.Evaluated() || c.Deadline.IsZero() {
			continue
		}
		e.sched.Arm(sla.Entry{
			Key:      sla.Key(sla.KindCriterion, g.ID, c.ID),
			Kind:     sla.KindCriterion,
			GateID:   g.ID,
			Subject:  c.ID,
			Deadline: c.Deadline,
		})
	}
}

// escalate handles one fired deadline: re-check that the awaited action is
// still outstanding under the gate lock, then act on it. Approver and
// criterion expiries notify once and are done; the gate deadline drives the
// escalation chain, consuming the next tier and re-arming, or forcing a
// terminal decision when the chain is exhausted.
func (e *Engine) escalate(ctx context.Context, due sla.Entry, now time.Time) {
	entry, err := e.entry(due.GateID)
	if err != nil {
		return
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.corrupt {
		return
	}
	g := entry.gate
	if gatefsm.IsTerminal(g.State) {
		return
	}
	switch due.Kind {
	case sla.KindApprover:
		a := g.ApproverByID(due.Subject)
		if a == nil || a.Decision != models.DecisionPending {
			return
		}
	case sla.KindCriterion:
		c := g.CriterionByID(due.Subject)
		if c == nil || c.Evaluated() {
			return
		}
	}

	if due.Kind != sla.KindGate {
		if e.notify != nil {
			e.notify.GateEscalated(ctx, models.Escalation{
				GateID:      g.ID,
				Subject:     due.Key,
				Tier:        g.EscalationIdx,
				Forced:      false,
				Deadline:    due.Deadline,
				EscalatedAt: now,
			})
		}
		return
	}

	if g.EscalationIdx < len(g.Escalations) {
		tier := g.Escalations[g.EscalationIdx]
		g.EscalationIdx++
		next := now.Add(tier.Extension)
		g.Deadline = next
		if err := e.store.SaveGate(ctx, g); err != nil {
			log.Printf("engine: persist escalation for gate %s: %v", g.ID, err)
		}
		e.sched.Arm(sla.Entry{Key: due.Key, Kind: due.Kind, GateID: due.GateID, Subject: due.Subject, Deadline: next})
		if e.notify != nil {
			e.notify.GateEscalated(ctx, models.Escalation{
				GateID:      g.ID,
				Subject:     due.Key,
				Tier:        g.EscalationIdx,
				Contact:     tier.Contact,
				Forced:      false,
				Deadline:    next,
				EscalatedAt: now,
			})
		}
		return
	}

	// No escalation path remains: force a terminal decision.
	score := scoring.Compute(g.Criteria)
	tally := consensus.Tally(g.Approvers, e.cfg.Consensus)
	to := models.GateFailed
	cause := gatefsm.CauseEscalationExhausted
	if score.AllEvaluated() && !score.Blocking &&
		score.Score >= g.RequiredScore &&
		tally.Verdict == models.VerdictPending && !anyRejection(g.Approvers) {
		to = models.GateConditional
		cause = gatefsm.CauseConsensusTimeout
	}
	if err := e.transitionLocked(ctx, entry, to, cause, ""); err != nil {
		log.Printf("engine: persist forced resolution for gate %s: %v", g.ID, err)
		return
	}
	if e.notify != nil {
		e.notify.GateEscalated(ctx, models.Escalation{
			GateID:      g.ID,
			Subject:     due.Key,
			Tier:        g.EscalationIdx,
			Forced:      true,
			Deadline:    due.Deadline,
			EscalatedAt: now,
		})
	}
}

func anyRejection(approvers []models.Approver) bool {
	for _, a := range approvers {
		if a.Decision == models.DecisionRejected {
			return true
		}
	}
	return false
}

// snapshotLocked builds the read model. Caller holds entry.mu.
func (e *Engine) snapshotLocked(entry *gateEntry) models.GateSnapshot {
	g := entry.gate
	score := scoring.Compute(g.Criteria)
	tally := consensus.Tally(g.Approvers, e.cfg.Consensus)
	now := e.cfg.Now()
	var remaining int64
	if g.ResolvedAt == nil && g.Deadline.After(now) {
		remaining = int64(g.Deadline.Sub(now).Seconds())
	}
	criteria := make([]models.Criterion, len(g.Criteria))
	copy(criteria, g.Criteria)
	approvers := make([]models.Approver, len(g.Approvers))
	copy(approvers, g.Approvers)
	return models.GateSnapshot{
		GateID:            g.ID,
		ProjectID:         g.ProjectID,
		Phase:             g.Phase,
		State:             g.State,
		Score:             score.Score,
		RequiredScore:     g.RequiredScore,
		Blocking:          score.Blocking,
		CriteriaEvaluated: score.Evaluated,
		CriteriaTotal:     score.Total,
		Verdict:           tally.Verdict,
		WeightedApproval:  tally.WeightedApproval,
		Criteria:          criteria,
		Approvers:         approvers,
		Deadline:          g.Deadline,
		RemainingSec:      remaining,
		Cause:             g.Cause,
		ResolvedAt:        g.ResolvedAt,
	}
}
