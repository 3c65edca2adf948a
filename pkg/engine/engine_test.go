package engine

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"gatekeeper/pkg/consensus"
	"gatekeeper/pkg/gatefsm"
	"gatekeeper/pkg/models"
)

type fakeStore struct {
	mu          sync.Mutex
	saves       int
	transitions []models.Transition
	loaded      []*models.Gate
	saveErr     error
}

func (f *fakeStore) SaveGate(ctx context.Context, g *models.Gate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saves++
	return nil
}

func (f *fakeStore) AppendTransition(ctx context.Context, tr models.Transition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transitions = append(f.transitions, tr)
	return nil
}

func (f *fakeStore) LoadOpenGates(ctx context.Context) ([]*models.Gate, error) {
	return f.loaded, nil
}

func (f *fakeStore) transitionsTo(state string) []models.Transition {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Transition
	for _, tr := range f.transitions {
		if tr.To == state {
			out = append(out, tr)
		}
	}
	return out
}

type fakeNotifier struct {
	mu          sync.Mutex
	changes     []models.StateChange
	escalations []models.Escalation
}

func (f *fakeNotifier) GateTransitioned(ctx context.Context, sc models.StateChange) {
	f.mu.Lock()
	f.changes = append(f.changes, sc)
	f.mu.Unlock()
}

func (f *fakeNotifier) GateEscalated(ctx context.Context, esc models.Escalation) {
	f.mu.Lock()
	f.escalations = append(f.escalations, esc)
	f.mu.Unlock()
}

func (f *fakeNotifier) changesTo(state string) []models.StateChange {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.StateChange
	for _, sc := range f.changes {
		if sc.To == state {
			out = append(out, sc)
		}
	}
	return out
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestEngine(t *testing.T) (*Engine, *fakeStore, *fakeNotifier, *clock) {
	t.Helper()
	ck := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := &fakeStore{}
	notifier := &fakeNotifier{}
	e := New(Config{Now: ck.Now}, store, notifier, nil)
	return e, store, notifier, ck
}

func createG1(t *testing.T, e *Engine) models.GateSnapshot {
	t.Helper()
	snap, err := e.CreateGate(context.Background(), G1Template("proj-1"))
	if err != nil {
		t.Fatalf("CreateGate: %v", err)
	}
	return snap
}

func approveAll(t *testing.T, e *Engine, gateID string) {
	t.Helper()
	for _, id := range []string{"sponsor", "tech_lead", "pmo", "security"} {
		if _, err := e.SubmitManualReview(context.Background(), Actor{ID: id}, gateID, models.ManualReview{
			Reviewer: id, Target: id, Approve: true,
		}); err != nil {
			t.Fatalf("vote %s: %v", id, err)
		}
	}
}

func TestCreateGateStartsInProgress(t *testing.T) {
	e, store, notifier, _ := newTestEngine(t)
	snap := createG1(t, e)
	if snap.State != models.GateInProgress {
		t.Fatalf("expected IN_PROGRESS, got %s", snap.State)
	}
	if snap.CriteriaTotal != 4 || len(snap.Approvers) != 4 {
		t.Fatalf("unexpected template shape: %d criteria, %d approvers", snap.CriteriaTotal, len(snap.Approvers))
	}
	if got := store.transitionsTo(models.GateInProgress); len(got) != 1 {
		t.Fatalf("expected one audited instantiation transition, got %d", len(got))
	}
	if got := notifier.changesTo(models.GateInProgress); len(got) != 1 {
		t.Fatalf("expected one instantiation event, got %d", len(got))
	}
}

func TestCreateGateValidation(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	spec := G1Template("proj-1")
	spec.Criteria[0].Weight = 0
	if _, err := e.CreateGate(context.Background(), spec); err == nil {
		t.Fatal("expected weight validation error")
	}

	spec = G1Template("proj-1")
	spec.Approvers[0].Weight = 50
	if _, err := e.CreateGate(context.Background(), spec); !errors.Is(err, consensus.ErrWeightSum) {
		t.Fatalf("expected ErrWeightSum, got %v", err)
	}

	spec = G1Template("proj-1")
	spec.Approvers[1].ID = "sponsor"
	if _, err := e.CreateGate(context.Background(), spec); !errors.Is(err, consensus.ErrDuplicateApprover) {
		t.Fatalf("expected ErrDuplicateApprover, got %v", err)
	}

	spec = G1Template("proj-1")
	spec.Criteria = nil
	if _, err := e.CreateGate(context.Background(), spec); !errors.Is(err, ErrCriterionRequired) {
		t.Fatalf("expected ErrCriterionRequired, got %v", err)
	}
}

// Scenario A: weights {25,25,25,25}, scores {100,100,100,0}, threshold 80.
// The aggregate is 75 and the gate must not pass even with full consensus.
func TestScenarioLowScoreDoesNotPass(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	snap := createG1(t, e)
	gateID := snap.GateID
	ctx := context.Background()

	zero := 0.0
	for i, c := range snap.Criteria {
		score := 100.0
		review := models.ManualReview{Reviewer: c.Approver, Target: c.ID, Approve: true, Score: &score}
		if i == 3 {
			review.Score = &zero
		}
		if _, err := e.SubmitManualReview(ctx, Actor{ID: c.Approver}, gateID, review); err != nil {
			t.Fatalf("review %s: %v", c.ID, err)
		}
	}
	approveAll(t, e, gateID)

	got, err := e.GetGateStatus(gateID)
	if err != nil {
		t.Fatalf("GetGateStatus: %v", err)
	}
	if math.Abs(got.Score-75) > 1e-9 {
		t.Fatalf("expected aggregate 75, got %f", got.Score)
	}
	if got.Blocking {
		t.Fatal("approved criterion with score 0 must not block")
	}
	if got.State != models.GateInProgress {
		t.Fatalf("75 < 80 must not pass, state=%s", got.State)
	}
}

// Scenario B: sponsor (40%, veto-eligible) rejects while the other 60%
// approve; the verdict is rejected regardless.
func TestScenarioSponsorVeto(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	snap := createG1(t, e)
	ctx := context.Background()

	for _, id := range []string{"tech_lead", "pmo", "security"} {
		if _, err := e.SubmitManualReview(ctx, Actor{ID: id}, snap.GateID, models.ManualReview{Reviewer: id, Target: id, Approve: true}); err != nil {
			t.Fatalf("vote %s: %v", id, err)
		}
	}
	got, err := e.SubmitManualReview(ctx, Actor{ID: "sponsor"}, snap.GateID, models.ManualReview{Reviewer: "sponsor", Target: "sponsor", Approve: false})
	if err != nil {
		t.Fatalf("sponsor vote: %v", err)
	}
	if got.State != models.GateFailed {
		t.Fatalf("sponsor veto must fail the gate, state=%s", got.State)
	}
	if got.Cause != gatefsm.CauseConsensusVeto {
		t.Fatalf("expected veto cause, got %s", got.Cause)
	}
}

// Scenario D: all criteria at 100 and unanimous approval passes, with the
// transition event emitted exactly once.
func TestScenarioFullPass(t *testing.T) {
	e, store, notifier, _ := newTestEngine(t)
	snap := createG1(t, e)
	ctx := context.Background()

	approveAll(t, e, snap.GateID)
	for _, c := range snap.Criteria {
		score := 100.0
		if _, err := e.SubmitManualReview(ctx, Actor{ID: c.Approver}, snap.GateID, models.ManualReview{
			Reviewer: c.Approver, Target: c.ID, Approve: true, Score: &score,
		}); err != nil && !errors.Is(err, ErrGateTerminal) {
			t.Fatalf("review %s: %v", c.ID, err)
		}
	}
	got, err := e.GetGateStatus(snap.GateID)
	if err != nil {
		t.Fatalf("GetGateStatus: %v", err)
	}
	if got.State != models.GatePassed {
		t.Fatalf("expected PASSED, got %s", got.State)
	}
	if math.Abs(got.Score-100) > 1e-9 {
		t.Fatalf("expected score 100, got %f", got.Score)
	}
	if got := notifier.changesTo(models.GatePassed); len(got) != 1 {
		t.Fatalf("pass event must fire exactly once, got %d", len(got))
	}
	if got := store.transitionsTo(models.GatePassed); len(got) != 1 {
		t.Fatalf("pass transition must be audited exactly once, got %d", len(got))
	}
}

func TestRejectedCriterionFailsGate(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	snap := createG1(t, e)
	got, err := e.SubmitManualReview(context.Background(), Actor{ID: "pmo"}, snap.GateID, models.ManualReview{
		Reviewer: "pmo", Target: "resources-schedule", Approve: false, Comment: "no budget line",
	})
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	if got.State != models.GateFailed || got.Cause != gatefsm.CauseCriterionRejected {
		t.Fatalf("single rejection must fail the gate, state=%s cause=%s", got.State, got.Cause)
	}
}

func TestAutomatedCheckIdempotentRerun(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	snap := createG1(t, e)
	ctx := context.Background()

	got, err := e.SubmitAutomatedCheck(ctx, snap.GateID, "technical-feasibility", 60)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	crit := got.Criteria[1]
	if crit.State != models.CriterionRejected || crit.LastCheck == nil || crit.LastCheck.Value != 60 {
		t.Fatalf("unexpected criterion after first run: %+v", crit)
	}
	// A rejected automated criterion fails the gate outright.
	if got.State != models.GateFailed {
		t.Fatalf("expected failed gate after rejected check, got %s", got.State)
	}

	// Fresh gate: a re-run overwrites, it does not accumulate.
	snap = createG1(t, e)
	if _, err := e.SubmitAutomatedCheck(ctx, snap.GateID, "technical-feasibility", 85); err != nil {
		t.Fatalf("check: %v", err)
	}
	got, err = e.SubmitAutomatedCheck(ctx, snap.GateID, "technical-feasibility", 92)
	if err != nil {
		t.Fatalf("rerun: %v", err)
	}
	crit = got.Criteria[1]
	if crit.LastCheck.Value != 92 || *crit.Score != 92 {
		t.Fatalf("re-run must overwrite the prior result: %+v", crit)
	}
	if got.CriteriaEvaluated != 1 {
		t.Fatalf("re-run must not double-count evaluation, got %d", got.CriteriaEvaluated)
	}
}

func TestCheckValidation(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	snap := createG1(t, e)
	ctx := context.Background()
	if _, err := e.SubmitAutomatedCheck(ctx, snap.GateID, "technical-feasibility", 140); !errors.Is(err, ErrScoreRange) {
		t.Fatalf("expected ErrScoreRange, got %v", err)
	}
	if _, err := e.SubmitAutomatedCheck(ctx, snap.GateID, "nope", 50); !errors.Is(err, ErrTargetNotFound) {
		t.Fatalf("expected ErrTargetNotFound, got %v", err)
	}
	if _, err := e.SubmitAutomatedCheck(ctx, "missing", "technical-feasibility", 50); !errors.Is(err, ErrGateNotFound) {
		t.Fatalf("expected ErrGateNotFound, got %v", err)
	}
}

func TestIdempotentVoting(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	snap := createG1(t, e)
	ctx := context.Background()

	if _, err := e.SubmitManualReview(ctx, Actor{ID: "pmo"}, snap.GateID, models.ManualReview{Reviewer: "pmo", Target: "pmo", Approve: true}); err != nil {
		t.Fatalf("first vote: %v", err)
	}
	got, err := e.SubmitManualReview(ctx, Actor{ID: "pmo"}, snap.GateID, models.ManualReview{Reviewer: "pmo", Target: "pmo", Approve: true})
	if err != nil {
		t.Fatalf("second vote: %v", err)
	}
	voted := 0
	for _, a := range got.Approvers {
		if a.Decision != models.DecisionPending {
			voted++
		}
	}
	if voted != 1 {
		t.Fatalf("resubmission must leave exactly one recorded decision, got %d", voted)
	}
	if math.Abs(got.WeightedApproval-20) > 1e-9 {
		t.Fatalf("double vote must not double-count weight, got %f", got.WeightedApproval)
	}

	// A changed mind replaces the prior decision.
	got, err = e.SubmitManualReview(ctx, Actor{ID: "pmo"}, snap.GateID, models.ManualReview{Reviewer: "pmo", Target: "pmo", Approve: false})
	if err != nil {
		t.Fatalf("revote: %v", err)
	}
	for _, a := range got.Approvers {
		if a.ID == "pmo" && a.Decision != models.DecisionRejected {
			t.Fatalf("revote must replace the decision, got %s", a.Decision)
		}
	}
}

func TestTerminalImmutability(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	snap := createG1(t, e)
	ctx := context.Background()

	// Fail the gate via a rejected criterion.
	if _, err := e.SubmitManualReview(ctx, Actor{ID: "pmo"}, snap.GateID, models.ManualReview{Reviewer: "pmo", Target: "resources-schedule", Approve: false}); err != nil {
		t.Fatalf("reject: %v", err)
	}
	before, _ := e.GetGateStatus(snap.GateID)

	got, err := e.SubmitAutomatedCheck(ctx, snap.GateID, "technical-feasibility", 90)
	if !errors.Is(err, ErrGateTerminal) {
		t.Fatalf("expected ErrGateTerminal, got %v", err)
	}
	if got.State != before.State || got.CriteriaEvaluated != before.CriteriaEvaluated {
		t.Fatal("terminal gate must be returned unchanged")
	}
	if _, err := e.SubmitManualReview(ctx, Actor{ID: "sponsor"}, snap.GateID, models.ManualReview{Reviewer: "sponsor", Target: "sponsor", Approve: true}); !errors.Is(err, ErrGateTerminal) {
		t.Fatalf("expected ErrGateTerminal for vote, got %v", err)
	}
}

// Scenario C: a 48h gate with no votes; one tick past the deadline emits
// exactly one escalation and arms a +24h deadline to the next tier.
func TestEscalationExactlyOnce(t *testing.T) {
	e, _, notifier, ck := newTestEngine(t)
	snap := createG1(t, e)
	ctx := context.Background()

	ck.Advance(49 * time.Hour)
	e.Tick(ctx, ck.Now())
	// Approver SLAs (24h/48h) fire alongside the gate deadline; count only
	// the gate deadline escalation.
	gateKey := "gate:" + snap.GateID
	count := 0
	var tierContact string
	for _, esc := range notifier.escalations {
		if esc.Subject == gateKey {
			count++
			tierContact = esc.Contact
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one gate escalation, got %d", count)
	}
	if tierContact != "delivery_manager" {
		t.Fatalf("expected first tier contact, got %q", tierContact)
	}

	// The same deadline must not fire again before the +24h extension.
	e.Tick(ctx, ck.Now().Add(time.Hour))
	count = 0
	for _, esc := range notifier.escalations {
		if esc.Subject == gateKey {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("re-armed deadline fired early, escalations=%d", count)
	}
}

func TestEscalationCatchUpAfterPause(t *testing.T) {
	e, _, notifier, ck := newTestEngine(t)
	snap := createG1(t, e)
	ctx := context.Background()

	// No ticks run for a long stretch; the catch-up tick must fire each
	// overdue deadline exactly once.
	ck.Advance(72 * time.Hour)
	e.Tick(ctx, ck.Now())
	seen := map[string]int{}
	for _, esc := range notifier.escalations {
		seen[esc.Subject]++
	}
	for subject, n := range seen {
		if n != 1 {
			t.Fatalf("deadline %s escalated %d times on catch-up", subject, n)
		}
	}
	if seen["gate:"+snap.GateID] != 1 {
		t.Fatal("gate deadline escalation lost during pause")
	}
}

func TestEscalationExhaustionForcesFailure(t *testing.T) {
	e, _, notifier, ck := newTestEngine(t)
	spec := G1Template("proj-1")
	spec.Escalations = nil
	snap, err := e.CreateGate(context.Background(), spec)
	if err != nil {
		t.Fatalf("CreateGate: %v", err)
	}
	ck.Advance(49 * time.Hour)
	e.Tick(context.Background(), ck.Now())

	got, err := e.GetGateStatus(snap.GateID)
	if err != nil {
		t.Fatalf("GetGateStatus: %v", err)
	}
	if got.State != models.GateFailed || got.Cause != gatefsm.CauseEscalationExhausted {
		t.Fatalf("exhausted escalation must force failure, state=%s cause=%s", got.State, got.Cause)
	}
	forced := 0
	for _, esc := range notifier.escalations {
		if esc.Forced {
			forced++
		}
	}
	if forced != 1 {
		t.Fatalf("expected exactly one forced escalation, got %d", forced)
	}
	if len(notifier.changesTo(models.GateFailed)) != 1 {
		t.Fatal("forced failure must emit exactly one transition event")
	}
}

func TestConditionalOnConsensusTimeout(t *testing.T) {
	e, _, _, ck := newTestEngine(t)
	spec := G1Template("proj-1")
	spec.Escalations = nil
	snap, err := e.CreateGate(context.Background(), spec)
	if err != nil {
		t.Fatalf("CreateGate: %v", err)
	}
	ctx := context.Background()
	for _, c := range snap.Criteria {
		score := 90.0
		if _, err := e.SubmitManualReview(ctx, Actor{ID: c.Approver}, snap.GateID, models.ManualReview{
			Reviewer: c.Approver, Target: c.ID, Approve: true, Score: &score,
		}); err != nil {
			t.Fatalf("review %s: %v", c.ID, err)
		}
	}
	// Only non-veto approvers vote, all approve; consensus stays pending.
	for _, id := range []string{"tech_lead", "pmo"} {
		if _, err := e.SubmitManualReview(ctx, Actor{ID: id}, snap.GateID, models.ManualReview{Reviewer: id, Target: id, Approve: true}); err != nil {
			t.Fatalf("vote %s: %v", id, err)
		}
	}
	ck.Advance(49 * time.Hour)
	e.Tick(ctx, ck.Now())

	got, err := e.GetGateStatus(snap.GateID)
	if err != nil {
		t.Fatalf("GetGateStatus: %v", err)
	}
	if got.State != models.GateConditional {
		t.Fatalf("expected CONDITIONAL, got %s (cause %s)", got.State, got.Cause)
	}

	// Child records are frozen, but the explicit confirmation passes.
	if _, err := e.SubmitManualReview(ctx, Actor{ID: "sponsor"}, snap.GateID, models.ManualReview{Reviewer: "sponsor", Target: "sponsor", Approve: true}); !errors.Is(err, ErrGateTerminal) {
		t.Fatalf("conditional gate must refuse submissions, got %v", err)
	}
	confirmed, err := e.ConfirmGate(ctx, Actor{ID: "sponsor"}, snap.GateID)
	if err != nil {
		t.Fatalf("ConfirmGate: %v", err)
	}
	if confirmed.State != models.GatePassed || confirmed.Cause != gatefsm.CauseManualConfirmation {
		t.Fatalf("confirmation must pass the gate, state=%s cause=%s", confirmed.State, confirmed.Cause)
	}
}

func TestCreateGateSaveFailureLeavesNoTrace(t *testing.T) {
	e, store, notifier, _ := newTestEngine(t)
	store.saveErr = errors.New("db down")

	_, err := e.CreateGate(context.Background(), G1Template("proj-1"))
	if err == nil {
		t.Fatal("expected the save error to surface")
	}
	if len(notifier.changes) != 0 {
		t.Fatalf("no events for a gate that was never persisted, got %d", len(notifier.changes))
	}
	if len(store.transitions) != 0 {
		t.Fatalf("no audit rows for a gate that was never persisted, got %d", len(store.transitions))
	}
	if e.ArmedDeadlines() != 0 {
		t.Fatalf("no deadlines may stay armed, got %d", e.ArmedDeadlines())
	}
	if e.OpenGates() != 0 {
		t.Fatalf("the failed gate must not stay registered, got %d open", e.OpenGates())
	}
}

func TestFailedPersistEmitsNoTransition(t *testing.T) {
	e, store, notifier, _ := newTestEngine(t)
	snap := createG1(t, e)
	ctx := context.Background()

	store.saveErr = errors.New("db down")
	_, err := e.SubmitManualReview(ctx, Actor{ID: "sponsor"}, snap.GateID, models.ManualReview{
		Reviewer: "sponsor", Target: "sponsor", Approve: false,
	})
	if err == nil {
		t.Fatal("expected the save error to surface")
	}
	got, err := e.GetGateStatus(snap.GateID)
	if err != nil {
		t.Fatalf("GetGateStatus: %v", err)
	}
	if got.State != models.GateInProgress {
		t.Fatalf("unpersisted transition must roll back, got %s", got.State)
	}
	if n := len(notifier.changesTo(models.GateFailed)); n != 0 {
		t.Fatalf("no FAILED event may fire before a successful save, got %d", n)
	}
	if n := len(store.transitionsTo(models.GateFailed)); n != 0 {
		t.Fatalf("no FAILED audit row may land before a successful save, got %d", n)
	}

	// Once storage recovers, resubmitting resolves the gate exactly once.
	store.saveErr = nil
	got, err = e.SubmitManualReview(ctx, Actor{ID: "sponsor"}, snap.GateID, models.ManualReview{
		Reviewer: "sponsor", Target: "sponsor", Approve: false,
	})
	if err != nil {
		t.Fatalf("retry after recovery: %v", err)
	}
	if got.State != models.GateFailed {
		t.Fatalf("expected FAILED after recovery, got %s", got.State)
	}
	if n := len(notifier.changesTo(models.GateFailed)); n != 1 {
		t.Fatalf("expected exactly one FAILED event, got %d", n)
	}
}

func TestStandingRejectionBlocksConditional(t *testing.T) {
	e, _, _, ck := newTestEngine(t)
	snap := createG1(t, e)
	ctx := context.Background()
	for _, c := range snap.Criteria {
		score := 100.0
		if _, err := e.SubmitManualReview(ctx, Actor{ID: c.Approver}, snap.GateID, models.ManualReview{
			Reviewer: c.Approver, Target: c.ID, Approve: true, Score: &score,
		}); err != nil {
			t.Fatalf("review %s: %v", c.ID, err)
		}
	}
	// A 30-weight rejection is no veto, but it is an unresolved
	// objection on the board.
	if _, err := e.SubmitManualReview(ctx, Actor{ID: "tech_lead"}, snap.GateID, models.ManualReview{
		Reviewer: "tech_lead", Target: "tech_lead", Approve: false,
	}); err != nil {
		t.Fatalf("tech_lead rejection: %v", err)
	}

	ck.Advance(49 * time.Hour)
	got, err := e.SubmitManualReview(ctx, Actor{ID: "pmo"}, snap.GateID, models.ManualReview{
		Reviewer: "pmo", Target: "pmo", Approve: true,
	})
	if err != nil {
		t.Fatalf("pmo vote: %v", err)
	}
	if got.State != models.GateInProgress {
		t.Fatalf("rejection on the board must keep the gate open past the deadline, got %s (cause %s)", got.State, got.Cause)
	}
}

func TestConfirmRequiresConditional(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	snap := createG1(t, e)
	if _, err := e.ConfirmGate(context.Background(), Actor{ID: "sponsor"}, snap.GateID); !errors.Is(err, ErrNotConditional) {
		t.Fatalf("expected ErrNotConditional, got %v", err)
	}
}

func TestVoteRacingExpiryWinsOnce(t *testing.T) {
	e, _, notifier, ck := newTestEngine(t)
	snap := createG1(t, e)
	ctx := context.Background()

	// Sponsor's 48h SLA expires, but the vote lands before the tick runs.
	ck.Advance(49 * time.Hour)
	approveAll(t, e, snap.GateID)
	e.Tick(ctx, ck.Now())

	for _, esc := range notifier.escalations {
		if esc.Subject == "approver:"+snap.GateID+":sponsor" {
			t.Fatal("voted approver must not be escalated")
		}
	}
}

// Concurrent submissions completing together must produce exactly one
// terminal transition event (the lost-update race of two updates both
// observing "not yet passing").
func TestConcurrentSubmissionsSingleTransition(t *testing.T) {
	e, store, notifier, _ := newTestEngine(t)
	snap := createG1(t, e)
	ctx := context.Background()
	approveAll(t, e, snap.GateID)

	var wg sync.WaitGroup
	for _, c := range snap.Criteria {
		wg.Add(1)
		go func(c models.Criterion) {
			defer wg.Done()
			score := 100.0
			_, err := e.SubmitManualReview(ctx, Actor{ID: c.Approver}, snap.GateID, models.ManualReview{
				Reviewer: c.Approver, Target: c.ID, Approve: true, Score: &score,
			})
			if err != nil && !errors.Is(err, ErrGateTerminal) {
				t.Errorf("review %s: %v", c.ID, err)
			}
		}(c)
	}
	wg.Wait()

	got, _ := e.GetGateStatus(snap.GateID)
	if got.State != models.GatePassed {
		t.Fatalf("expected PASSED, got %s", got.State)
	}
	if n := len(notifier.changesTo(models.GatePassed)); n != 1 {
		t.Fatalf("pass event must fire exactly once under concurrency, got %d", n)
	}
	if n := len(store.transitionsTo(models.GatePassed)); n != 1 {
		t.Fatalf("pass audit must append exactly once, got %d", n)
	}
}

func TestRehydrateQuarantinesCorruptGate(t *testing.T) {
	ck := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := &fakeStore{}
	good := &models.Gate{
		ID: "good", State: models.GateInProgress, RequiredScore: 80,
		Criteria:  []models.Criterion{{ID: "c1", Weight: 100, State: models.CriterionPending}},
		Approvers: []models.Approver{{ID: "a1", Weight: 100, Decision: models.DecisionPending, SLAHours: 24}},
		CreatedAt: ck.Now(), Deadline: ck.Now().Add(48 * time.Hour),
	}
	corrupt := &models.Gate{
		ID: "corrupt", State: models.GateInProgress, RequiredScore: 80,
		Criteria:  []models.Criterion{{ID: "c1", Weight: -3, State: models.CriterionPending}},
		Approvers: []models.Approver{{ID: "a1", Weight: 100, Decision: models.DecisionPending}},
		CreatedAt: ck.Now(), Deadline: ck.Now().Add(48 * time.Hour),
	}
	store.loaded = []*models.Gate{good, corrupt}
	e := New(Config{Now: ck.Now}, store, &fakeNotifier{}, nil)
	if err := e.Rehydrate(context.Background()); err != nil {
		t.Fatalf("Rehydrate: %v", err)
	}
	if _, err := e.GetGateStatus("corrupt"); !errors.Is(err, ErrGateCorrupt) {
		t.Fatalf("expected ErrGateCorrupt, got %v", err)
	}
	// Fault isolation per gate: the healthy one keeps operating.
	if _, err := e.SubmitAutomatedCheck(context.Background(), "good", "c1", 90); err != nil {
		t.Fatalf("healthy gate must keep working: %v", err)
	}
}

func TestRehydrateRearmsDeadlines(t *testing.T) {
	ck := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := &fakeStore{}
	store.loaded = []*models.Gate{{
		ID: "g1", State: models.GateInProgress, RequiredScore: 80,
		Criteria:  []models.Criterion{{ID: "c1", Weight: 100, State: models.CriterionPending}},
		Approvers: []models.Approver{{ID: "a1", Weight: 100, Decision: models.DecisionPending, SLAHours: 1}},
		CreatedAt: ck.Now().Add(-2 * time.Hour), Deadline: ck.Now().Add(-time.Hour),
	}}
	notifier := &fakeNotifier{}
	e := New(Config{Now: ck.Now}, store, notifier, nil)
	if err := e.Rehydrate(context.Background()); err != nil {
		t.Fatalf("Rehydrate: %v", err)
	}
	e.Tick(context.Background(), ck.Now())
	if len(notifier.escalations) == 0 {
		t.Fatal("overdue deadlines must escalate after rehydrate")
	}
}
