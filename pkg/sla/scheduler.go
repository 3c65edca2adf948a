package sla

import (
	"sort"
	"sync"
	"time"
)

// Deadline kinds.
const (
	KindGate      = "gate"
	KindApprover  = "approver"
	KindCriterion = "criterion"
)

// Entry is one armed deadline: the whole gate, one approver's SLA, or one
// criterion's review window.
type Entry struct {
	Key      string
	Kind     string
	GateID   string
	Subject  string
	Deadline time.Time
}

// Key builds the scheduler key for a deadline owner.
func Key(kind, gateID, subject string) string {
	if subject == "" {
		return kind + ":" + gateID
	}
	return kind + ":" + gateID + ":" + subject
}

// Scheduler is a scan-based deadline registry: one entry per open gate and
// per open approver/criterion, scanned on every tick instead of one timer
// per entity. Cancellation is a map delete, so a vote landing before expiry
// never races a timer teardown.
type Scheduler struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func New() *Scheduler {
	return &Scheduler{entries: map[string]Entry{}}
}

// Arm registers or replaces the deadline for e.Key. Re-arming after an
// escalation resets the entry, so the new deadline can fire again.
func (s *Scheduler) Arm(e Entry) {
	if e.Key == "" || e.Deadline.IsZero() {
		return
	}
	s.mu.Lock()
	s.entries[e.Key] = e
	s.mu.Unlock()
}

// Cancel removes a deadline. Idempotent; canceling an already-fired or
// unknown key is a no-op.
func (s *Scheduler) Cancel(key string) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// CancelGate drops every deadline owned by a gate, used when the gate
// reaches a terminal state.
func (s *Scheduler) CancelGate(gateID string) {
	s.mu.Lock()
	for key, e := range s.entries {
		if e.GateID == gateID {
			delete(s.entries, key)
		}
	}
	s.mu.Unlock()
}

// Due removes and returns every entry whose deadline is at or before now,
// in increasing deadline order. Each armed deadline is returned exactly
// once, so a paused scheduler catches up on resume without losing or
// duplicating escalations. Callers re-check the owning record under the
// gate's lock before acting.
func (s *Scheduler) Due(now time.Time) []Entry {
	now = now.UTC()
	s.mu.Lock()
	var due []Entry
	for key, e := range s.entries {
		if !e.Deadline.After(now) {
			due = append(due, e)
			delete(s.entries, key)
		}
	}
	s.mu.Unlock()
	sort.Slice(due, func(i, j int) bool { return due[i].Deadline.Before(due[j].Deadline) })
	return due
}

// Pending reports whether a deadline is still armed.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	_, ok := s.entries[key]
	s.mu.Unlock()
	return ok
}

// Len returns the number of armed deadlines.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
