package sla

import (
	"sync"
	"testing"
	"time"
)

func TestDueExactlyOnce(t *testing.T) {
	s := New()
	base := time.Now().UTC()
	s.Arm(Entry{Key: Key(KindGate, "g1", ""), Kind: KindGate, GateID: "g1", Deadline: base.Add(-time.Minute)})

	first := s.Due(base)
	if len(first) != 1 {
		t.Fatalf("expected one due entry, got %d", len(first))
	}
	second := s.Due(base)
	if len(second) != 0 {
		t.Fatalf("a fired deadline must not fire again, got %d", len(second))
	}
}

func TestDueOrderedByDeadline(t *testing.T) {
	s := New()
	base := time.Now().UTC()
	s.Arm(Entry{Key: "a", Kind: KindApprover, GateID: "g1", Subject: "a", Deadline: base.Add(-time.Minute)})
	s.Arm(Entry{Key: "b", Kind: KindApprover, GateID: "g1", Subject: "b", Deadline: base.Add(-time.Hour)})
	s.Arm(Entry{Key: "c", Kind: KindGate, GateID: "g2", Deadline: base.Add(-30 * time.Minute)})
	s.Arm(Entry{Key: "d", Kind: KindGate, GateID: "g3", Deadline: base.Add(time.Hour)})

	due := s.Due(base)
	if len(due) != 3 {
		t.Fatalf("expected 3 overdue entries, got %d", len(due))
	}
	if due[0].Key != "b" || due[1].Key != "c" || due[2].Key != "a" {
		t.Fatalf("expected increasing deadline order b,c,a; got %s,%s,%s", due[0].Key, due[1].Key, due[2].Key)
	}
	if s.Len() != 1 {
		t.Fatalf("future entry must stay armed, len=%d", s.Len())
	}
}

func TestCatchUpAfterPause(t *testing.T) {
	// Deadlines expire while no tick runs; the first tick after resume
	// must fire each exactly once.
	s := New()
	base := time.Now().UTC()
	for _, key := range []string{"g1", "g2", "g3"} {
		s.Arm(Entry{Key: Key(KindGate, key, ""), Kind: KindGate, GateID: key, Deadline: base.Add(time.Minute)})
	}
	// No tick at base+1m, base+2m... resume at base+3h.
	due := s.Due(base.Add(3 * time.Hour))
	if len(due) != 3 {
		t.Fatalf("expected all missed deadlines on resume, got %d", len(due))
	}
	if len(s.Due(base.Add(4*time.Hour))) != 0 {
		t.Fatal("catch-up must not duplicate escalations")
	}
}

func TestCancelBeforeExpiry(t *testing.T) {
	s := New()
	base := time.Now().UTC()
	key := Key(KindApprover, "g1", "sponsor")
	s.Arm(Entry{Key: key, Kind: KindApprover, GateID: "g1", Subject: "sponsor", Deadline: base.Add(-time.Minute)})
	s.Cancel(key)
	s.Cancel(key) // idempotent
	if len(s.Due(base)) != 0 {
		t.Fatal("canceled deadline must not fire")
	}
	if s.Pending(key) {
		t.Fatal("canceled deadline must not be pending")
	}
}

func TestRearmAfterFire(t *testing.T) {
	s := New()
	base := time.Now().UTC()
	key := Key(KindGate, "g1", "")
	s.Arm(Entry{Key: key, Kind: KindGate, GateID: "g1", Deadline: base.Add(-time.Minute)})
	if len(s.Due(base)) != 1 {
		t.Fatal("expected first fire")
	}
	// Escalation re-arms a longer deadline under the same key.
	s.Arm(Entry{Key: key, Kind: KindGate, GateID: "g1", Deadline: base.Add(24 * time.Hour)})
	if len(s.Due(base)) != 0 {
		t.Fatal("re-armed deadline is in the future")
	}
	if got := s.Due(base.Add(25 * time.Hour)); len(got) != 1 {
		t.Fatalf("re-armed deadline must fire once, got %d", len(got))
	}
}

func TestCancelGate(t *testing.T) {
	s := New()
	base := time.Now().UTC()
	s.Arm(Entry{Key: Key(KindGate, "g1", ""), Kind: KindGate, GateID: "g1", Deadline: base.Add(-time.Minute)})
	s.Arm(Entry{Key: Key(KindApprover, "g1", "pmo"), Kind: KindApprover, GateID: "g1", Subject: "pmo", Deadline: base.Add(-time.Minute)})
	s.Arm(Entry{Key: Key(KindGate, "g2", ""), Kind: KindGate, GateID: "g2", Deadline: base.Add(-time.Minute)})
	s.CancelGate("g1")
	due := s.Due(base)
	if len(due) != 1 || due[0].GateID != "g2" {
		t.Fatalf("expected only g2 to fire, got %+v", due)
	}
}

func TestConcurrentArmCancelDue(t *testing.T) {
	s := New()
	base := time.Now().UTC()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		key := Key(KindApprover, "g1", string(rune('a'+i%26)))
		go func(k string) {
			defer wg.Done()
			s.Arm(Entry{Key: k, Kind: KindApprover, GateID: "g1", Subject: k, Deadline: base.Add(-time.Second)})
		}(key)
		go func(k string) {
			defer wg.Done()
			s.Cancel(k)
		}(key)
	}
	wg.Wait()
	seen := map[string]int{}
	for _, e := range s.Due(base) {
		seen[e.Key]++
	}
	for key, n := range seen {
		if n > 1 {
			t.Fatalf("deadline %s fired %d times", key, n)
		}
	}
}
