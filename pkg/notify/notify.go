package notify

import (
	"context"
	"log"

	"gatekeeper/pkg/models"
)

// Notifier mirrors the engine's outbound event surface so fan-out targets
// can be composed without importing the engine.
type Notifier interface {
	GateTransitioned(ctx context.Context, sc models.StateChange)
	GateEscalated(ctx context.Context, esc models.Escalation)
}

// Multi fans every event out to all targets. Targets must not block; slow
// delivery belongs inside the target, not here.
type Multi []Notifier

func (m Multi) GateTransitioned(ctx context.Context, sc models.StateChange) {
	for _, n := range m {
		n.GateTransitioned(ctx, sc)
	}
}

func (m Multi) GateEscalated(ctx context.Context, esc models.Escalation) {
	for _, n := range m {
		n.GateEscalated(ctx, esc)
	}
}

// LogNotifier writes events to the process log. It is the fallback target
// when no broker is configured.
type LogNotifier struct{}

func (LogNotifier) GateTransitioned(ctx context.Context, sc models.StateChange) {
	log.Printf("gate %s: %s -> %s (%s)", sc.GateID, sc.From, sc.To, sc.Cause)
}

func (LogNotifier) GateEscalated(ctx context.Context, esc models.Escalation) {
	if esc.Forced {
		log.Printf("gate %s: deadline %s forced resolution", esc.GateID, esc.Subject)
		return
	}
	log.Printf("gate %s: deadline %s escalated to tier %d (%s)", esc.GateID, esc.Subject, esc.Tier, esc.Contact)
}
