package notify

import (
	"context"

	"gatekeeper/pkg/models"
	"gatekeeper/pkg/stream"
)

// StreamNotifier mirrors gate events onto the websocket hub so connected
// dashboards refresh without polling.
type StreamNotifier struct {
	Hub *stream.Hub
}

func (s StreamNotifier) GateTransitioned(ctx context.Context, sc models.StateChange) {
	s.Hub.Publish(stream.NewEvent(stream.EventGateTransition, sc))
}

func (s StreamNotifier) GateEscalated(ctx context.Context, esc models.Escalation) {
	s.Hub.Publish(stream.NewEvent(stream.EventGateEscalation, esc))
}
