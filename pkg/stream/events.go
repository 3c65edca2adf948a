package stream

// Event types carried to websocket subscribers.
const (
	EventGateTransition = "gate.transition"
	EventGateEscalation = "gate.escalation"
)
