package checkbus

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"gatekeeper/pkg/engine"
	"gatekeeper/pkg/models"
)

// Sink receives decoded check results. The engine satisfies it.
type Sink interface {
	SubmitAutomatedCheck(ctx context.Context, gateID, criterionID string, value float64) (models.GateSnapshot, error)
}

// Runner drains the check bus into the sink. Malformed messages and results
// for resolved or unknown gates are logged and skipped; the loop only stops
// when the context is canceled.
type Runner struct {
	bus  Consumer
	sink Sink

	retryDelay time.Duration
}

func NewRunner(bus Consumer, sink Sink) *Runner {
	return &Runner{bus: bus, sink: sink, retryDelay: 500 * time.Millisecond}
}

func (r *Runner) Run(ctx context.Context) {
	for {
		msg, err := r.bus.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("check bus read error: %v", err)
			time.Sleep(r.retryDelay)
			continue
		}
		var cm models.CheckMessage
		if err := json.Unmarshal(msg.Value, &cm); err != nil {
			log.Printf("check bus decode error: %v", err)
			continue
		}
		if cm.GateID == "" || cm.CriterionID == "" {
			log.Printf("check bus message missing gate or criterion id")
			continue
		}
		if _, err := r.sink.SubmitAutomatedCheck(ctx, cm.GateID, cm.CriterionID, cm.Value); err != nil {
			switch {
			case errors.Is(err, engine.ErrGateTerminal):
				// Late result for a resolved gate; skip quietly.
			case errors.Is(err, engine.ErrGateNotFound), errors.Is(err, engine.ErrTargetNotFound):
				log.Printf("check bus: no receiver for gate=%s criterion=%s", cm.GateID, cm.CriterionID)
			default:
				log.Printf("check bus apply error for gate=%s: %v", cm.GateID, err)
			}
		}
	}
}
