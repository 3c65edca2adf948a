package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"gatekeeper/pkg/models"

	"github.com/segmentio/kafka-go"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier publishes gate events to two topics: transitions and
// escalations. Messages are keyed by gate id so per-gate ordering survives
// partitioning. Publish failures are logged, not propagated; the engine has
// already committed the transition and must not roll back on broker trouble.
type KafkaNotifier struct {
	transitions kafkaWriter
	escalations kafkaWriter
}

type KafkaConfig struct {
	Brokers         []string
	TransitionTopic string
	EscalationTopic string
}

func NewKafkaNotifier(cfg KafkaConfig) (*KafkaNotifier, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.TransitionTopic) == "" || strings.TrimSpace(cfg.EscalationTopic) == "" {
		return nil, fmt.Errorf("kafka topics required")
	}
	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			WriteTimeout: 5 * time.Second,
			RequiredAcks: kafka.RequireOne,
		}
	}
	return &KafkaNotifier{
		transitions: newWriter(cfg.TransitionTopic),
		escalations: newWriter(cfg.EscalationTopic),
	}, nil
}

func (k *KafkaNotifier) GateTransitioned(ctx context.Context, sc models.StateChange) {
	payload, err := json.Marshal(sc)
	if err != nil {
		log.Printf("notify: encode state change for gate %s: %v", sc.GateID, err)
		return
	}
	if err := k.transitions.WriteMessages(ctx, kafka.Message{Key: []byte(sc.GateID), Value: payload}); err != nil {
		log.Printf("notify: publish state change for gate %s: %v", sc.GateID, err)
	}
}

func (k *KafkaNotifier) GateEscalated(ctx context.Context, esc models.Escalation) {
	payload, err := json.Marshal(esc)
	if err != nil {
		log.Printf("notify: encode escalation for gate %s: %v", esc.GateID, err)
		return
	}
	if err := k.escalations.WriteMessages(ctx, kafka.Message{Key: []byte(esc.GateID), Value: payload}); err != nil {
		log.Printf("notify: publish escalation for gate %s: %v", esc.GateID, err)
	}
}

func (k *KafkaNotifier) Close() error {
	var first error
	for _, w := range []kafkaWriter{k.transitions, k.escalations} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
