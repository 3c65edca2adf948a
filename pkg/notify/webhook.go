package notify

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"gatekeeper/pkg/httpx"
	"gatekeeper/pkg/models"
)

// WebhookNotifier POSTs gate events to an external endpoint, typically the
// project-management console. Deliveries retry on transport errors and 5xx;
// a delivery that still fails is logged and dropped.
type WebhookNotifier struct {
	URL        string
	Token      string
	Client     *http.Client
	Retries    int
	RetryDelay time.Duration
}

func NewWebhookNotifier(url, token string) *WebhookNotifier {
	return &WebhookNotifier{
		URL:        url,
		Token:      token,
		Client:     &http.Client{Timeout: 10 * time.Second},
		Retries:    2,
		RetryDelay: time.Second,
	}
}

type webhookPayload struct {
	Kind       string              `json:"kind"`
	Transition *models.StateChange `json:"transition,omitempty"`
	Escalation *models.Escalation  `json:"escalation,omitempty"`
}

func (w *WebhookNotifier) GateTransitioned(ctx context.Context, sc models.StateChange) {
	w.deliver(ctx, webhookPayload{Kind: "transition", Transition: &sc})
}

func (w *WebhookNotifier) GateEscalated(ctx context.Context, esc models.Escalation) {
	w.deliver(ctx, webhookPayload{Kind: "escalation", Escalation: &esc})
}

func (w *WebhookNotifier) deliver(ctx context.Context, payload webhookPayload) {
	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("notify: encode webhook payload: %v", err)
		return
	}
	headers := map[string]string{}
	if w.Token != "" {
		headers["Authorization"] = "Bearer " + w.Token
	}
	status, _, err := httpx.RequestJSON(ctx, w.Client, http.MethodPost, w.URL, body, headers, w.Retries, w.RetryDelay)
	if err != nil {
		log.Printf("notify: webhook delivery failed: %v", err)
		return
	}
	if status >= 400 {
		log.Printf("notify: webhook delivery rejected with status %d", status)
	}
}
