package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"gatekeeper/pkg/auth"
	"gatekeeper/pkg/consensus"
	"gatekeeper/pkg/engine"
	"gatekeeper/pkg/httpx"
	"gatekeeper/pkg/models"
	"gatekeeper/pkg/scoring"
	"gatekeeper/pkg/store"
	"gatekeeper/pkg/stream"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
)

type createGateRequest struct {
	ProjectID     string                  `json:"project_id"`
	Template      string                  `json:"template,omitempty"`
	Phase         string                  `json:"phase,omitempty"`
	RequiredScore float64                 `json:"required_score,omitempty"`
	SLAHours      int                     `json:"sla_hours,omitempty"`
	Criteria      []models.Criterion      `json:"criteria,omitempty"`
	Approvers     []models.Approver       `json:"approvers,omitempty"`
	Escalations   []models.EscalationTier `json:"escalations,omitempty"`
}

func (s *Server) createGate(w http.ResponseWriter, r *http.Request) {
	var req createGateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if strings.TrimSpace(req.ProjectID) == "" {
		httpx.Error(w, 400, "project_id required")
		return
	}
	var spec engine.CreateSpec
	if len(req.Criteria) == 0 && len(req.Approvers) == 0 {
		// No explicit composition: instantiate from a named template.
		switch strings.ToUpper(strings.TrimSpace(req.Template)) {
		case "", "G1":
			spec = engine.G1Template(req.ProjectID)
		default:
			httpx.Error(w, 400, "unknown template")
			return
		}
	} else {
		spec = engine.CreateSpec{
			ProjectID:     req.ProjectID,
			Template:      req.Template,
			Phase:         req.Phase,
			RequiredScore: req.RequiredScore,
			SLA:           time.Hour * time.Duration(req.SLAHours),
			Criteria:      req.Criteria,
			Approvers:     req.Approvers,
			Escalations:   req.Escalations,
		}
	}
	if req.RequiredScore > 0 {
		spec.RequiredScore = req.RequiredScore
	}
	if req.SLAHours > 0 {
		spec.SLA = time.Hour * time.Duration(req.SLAHours)
	}
	if spec.RequiredScore <= 0 {
		spec.RequiredScore = 80
	}
	snap, err := s.Engine.CreateGate(r.Context(), spec)
	if err != nil {
		s.writeEngineError(w, "create gate", err, nil)
		return
	}
	httpx.WriteJSON(w, 201, snap)
}

func (s *Server) listGates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	gates, err := s.Gates.ListGates(r.Context(), store.ListFilter{
		ProjectID: strings.TrimSpace(q.Get("project_id")),
		State:     strings.ToUpper(strings.TrimSpace(q.Get("state"))),
	})
	if err != nil {
		internalServerError(w, "list gates", err)
		return
	}
	items := make([]models.GateSnapshot, 0, len(gates))
	for _, g := range gates {
		if snap, err := s.Engine.GetGateStatus(g.ID); err == nil {
			items = append(items, snap)
			continue
		}
		// Resolved gates may have been evicted from memory; summarize
		// from the stored document.
		items = append(items, storedSnapshot(g))
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{"items": items})
}

func (s *Server) getGate(w http.ResponseWriter, r *http.Request) {
	gateID := chi.URLParam(r, "gate_id")
	snap, err := s.Engine.GetGateStatus(gateID)
	if err != nil {
		s.writeEngineError(w, "get gate", err, nil)
		return
	}
	httpx.WriteJSON(w, 200, snap)
}

func (s *Server) getTransitions(w http.ResponseWriter, r *http.Request) {
	gateID := chi.URLParam(r, "gate_id")
	trs, err := s.Gates.Transitions(r.Context(), gateID)
	if err != nil {
		internalServerError(w, "get transitions", err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{"items": trs})
}

type checkRequest struct {
	CriterionID string  `json:"criterion_id"`
	Value       float64 `json:"value"`
}

func (s *Server) submitCheck(w http.ResponseWriter, r *http.Request) {
	gateID := chi.URLParam(r, "gate_id")
	if !s.allowSubmission(w, r, "checks") {
		return
	}
	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if strings.TrimSpace(req.CriterionID) == "" {
		httpx.Error(w, 400, "criterion_id required")
		return
	}
	snap, err := s.Engine.SubmitAutomatedCheck(r.Context(), gateID, req.CriterionID, req.Value)
	if err != nil {
		s.writeEngineError(w, "submit check", err, &snap)
		return
	}
	if s.Metrics != nil {
		s.Metrics.IncCheck()
	}
	httpx.WriteJSON(w, 200, snap)
}

type reviewRequest struct {
	Target  string   `json:"target"`
	Approve bool     `json:"approve"`
	Score   *float64 `json:"score,omitempty"`
	Comment string   `json:"comment,omitempty"`
}

func (s *Server) submitReview(w http.ResponseWriter, r *http.Request) {
	gateID := chi.URLParam(r, "gate_id")
	if !s.allowSubmission(w, r, "reviews") {
		return
	}
	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if strings.TrimSpace(req.Target) == "" {
		httpx.Error(w, 400, "target required")
		return
	}
	actor := s.actorFromRequest(r)
	snap, err := s.Engine.SubmitManualReview(r.Context(), actor, gateID, models.ManualReview{
		Reviewer: actor.ID,
		Target:   req.Target,
		Approve:  req.Approve,
		Score:    req.Score,
		Comment:  req.Comment,
	})
	if err != nil {
		s.writeEngineError(w, "submit review", err, &snap)
		return
	}
	if s.Metrics != nil {
		s.Metrics.IncReview()
	}
	httpx.WriteJSON(w, 200, snap)
}

func (s *Server) confirmGate(w http.ResponseWriter, r *http.Request) {
	gateID := chi.URLParam(r, "gate_id")
	snap, err := s.Engine.ConfirmGate(r.Context(), s.actorFromRequest(r), gateID)
	if err != nil {
		s.writeEngineError(w, "confirm gate", err, &snap)
		return
	}
	httpx.WriteJSON(w, 200, snap)
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, 503, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func (s *Server) actorFromRequest(r *http.Request) engine.Actor {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		return engine.Actor{ID: "anonymous", Roles: []string{"anonymous"}}
	}
	return engine.Actor{ID: principal.Subject, Roles: principal.Roles}
}

// allowSubmission applies the per-principal rate limit on mutating
// submission endpoints.
func (s *Server) allowSubmission(w http.ResponseWriter, r *http.Request, kind string) bool {
	if s.Limiter == nil || s.SubmitRateLimit <= 0 {
		return true
	}
	actor := s.actorFromRequest(r)
	decision := s.Limiter.Allow(kind+":"+actor.ID, s.SubmitRateLimit)
	if !decision.Allowed {
		w.Header().Set("Retry-After", decision.ResetAt.UTC().Format(http.TimeFormat))
		httpx.Error(w, 429, "rate limit exceeded")
		return false
	}
	return true
}

// writeEngineError maps engine sentinels to HTTP statuses. Conflicts on a
// resolved gate return the untouched snapshot alongside the error so
// clients can resync.
func (s *Server) writeEngineError(w http.ResponseWriter, op string, err error, snap *models.GateSnapshot) {
	switch {
	case errors.Is(err, engine.ErrGateNotFound), errors.Is(err, engine.ErrTargetNotFound):
		httpx.Error(w, 404, err.Error())
	case errors.Is(err, engine.ErrGateTerminal):
		payload := map[string]interface{}{"error": err.Error()}
		if snap != nil && snap.GateID != "" {
			payload["gate"] = snap
		}
		httpx.WriteJSON(w, 409, payload)
	case errors.Is(err, engine.ErrNotConditional):
		httpx.Error(w, 409, err.Error())
	case errors.Is(err, engine.ErrNotAuthorized):
		httpx.Error(w, 403, err.Error())
	case errors.Is(err, engine.ErrGateCorrupt):
		httpx.Error(w, 422, err.Error())
	case errors.Is(err, engine.ErrScoreRange),
		errors.Is(err, engine.ErrCriterionRequired),
		errors.Is(err, scoring.ErrBadWeight),
		errors.Is(err, consensus.ErrWeightSum),
		errors.Is(err, consensus.ErrDuplicateApprover),
		errors.Is(err, consensus.ErrNoApprovers):
		httpx.Error(w, 400, err.Error())
	default:
		internalServerError(w, op, err)
	}
}

// storedSnapshot builds a read model straight from a persisted document,
// used for gates no longer tracked in memory.
func storedSnapshot(g *models.Gate) models.GateSnapshot {
	score := scoring.Compute(g.Criteria)
	tally := consensus.Tally(g.Approvers, consensus.DefaultConfig())
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
		Criteria:          g.Criteria,
		Approvers:         g.Approvers,
		Deadline:          g.Deadline,
		Cause:             g.Cause,
		ResolvedAt:        g.ResolvedAt,
	}
}

func internalServerError(w http.ResponseWriter, op string, err error) {
	if err != nil {
		log.Printf("gatekeeper %s: %v", op, err)
	}
	httpx.Error(w, 500, "internal error")
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
