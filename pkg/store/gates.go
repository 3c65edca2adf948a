package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gatekeeper/pkg/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the slice of pgxpool.Pool the gate store needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// GateStore persists gates write-through: the full gate document is upserted
// on every mutation and transitions are appended to their own table. The
// cache carries the latest gate document for cross-instance readers; it is
// refreshed on every save and is never the source of truth.
type GateStore struct {
	db       DB
	cache    Cache
	cacheTTL time.Duration
}

func NewGateStore(db DB, cache Cache) *GateStore {
	return &GateStore{db: db, cache: cache, cacheTTL: 10 * time.Minute}
}

func cacheKey(gateID string) string { return "gatekeeper:gate:" + gateID }

// SaveGate upserts the gate document. Criteria, approvers, and the
// escalation chain travel inside the JSONB payload; the indexed columns
// exist for listing and warmup queries.
func (s *GateStore) SaveGate(ctx context.Context, g *models.Gate) error {
	payload, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("marshal gate %s: %w", g.ID, err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO gates (gate_id, project_id, phase, state, deadline, payload, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (gate_id) DO UPDATE
		SET state = EXCLUDED.state, deadline = EXCLUDED.deadline,
		    payload = EXCLUDED.payload, updated_at = now()`,
		g.ID, g.ProjectID, g.Phase, g.State, g.Deadline, payload)
	if err != nil {
		return fmt.Errorf("save gate %s: %w", g.ID, err)
	}
	if s.cache != nil {
		if cerr := s.cache.Set(ctx, cacheKey(g.ID), string(payload), s.cacheTTL); cerr != nil {
			// Cache refresh failure is not a persistence failure.
			_ = s.cache.Del(ctx, cacheKey(g.ID))
		}
	}
	return nil
}

// AppendTransition records one audit row. The log is append-only; rows are
// never updated or deleted.
func (s *GateStore) AppendTransition(ctx context.Context, tr models.Transition) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO gate_transitions (gate_id, from_state, to_state, cause, actor, at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		tr.GateID, tr.From, tr.To, tr.Cause, tr.Actor, tr.At)
	if err != nil {
		return fmt.Errorf("append transition for gate %s: %w", tr.GateID, err)
	}
	return nil
}

// LoadOpenGates returns every gate that has not reached PASSED or FAILED.
// CONDITIONAL gates are included: their confirmation is still outstanding.
func (s *GateStore) LoadOpenGates(ctx context.Context) ([]*models.Gate, error) {
	rows, err := s.db.Query(ctx, `
		SELECT payload FROM gates
		WHERE state NOT IN ($1, $2)
		ORDER BY created_at`,
		models.GatePassed, models.GateFailed)
	if err != nil {
		return nil, fmt.Errorf("load open gates: %w", err)
	}
	defer rows.Close()
	var gates []*models.Gate
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		g := &models.Gate{}
		if err := json.Unmarshal(payload, g); err != nil {
			return nil, fmt.Errorf("decode gate payload: %w", err)
		}
		gates = append(gates, g)
	}
	return gates, rows.Err()
}

// ListFilter narrows ListGates. Zero values mean no filtering.
type ListFilter struct {
	ProjectID string
	State     string
	Limit     int
}

// ListGates returns gate documents matching the filter, newest first.
func (s *GateStore) ListGates(ctx context.Context, f ListFilter) ([]*models.Gate, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT payload FROM gates WHERE ($1 = '' OR project_id = $1) AND ($2 = '' OR state = $2) ORDER BY created_at DESC LIMIT $3`
	rows, err := s.db.Query(ctx, q, f.ProjectID, f.State, limit)
	if err != nil {
		return nil, fmt.Errorf("list gates: %w", err)
	}
	defer rows.Close()
	var gates []*models.Gate
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		g := &models.Gate{}
		if err := json.Unmarshal(payload, g); err != nil {
			return nil, fmt.Errorf("decode gate payload: %w", err)
		}
		gates = append(gates, g)
	}
	return gates, rows.Err()
}

// Transitions returns the audit trail of one gate in chronological order.
func (s *GateStore) Transitions(ctx context.Context, gateID string) ([]models.Transition, error) {
	rows, err := s.db.Query(ctx, `
		SELECT gate_id, from_state, to_state, cause, actor, at
		FROM gate_transitions WHERE gate_id = $1 ORDER BY at, id`, gateID)
	if err != nil {
		return nil, fmt.Errorf("transitions for gate %s: %w", gateID, err)
	}
	defer rows.Close()
	var out []models.Transition
	for rows.Next() {
		var tr models.Transition
		if err := rows.Scan(&tr.GateID, &tr.From, &tr.To, &tr.Cause, &tr.Actor, &tr.At); err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// CachedGate returns the cached gate document, or nil on a miss. Readers
// that only need an eventually consistent view use this to skip the DB.
func (s *GateStore) CachedGate(ctx context.Context, gateID string) (*models.Gate, error) {
	if s.cache == nil {
		return nil, nil
	}
	raw, err := s.cache.Get(ctx, cacheKey(gateID))
	if err != nil || raw == "" {
		return nil, nil
	}
	g := &models.Gate{}
	if err := json.Unmarshal([]byte(raw), g); err != nil {
		return nil, nil
	}
	return g, nil
}
