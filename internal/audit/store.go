package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryLedger is the in-process fallback and test backend.
type MemoryLedger struct {
	mu     sync.RWMutex
	events []Event
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{}
}

func (m *MemoryLedger) Append(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *MemoryLedger) ListByClaim(_ context.Context, claimID string, limit int) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Event
	for _, ev := range m.events {
		if ev.ClaimID != claimID {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// All returns every event; test helper.
func (m *MemoryLedger) All() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

var _ Ledger = (*MemoryLedger)(nil)

// PostgresLedger stores events in one append-only table:
//
//	CREATE TABLE audit_events (
//	    id         TEXT PRIMARY KEY,
//	    kind       TEXT NOT NULL,
//	    claim_id   TEXT NOT NULL,
//	    payload    JSONB NOT NULL DEFAULT '{}',
//	    created_at TIMESTAMPTZ NOT NULL
//	);
//	CREATE INDEX audit_events_claim_idx ON audit_events (claim_id, created_at);
type PostgresLedger struct {
	db *sql.DB
}

// NewPostgresLedger wraps an open connection pool.
func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

func (p *PostgresLedger) Append(ctx context.Context, ev Event) error {
	payload, err := marshalPayload(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, kind, claim_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		ev.ID, ev.Kind, ev.ClaimID, payload, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (p *PostgresLedger) ListByClaim(ctx context.Context, claimID string, limit int) ([]Event, error) {
	q := `
		SELECT id, kind, claim_id, payload, created_at
		FROM audit_events WHERE claim_id = $1
		ORDER BY created_at ASC`
	args := []interface{}{claimID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.Kind, &ev.ClaimID, &payload, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal payload: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

var _ Ledger = (*PostgresLedger)(nil)
