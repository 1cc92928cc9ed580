package hitl

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/aevion/shield/internal/core"
)

// PostgresStore persists tickets in the hitl_tickets table:
//
//	CREATE TABLE hitl_tickets (
//	    id          TEXT PRIMARY KEY,
//	    claim_id    TEXT NOT NULL,
//	    instance_id TEXT NOT NULL,
//	    risk        TEXT NOT NULL,
//	    summary     TEXT NOT NULL DEFAULT '',
//	    status      TEXT NOT NULL DEFAULT 'awaiting',
//	    decision    JSONB,
//	    created_at  TIMESTAMPTZ NOT NULL,
//	    deadline    TIMESTAMPTZ NOT NULL
//	);
//	CREATE UNIQUE INDEX hitl_tickets_awaiting_claim
//	    ON hitl_tickets (claim_id) WHERE status = 'awaiting';
//	CREATE INDEX hitl_tickets_pending ON hitl_tickets (deadline) WHERE status = 'awaiting';
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, t *Ticket) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO hitl_tickets (id, claim_id, instance_id, risk, summary, status, created_at, deadline)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.ID, t.ClaimID, t.InstanceID, string(t.Risk), t.Summary, string(t.Status), t.CreatedAt, t.Deadline)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return ErrDuplicateTicket
		}
		return fmt.Errorf("insert ticket: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Ticket, error) {
	return p.queryOne(ctx, `WHERE id = $1`, id)
}

func (p *PostgresStore) GetByClaim(ctx context.Context, claimID string) (*Ticket, error) {
	return p.queryOne(ctx, `WHERE claim_id = $1 ORDER BY created_at DESC LIMIT 1`, claimID)
}

func (p *PostgresStore) queryOne(ctx context.Context, where string, args ...interface{}) (*Ticket, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, claim_id, instance_id, risk, summary, status, decision, created_at, deadline
		FROM hitl_tickets `+where, args...)
	t, err := scanTicket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTicketNotFound
	}
	return t, err
}

func (p *PostgresStore) Resolve(ctx context.Context, id string, status Status, decision core.Decision) (*Ticket, error) {
	decJSON, err := json.Marshal(decision)
	if err != nil {
		return nil, fmt.Errorf("marshal decision: %w", err)
	}

	// Single-statement CAS on status keeps the transition exactly-once.
	res, err := p.db.ExecContext(ctx, `
		UPDATE hitl_tickets SET status = $2, decision = $3
		WHERE id = $1 AND status = 'awaiting'`,
		id, string(status), decJSON)
	if err != nil {
		return nil, fmt.Errorf("resolve ticket: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("resolve ticket: %w", err)
	}
	if n == 0 {
		if _, gerr := p.Get(ctx, id); gerr != nil {
			return nil, gerr
		}
		return nil, ErrAlreadyResolved
	}
	return p.Get(ctx, id)
}

func (p *PostgresStore) ListPending(ctx context.Context, limit int) ([]*Ticket, error) {
	return p.queryMany(ctx, `
		SELECT id, claim_id, instance_id, risk, summary, status, decision, created_at, deadline
		FROM hitl_tickets WHERE status = 'awaiting'
		ORDER BY created_at ASC LIMIT $1`, nullableLimit(limit))
}

func (p *PostgresStore) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*Ticket, error) {
	return p.queryMany(ctx, `
		SELECT id, claim_id, instance_id, risk, summary, status, decision, created_at, deadline
		FROM hitl_tickets WHERE status = 'awaiting' AND deadline < $1
		ORDER BY created_at ASC LIMIT $2`, now, nullableLimit(limit))
}

func (p *PostgresStore) queryMany(ctx context.Context, query string, args ...interface{}) ([]*Ticket, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tickets: %w", err)
	}
	defer rows.Close()

	var out []*Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTicket(row rowScanner) (*Ticket, error) {
	var t Ticket
	var risk, status string
	var decJSON []byte
	if err := row.Scan(&t.ID, &t.ClaimID, &t.InstanceID, &risk, &t.Summary, &status,
		&decJSON, &t.CreatedAt, &t.Deadline); err != nil {
		return nil, err
	}
	t.Risk = core.RiskLevel(risk)
	t.Status = Status(status)
	if len(decJSON) > 0 {
		var d core.Decision
		if err := json.Unmarshal(decJSON, &d); err != nil {
			return nil, fmt.Errorf("decode decision: %w", err)
		}
		t.Decision = &d
	}
	return &t, nil
}

func nullableLimit(limit int) interface{} {
	if limit <= 0 {
		return nil // LIMIT NULL means no limit
	}
	return limit
}

var _ Store = (*PostgresStore)(nil)
