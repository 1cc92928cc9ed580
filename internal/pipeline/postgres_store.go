package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore persists instances in the pipeline_instances table:
//
//	CREATE TABLE pipeline_instances (
//	    id         TEXT PRIMARY KEY,
//	    claim_id   TEXT NOT NULL UNIQUE,
//	    state      TEXT NOT NULL,
//	    stage      TEXT NOT NULL,
//	    body       JSONB NOT NULL,
//	    created_at TIMESTAMPTZ NOT NULL,
//	    updated_at TIMESTAMPTZ NOT NULL
//	);
//	CREATE INDEX pipeline_instances_state ON pipeline_instances (state);
//
// The full instance (claim, attempts, checkpoint, decision) lives in the
// body column; the state and stage columns exist for indexed scans.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, in *Instance) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal instance: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO pipeline_instances (id, claim_id, state, stage, body, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		in.ID, in.Claim.ID, string(in.State), string(in.Stage), body, in.CreatedAt, in.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return ErrClaimExists
		}
		return fmt.Errorf("insert instance: %w", err)
	}
	return nil
}

func (p *PostgresStore) Save(ctx context.Context, in *Instance) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal instance: %w", err)
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE pipeline_instances
		SET state = $2, stage = $3, body = $4, updated_at = $5
		WHERE id = $1`,
		in.ID, string(in.State), string(in.Stage), body, in.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save instance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save instance: %w", err)
	}
	if n == 0 {
		return ErrInstanceNotFound
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Instance, error) {
	return p.queryOne(ctx, `WHERE id = $1`, id)
}

func (p *PostgresStore) GetByClaim(ctx context.Context, claimID string) (*Instance, error) {
	return p.queryOne(ctx, `WHERE claim_id = $1`, claimID)
}

func (p *PostgresStore) queryOne(ctx context.Context, where string, args ...interface{}) (*Instance, error) {
	var body []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT body FROM pipeline_instances `+where, args...).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInstanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load instance: %w", err)
	}
	var in Instance
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("decode instance: %w", err)
	}
	return &in, nil
}

func (p *PostgresStore) ListResumable(ctx context.Context) ([]*Instance, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT body FROM pipeline_instances
		WHERE state IN ($1, $2) ORDER BY created_at ASC`,
		string(StateRunning), string(StateAwaitingReview))
	if err != nil {
		return nil, fmt.Errorf("scan resumable instances: %w", err)
	}
	defer rows.Close()

	var out []*Instance
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var in Instance
		if err := json.Unmarshal(body, &in); err != nil {
			return nil, fmt.Errorf("decode instance: %w", err)
		}
		out = append(out, &in)
	}
	return out, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
