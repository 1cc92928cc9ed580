package evidence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/aevion/shield/internal/core"
)

// PostgresStore persists the proof archive in two tables:
//
//	CREATE TABLE proof_records (
//	    domain       TEXT NOT NULL,
//	    instance_id  TEXT NOT NULL,
//	    proof_id     TEXT NOT NULL,
//	    claim_id     TEXT NOT NULL,
//	    proof_hash   TEXT NOT NULL,
//	    bundle       JSONB NOT NULL,
//	    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    PRIMARY KEY (domain, instance_id, proof_id),
//	    UNIQUE (instance_id),
//	    UNIQUE (claim_id)
//	);
//	CREATE TABLE chain_tips (
//	    domain TEXT PRIMARY KEY,
//	    hash   TEXT NOT NULL
//	);
//
// Records are insert-only; the tip row is the only mutable state. Appends
// run record insert and guarded tip advance in one transaction, so a
// record exists exactly when the chain includes it.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) AppendRecord(ctx context.Context, rec *ProofBundle) error {
	bundle, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal bundle: %w", err)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var res sql.Result
	if rec.PreviousHash == GenesisHash {
		// First writer for the domain inserts the tip row; a conflict means
		// someone else won.
		res, err = tx.ExecContext(ctx, `
			INSERT INTO chain_tips (domain, hash) VALUES ($1, $2)
			ON CONFLICT (domain) DO UPDATE SET hash = EXCLUDED.hash
			WHERE chain_tips.hash = $3`,
			rec.Domain, rec.ProofHash, rec.PreviousHash)
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE chain_tips SET hash = $1 WHERE domain = $2 AND hash = $3`,
			rec.ProofHash, rec.Domain, rec.PreviousHash)
	}
	if err != nil {
		return fmt.Errorf("advance tip: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return ErrTipConflict
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO proof_records (domain, instance_id, proof_id, claim_id, proof_hash, bundle)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.Domain, rec.InstanceID, rec.ProofID, rec.ClaimID, rec.ProofHash, bundle); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return ErrDuplicateProof
		}
		return fmt.Errorf("insert proof record: %w", err)
	}
	return tx.Commit()
}

func (p *PostgresStore) GetRecord(ctx context.Context, domain core.Domain, instanceID, proofID string) (*ProofBundle, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT bundle FROM proof_records
		WHERE domain = $1 AND instance_id = $2 AND proof_id = $3`,
		domain, instanceID, proofID)
	return scanBundle(row)
}

func (p *PostgresStore) GetByClaim(ctx context.Context, claimID string) (*ProofBundle, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT bundle FROM proof_records WHERE claim_id = $1`, claimID)
	return scanBundle(row)
}

func (p *PostgresStore) Tip(ctx context.Context, domain core.Domain) (string, error) {
	var hash string
	err := p.db.QueryRowContext(ctx,
		`SELECT hash FROM chain_tips WHERE domain = $1`, domain).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return GenesisHash, nil
	}
	if err != nil {
		return "", fmt.Errorf("read tip: %w", err)
	}
	return hash, nil
}

func (p *PostgresStore) Range(ctx context.Context, domain core.Domain, datePrefix string, limit int) ([]*ProofBundle, error) {
	q := `
		SELECT bundle FROM proof_records
		WHERE domain = $1 AND ($2 = '' OR bundle->>'timestamp' LIKE $2 || '%')
		ORDER BY created_at ASC`
	args := []interface{}{domain, datePrefix}
	if limit > 0 {
		q += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("range proofs: %w", err)
	}
	defer rows.Close()

	var out []*ProofBundle
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var rec ProofBundle
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("unmarshal bundle: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func scanBundle(row *sql.Row) (*ProofBundle, error) {
	var raw []byte
	err := row.Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec ProofBundle
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal bundle: %w", err)
	}
	return &rec, nil
}

var _ Store = (*PostgresStore)(nil)
