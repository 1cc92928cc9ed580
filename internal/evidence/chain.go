package evidence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aevion/shield/internal/core"
	"github.com/aevion/shield/internal/metrics"
)

// Store is the persistence contract for proof records and chain tips.
// Records are written exactly once and never updated; the tip is a single
// small record per domain, advanced only together with the record that
// extends it.
type Store interface {
	// AppendRecord stores rec and advances the domain tip from
	// rec.PreviousHash to rec.ProofHash in one atomic step. Returns
	// ErrTipConflict (nothing written) when the tip no longer matches
	// rec.PreviousHash, and ErrDuplicateProof when the instance already
	// has a record — which, because the append is atomic, can only mean a
	// previous append committed in full.
	AppendRecord(ctx context.Context, rec *ProofBundle) error

	// GetRecord loads by archive key parts.
	GetRecord(ctx context.Context, domain core.Domain, instanceID, proofID string) (*ProofBundle, error)

	// GetByClaim loads the proof for a claim, if one exists.
	GetByClaim(ctx context.Context, claimID string) (*ProofBundle, error)

	// Tip returns the current chain tip hash for a domain; GenesisHash when
	// the chain is empty.
	Tip(ctx context.Context, domain core.Domain) (string, error)

	// Range scans a domain's records by date prefix (YYYY-MM-DD, empty for
	// all), oldest first.
	Range(ctx context.Context, domain core.Domain, datePrefix string, limit int) ([]*ProofBundle, error)
}

// Store-level sentinels.
var (
	ErrRecordNotFound = errors.New("proof record not found")
	ErrDuplicateProof = errors.New("proof record already exists")
	ErrTipConflict    = errors.New("chain tip moved")
)

// appendAttempts bounds retries when writers contend for the same domain tip.
const appendAttempts = 5

// Chain appends proof bundles to per-domain hash chains.
type Chain struct {
	store  Store
	signer *Signer
}

// NewChain wires the proof chain over a store and signer.
func NewChain(store Store, signer *Signer) *Chain {
	return &Chain{store: store, signer: signer}
}

// Append finalizes the bundle — links previous_hash to the current tip,
// computes and signs the proof hash — and commits record and tip advance
// as one atomic store append. A lost tip race relinks against the fresh
// tip and retries, so the chain stays linear under concurrent writers;
// crash-recovery re-runs of Sign land on the already-committed record.
func (c *Chain) Append(ctx context.Context, bundle *ProofBundle) (*ProofBundle, error) {
	for attempt := 0; attempt < appendAttempts; attempt++ {
		tip, err := c.store.Tip(ctx, bundle.Domain)
		if err != nil {
			return nil, fmt.Errorf("read chain tip: %w", err)
		}

		bundle.PreviousHash = tip
		hash, err := bundle.ComputeHash()
		if err != nil {
			return nil, fmt.Errorf("hash bundle: %w", err)
		}
		bundle.ProofHash = hash

		if c.signer != nil {
			sig, err := c.signer.Sign(hash)
			if err != nil {
				return nil, fmt.Errorf("sign bundle: %w", err)
			}
			bundle.Signature = sig
		}

		err = c.store.AppendRecord(ctx, bundle)
		switch {
		case err == nil:
			metrics.ProofsWritten.WithLabelValues(string(bundle.Verdict)).Inc()
			return bundle, nil

		case errors.Is(err, ErrDuplicateProof):
			// Sign re-ran after a crash. The append is atomic, so the
			// existing record is already linked into the chain; return it
			// unchanged.
			stored, gerr := c.store.GetByClaim(ctx, bundle.ClaimID)
			if gerr != nil {
				return nil, fmt.Errorf("load existing proof: %w", gerr)
			}
			return stored, nil

		case errors.Is(err, ErrTipConflict):
			metrics.ChainCASRetries.Inc()
			slog.Warn("chain tip moved, relinking",
				"domain", bundle.Domain, "attempt", attempt+1)
			backoffSleep(ctx, attempt)

		default:
			return nil, fmt.Errorf("append proof record: %w", err)
		}
	}
	return nil, fmt.Errorf("chain tip contention exhausted after %d attempts", appendAttempts)
}

// Verify walks a domain chain oldest-first checking linkage, hash
// integrity and signatures. Returns the index of the first bad record, or
// -1 when the chain is sound.
func (c *Chain) Verify(ctx context.Context, domain core.Domain) (int, error) {
	records, err := c.store.Range(ctx, domain, "", 0)
	if err != nil {
		return -1, err
	}
	prev := GenesisHash
	for i, rec := range records {
		if rec.PreviousHash != prev {
			return i, nil
		}
		if !rec.VerifyHash() {
			return i, nil
		}
		if c.signer != nil && rec.Signature != "" && !c.signer.Verify(rec.ProofHash, rec.Signature) {
			return i, nil
		}
		prev = rec.ProofHash
	}
	return -1, nil
}

func backoffSleep(ctx context.Context, attempt int) {
	d := time.Duration(1<<uint(attempt)) * 50 * time.Millisecond
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
