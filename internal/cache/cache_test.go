package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aevion/shield/internal/consensus"
	"github.com/aevion/shield/internal/core"
	"github.com/aevion/shield/internal/evidence"
)

func TestSnapshotRoundTrip(t *testing.T) {
	c := New(NewMemoryClient(), "", 0)
	ctx := context.Background()

	snap := consensus.Snapshot{
		SessionID:          "claim-1",
		MajorityVerdict:    core.VerdictVerified,
		FinalVerdict:       core.VerdictVerified,
		WeightedConfidence: 0.91,
		BFTReached:         true,
		ValidVotes:         3,
		TotalVotes:         3,
		Sealed:             true,
		UpdatedAt:          time.Now().UTC().Truncate(time.Second),
	}
	c.PutSnapshot(ctx, "claim-1", snap)

	got, ok := c.GetSnapshot(ctx, "claim-1")
	require.True(t, ok)
	assert.Equal(t, snap, got)

	_, ok = c.GetSnapshot(ctx, "missing")
	assert.False(t, ok)
}

func TestProofRoundTripAndInvalidate(t *testing.T) {
	c := New(NewMemoryClient(), "test:", time.Minute)
	ctx := context.Background()

	proof := &evidence.ProofBundle{
		ClaimID:         "claim-2",
		Domain:          core.DomainLegal,
		InstanceID:      "inst-2",
		ProofID:         "proof-2",
		Verdict:         core.VerdictUnverified,
		FinalConfidence: 0.4,
		ProofHash:       "abc",
	}
	c.PutProof(ctx, "claim-2", proof)

	got, ok := c.GetProof(ctx, "claim-2")
	require.True(t, ok)
	assert.Equal(t, proof, got)

	c.Invalidate(ctx, "claim-2")
	_, ok = c.GetProof(ctx, "claim-2")
	assert.False(t, ok)
}

func TestMemoryClientExpiresEntries(t *testing.T) {
	m := NewMemoryClient()
	now := time.Now()
	m.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Minute))
	v, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)

	now = now.Add(2 * time.Minute)
	_, err = m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestMemoryClientZeroTTLNeverExpires(t *testing.T) {
	m := NewMemoryClient()
	now := time.Now()
	m.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", []byte("v"), 0))
	now = now.Add(24 * time.Hour)
	_, err := m.Get(ctx, "k")
	assert.NoError(t, err)
}

func TestMemoryClientSetCopiesValue(t *testing.T) {
	m := NewMemoryClient()
	ctx := context.Background()

	buf := []byte("original")
	require.NoError(t, m.Set(ctx, "k", buf, 0))
	buf[0] = 'X'

	v, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), v)
}
