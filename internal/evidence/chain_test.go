package evidence

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aevion/shield/internal/core"
)

func testBundle(claim, instance, proof string) *ProofBundle {
	return &ProofBundle{
		ClaimID:         claim,
		Domain:          core.DomainVetProof,
		InstanceID:      instance,
		ProofID:         proof,
		PipelineVersion: PipelineVersion,
		Stages: map[string]interface{}{
			"sanitize": map[string]interface{}{"categories": []string{}},
			"verify":   map[string]interface{}{"agreement_ratio": 1.0},
		},
		Verdict:         core.VerdictVerified,
		FinalConfidence: 0.881,
		TrustScore:      1.0,
		Timestamp:       NewTimestamp(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)),
		DurationMS:      812,
	}
}

func newTestChain(t *testing.T) (*Chain, *MemoryStore) {
	t.Helper()
	signer, err := NewSigner([]byte("test-key-material"))
	require.NoError(t, err)
	store := NewMemoryStore()
	return NewChain(store, signer), store
}

func TestCanonicalJSONIsStable(t *testing.T) {
	b := testBundle("c1", "i1", "p1")
	first, err := CanonicalJSON(b)
	require.NoError(t, err)
	second, err := CanonicalJSON(b)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	h1, err := b.ComputeHash()
	require.NoError(t, err)
	h2, err := b.ComputeHash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestHashExcludesHashAndSignature(t *testing.T) {
	b := testBundle("c1", "i1", "p1")
	h, err := b.ComputeHash()
	require.NoError(t, err)

	b.ProofHash = h
	b.Signature = "deadbeef"
	assert.True(t, b.VerifyHash(), "hash must be computed with hash/signature fields cleared")
}

func TestAppendLinksChain(t *testing.T) {
	chain, store := newTestChain(t)
	ctx := context.Background()

	first, err := chain.Append(ctx, testBundle("c1", "i1", "p1"))
	require.NoError(t, err)
	assert.Equal(t, GenesisHash, first.PreviousHash)
	assert.True(t, first.VerifyHash())
	assert.NotEmpty(t, first.Signature)

	second, err := chain.Append(ctx, testBundle("c2", "i2", "p2"))
	require.NoError(t, err)
	assert.Equal(t, first.ProofHash, second.PreviousHash)

	tip, err := store.Tip(ctx, core.DomainVetProof)
	require.NoError(t, err)
	assert.Equal(t, second.ProofHash, tip)

	bad, err := chain.Verify(ctx, core.DomainVetProof)
	require.NoError(t, err)
	assert.Equal(t, -1, bad)
}

func TestDomainsKeepSeparateChains(t *testing.T) {
	chain, store := newTestChain(t)
	ctx := context.Background()

	vet := testBundle("c1", "i1", "p1")
	health := testBundle("c2", "i2", "p2")
	health.Domain = core.DomainHealth

	_, err := chain.Append(ctx, vet)
	require.NoError(t, err)
	got, err := chain.Append(ctx, health)
	require.NoError(t, err)

	// The health chain starts at genesis; it does not link to vetproof.
	assert.Equal(t, GenesisHash, got.PreviousHash)

	tip, err := store.Tip(ctx, core.DomainHealth)
	require.NoError(t, err)
	assert.Equal(t, got.ProofHash, tip)
}

func TestAppendIsIdempotentPerInstance(t *testing.T) {
	chain, store := newTestChain(t)
	ctx := context.Background()

	first, err := chain.Append(ctx, testBundle("c1", "i1", "p1"))
	require.NoError(t, err)

	// Crash-recovery: Sign runs again with the same deterministic inputs.
	again, err := chain.Append(ctx, testBundle("c1", "i1", "p1"))
	require.NoError(t, err)

	assert.Equal(t, first.ProofHash, again.ProofHash)

	records, err := store.Range(ctx, core.DomainVetProof, "", 0)
	require.NoError(t, err)
	assert.Len(t, records, 1, "exactly one record per instance")

	tip, err := store.Tip(ctx, core.DomainVetProof)
	require.NoError(t, err)
	assert.Equal(t, first.ProofHash, tip)
}

// contendedStore lets a competing writer land an append right after the
// wrapped store hands out a tip, so the caller links against a stale tip.
type contendedStore struct {
	*MemoryStore
	once    sync.Once
	compete func()
}

func (s *contendedStore) Tip(ctx context.Context, domain core.Domain) (string, error) {
	tip, err := s.MemoryStore.Tip(ctx, domain)
	s.once.Do(s.compete)
	return tip, err
}

func TestAppendRelinksWhenTipRaceLost(t *testing.T) {
	signer, err := NewSigner([]byte("test-key-material"))
	require.NoError(t, err)
	base := NewMemoryStore()
	ctx := context.Background()

	var winner *ProofBundle
	store := &contendedStore{MemoryStore: base}
	store.compete = func() {
		w, cerr := NewChain(base, signer).Append(ctx, testBundle("c-winner", "i-winner", "p-winner"))
		require.NoError(t, cerr)
		winner = w
	}

	chain := NewChain(store, signer)
	loser, err := chain.Append(ctx, testBundle("c-loser", "i-loser", "p-loser"))
	require.NoError(t, err)

	// The loser relinked onto the winner's hash instead of forking.
	require.NotNil(t, winner)
	assert.Equal(t, winner.ProofHash, loser.PreviousHash)
	assert.True(t, loser.VerifyHash())

	tip, err := base.Tip(ctx, core.DomainVetProof)
	require.NoError(t, err)
	assert.Equal(t, loser.ProofHash, tip)

	bad, err := chain.Verify(ctx, core.DomainVetProof)
	require.NoError(t, err)
	assert.Equal(t, -1, bad)
}

func TestConcurrentAppendsStayLinear(t *testing.T) {
	chain, store := newTestChain(t)
	ctx := context.Background()

	const writers = 4
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := chain.Append(ctx, testBundle(
				fmt.Sprintf("c%d", i), fmt.Sprintf("i%d", i), fmt.Sprintf("p%d", i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	records, err := store.Range(ctx, core.DomainVetProof, "", 0)
	require.NoError(t, err)
	require.Len(t, records, writers)

	bad, err := chain.Verify(ctx, core.DomainVetProof)
	require.NoError(t, err)
	assert.Equal(t, -1, bad)

	tip, err := store.Tip(ctx, core.DomainVetProof)
	require.NoError(t, err)
	assert.Equal(t, records[len(records)-1].ProofHash, tip)
}

func TestVerifyFlagsTampering(t *testing.T) {
	chain, store := newTestChain(t)
	ctx := context.Background()

	_, err := chain.Append(ctx, testBundle("c1", "i1", "p1"))
	require.NoError(t, err)
	_, err = chain.Append(ctx, testBundle("c2", "i2", "p2"))
	require.NoError(t, err)

	// Mutate the second record in place.
	store.mu.Lock()
	for _, rec := range store.records {
		if rec.ClaimID == "c2" {
			rec.FinalConfidence = 0.1
		}
	}
	store.mu.Unlock()

	bad, err := chain.Verify(ctx, core.DomainVetProof)
	require.NoError(t, err)
	assert.Equal(t, 1, bad)
}

func TestSignerDeterministicDerivation(t *testing.T) {
	a, err := NewSigner([]byte("material"))
	require.NoError(t, err)
	b, err := NewSigner([]byte("material"))
	require.NoError(t, err)
	assert.Equal(t, a.PublicKeyHex(), b.PublicKeyHex())

	other, err := NewSigner([]byte("different"))
	require.NoError(t, err)
	assert.NotEqual(t, a.PublicKeyHex(), other.PublicKeyHex())

	sig, err := a.Sign("ab" + GenesisHash[2:])
	require.NoError(t, err)
	assert.True(t, b.Verify("ab"+GenesisHash[2:], sig))
	assert.False(t, other.Verify("ab"+GenesisHash[2:], sig))
}

func TestRangeByDatePrefix(t *testing.T) {
	chain, _ := newTestChain(t)
	ctx := context.Background()

	early := testBundle("c1", "i1", "p1")
	early.Timestamp = NewTimestamp(time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC))
	late := testBundle("c2", "i2", "p2")
	late.Timestamp = NewTimestamp(time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC))

	_, err := chain.Append(ctx, early)
	require.NoError(t, err)
	_, err = chain.Append(ctx, late)
	require.NoError(t, err)

	got, err := chain.store.Range(ctx, core.DomainVetProof, "2026-08", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "c2", got[0].ClaimID)
}
