package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aevion/shield/internal/audit"
	"github.com/aevion/shield/internal/consensus"
	"github.com/aevion/shield/internal/core"
	"github.com/aevion/shield/internal/evidence"
	"github.com/aevion/shield/internal/gateway"
	"github.com/aevion/shield/internal/hitl"
	"github.com/aevion/shield/internal/sanitize"
	"github.com/aevion/shield/internal/vector"
)

type stubVerifier struct {
	votes []core.Vote
}

func (s stubVerifier) CollectVotes(context.Context, gateway.OpinionRequest) []core.Vote {
	out := make([]core.Vote, len(s.votes))
	copy(out, s.votes)
	return out
}

// flakyEmbedder fails the first n calls, then delegates.
type flakyEmbedder struct {
	failures int32
	inner    gateway.Embedder
}

func (f *flakyEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	if atomic.AddInt32(&f.failures, -1) >= 0 {
		return nil, errors.New("embedder transient outage")
	}
	return f.inner.Embed(ctx, text)
}

func fastPolicies() map[Stage]retryPolicy {
	out := defaultPolicies()
	for stage, p := range out {
		p.base = time.Millisecond
		p.timeout = 2 * time.Second
		out[stage] = p
	}
	return out
}

type harness struct {
	orch       *Orchestrator
	gate       *hitl.Gate
	engine     *consensus.Engine
	ledger     *audit.MemoryLedger
	proofStore *evidence.MemoryStore
	store      *MemoryStore
}

func newHarness(t *testing.T, verifier gateway.Verifier, tweak func(*Deps, *Options)) *harness {
	t.Helper()

	ledger := audit.NewMemoryLedger()
	recorder := audit.NewRecorder(ledger)
	proofStore := evidence.NewMemoryStore()
	signer, err := evidence.NewSigner([]byte("test-key-material"))
	require.NoError(t, err)

	h := &harness{
		engine:     consensus.NewEngine(consensus.DefaultParams()),
		ledger:     ledger,
		proofStore: proofStore,
		store:      NewMemoryStore(),
	}
	h.gate = hitl.NewGate(hitl.NewMemoryStore(), recorder, nil, 0)

	deps := Deps{
		Scanner:  sanitize.NewScanner(),
		Embedder: gateway.LocalEmbedder{},
		Index:    vector.NewMemoryIndex(),
		Verifier: verifier,
		Engine:   h.engine,
		Gate:     h.gate,
		Chain:    evidence.NewChain(proofStore, signer),
		Recorder: recorder,
		Store:    h.store,
	}
	opts := Options{Workers: 2, Policies: fastPolicies()}
	if tweak != nil {
		tweak(&deps, &opts)
	}
	h.gate = deps.Gate
	h.orch = New(deps, opts)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h.orch.Start(ctx)
	return h
}

func (h *harness) await(t *testing.T, claimID string) *Status {
	t.Helper()
	done := h.orch.Done(claimID)
	require.NotNil(t, done, "claim never submitted")
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("instance never reached a terminal state")
	}
	st, err := h.orch.Status(context.Background(), claimID)
	require.NoError(t, err)
	return st
}

func votesOf(specs ...[4]float64) []core.Vote {
	// specs: {confidence, coherence, weight, verdictCode} where 0=verified,
	// 1=unverified.
	verdicts := []core.Verdict{core.VerdictVerified, core.VerdictUnverified}
	out := make([]core.Vote, len(specs))
	for i, s := range specs {
		out[i] = core.Vote{
			ModelID:    string(rune('A' + i)),
			Verdict:    verdicts[int(s[3])],
			Confidence: s[0],
			Coherence:  s[1],
			Weight:     s[2],
		}
	}
	return out
}

func TestCleanVerifyEndToEnd(t *testing.T) {
	h := newHarness(t, stubVerifier{votes: votesOf(
		[4]float64{0.90, 0.88, 1.0, 0},
		[4]float64{0.88, 0.85, 1.2, 0},
		[4]float64{0.86, 0.84, 1.0, 0},
	)}, nil)

	claim := core.Claim{
		ID:     "c1",
		Text:   "Veteran served 2001-2008 with documented noise exposure; VA exam diagnosed bilateral tinnitus.",
		Domain: core.DomainVetProof,
	}
	_, err := h.orch.Submit(context.Background(), claim)
	require.NoError(t, err)

	st := h.await(t, "c1")
	assert.Equal(t, StateCompleted, st.State)
	assert.Equal(t, core.VerdictVerified, st.Verdict)
	require.NotNil(t, st.Checkpoint.Verify)
	snap := st.Checkpoint.Verify.Snapshot
	assert.True(t, snap.BFTReached)
	assert.InDelta(t, 1.0, snap.AgreementRatio, 1e-9)
	assert.InDelta(t, 0.88, snap.WeightedConfidence, 1e-3)
	assert.False(t, snap.VarianceHalt)
	assert.False(t, snap.ConstitutionalHalt)

	proof, err := h.proofStore.GetByClaim(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, evidence.GenesisHash, proof.PreviousHash)
	assert.True(t, proof.VerifyHash())
	require.NotNil(t, proof.Decision)
	assert.True(t, proof.Decision.Auto)

	assertOneCompletionPerStage(t, h.ledger, "c1")
}

func TestVarianceHaltEmitsHaltProofWithoutReview(t *testing.T) {
	h := newHarness(t, stubVerifier{votes: votesOf(
		[4]float64{0.95, 0.9, 1.0, 0},
		[4]float64{0.30, 0.9, 1.0, 1},
		[4]float64{0.85, 0.9, 1.0, 0},
	)}, nil)

	_, err := h.orch.Submit(context.Background(), core.Claim{
		ID: "c2", Text: "contested claim", Domain: core.DomainVetProof,
	})
	require.NoError(t, err)

	st := h.await(t, "c2")
	assert.Equal(t, StateCompleted, st.State)
	assert.Equal(t, core.VerdictHalt, st.Verdict)

	proof, err := h.proofStore.GetByClaim(context.Background(), "c2")
	require.NoError(t, err)
	assert.True(t, proof.HaltFlags.Variance)
	assert.Equal(t, core.VerdictHalt, proof.Verdict)

	// A variance halt bypasses the review gate.
	pending, err := h.gate.ListPending(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPriorityHighRoutesThroughApproval(t *testing.T) {
	h := newHarness(t, stubVerifier{votes: votesOf(
		[4]float64{0.74, 0.8, 1.0, 0},
		[4]float64{0.74, 0.8, 1.0, 0},
		[4]float64{0.74, 0.8, 1.0, 0},
	)}, nil)
	ctx := context.Background()

	_, err := h.orch.Submit(ctx, core.Claim{
		ID: "c3", Text: "expedited claim", Domain: core.DomainVetProof, Priority: core.PriorityHigh,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, err := h.orch.Status(ctx, "c3")
		return err == nil && st.State == StateAwaitingReview
	}, 10*time.Second, 5*time.Millisecond)

	_, err = h.gate.ResolveByClaim(ctx, "c3", core.DecisionApproved, "rev-7", "evidence reviewed")
	require.NoError(t, err)

	st := h.await(t, "c3")
	assert.Equal(t, StateCompleted, st.State)
	assert.Equal(t, core.VerdictVerified, st.Verdict)

	proof, err := h.proofStore.GetByClaim(ctx, "c3")
	require.NoError(t, err)
	require.NotNil(t, proof.Decision)
	assert.False(t, proof.Decision.Auto)
	assert.Equal(t, "rev-7", proof.Decision.ReviewerID)
	assert.Equal(t, core.DecisionApproved, proof.Decision.Outcome)
}

func TestTicketExpiryYieldsHaltProof(t *testing.T) {
	h := newHarness(t, stubVerifier{votes: votesOf(
		[4]float64{0.74, 0.8, 1.0, 0},
		[4]float64{0.74, 0.8, 1.0, 0},
		[4]float64{0.74, 0.8, 1.0, 0},
	)}, func(d *Deps, _ *Options) {
		d.Gate = hitl.NewGate(hitl.NewMemoryStore(), d.Recorder, nil, 30*time.Millisecond)
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.gate.RunSweeper(ctx, 10*time.Millisecond)

	_, err := h.orch.Submit(ctx, core.Claim{
		ID: "c4", Text: "review times out", Domain: core.DomainVetProof, Priority: core.PriorityHigh,
	})
	require.NoError(t, err)

	st := h.await(t, "c4")
	assert.Equal(t, StateCompleted, st.State)
	assert.Equal(t, core.VerdictHalt, st.Verdict)

	proof, err := h.proofStore.GetByClaim(context.Background(), "c4")
	require.NoError(t, err)
	require.NotNil(t, proof.Decision)
	assert.Equal(t, core.DecisionExpired, proof.Decision.Outcome)
	assert.True(t, proof.Decision.Auto)
}

func TestEmbedRetryRecoversAndProofMatches(t *testing.T) {
	h := newHarness(t, stubVerifier{votes: votesOf(
		[4]float64{0.90, 0.88, 1.0, 0},
		[4]float64{0.88, 0.85, 1.2, 0},
		[4]float64{0.86, 0.84, 1.0, 0},
	)}, func(d *Deps, _ *Options) {
		d.Embedder = &flakyEmbedder{failures: 1, inner: gateway.LocalEmbedder{}}
	})

	_, err := h.orch.Submit(context.Background(), core.Claim{
		ID: "c5", Text: "recovers after one crash", Domain: core.DomainVetProof,
	})
	require.NoError(t, err)

	st := h.await(t, "c5")
	assert.Equal(t, StateCompleted, st.State)
	assert.Equal(t, core.VerdictVerified, st.Verdict)

	in, err := h.store.GetByClaim(context.Background(), "c5")
	require.NoError(t, err)
	assert.Equal(t, 2, in.Attempts[StageEmbed])

	assertOneCompletionPerStage(t, h.ledger, "c5")
}

func TestRetryExhaustionFailsWithoutProof(t *testing.T) {
	h := newHarness(t, stubVerifier{votes: votesOf(
		[4]float64{0.9, 0.9, 1.0, 0},
	)}, func(d *Deps, _ *Options) {
		d.Embedder = &flakyEmbedder{failures: 1000, inner: gateway.LocalEmbedder{}}
	})
	ctx := context.Background()

	_, err := h.orch.Submit(ctx, core.Claim{ID: "c6", Text: "doomed", Domain: core.DomainVetProof})
	require.NoError(t, err)

	st := h.await(t, "c6")
	assert.Equal(t, StateFailed, st.State)
	assert.Contains(t, st.LastError, "transient outage")

	_, err = h.proofStore.GetByClaim(ctx, "c6")
	assert.ErrorIs(t, err, evidence.ErrRecordNotFound)

	var failEvents int
	for _, ev := range h.ledger.All() {
		if ev.ClaimID == "c6" && ev.Kind == audit.KindStageFail {
			failEvents++
		}
	}
	assert.Equal(t, 1, failEvents)
}

func TestCancelWhileAwaitingReview(t *testing.T) {
	h := newHarness(t, stubVerifier{votes: votesOf(
		[4]float64{0.74, 0.8, 1.0, 0},
		[4]float64{0.74, 0.8, 1.0, 0},
		[4]float64{0.74, 0.8, 1.0, 0},
	)}, nil)
	ctx := context.Background()

	_, err := h.orch.Submit(ctx, core.Claim{
		ID: "c7", Text: "caller walks away", Domain: core.DomainVetProof, Priority: core.PriorityHigh,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, err := h.orch.Status(ctx, "c7")
		return err == nil && st.State == StateAwaitingReview
	}, 10*time.Second, 5*time.Millisecond)

	require.NoError(t, h.orch.Cancel(ctx, "c7"))

	st := h.await(t, "c7")
	assert.Equal(t, StateCancelled, st.State)
	_, err = h.proofStore.GetByClaim(ctx, "c7")
	assert.ErrorIs(t, err, evidence.ErrRecordNotFound)
}

func TestDuplicateClaimRejected(t *testing.T) {
	h := newHarness(t, stubVerifier{votes: votesOf(
		[4]float64{0.9, 0.9, 1.0, 0},
		[4]float64{0.9, 0.9, 1.0, 0},
		[4]float64{0.9, 0.9, 1.0, 0},
	)}, nil)
	ctx := context.Background()

	_, err := h.orch.Submit(ctx, core.Claim{ID: "c8", Text: "first", Domain: core.DomainVetProof})
	require.NoError(t, err)
	_, err = h.orch.Submit(ctx, core.Claim{ID: "c8", Text: "second", Domain: core.DomainVetProof})
	assert.ErrorIs(t, err, ErrClaimExists)
	h.await(t, "c8")
}

func TestProofChainsAcrossClaims(t *testing.T) {
	h := newHarness(t, stubVerifier{votes: votesOf(
		[4]float64{0.9, 0.9, 1.0, 0},
		[4]float64{0.9, 0.9, 1.0, 0},
		[4]float64{0.9, 0.9, 1.0, 0},
	)}, nil)
	ctx := context.Background()

	_, err := h.orch.Submit(ctx, core.Claim{ID: "p1", Text: "first claim", Domain: core.DomainLegal})
	require.NoError(t, err)
	first := h.await(t, "p1")
	require.Equal(t, StateCompleted, first.State)

	_, err = h.orch.Submit(ctx, core.Claim{ID: "p2", Text: "second claim", Domain: core.DomainLegal})
	require.NoError(t, err)
	second := h.await(t, "p2")
	require.Equal(t, StateCompleted, second.State)

	p1, err := h.proofStore.GetByClaim(ctx, "p1")
	require.NoError(t, err)
	p2, err := h.proofStore.GetByClaim(ctx, "p2")
	require.NoError(t, err)

	assert.Equal(t, evidence.GenesisHash, p1.PreviousHash)
	assert.Equal(t, p1.ProofHash, p2.PreviousHash)
}

func TestInvalidClaimRejectedBeforeInstanceCreation(t *testing.T) {
	h := newHarness(t, stubVerifier{}, nil)
	ctx := context.Background()

	_, err := h.orch.Submit(ctx, core.Claim{ID: "", Text: "no id"})
	assert.Error(t, err)
	_, err = h.orch.Submit(ctx, core.Claim{ID: "x", Text: "bad domain", Domain: core.Domain("astrology")})
	assert.Error(t, err)

	_, err = h.orch.Status(ctx, "x")
	assert.ErrorIs(t, err, ErrInstanceNotFound)
}

func TestRestartResumesRunningInstance(t *testing.T) {
	// Seed the store as a crashed process would leave it: the instance is
	// durably checkpointed as running but no worker owns it.
	seeded := NewMemoryStore()
	now := time.Now().UTC()
	require.NoError(t, seeded.Create(context.Background(), &Instance{
		ID: "inst-restart",
		Claim: core.Claim{
			ID: "r1", Text: "interrupted mid-flight", Domain: core.DomainVetProof, CreatedAt: now,
		},
		State:     StateRunning,
		Stage:     StageSanitize,
		Attempts:  make(map[Stage]int),
		CreatedAt: now,
		UpdatedAt: now,
	}))

	h := newHarness(t, stubVerifier{votes: votesOf(
		[4]float64{0.90, 0.88, 1.0, 0},
		[4]float64{0.88, 0.85, 1.2, 0},
		[4]float64{0.86, 0.84, 1.0, 0},
	)}, func(d *Deps, _ *Options) {
		d.Store = seeded
	})

	require.Eventually(t, func() bool {
		st, err := h.orch.Status(context.Background(), "r1")
		return err == nil && st.State == StateCompleted
	}, 10*time.Second, 5*time.Millisecond)

	st, err := h.orch.Status(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, core.VerdictVerified, st.Verdict)

	proof, err := h.proofStore.GetByClaim(context.Background(), "r1")
	require.NoError(t, err)
	assert.True(t, proof.VerifyHash())
}

func TestQueueFullLeavesNoInstanceBehind(t *testing.T) {
	// Workers never started: the queue only fills.
	recorder := audit.NewRecorder(audit.NewMemoryLedger())
	store := NewMemoryStore()
	orch := New(Deps{Recorder: recorder, Store: store}, Options{QueueDepth: 1})
	ctx := context.Background()

	_, err := orch.Submit(ctx, core.Claim{ID: "q1", Text: "fits", Domain: core.DomainVetProof})
	require.NoError(t, err)

	_, err = orch.Submit(ctx, core.Claim{ID: "q2", Text: "shed", Domain: core.DomainVetProof})
	require.ErrorIs(t, err, ErrQueueFull)

	// The shed claim was never persisted, so its id stays free for a retry.
	_, err = store.GetByClaim(ctx, "q2")
	assert.ErrorIs(t, err, ErrInstanceNotFound)
	assert.Nil(t, orch.Done("q2"))
}

// assertOneCompletionPerStage checks the monotonic stage order property:
// each stage completes exactly once, in order.
func assertOneCompletionPerStage(t *testing.T, ledger *audit.MemoryLedger, claimID string) {
	t.Helper()
	var completed []string
	for _, ev := range ledger.All() {
		if ev.ClaimID == claimID && ev.Kind == audit.KindStageComplete {
			completed = append(completed, ev.Payload["stage"].(string))
		}
	}
	want := make([]string, len(StageOrder))
	for i, s := range StageOrder {
		want[i] = string(s)
	}
	assert.Equal(t, want, completed)
}
