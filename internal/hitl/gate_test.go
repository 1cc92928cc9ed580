package hitl

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aevion/shield/internal/audit"
	"github.com/aevion/shield/internal/core"
)

func newTestGate(t *testing.T) (*Gate, *audit.MemoryLedger) {
	t.Helper()
	ledger := audit.NewMemoryLedger()
	gate := NewGate(NewMemoryStore(), audit.NewRecorder(ledger), nil, 0)
	return gate, ledger
}

func TestResolveDeliversExactlyOnce(t *testing.T) {
	gate, _ := newTestGate(t)
	ctx := context.Background()

	ticket, err := gate.OpenTicket(ctx, "c1", "inst-1", core.RiskHigh, "priority review")
	require.NoError(t, err)
	assert.Equal(t, StatusAwaiting, ticket.Status)

	ch := gate.Wait(ticket.ID)

	resolved, err := gate.Resolve(ctx, ticket.ID, core.DecisionApproved, "rev-1", "evidence reviewed")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, resolved.Status)

	select {
	case d := <-ch:
		assert.Equal(t, core.DecisionApproved, d.Outcome)
		assert.Equal(t, "rev-1", d.ReviewerID)
		assert.False(t, d.Auto)
	case <-time.After(time.Second):
		t.Fatal("decision never delivered")
	}

	// Second resolve of any outcome is rejected.
	_, err = gate.Resolve(ctx, ticket.ID, core.DecisionApproved, "rev-1", "again")
	assert.ErrorIs(t, err, ErrAlreadyResolved)
	_, err = gate.Resolve(ctx, ticket.ID, core.DecisionRejected, "rev-2", "changed mind")
	assert.ErrorIs(t, err, ErrAlreadyResolved)
}

func TestResolveBeforeWaitIsNotLost(t *testing.T) {
	gate, _ := newTestGate(t)
	ctx := context.Background()

	ticket, err := gate.OpenTicket(ctx, "c1", "inst-1", core.RiskCritical, "")
	require.NoError(t, err)

	_, err = gate.Resolve(ctx, ticket.ID, core.DecisionRejected, "rev-1", "insufficient records")
	require.NoError(t, err)

	// The instance resumes after a crash and only now registers a waiter.
	select {
	case d := <-gate.Wait(ticket.ID):
		assert.Equal(t, core.DecisionRejected, d.Outcome)
	case <-time.After(time.Second):
		t.Fatal("late waiter missed the buffered decision")
	}
}

func TestExpireDeliversSyntheticRejection(t *testing.T) {
	gate, ledger := newTestGate(t)
	ctx := context.Background()

	past := time.Now().Add(-8 * 24 * time.Hour)
	gate.now = func() time.Time { return past }
	ticket, err := gate.OpenTicket(ctx, "c1", "inst-1", core.RiskHigh, "")
	require.NoError(t, err)
	gate.now = time.Now

	gate.sweep(ctx)

	got, err := gate.Ticket(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)
	require.NotNil(t, got.Decision)
	assert.Equal(t, core.DecisionExpired, got.Decision.Outcome)
	assert.True(t, got.Decision.Auto)

	select {
	case d := <-gate.Wait(ticket.ID):
		assert.Equal(t, core.DecisionExpired, d.Outcome)
	case <-time.After(time.Second):
		t.Fatal("expiry decision never delivered")
	}

	kinds := make([]audit.EventKind, 0)
	for _, ev := range ledger.All() {
		kinds = append(kinds, ev.Kind)
	}
	assert.Contains(t, kinds, audit.KindHITLExpired)
}

func TestReviewerBeatsExpiry(t *testing.T) {
	gate, _ := newTestGate(t)
	ctx := context.Background()

	past := time.Now().Add(-8 * 24 * time.Hour)
	gate.now = func() time.Time { return past }
	ticket, err := gate.OpenTicket(ctx, "c1", "inst-1", core.RiskHigh, "")
	require.NoError(t, err)
	gate.now = time.Now

	_, err = gate.Resolve(ctx, ticket.ID, core.DecisionApproved, "rev-1", "reviewed in time")
	require.NoError(t, err)

	// The sweeper finds the deadline passed but loses the store CAS.
	_, err = gate.Expire(ctx, ticket.ID)
	assert.ErrorIs(t, err, ErrAlreadyResolved)

	got, err := gate.Ticket(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, got.Status)
}

func TestListPendingAndDuplicateOpen(t *testing.T) {
	gate, _ := newTestGate(t)
	ctx := context.Background()

	first, err := gate.OpenTicket(ctx, "c1", "inst-1", core.RiskHigh, "")
	require.NoError(t, err)
	_, err = gate.OpenTicket(ctx, "c2", "inst-2", core.RiskMedium, "")
	require.NoError(t, err)

	_, err = gate.OpenTicket(ctx, "c1", "inst-1", core.RiskHigh, "")
	assert.ErrorIs(t, err, ErrDuplicateTicket)

	pending, err := gate.ListPending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	_, err = gate.Resolve(ctx, first.ID, core.DecisionApproved, "rev-1", "")
	require.NoError(t, err)
	pending, err = gate.ListPending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "c2", pending[0].ClaimID)
}

func TestResolveByClaim(t *testing.T) {
	gate, _ := newTestGate(t)
	ctx := context.Background()

	_, err := gate.OpenTicket(ctx, "c9", "inst-9", core.RiskHigh, "")
	require.NoError(t, err)

	resolved, err := gate.ResolveByClaim(ctx, "c9", core.DecisionApproved, "rev-1", "ok")
	require.NoError(t, err)
	assert.Equal(t, "c9", resolved.ClaimID)

	_, err = gate.ResolveByClaim(ctx, "missing", core.DecisionApproved, "rev-1", "")
	assert.ErrorIs(t, err, ErrTicketNotFound)
}
