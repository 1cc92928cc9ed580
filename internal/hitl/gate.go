package hitl

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aevion/shield/internal/audit"
	"github.com/aevion/shield/internal/core"
	"github.com/aevion/shield/internal/events"
	"github.com/aevion/shield/internal/metrics"
)

// Gate suspends pipeline instances behind review tickets. The store owns
// the exactly-once transition; the gate layers in-process wakeups, audit
// events and the deadline sweeper on top.
type Gate struct {
	store    Store
	recorder *audit.Recorder
	emitter  events.Emitter
	deadline time.Duration
	now      func() time.Time

	mu      sync.Mutex
	waiters map[string]chan core.Decision // ticket id -> suspended instance
}

// NewGate wires the gate. A zero deadline means the 7-day default.
func NewGate(store Store, recorder *audit.Recorder, emitter events.Emitter, deadline time.Duration) *Gate {
	if emitter == nil {
		emitter = events.Discard
	}
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	return &Gate{
		store:    store,
		recorder: recorder,
		emitter:  emitter,
		deadline: deadline,
		now:      time.Now,
		waiters:  make(map[string]chan core.Decision),
	}
}

// OpenTicket persists an awaiting ticket for the instance and returns it.
func (g *Gate) OpenTicket(ctx context.Context, claimID, instanceID string, risk core.RiskLevel, summary string) (*Ticket, error) {
	now := g.now().UTC()
	t := &Ticket{
		ID:         uuid.NewString(),
		ClaimID:    claimID,
		InstanceID: instanceID,
		Risk:       risk,
		Summary:    summary,
		Status:     StatusAwaiting,
		CreatedAt:  now,
		Deadline:   now.Add(g.deadline),
	}
	if err := g.store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("open ticket: %w", err)
	}

	metrics.TicketsOpen.Inc()
	g.recorder.Record(ctx, audit.KindHITLOpen, claimID, map[string]interface{}{
		"ticket_id": t.ID,
		"risk":      string(risk),
		"deadline":  t.Deadline.Format(time.RFC3339),
	})
	g.emitter.Emit(events.TypeHITLOpened, "/hitl", claimID, map[string]interface{}{
		"ticket_id": t.ID,
		"risk":      string(risk),
	})
	return t, nil
}

// Wait registers the suspended instance for the ticket and returns the
// channel its decision arrives on. The channel is buffered; a resolution
// that lands before the instance starts waiting is not lost.
func (g *Gate) Wait(ticketID string) <-chan core.Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	ch, ok := g.waiters[ticketID]
	if !ok {
		ch = make(chan core.Decision, 1)
		g.waiters[ticketID] = ch
	}
	return ch
}

// Resolve applies a reviewer decision. The store transition is the
// exactly-once point; a second resolve of any kind gets ErrAlreadyResolved.
func (g *Gate) Resolve(ctx context.Context, ticketID string, outcome core.DecisionOutcome, reviewerID, reason string) (*Ticket, error) {
	var status Status
	switch outcome {
	case core.DecisionApproved:
		status = StatusApproved
	case core.DecisionRejected:
		status = StatusRejected
	default:
		return nil, fmt.Errorf("outcome %q not allowed on resolve", outcome)
	}

	decision := core.Decision{
		Outcome:    outcome,
		ReviewerID: reviewerID,
		Reason:     reason,
		DecidedAt:  g.now().UTC(),
	}
	t, err := g.store.Resolve(ctx, ticketID, status, decision)
	if err != nil {
		return nil, err
	}

	metrics.TicketsOpen.Dec()
	metrics.TicketsResolved.WithLabelValues(string(outcome)).Inc()
	g.recorder.Record(ctx, audit.KindHITLResolved, t.ClaimID, map[string]interface{}{
		"ticket_id": t.ID,
		"outcome":   string(outcome),
		"reviewer":  reviewerID,
	})
	g.emitter.Emit(events.TypeHITLResolved, "/hitl", t.ClaimID, map[string]interface{}{
		"ticket_id": t.ID,
		"outcome":   string(outcome),
	})

	g.deliver(t.ID, decision)
	return t, nil
}

// ResolveByClaim maps a claim id onto its open ticket and resolves it.
// The API approve/reject routes address claims, not tickets.
func (g *Gate) ResolveByClaim(ctx context.Context, claimID string, outcome core.DecisionOutcome, reviewerID, reason string) (*Ticket, error) {
	t, err := g.store.GetByClaim(ctx, claimID)
	if err != nil {
		return nil, err
	}
	return g.Resolve(ctx, t.ID, outcome, reviewerID, reason)
}

// Expire transitions an overdue ticket and delivers the synthetic
// rejection. Racing a concurrent reviewer is fine; the loser sees
// ErrAlreadyResolved and drops out.
func (g *Gate) Expire(ctx context.Context, ticketID string) (*Ticket, error) {
	decision := core.ExpiredRejection(g.now().UTC())
	t, err := g.store.Resolve(ctx, ticketID, StatusExpired, decision)
	if err != nil {
		return nil, err
	}

	metrics.TicketsOpen.Dec()
	metrics.TicketsResolved.WithLabelValues(string(core.DecisionExpired)).Inc()
	g.recorder.Record(ctx, audit.KindHITLExpired, t.ClaimID, map[string]interface{}{
		"ticket_id": t.ID,
		"deadline":  t.Deadline.Format(time.RFC3339),
	})
	g.emitter.Emit(events.TypeHITLExpired, "/hitl", t.ClaimID, map[string]interface{}{
		"ticket_id": t.ID,
	})

	g.deliver(t.ID, decision)
	return t, nil
}

// ListPending returns open tickets oldest first.
func (g *Gate) ListPending(ctx context.Context, limit int) ([]*Ticket, error) {
	return g.store.ListPending(ctx, limit)
}

// Ticket loads one ticket.
func (g *Gate) Ticket(ctx context.Context, id string) (*Ticket, error) {
	return g.store.Get(ctx, id)
}

// deliver hands the decision to the waiting instance. The buffered channel
// absorbs the race where resolution beats the Wait call; delivery happens
// at most once because the store transition already happened exactly once.
func (g *Gate) deliver(ticketID string, decision core.Decision) {
	g.mu.Lock()
	ch, ok := g.waiters[ticketID]
	if !ok {
		ch = make(chan core.Decision, 1)
		g.waiters[ticketID] = ch
	}
	g.mu.Unlock()

	select {
	case ch <- decision:
	default:
		slog.Warn("decision channel already full", "ticket", ticketID)
	}
}

// Release drops the waiter registration once the instance has resumed.
func (g *Gate) Release(ticketID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.waiters, ticketID)
}

// RunSweeper expires overdue tickets until ctx is cancelled. Runs as a
// background goroutine from main.
func (g *Gate) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sweep(ctx)
		}
	}
}

func (g *Gate) sweep(ctx context.Context) {
	overdue, err := g.store.ListOverdue(ctx, g.now().UTC(), 100)
	if err != nil {
		slog.Warn("overdue ticket scan failed", "error", err)
		return
	}
	for _, t := range overdue {
		if _, err := g.Expire(ctx, t.ID); err != nil && err != ErrAlreadyResolved {
			slog.Warn("ticket expiry failed", "ticket", t.ID, "error", err)
		}
	}
}
