package hitl

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aevion/shield/internal/core"
)

// MemoryStore is the in-process ticket store used in tests and single-node
// deployments without Postgres.
type MemoryStore struct {
	mu      sync.Mutex
	tickets map[string]*Ticket
	byClaim map[string]string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tickets: make(map[string]*Ticket),
		byClaim: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, t *Ticket) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byClaim[t.ClaimID]; ok {
		if existing := m.tickets[id]; existing != nil && existing.Status == StatusAwaiting {
			return ErrDuplicateTicket
		}
	}
	cp := *t
	m.tickets[t.ID] = &cp
	m.byClaim[t.ClaimID] = t.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tickets[id]
	if !ok {
		return nil, ErrTicketNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) GetByClaim(_ context.Context, claimID string) (*Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byClaim[claimID]
	if !ok {
		return nil, ErrTicketNotFound
	}
	cp := *m.tickets[id]
	return &cp, nil
}

func (m *MemoryStore) Resolve(_ context.Context, id string, status Status, decision core.Decision) (*Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tickets[id]
	if !ok {
		return nil, ErrTicketNotFound
	}
	if t.Status != StatusAwaiting {
		return nil, ErrAlreadyResolved
	}
	t.Status = status
	d := decision
	t.Decision = &d
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) ListPending(_ context.Context, limit int) ([]*Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filter(limit, func(t *Ticket) bool {
		return t.Status == StatusAwaiting
	}), nil
}

func (m *MemoryStore) ListOverdue(_ context.Context, now time.Time, limit int) ([]*Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filter(limit, func(t *Ticket) bool {
		return t.Status == StatusAwaiting && now.After(t.Deadline)
	}), nil
}

// filter copies matching tickets oldest first. Caller holds the lock.
func (m *MemoryStore) filter(limit int, keep func(*Ticket) bool) []*Ticket {
	out := make([]*Ticket, 0)
	for _, t := range m.tickets {
		if keep(t) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

var _ Store = (*MemoryStore)(nil)
