package pipeline

import (
	"context"
	"errors"
	"sync"
)

// Store sentinels.
var (
	ErrInstanceNotFound = errors.New("pipeline instance not found")
	ErrClaimExists      = errors.New("claim already has an instance")
)

// Store persists instance checkpoints. Save must be atomic per instance;
// the orchestrator writes the checkpoint before the matching durable
// stage-complete audit event.
type Store interface {
	Create(ctx context.Context, in *Instance) error
	Save(ctx context.Context, in *Instance) error
	Get(ctx context.Context, id string) (*Instance, error)
	GetByClaim(ctx context.Context, claimID string) (*Instance, error)

	// ListResumable returns non-terminal instances — running or suspended
	// at the review gate — for crash recovery.
	ListResumable(ctx context.Context) ([]*Instance, error)
}

// MemoryStore is the in-process checkpoint store for tests and single-node
// deployments.
type MemoryStore struct {
	mu        sync.Mutex
	instances map[string]*Instance
	byClaim   map[string]string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[string]*Instance),
		byClaim:   make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, in *Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byClaim[in.Claim.ID]; ok {
		return ErrClaimExists
	}
	cp := cloneInstance(in)
	m.instances[in.ID] = cp
	m.byClaim[in.Claim.ID] = in.ID
	return nil
}

func (m *MemoryStore) Save(_ context.Context, in *Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.instances[in.ID]; !ok {
		return ErrInstanceNotFound
	}
	m.instances[in.ID] = cloneInstance(in)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	in, ok := m.instances[id]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	return cloneInstance(in), nil
}

func (m *MemoryStore) GetByClaim(_ context.Context, claimID string) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byClaim[claimID]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	return cloneInstance(m.instances[id]), nil
}

func (m *MemoryStore) ListResumable(_ context.Context) ([]*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Instance, 0)
	for _, in := range m.instances {
		if in.State == StateRunning || in.State == StateAwaitingReview {
			out = append(out, cloneInstance(in))
		}
	}
	return out, nil
}

func cloneInstance(in *Instance) *Instance {
	cp := *in
	if in.Attempts != nil {
		cp.Attempts = make(map[Stage]int, len(in.Attempts))
		for k, v := range in.Attempts {
			cp.Attempts[k] = v
		}
	}
	if in.Decision != nil {
		d := *in.Decision
		cp.Decision = &d
	}
	cp.Checkpoint = cloneCheckpoint(in.Checkpoint)
	return &cp
}

func cloneCheckpoint(c Checkpoint) Checkpoint {
	out := c
	if c.Sanitize != nil {
		v := *c.Sanitize
		out.Sanitize = &v
	}
	if c.Embed != nil {
		v := *c.Embed
		out.Embed = &v
	}
	if c.Search != nil {
		v := *c.Search
		out.Search = &v
	}
	if c.Verify != nil {
		v := *c.Verify
		out.Verify = &v
	}
	if c.Detect != nil {
		v := *c.Detect
		out.Detect = &v
	}
	return out
}

var _ Store = (*MemoryStore)(nil)
