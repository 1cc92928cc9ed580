package evidence

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/aevion/shield/internal/core"
)

// MemoryStore keeps the proof archive in process. Used by tests and as the
// fallback when no postgres endpoint is configured.
type MemoryStore struct {
	mu         sync.RWMutex
	records    map[string]*ProofBundle // archive key -> record
	byClaim    map[string]string       // claim id -> archive key
	byInstance map[string]string       // instance id -> archive key
	tips       map[core.Domain]string
	order      []string // insertion order of archive keys
}

// NewMemoryStore creates an empty in-memory archive.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:    make(map[string]*ProofBundle),
		byClaim:    make(map[string]string),
		byInstance: make(map[string]string),
		tips:       make(map[core.Domain]string),
	}
}

func (m *MemoryStore) AppendRecord(_ context.Context, rec *ProofBundle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byInstance[rec.InstanceID]; exists {
		return ErrDuplicateProof
	}
	tip, ok := m.tips[rec.Domain]
	if !ok {
		tip = GenesisHash
	}
	if tip != rec.PreviousHash {
		return ErrTipConflict
	}

	cp := *rec
	key := rec.Key()
	m.records[key] = &cp
	m.byClaim[rec.ClaimID] = key
	m.byInstance[rec.InstanceID] = key
	m.order = append(m.order, key)
	m.tips[rec.Domain] = rec.ProofHash
	return nil
}

func (m *MemoryStore) GetRecord(_ context.Context, domain core.Domain, instanceID, proofID string) (*ProofBundle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[string(domain)+"/"+instanceID+"/"+proofID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) GetByClaim(_ context.Context, claimID string) (*ProofBundle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key, ok := m.byClaim[claimID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	cp := *m.records[key]
	return &cp, nil
}

func (m *MemoryStore) Tip(_ context.Context, domain core.Domain) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if tip, ok := m.tips[domain]; ok {
		return tip, nil
	}
	return GenesisHash, nil
}

func (m *MemoryStore) Range(_ context.Context, domain core.Domain, datePrefix string, limit int) ([]*ProofBundle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*ProofBundle
	for _, key := range m.order {
		rec := m.records[key]
		if rec.Domain != domain {
			continue
		}
		if datePrefix != "" && !strings.HasPrefix(rec.Timestamp, datePrefix) {
			continue
		}
		cp := *rec
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
