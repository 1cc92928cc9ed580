// Package vector abstracts the 768-dimension embedding index used by the
// Embed and Search stages.
package vector

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
)

// Dimensions of every stored embedding.
const Dimensions = 768

// ErrDimensionMismatch rejects vectors of the wrong width.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// Match is one nearest-neighbor hit.
type Match struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"` // cosine similarity
}

// Index is the persistence contract. Writers use upsert; queries return
// nearest neighbors by cosine similarity, best first.
type Index interface {
	Upsert(ctx context.Context, id string, vec []float64) error
	Query(ctx context.Context, vec []float64, topK int) ([]Match, error)
}

// Cosine returns the cosine similarity of two equal-length vectors, 0 when
// either has zero magnitude.
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// MemoryIndex is an exact-scan in-process index; fallback and test backend.
type MemoryIndex struct {
	mu      sync.RWMutex
	vectors map[string][]float64
}

// NewMemoryIndex creates an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{vectors: make(map[string][]float64)}
}

func (m *MemoryIndex) Upsert(_ context.Context, id string, vec []float64) error {
	if len(vec) != Dimensions {
		return fmt.Errorf("%w: got %d want %d", ErrDimensionMismatch, len(vec), Dimensions)
	}
	cp := make([]float64, len(vec))
	copy(cp, vec)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.vectors[id] = cp
	return nil
}

func (m *MemoryIndex) Query(_ context.Context, vec []float64, topK int) ([]Match, error) {
	if len(vec) != Dimensions {
		return nil, fmt.Errorf("%w: got %d want %d", ErrDimensionMismatch, len(vec), Dimensions)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	matches := make([]Match, 0, len(m.vectors))
	for id, stored := range m.vectors {
		matches = append(matches, Match{ID: id, Score: Cosine(vec, stored)})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	if topK > 0 && len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

var _ Index = (*MemoryIndex)(nil)
