package gateway

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/aevion/shield/internal/circuitbreaker"
	"github.com/aevion/shield/internal/vector"
)

// Embedder turns text into a fixed-dimension vector for the Embed stage.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// HTTPEmbedder calls the embedding endpoint of the model gateway.
type HTTPEmbedder struct {
	http    *http.Client
	url     string
	apiKey  string
	breaker *circuitbreaker.CircuitBreaker
	timeout time.Duration
}

// NewHTTPEmbedder builds an embedder client for the given endpoint.
func NewHTTPEmbedder(url, apiKey string, timeout time.Duration) *HTTPEmbedder {
	if timeout == 0 {
		timeout = DefaultCallTimeout
	}
	return &HTTPEmbedder{
		http:    &http.Client{Timeout: timeout + 5*time.Second},
		url:     url,
		apiKey:  apiKey,
		breaker: circuitbreaker.New(circuitbreaker.DefaultConfig("embedder")),
		timeout: timeout,
	}
}

func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	var out []float64
	err := e.breaker.Execute(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()

		body, err := json.Marshal(map[string]string{"text": text})
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if e.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+e.apiKey)
		}

		resp, err := e.http.Do(req)
		if err != nil {
			return fmt.Errorf("embedder unreachable: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			return fmt.Errorf("embedder returned %d", resp.StatusCode)
		}

		var parsed struct {
			Vector []float64 `json:"vector"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return fmt.Errorf("decode embedding: %w", err)
		}
		if len(parsed.Vector) != vector.Dimensions {
			return fmt.Errorf("embedder returned %d dims, want %d", len(parsed.Vector), vector.Dimensions)
		}
		out = parsed.Vector
		return nil
	})
	return out, err
}

// LocalEmbedder is a deterministic hash-projection embedder used when no
// gateway endpoint is configured and in tests. Identical text always maps
// to the identical unit vector, which is all the pipeline properties need.
type LocalEmbedder struct{}

func (LocalEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	vec := make([]float64, vector.Dimensions)
	seed := sha256.Sum256([]byte(text))

	// Expand the digest into the full dimension with counter-mode hashing.
	var norm float64
	for i := 0; i < vector.Dimensions; i += 4 {
		var block [40]byte
		copy(block[:32], seed[:])
		binary.BigEndian.PutUint64(block[32:], uint64(i))
		h := sha256.Sum256(block[:])
		for j := 0; j < 4 && i+j < vector.Dimensions; j++ {
			u := binary.BigEndian.Uint64(h[j*8 : j*8+8])
			v := float64(int64(u)) / float64(math.MaxInt64)
			vec[i+j] = v
			norm += v * v
		}
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec, nil
}

var (
	_ Embedder = (*HTTPEmbedder)(nil)
	_ Embedder = LocalEmbedder{}
)
