package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aevion/shield/internal/circuitbreaker"
)

// HTTPIndex talks to an external vector index service. Wire format is a
// plain JSON REST pair: POST {base}/vectors for upsert, POST
// {base}/vectors/query for nearest neighbors.
type HTTPIndex struct {
	http    *http.Client
	baseURL string
	apiKey  string
	breaker *circuitbreaker.CircuitBreaker
}

// NewHTTPIndex builds a client for the index service at baseURL.
func NewHTTPIndex(baseURL, apiKey string, timeout time.Duration) *HTTPIndex {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPIndex{
		http:    &http.Client{Timeout: timeout},
		baseURL: baseURL,
		apiKey:  apiKey,
		breaker: circuitbreaker.New(circuitbreaker.DefaultConfig("vector-index")),
	}
}

func (h *HTTPIndex) Upsert(ctx context.Context, id string, vec []float64) error {
	if len(vec) != Dimensions {
		return fmt.Errorf("%w: got %d want %d", ErrDimensionMismatch, len(vec), Dimensions)
	}
	payload := map[string]interface{}{"id": id, "vector": vec}
	return h.breaker.Execute(ctx, func(ctx context.Context) error {
		return h.post(ctx, "/vectors", payload, nil)
	})
}

func (h *HTTPIndex) Query(ctx context.Context, vec []float64, topK int) ([]Match, error) {
	if len(vec) != Dimensions {
		return nil, fmt.Errorf("%w: got %d want %d", ErrDimensionMismatch, len(vec), Dimensions)
	}
	payload := map[string]interface{}{"vector": vec, "top_k": topK}
	var parsed struct {
		Matches []Match `json:"matches"`
	}
	err := h.breaker.Execute(ctx, func(ctx context.Context) error {
		return h.post(ctx, "/vectors/query", payload, &parsed)
	})
	if err != nil {
		return nil, err
	}
	return parsed.Matches, nil
}

func (h *HTTPIndex) post(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.http.Do(req)
	if err != nil {
		return fmt.Errorf("vector index unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("vector index returned %d", resp.StatusCode)
	}
	if out == nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

var _ Index = (*HTTPIndex)(nil)
