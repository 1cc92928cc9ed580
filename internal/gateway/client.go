// Package gateway is the client side of the model inference gateway. The
// Verify stage fans a claim out to every configured verifier model in
// parallel, parses each response strictly into a vote, and converts any
// failure into an error vote so the quorum math stays honest.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/aevion/shield/internal/circuitbreaker"
	"github.com/aevion/shield/internal/core"
	"github.com/aevion/shield/internal/metrics"
)

// Defaults for the fan-out.
const (
	DefaultConcurrency = 8
	DefaultCallTimeout = 30 * time.Second
)

// ModelEndpoint is one configured verifier model.
type ModelEndpoint struct {
	ModelID string  `yaml:"model_id" json:"model_id"`
	URL     string  `yaml:"url" json:"url"`
	Weight  float64 `yaml:"weight" json:"weight"`
	APIKey  string  `yaml:"api_key" json:"-"`
}

// OpinionRequest is the wire request sent to a verifier model.
type OpinionRequest struct {
	ClaimID       string   `json:"claim_id"`
	Text          string   `json:"text"`
	Evidence      []string `json:"evidence,omitempty"`
	Domain        string   `json:"domain,omitempty"`
	SimilarClaims []string `json:"similar_claims,omitempty"`
}

// opinionResponse is parsed strictly: unknown fields rejected, ranges
// validated by core.Vote before the vote counts.
type opinionResponse struct {
	Verdict    string  `json:"verdict"`
	Confidence float64 `json:"confidence"`
	Coherence  float64 `json:"coherence"`
	Reasoning  string  `json:"reasoning"`
}

// Verifier is what the pipeline's Verify stage needs.
type Verifier interface {
	CollectVotes(ctx context.Context, req OpinionRequest) []core.Vote
}

// Client fans out to the model fleet with a per-endpoint circuit breaker.
type Client struct {
	http        *http.Client
	endpoints   []ModelEndpoint
	breakers    map[string]*circuitbreaker.CircuitBreaker
	concurrency int
	callTimeout time.Duration
}

// Option tunes the client.
type Option func(*Client)

// WithConcurrency caps the parallel fan-out per claim.
func WithConcurrency(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithCallTimeout sets the per-model deadline.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// WithHTTPClient replaces the transport; tests inject httptest servers.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// NewClient builds a gateway client over the configured endpoints.
func NewClient(endpoints []ModelEndpoint, opts ...Option) *Client {
	c := &Client{
		http:        &http.Client{Timeout: DefaultCallTimeout + 5*time.Second},
		endpoints:   endpoints,
		breakers:    make(map[string]*circuitbreaker.CircuitBreaker, len(endpoints)),
		concurrency: DefaultConcurrency,
		callTimeout: DefaultCallTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	for _, ep := range endpoints {
		c.breakers[ep.ModelID] = circuitbreaker.New(
			circuitbreaker.DefaultConfig("model-" + ep.ModelID))
	}
	return c
}

// CollectVotes requests an opinion from every endpoint in parallel, bounded
// by the concurrency cap. Every endpoint yields exactly one vote; failures
// and breaker rejections come back as error votes with zero confidence.
func (c *Client) CollectVotes(ctx context.Context, req OpinionRequest) []core.Vote {
	votes := make([]core.Vote, len(c.endpoints))
	sem := make(chan struct{}, c.concurrency)
	var wg sync.WaitGroup

	for i, ep := range c.endpoints {
		wg.Add(1)
		go func(i int, ep ModelEndpoint) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			votes[i] = c.callOne(ctx, ep, req)
		}(i, ep)
	}
	wg.Wait()
	return votes
}

func (c *Client) callOne(ctx context.Context, ep ModelEndpoint, req OpinionRequest) core.Vote {
	start := time.Now()
	var vote core.Vote

	err := c.breakers[ep.ModelID].Execute(ctx, func(ctx context.Context) error {
		v, err := c.requestOpinion(ctx, ep, req)
		if err != nil {
			return err
		}
		vote = v
		return nil
	})

	metrics.ModelLatency.WithLabelValues(ep.ModelID).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ModelCalls.WithLabelValues(ep.ModelID, "error").Inc()
		return errorVote(ep, err)
	}
	metrics.ModelCalls.WithLabelValues(ep.ModelID, "ok").Inc()
	return vote
}

func (c *Client) requestOpinion(ctx context.Context, ep ModelEndpoint, req OpinionRequest) (core.Vote, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return core.Vote{}, fmt.Errorf("marshal opinion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return core.Vote{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if ep.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+ep.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return core.Vote{}, fmt.Errorf("model %s unreachable: %w", ep.ModelID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return core.Vote{}, fmt.Errorf("model %s returned %d", ep.ModelID, resp.StatusCode)
	}

	return parseOpinion(ep, resp.Body)
}

// parseOpinion decodes a model response strictly. Anything that does not
// round-trip into a valid vote is a parse failure, not a lenient accept.
func parseOpinion(ep ModelEndpoint, r io.Reader) (core.Vote, error) {
	dec := json.NewDecoder(io.LimitReader(r, 64*1024))
	dec.DisallowUnknownFields()

	var op opinionResponse
	if err := dec.Decode(&op); err != nil {
		return core.Vote{}, fmt.Errorf("model %s: unparseable opinion: %w", ep.ModelID, err)
	}

	vote := core.Vote{
		ModelID:    ep.ModelID,
		Verdict:    core.Verdict(op.Verdict),
		Confidence: op.Confidence,
		Coherence:  op.Coherence,
		Reasoning:  op.Reasoning,
		Weight:     ep.Weight,
		Timestamp:  time.Now().UTC(),
	}
	if err := vote.Validate(); err != nil {
		return core.Vote{}, fmt.Errorf("model %s: invalid opinion: %w", ep.ModelID, err)
	}
	return vote, nil
}

// errorVote records a failed model call. Error votes are stored by the
// consensus engine but excluded from the valid set.
func errorVote(ep ModelEndpoint, err error) core.Vote {
	weight := ep.Weight
	if weight <= 0 {
		weight = 1
	}
	return core.Vote{
		ModelID:    ep.ModelID,
		Verdict:    core.VerdictError,
		Confidence: 0,
		Coherence:  0,
		Reasoning:  err.Error(),
		Weight:     weight,
		Timestamp:  time.Now().UTC(),
	}
}

var _ Verifier = (*Client)(nil)
