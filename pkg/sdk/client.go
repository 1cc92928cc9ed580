// Package sdk is the Go client for the claim verification API.
//
// Quick start:
//
//	client := sdk.New(sdk.Config{
//	    BaseURL: "https://shield.yourcompany.com",
//	    APIKey:  os.Getenv("SHIELD_API_KEY"),
//	})
//
//	status, err := client.SubmitClaim(ctx, sdk.Claim{
//	    Text:     "the model output under review",
//	    Evidence: []string{"supporting source text"},
//	})
//	final, err := client.WaitForVerdict(ctx, status.ClaimID)
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Config holds the client configuration.
type Config struct {
	// BaseURL is the platform endpoint, e.g. "http://localhost:8080".
	BaseURL string

	// APIKey authenticates requests.
	APIKey string

	// Timeout bounds each HTTP call. Default 30s.
	Timeout time.Duration

	// PollInterval is the status poll cadence in WaitForVerdict. Default 500ms.
	PollInterval time.Duration

	// HTTPClient overrides the transport; mainly for tests.
	HTTPClient *http.Client
}

// Client talks to the verification platform.
type Client struct {
	cfg  Config
	http *http.Client
}

// New creates a client. BaseURL is required.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{cfg: cfg, http: httpClient}
}

// SubmitClaim enqueues a claim for verification and returns its initial
// pipeline status. The claim runs asynchronously; poll with Status or
// block with WaitForVerdict.
func (c *Client) SubmitClaim(ctx context.Context, claim Claim) (*Status, error) {
	var status Status
	if err := c.do(ctx, http.MethodPost, "/v1/claims", claim, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Status fetches the current pipeline status of a claim.
func (c *Client) Status(ctx context.Context, claimID string) (*Status, error) {
	var status Status
	if err := c.do(ctx, http.MethodGet, "/v1/claims/"+claimID, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Proof fetches the signed proof bundle for a completed claim.
func (c *Client) Proof(ctx context.Context, claimID string) (*Proof, error) {
	var proof Proof
	if err := c.do(ctx, http.MethodGet, "/v1/claims/"+claimID+"/proof", nil, &proof); err != nil {
		return nil, err
	}
	return &proof, nil
}

// Cancel requests cancellation of an in-flight claim.
func (c *Client) Cancel(ctx context.Context, claimID string) error {
	return c.do(ctx, http.MethodPost, "/v1/claims/"+claimID+"/cancel", nil, nil)
}

// Trail fetches the audit trail of a claim.
func (c *Client) Trail(ctx context.Context, claimID string) ([]AuditEvent, error) {
	var trail []AuditEvent
	if err := c.do(ctx, http.MethodGet, "/v1/claims/"+claimID+"/events", nil, &trail); err != nil {
		return nil, err
	}
	return trail, nil
}

// WaitForVerdict polls until the claim reaches a terminal state or ctx
// expires, returning the final status.
func (c *Client) WaitForVerdict(ctx context.Context, claimID string) (*Status, error) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		status, err := c.Status(ctx, claimID)
		if err != nil {
			return nil, err
		}
		if status.Terminal() {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	}

	url := strings.TrimSuffix(c.cfg.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return parseAPIError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func parseAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err == nil {
		apiErr.Code = body.Error
		apiErr.Message = body.Message
	}
	if resp.StatusCode == http.StatusPaymentRequired {
		apiErr.Price = resp.Header.Get("X-Price")
		apiErr.Currency = resp.Header.Get("X-Currency")
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		apiErr.RetryAfter = resp.Header.Get("Retry-After")
	}
	return apiErr
}
