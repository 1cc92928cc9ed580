package sdk

import (
	"fmt"
	"time"
)

// Claim is the submission payload.
type Claim struct {
	// ID is optional; the platform assigns one when empty.
	ID string `json:"id,omitempty"`

	// Text is the AI output to verify.
	Text string `json:"text"`

	// Evidence carries supporting source snippets.
	Evidence []string `json:"evidence,omitempty"`

	// Domain selects the halt policy, e.g. "vet_proof".
	Domain string `json:"domain,omitempty"`

	// Priority "high" forces human review before signing.
	Priority string `json:"priority,omitempty"`
}

// Status mirrors the pipeline status resource.
type Status struct {
	InstanceID string    `json:"instance_id"`
	ClaimID    string    `json:"claim_id"`
	State      string    `json:"state"`
	Stage      string    `json:"stage"`
	Verdict    string    `json:"verdict,omitempty"`
	ProofHash  string    `json:"proof_hash,omitempty"`
	TicketID   string    `json:"ticket_id,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Terminal states as rendered on the wire.
const (
	StateRunning        = "running"
	StateAwaitingReview = "awaiting_review"
	StateCompleted      = "completed"
	StateFailed         = "failed"
	StateCancelled      = "cancelled"
)

// Terminal reports whether the claim is done.
func (s *Status) Terminal() bool {
	switch s.State {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Proof is the signed verification artifact.
type Proof struct {
	ClaimID         string                 `json:"claim_id"`
	Domain          string                 `json:"domain"`
	InstanceID      string                 `json:"instance_id"`
	ProofID         string                 `json:"proof_id"`
	PipelineVersion string                 `json:"pipeline_version"`
	Stages          map[string]interface{} `json:"stages"`
	Verdict         string                 `json:"verdict"`
	FinalConfidence float64                `json:"final_confidence"`
	TrustScore      float64                `json:"trust_score"`
	HaltFlags       HaltFlags              `json:"halt_flags"`
	Timestamp       string                 `json:"timestamp"`
	DurationMS      int64                  `json:"duration_ms"`
	PreviousHash    string                 `json:"previous_hash"`
	ProofHash       string                 `json:"proof_hash"`
	Signature       string                 `json:"signature,omitempty"`
}

// HaltFlags records why the platform declined, when it did.
type HaltFlags struct {
	Variance       bool `json:"variance"`
	Constitutional bool `json:"constitutional"`
	NoQuorum       bool `json:"no_quorum"`
	LowTrust       bool `json:"low_trust"`
}

// AuditEvent is one audit-trail entry.
type AuditEvent struct {
	ID        string                 `json:"id"`
	Kind      string                 `json:"kind"`
	ClaimID   string                 `json:"claim_id"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// APIError is a non-2xx response. Quota rejections carry the overage
// price; rate limits carry the retry hint.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Price      string
	Currency   string
	RetryAfter string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d (%s)", e.StatusCode, e.Code)
}

// IsQuotaExceeded reports a priced 402 rejection.
func (e *APIError) IsQuotaExceeded() bool { return e.StatusCode == 402 }

// IsRateLimited reports a 429 rejection.
func (e *APIError) IsRateLimited() bool { return e.StatusCode == 429 }
