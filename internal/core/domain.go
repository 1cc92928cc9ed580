// Package core holds the shared domain types of the verification platform.
// Everything here is a plain value type; no I/O, no locking.
package core

import (
	"fmt"
	"time"
)

// Domain is a closed vertical tag attached to a claim. Each domain carries
// its own constitutional halt threshold.
type Domain string

const (
	DomainVetProof  Domain = "vetproof"
	DomainLegal     Domain = "legal"
	DomainFinance   Domain = "finance"
	DomainHealth    Domain = "health"
	DomainEducation Domain = "education"
	DomainAviation  Domain = "aviation"
)

// DefaultHaltThresholds maps each domain to the minimum weighted-mean
// confidence required to emit a non-halt verdict.
var DefaultHaltThresholds = map[Domain]float64{
	DomainVetProof:  0.67,
	DomainLegal:     0.70,
	DomainFinance:   0.75,
	DomainHealth:    0.80,
	DomainEducation: 0.65,
	DomainAviation:  0.85,
}

// ValidDomain reports whether d belongs to the closed vertical set.
func ValidDomain(d Domain) bool {
	_, ok := DefaultHaltThresholds[d]
	return ok
}

// Verdict is the closed set of opinions a verifier model can return, plus
// the derived "halt" verdict that only the consensus engine may produce.
type Verdict string

const (
	VerdictVerified             Verdict = "verified"
	VerdictUnverified           Verdict = "unverified"
	VerdictInsufficientEvidence Verdict = "insufficient_evidence"
	VerdictNeedsReview          Verdict = "needs_review"
	VerdictError                Verdict = "error"

	// VerdictHalt is never submitted by a model; it is the consensus
	// engine refusing to answer.
	VerdictHalt Verdict = "halt"
)

// ValidVoteVerdict reports whether v is acceptable on an incoming vote.
func ValidVoteVerdict(v Verdict) bool {
	switch v {
	case VerdictVerified, VerdictUnverified, VerdictInsufficientEvidence,
		VerdictNeedsReview, VerdictError:
		return true
	}
	return false
}

// Priority is a caller-supplied scheduling hint. High priority forces the
// HITL gate regardless of risk.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// RiskLevel summarizes pre-screen and verify-stage risk for the HITL gate.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Claim is the immutable record a caller submits. Never mutated after
// creation; stages operate on redacted copies.
type Claim struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Evidence  []string  `json:"evidence,omitempty"`
	Domain    Domain    `json:"domain,omitempty"`
	Priority  Priority  `json:"priority,omitempty"`
	TenantID  string    `json:"tenant_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Bounds applied to incoming claims and votes.
const (
	MaxClaimTextBytes  = 32 * 1024
	MaxVoteReasonBytes = 8 * 1024
)

// Validate checks the claim against input rules. Violations are terminal
// input errors, never retried.
func (c *Claim) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("claim id is required")
	}
	if c.Text == "" {
		return fmt.Errorf("claim text is required")
	}
	if len(c.Text) > MaxClaimTextBytes {
		return fmt.Errorf("claim text exceeds %d bytes", MaxClaimTextBytes)
	}
	if c.Domain != "" && !ValidDomain(c.Domain) {
		return fmt.Errorf("unknown domain %q", c.Domain)
	}
	if c.Priority != "" && c.Priority != PriorityNormal && c.Priority != PriorityHigh {
		return fmt.Errorf("unknown priority %q", c.Priority)
	}
	return nil
}

// Vote is one model's opinion on a claim.
type Vote struct {
	ModelID    string    `json:"model_id"`
	Verdict    Verdict   `json:"verdict"`
	Confidence float64   `json:"confidence"`
	Coherence  float64   `json:"coherence"`
	Reasoning  string    `json:"reasoning,omitempty"`
	Weight     float64   `json:"weight"`
	Timestamp  time.Time `json:"timestamp"`
}

// Validate checks vote ranges and enums.
func (v *Vote) Validate() error {
	if v.ModelID == "" {
		return fmt.Errorf("vote model_id is required")
	}
	if !ValidVoteVerdict(v.Verdict) {
		return fmt.Errorf("unknown verdict %q", v.Verdict)
	}
	if v.Confidence < 0 || v.Confidence > 1 {
		return fmt.Errorf("confidence %.4f outside [0,1]", v.Confidence)
	}
	if v.Coherence < 0 || v.Coherence > 1 {
		return fmt.Errorf("coherence %.4f outside [0,1]", v.Coherence)
	}
	if v.Weight <= 0 {
		return fmt.Errorf("weight %.4f must be > 0", v.Weight)
	}
	if len(v.Reasoning) > MaxVoteReasonBytes {
		return fmt.Errorf("reasoning exceeds %d bytes", MaxVoteReasonBytes)
	}
	return nil
}

// DecisionOutcome is the closed set of HITL resolutions.
type DecisionOutcome string

const (
	DecisionApproved DecisionOutcome = "approved"
	DecisionRejected DecisionOutcome = "rejected"
	DecisionExpired  DecisionOutcome = "expired"
)

// Decision is a human (or synthetic) resolution delivered to a suspended
// pipeline instance.
type Decision struct {
	Outcome    DecisionOutcome `json:"outcome"`
	ReviewerID string          `json:"reviewer_id"`
	Reason     string          `json:"reason,omitempty"`
	Auto       bool            `json:"auto"`
	DecidedAt  time.Time       `json:"decided_at"`
}

// AutoApproval is the synthetic decision fed into Sign when a low-risk
// claim bypasses the HITL gate.
func AutoApproval(now time.Time) Decision {
	return Decision{
		Outcome:    DecisionApproved,
		ReviewerID: "auto",
		Reason:     "low risk auto-approval",
		Auto:       true,
		DecidedAt:  now,
	}
}

// ExpiredRejection is the synthetic decision delivered when a HITL ticket
// passes its deadline without a reviewer.
func ExpiredRejection(now time.Time) Decision {
	return Decision{
		Outcome:    DecisionExpired,
		ReviewerID: "system",
		Reason:     "review window expired",
		Auto:       true,
		DecidedAt:  now,
	}
}
