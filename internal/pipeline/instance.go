// Package pipeline drives claims through the fixed verification stage
// sequence with durable checkpointing, per-stage retry policy and
// exactly-once stage completion.
package pipeline

import (
	"time"

	"github.com/aevion/shield/internal/consensus"
	"github.com/aevion/shield/internal/core"
	"github.com/aevion/shield/internal/sanitize"
	"github.com/aevion/shield/internal/vector"
)

// Stage names the ordered pipeline steps.
type Stage string

const (
	StageSanitize Stage = "sanitize"
	StageEmbed    Stage = "embed"
	StageSearch   Stage = "search"
	StageVerify   Stage = "verify"
	StageDetect   Stage = "detect"
	StageSign     Stage = "sign"
)

// StageOrder is the fixed execution sequence. Instances never move
// backward through it.
var StageOrder = []Stage{StageSanitize, StageEmbed, StageSearch, StageVerify, StageDetect, StageSign}

// stageIndex returns the position of s in the order, -1 when unknown.
func stageIndex(s Stage) int {
	for i, st := range StageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// State of a pipeline instance.
type State string

const (
	StateRunning        State = "running"
	StateAwaitingReview State = "awaiting_review"
	StateCompleted      State = "completed"
	StateFailed         State = "failed"
	StateCancelled      State = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Stage outputs persisted into the checkpoint. Sign reads them back to
// compose the proof bundle, so each carries exactly what the bundle needs.
type (
	SanitizeOutput struct {
		sanitize.Result
		CompletedAt time.Time `json:"completed_at"`
	}

	EmbedOutput struct {
		// Vector is kept in the checkpoint so Search never re-embeds.
		Vector                  []float64 `json:"vector"`
		ClaimEvidenceSimilarity float64   `json:"claim_evidence_similarity"`
		Dimensions              int       `json:"dimensions"`
		CompletedAt             time.Time `json:"completed_at"`
	}

	SearchOutput struct {
		Similar     []vector.Match `json:"similar,omitempty"`
		CompletedAt time.Time      `json:"completed_at"`
	}

	VerifyOutput struct {
		Snapshot    consensus.Snapshot `json:"snapshot"`
		Risk        core.RiskLevel     `json:"risk"`
		CompletedAt time.Time          `json:"completed_at"`
	}

	DetectOutput struct {
		Flags        []string  `json:"flags,omitempty"`
		FlagCount    int       `json:"flag_count"`
		TrustScore   float64   `json:"trust_score"`
		HaltRequired bool      `json:"halt_required"`
		CompletedAt  time.Time `json:"completed_at"`
	}
)

// Checkpoint is the durable per-instance stage record. A stage's output
// pointer is nil until its stage-complete event is durable.
type Checkpoint struct {
	Sanitize *SanitizeOutput `json:"sanitize,omitempty"`
	Embed    *EmbedOutput    `json:"embed,omitempty"`
	Search   *SearchOutput   `json:"search,omitempty"`
	Verify   *VerifyOutput   `json:"verify,omitempty"`
	Detect   *DetectOutput   `json:"detect,omitempty"`
}

// completedThrough returns how many leading stages have durable outputs.
func (c *Checkpoint) completedThrough() int {
	n := 0
	for _, has := range []bool{c.Sanitize != nil, c.Embed != nil, c.Search != nil, c.Verify != nil, c.Detect != nil} {
		if !has {
			break
		}
		n++
	}
	return n
}

// Instance is one run of the stage sequence for one claim.
type Instance struct {
	ID         string         `json:"id"`
	Claim      core.Claim     `json:"claim"`
	State      State          `json:"state"`
	Stage      Stage          `json:"stage"`
	Attempts   map[Stage]int  `json:"attempts,omitempty"`
	LastError  string         `json:"last_error,omitempty"`
	Checkpoint Checkpoint     `json:"checkpoint"`
	TicketID   string         `json:"ticket_id,omitempty"`
	Decision   *core.Decision `json:"decision,omitempty"`
	ProofHash  string         `json:"proof_hash,omitempty"`
	Verdict    core.Verdict   `json:"verdict,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Status is the caller-facing view returned by the API.
type Status struct {
	InstanceID string       `json:"instance_id"`
	ClaimID    string       `json:"claim_id"`
	State      State        `json:"state"`
	Stage      Stage        `json:"stage"`
	Verdict    core.Verdict `json:"verdict,omitempty"`
	ProofHash  string       `json:"proof_hash,omitempty"`
	TicketID   string       `json:"ticket_id,omitempty"`
	LastError  string       `json:"last_error,omitempty"`
	Checkpoint Checkpoint   `json:"checkpoint"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

func (in *Instance) status() Status {
	return Status{
		InstanceID: in.ID,
		ClaimID:    in.Claim.ID,
		State:      in.State,
		Stage:      in.Stage,
		Verdict:    in.Verdict,
		ProofHash:  in.ProofHash,
		TicketID:   in.TicketID,
		LastError:  in.LastError,
		Checkpoint: in.Checkpoint,
		CreatedAt:  in.CreatedAt,
		UpdatedAt:  in.UpdatedAt,
	}
}
