// Package hitl implements the human-in-the-loop gate: persisted review
// tickets, exactly-once decision delivery to suspended pipeline instances,
// and the deadline sweeper that converts silence into rejection.
package hitl

import (
	"context"
	"errors"
	"time"

	"github.com/aevion/shield/internal/core"
)

// Status of a ticket. Exactly one terminal transition ever happens.
type Status string

const (
	StatusAwaiting Status = "awaiting"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Terminal reports whether s is a resolved state.
func (s Status) Terminal() bool { return s != StatusAwaiting }

// DefaultDeadline is the review window for new tickets.
const DefaultDeadline = 7 * 24 * time.Hour

// Ticket parks one pipeline instance awaiting a decision. All suspension
// state lives here plus in the instance checkpoint; nothing is held in
// memory across a crash.
type Ticket struct {
	ID         string         `json:"id"`
	ClaimID    string         `json:"claim_id"`
	InstanceID string         `json:"instance_id"`
	Risk       core.RiskLevel `json:"risk"`
	Summary    string         `json:"summary,omitempty"`
	Status     Status         `json:"status"`
	Decision   *core.Decision `json:"decision,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	Deadline   time.Time      `json:"deadline"`
}

// Store sentinels.
var (
	ErrTicketNotFound  = errors.New("ticket not found")
	ErrAlreadyResolved = errors.New("ticket already resolved")
	ErrDuplicateTicket = errors.New("ticket already open for claim")
)

// Store is the ticket persistence contract. Resolve must be atomic:
// the awaiting-to-terminal transition happens exactly once per ticket.
type Store interface {
	Create(ctx context.Context, t *Ticket) error
	Get(ctx context.Context, id string) (*Ticket, error)
	GetByClaim(ctx context.Context, claimID string) (*Ticket, error)

	// Resolve transitions awaiting -> status and records the decision.
	// Returns ErrAlreadyResolved when the ticket is already terminal.
	Resolve(ctx context.Context, id string, status Status, decision core.Decision) (*Ticket, error)

	// ListPending returns awaiting tickets, oldest first.
	ListPending(ctx context.Context, limit int) ([]*Ticket, error)

	// ListOverdue returns awaiting tickets whose deadline passed.
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]*Ticket, error)
}
