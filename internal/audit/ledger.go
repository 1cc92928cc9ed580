// Package audit implements the append-only relational event ledger. Writes
// are best-effort from the core's perspective except stage-complete and
// proof-signed, which must be durable before a stage reports success.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// EventKind is the closed set of ledger rows.
type EventKind string

const (
	KindSubmit        EventKind = "submit"
	KindStageStart    EventKind = "stage-start"
	KindStageComplete EventKind = "stage-complete"
	KindStageFail     EventKind = "stage-fail"
	KindHaltTriggered EventKind = "halt-triggered"
	KindHITLOpen      EventKind = "hitl-open"
	KindHITLResolved  EventKind = "hitl-resolved"
	KindHITLExpired   EventKind = "hitl-expired"
	KindProofSigned   EventKind = "proof-signed"
	KindCancelled     EventKind = "cancelled"
	KindCompleted     EventKind = "completed"
	KindFailed        EventKind = "failed"
)

// durable kinds must hit storage before the caller proceeds.
func (k EventKind) durable() bool {
	return k == KindStageComplete || k == KindProofSigned
}

// Event is one ledger row.
type Event struct {
	ID        string                 `json:"id"`
	Kind      EventKind              `json:"kind"`
	ClaimID   string                 `json:"claim_id"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// ErrEventNotFound is returned by lookups on an empty trail.
var ErrEventNotFound = errors.New("audit events not found")

// Ledger is the persistence contract.
type Ledger interface {
	Append(ctx context.Context, ev Event) error
	ListByClaim(ctx context.Context, claimID string, limit int) ([]Event, error)
}

// Recorder wraps a Ledger with the durability split: best-effort kinds
// degrade to warnings, durable kinds propagate the error.
type Recorder struct {
	ledger Ledger
}

// NewRecorder wraps a ledger.
func NewRecorder(ledger Ledger) *Recorder {
	return &Recorder{ledger: ledger}
}

// Record appends an event. The returned error is always nil for
// best-effort kinds; durable kinds surface storage failures.
func (r *Recorder) Record(ctx context.Context, kind EventKind, claimID string, payload map[string]interface{}) error {
	ev := Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		ClaimID:   claimID,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	err := r.ledger.Append(ctx, ev)
	if err == nil {
		return nil
	}
	if kind.durable() {
		return fmt.Errorf("durable audit write (%s): %w", kind, err)
	}
	slog.Warn("audit write dropped", "kind", kind, "claim", claimID, "error", err)
	return nil
}

// Trail returns the events for a claim, oldest first.
func (r *Recorder) Trail(ctx context.Context, claimID string, limit int) ([]Event, error) {
	return r.ledger.ListByClaim(ctx, claimID, limit)
}

// marshalPayload is shared by the storage backends.
func marshalPayload(p map[string]interface{}) ([]byte, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p)
}
