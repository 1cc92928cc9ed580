// Package events carries the platform's CloudEvents feed: claim lifecycle,
// halts, HITL transitions and proof signatures. The in-memory bus pushes to
// live stream subscribers; the Pub/Sub bus adds durable cross-service
// delivery on top.
package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the verification pipeline.
const (
	TypeClaimSubmitted = "shield.claim.submitted"
	TypeStageCompleted = "shield.stage.completed"
	TypeStageFailed    = "shield.stage.failed"
	TypeHaltTriggered  = "shield.halt.triggered"
	TypeHITLOpened     = "shield.hitl.opened"
	TypeHITLResolved   = "shield.hitl.resolved"
	TypeHITLExpired    = "shield.hitl.expired"
	TypeProofSigned    = "shield.proof.signed"
	TypeClaimCompleted = "shield.claim.completed"
	TypeClaimFailed    = "shield.claim.failed"
	TypeClaimCancelled = "shield.claim.cancelled"
)

// Emitter publishes CloudEvents. The in-memory Bus and the PubSubBus both
// satisfy it; a nil-safe no-op lives behind Discard.
type Emitter interface {
	Emit(eventType, source, subject string, data map[string]interface{})
}

// CloudEvent is the CloudEvents 1.0 envelope.
type CloudEvent struct {
	SpecVersion string                 `json:"specversion"`
	Type        string                 `json:"type"`
	Source      string                 `json:"source"`
	ID          string                 `json:"id"`
	Time        time.Time              `json:"time"`
	Subject     string                 `json:"subject,omitempty"`
	TenantID    string                 `json:"tenantid,omitempty"`
	Data        map[string]interface{} `json:"data"`
}

// NewCloudEvent fills the envelope. Subject is the claim id.
func NewCloudEvent(eventType, source, subject string, data map[string]interface{}) *CloudEvent {
	return &CloudEvent{
		SpecVersion: "1.0",
		Type:        eventType,
		Source:      source,
		ID:          uuid.NewString(),
		Time:        time.Now().UTC(),
		Subject:     subject,
		Data:        data,
	}
}

// JSON serializes the event.
func (ce *CloudEvent) JSON() ([]byte, error) {
	return json.Marshal(ce)
}

// SSEFormat renders the event as a Server-Sent Events frame.
func (ce *CloudEvent) SSEFormat() ([]byte, error) {
	data, err := json.Marshal(ce)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\nid: %s\n\n", ce.Type, data, ce.ID)), nil
}

// Bus is the in-process pub/sub fan-out feeding live stream subscribers.
// Slow subscribers drop events rather than stall the pipeline.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *CloudEvent // event type -> channels
	allSubs     []chan *CloudEvent
	bufferSize  int
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]chan *CloudEvent),
		bufferSize:  100,
	}
}

// Subscribe returns a channel receiving the named event types, or every
// event when none are named.
func (b *Bus) Subscribe(eventTypes ...string) chan *CloudEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *CloudEvent, b.bufferSize)
	if len(eventTypes) == 0 {
		b.allSubs = append(b.allSubs, ch)
		return ch
	}
	for _, et := range eventTypes {
		b.subscribers[et] = append(b.subscribers[et], ch)
	}
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *Bus) Unsubscribe(ch chan *CloudEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for et, subs := range b.subscribers {
		b.subscribers[et] = dropChannel(subs, ch)
	}
	b.allSubs = dropChannel(b.allSubs, ch)
	close(ch)
}

func dropChannel(subs []chan *CloudEvent, ch chan *CloudEvent) []chan *CloudEvent {
	out := subs[:0]
	for _, s := range subs {
		if s != ch {
			out = append(out, s)
		}
	}
	return out
}

// Publish delivers to all matching subscribers without blocking.
func (b *Bus) Publish(event *CloudEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Emit builds and publishes an event.
func (b *Bus) Emit(eventType, source, subject string, data map[string]interface{}) {
	b.Publish(NewCloudEvent(eventType, source, subject, data))
}

// SubscriberCount reports active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := len(b.allSubs)
	for _, subs := range b.subscribers {
		count += len(subs)
	}
	return count
}

// Discard drops every event; used where no bus is wired.
var Discard Emitter = discard{}

type discard struct{}

func (discard) Emit(string, string, string, map[string]interface{}) {}

var _ Emitter = (*Bus)(nil)
