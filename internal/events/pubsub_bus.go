package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubBus layers durable Google Cloud Pub/Sub delivery over the in-memory
// bus. Every emitted event goes both ways: at-least-once to downstream
// consumers via the topic, immediately to live stream subscribers via the
// embedded bus.
type PubSubBus struct {
	*Bus

	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewPubSubBus connects to the topic, creating it when absent.
func NewPubSubBus(projectID, topicID string) (*PubSubBus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
		slog.Info("created pubsub topic", "topic", topicID)
	}

	// Ordering key is the claim id; per-claim event order survives transit.
	topic.EnableMessageOrdering = true

	slog.Info("pubsub event bus connected", "topic", topic.String())
	return &PubSubBus{Bus: NewBus(), client: client, topic: topic}, nil
}

// Emit publishes durably and fans out in-memory.
func (pb *PubSubBus) Emit(eventType, source, subject string, data map[string]interface{}) {
	event := NewCloudEvent(eventType, source, subject, data)
	pb.publish(event)
	pb.Bus.Publish(event)
}

func (pb *PubSubBus) publish(event *CloudEvent) {
	payload, err := event.JSON()
	if err != nil {
		slog.Warn("event marshal failed", "id", event.ID, "error", err)
		return
	}

	msg := &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"ce-specversion": event.SpecVersion,
			"ce-type":        event.Type,
			"ce-source":      event.Source,
			"ce-id":          event.ID,
			"ce-time":        event.Time.Format(time.RFC3339Nano),
			"ce-subject":     event.Subject,
		},
		OrderingKey: event.Subject,
	}

	result := pb.topic.Publish(context.Background(), msg)

	// Publish result is checked off the hot path.
	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			slog.Warn("pubsub publish failed", "id", event.ID, "type", event.Type, "error", err)
		}
	}()
}

// HealthCheck verifies the topic is reachable.
func (pb *PubSubBus) HealthCheck(ctx context.Context) error {
	exists, err := pb.topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("topic health check: %w", err)
	}
	if !exists {
		return fmt.Errorf("topic does not exist")
	}
	return nil
}

// Close stops the topic publisher and the client.
func (pb *PubSubBus) Close() error {
	pb.topic.Stop()
	if err := pb.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	return nil
}

var _ Emitter = (*PubSubBus)(nil)
