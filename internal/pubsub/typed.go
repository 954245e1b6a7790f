package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
)

// Event[T] binds a topic name to the payload type carried on it.
type Event[T any] struct {
	topicName string
}

// NewEvent creates a typed event for topic.
func NewEvent[T any](topic string) Event[T] {
	return Event[T]{topicName: topic}
}

// Name returns the topic name.
func (e Event[T]) Name() string {
	return e.topicName
}

// Publish sends a typed event. The compiler ensures 'payload' matches 'T'.
func Publish[T any](ctx context.Context, p Publisher, event Event[T], senderID string, payload T) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", event.Name(), err)
	}

	return p.Publish(ctx, Message{
		Topic:    event.Name(),
		SenderID: senderID,
		Payload:  data,
	})
}

// Subscribe decodes every message on the event's topic into T before
// calling handler. Messages that fail to decode are reported as handler errors.
func Subscribe[T any](ctx context.Context, s Subscriber, event Event[T], handler func(ctx context.Context, senderID string, payload T) error) error {
	return s.Subscribe(ctx, event.Name(), func(ctx context.Context, msg Message) error {
		var payload T
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return fmt.Errorf("decode %s payload: %w", event.Name(), err)
		}
		return handler(ctx, msg.SenderID, payload)
	})
}
