package pubsub

import (
	"context"
)

// Message is the structure passed between components on the bus.
type Message struct {
	// Topic identifies the channel the message belongs to (e.g., "public").
	Topic string
	// SenderID identifies the session that published the message.
	SenderID string
	// Payload contains the raw message data, usually JSON.
	Payload []byte
	// Metadata can contain arbitrary key-value pairs for context.
	Metadata map[string]string
}

// Handler defines the function signature for processing a received message.
type Handler func(ctx context.Context, msg Message) error

// Publisher defines the contract for sending messages to the Pub/Sub system.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Subscriber defines the contract for receiving messages from the Pub/Sub system.
type Subscriber interface {
	// Subscribe starts delivering messages on topic to handler in the background.
	// Delivery stops when ctx is canceled.
	Subscribe(ctx context.Context, topic string, handler Handler) error
	Close() error
}

// Bus is both ends of the Pub/Sub system.
type Bus interface {
	Publisher
	Subscriber
}
