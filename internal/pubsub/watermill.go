package pubsub

import (
	"context"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// WatermillBridge implements the Publisher and Subscriber interfaces using watermill's GoChannel.
type WatermillBridge struct {
	pub    message.Publisher
	sub    message.Subscriber
	logger *slog.Logger
}

const (
	// Metadata keys used to transfer our Message structure fields through watermill's message.
	metaKeySenderID = "sender_id"
	metaKeyTopic    = "topic"

	outputBuffer = 64
)

// BridgeOption configures a WatermillBridge.
type BridgeOption func(*bridgeConfig)

type bridgeConfig struct {
	wmLogger watermill.LoggerAdapter
	logger   *slog.Logger
}

// WithWatermillLogger sets the logger handed to watermill itself.
func WithWatermillLogger(l watermill.LoggerAdapter) BridgeOption {
	return func(c *bridgeConfig) { c.wmLogger = l }
}

// WithLogger sets the logger used for handler failures.
func WithLogger(l *slog.Logger) BridgeOption {
	return func(c *bridgeConfig) { c.logger = l }
}

// NewWatermillBridge initializes an in-memory Pub/Sub system. Publish waits
// until every subscriber has acknowledged, so each subscriber sees messages
// of a topic in publish order.
func NewWatermillBridge(opts ...BridgeOption) *WatermillBridge {
	cfg := bridgeConfig{
		wmLogger: watermill.NewStdLogger(false, false),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	goChannel := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            outputBuffer,
			BlockPublishUntilSubscriberAck: true,
		},
		cfg.wmLogger,
	)

	return &WatermillBridge{
		pub:    goChannel,
		sub:    goChannel,
		logger: cfg.logger.With("component", "pubsub"),
	}
}

// mapToWatermillMessage converts our pubsub.Message to a watermill message.
func mapToWatermillMessage(msg Message) *message.Message {
	wmMsg := message.NewMessage(watermill.NewUUID(), msg.Payload)

	for k, v := range msg.Metadata {
		wmMsg.Metadata.Set(k, v)
	}
	// Reserved keys win over caller metadata.
	wmMsg.Metadata.Set(metaKeySenderID, msg.SenderID)
	wmMsg.Metadata.Set(metaKeyTopic, msg.Topic)

	return wmMsg
}

// mapToPubSubMessage converts a watermill message back to our internal pubsub.Message.
func mapToPubSubMessage(wmMsg *message.Message) Message {
	metadata := make(map[string]string)
	for k, v := range wmMsg.Metadata {
		if k != metaKeySenderID && k != metaKeyTopic {
			metadata[k] = v
		}
	}

	return Message{
		Topic:    wmMsg.Metadata.Get(metaKeyTopic),
		SenderID: wmMsg.Metadata.Get(metaKeySenderID),
		Payload:  wmMsg.Payload,
		Metadata: metadata,
	}
}

// Publish implements the Publisher interface.
func (wb *WatermillBridge) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	wmMsg := mapToWatermillMessage(msg)
	return wb.pub.Publish(msg.Topic, wmMsg)
}

// Subscribe implements the Subscriber interface. It returns as soon as the
// subscription is active; messages are handled on a background goroutine
// until ctx is canceled.
func (wb *WatermillBridge) Subscribe(ctx context.Context, topic string, handler Handler) error {
	messages, err := wb.sub.Subscribe(ctx, topic)
	if err != nil {
		return err
	}

	go func() {
		for wmMsg := range messages {
			msg := mapToPubSubMessage(wmMsg)

			if err := handler(ctx, msg); err != nil {
				// GoChannel redelivers nacked messages forever, so failures are logged and acked.
				wb.logger.Error("Failed to handle message", "topic", topic, "msg_id", wmMsg.UUID, "error", err)
			}
			wmMsg.Ack()
		}
		wb.logger.Debug("Subscription message loop ended", "topic", topic)
	}()

	return nil
}

// Close implements the Publisher and Subscriber interface to shut down the bridge.
func (wb *WatermillBridge) Close() error {
	return wb.sub.Close()
}
