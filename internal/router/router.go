// Package router subscribes a live session to every chat channel and routes
// inbound frames through the normalizer to a sink.
package router

import (
	"log/slog"
	"sync"

	"github.com/nfrund/chatsync/internal/auth"
	"github.com/nfrund/chatsync/internal/chat"
	"github.com/nfrund/chatsync/internal/topics"
	"github.com/nfrund/chatsync/internal/websocket"
)

// Subscriber opens subscriptions on the live session.
type Subscriber interface {
	Subscribe(channel string) (string, error)
	Unsubscribe(id string) error
}

// Sink receives normalized events.
type Sink interface {
	Apply(ev chat.Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev chat.Event)

// Apply implements Sink.
func (f SinkFunc) Apply(ev chat.Event) { f(ev) }

// Router holds the set of subscriptions for the current session. It
// implements connection.Listener.
type Router struct {
	subscriber Subscriber
	sink       Sink
	registry   *topics.TopicRegistry
	logger     *slog.Logger

	mu   sync.Mutex
	subs map[string]string // subscription id -> channel
}

// New creates a Router that subscribes through s and delivers to sink.
func New(s Subscriber, sink Sink, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		subscriber: s,
		sink:       sink,
		registry:   topics.NewChatRegistry(),
		logger:     logger.With("component", "router"),
		subs:       make(map[string]string),
	}
}

// Channels returns the channels a session for id subscribes to. The private
// queue is omitted when the identity has no user id.
func Channels(id auth.Identity) []string {
	channels := []string{
		topics.Public.Pattern(),
		topics.ActiveUsers.Pattern(),
		topics.Typing.Pattern(),
	}
	if private, err := topics.PrivateFor(string(id.UserID)); err == nil {
		channels = append(channels, private)
	}
	return channels
}

// OnConnected subscribes to every chat channel.
func (r *Router) OnConnected(id auth.Identity) {
	r.mu.Lock()
	r.subs = make(map[string]string)
	r.mu.Unlock()

	channels := Channels(id)
	if len(channels) < 4 {
		r.logger.Warn("No user id in identity, private queue not subscribed", "username", id.Username)
	}
	for _, channel := range channels {
		subID, err := r.subscriber.Subscribe(channel)
		if err != nil {
			r.logger.Error("Failed to subscribe", "channel", channel, "error", err)
			continue
		}
		r.mu.Lock()
		r.subs[subID] = channel
		r.mu.Unlock()
	}
	r.logger.Info("Subscribed to chat channels", "count", r.Len())
}

// OnSettled implements connection.Listener.
func (r *Router) OnSettled(auth.Identity) {}

// OnDisconnected drops every subscription; the server forgets them with the session.
func (r *Router) OnDisconnected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = make(map[string]string)
}

// Unsubscribe cancels every active subscription while keeping the session.
func (r *Router) Unsubscribe() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	r.subs = make(map[string]string)
	r.mu.Unlock()

	for _, id := range ids {
		if err := r.subscriber.Unsubscribe(id); err != nil {
			r.logger.Warn("Failed to unsubscribe", "subscription_id", id, "error", err)
		}
	}
}

// Len reports the number of active subscriptions.
func (r *Router) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Active returns the subscribed channels keyed by subscription id.
func (r *Router) Active() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.subs))
	for id, ch := range r.subs {
		out[id] = ch
	}
	return out
}

// OnFrame normalizes a message frame and hands it to the sink. Frames for
// unknown subscriptions or that fail to normalize are logged and dropped.
func (r *Router) OnFrame(f websocket.Frame) {
	channel, ok := r.channelFor(f)
	if !ok {
		r.logger.Warn("Dropping frame for unknown subscription", "frame", f.String())
		return
	}

	ev, err := chat.Normalize(channel, f.Body)
	if err != nil {
		r.logger.Warn("Dropping frame", "channel", channel, "error", err)
		return
	}
	r.sink.Apply(ev)
}

func (r *Router) channelFor(f websocket.Frame) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if f.ID != "" {
		if channel, ok := r.subs[f.ID]; ok {
			return channel, true
		}
	}
	if f.Channel == "" {
		return "", false
	}
	if _, ok := r.registry.Resolve(f.Channel, topics.Inbound); !ok {
		return "", false
	}
	for _, channel := range r.subs {
		if channel == f.Channel {
			return channel, true
		}
	}
	return "", false
}
