package hub

import (
	"log/slog"
	"sync"
)

// DefaultBuffer is the queue length used when Subscribe is given a non-positive size.
const DefaultBuffer = 16

// Subscription is a single observer of a Hub. Values are delivered on C in
// publish order. Cancel detaches the subscription and closes C.
type Subscription[T any] struct {
	// C is the bounded queue the Hub sends values to.
	C <-chan T

	send chan T
	hub  *Hub[T]
	once sync.Once
}

// Cancel unregisters the subscription. It is safe to call more than once.
func (s *Subscription[T]) Cancel() {
	s.once.Do(func() {
		s.hub.remove(s)
	})
}

// Hub is a generic fan-out to a set of bounded subscriber queues. Publish never
// blocks: when a subscriber's queue is full the oldest pending value is dropped
// so the newest always lands.
type Hub[T any] struct {
	name   string
	mu     sync.Mutex
	subs   map[*Subscription[T]]struct{}
	closed bool
	logger *slog.Logger
}

// New creates an empty Hub. The name is only used in log lines.
func New[T any](name string) *Hub[T] {
	return &Hub[T]{
		name:   name,
		subs:   make(map[*Subscription[T]]struct{}),
		logger: slog.Default().With("hub", name),
	}
}

// Subscribe registers a new observer with a queue of the given size.
func (h *Hub[T]) Subscribe(buffer int) *Subscription[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan T, buffer)
	sub := &Subscription[T]{C: ch, send: ch, hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return sub
	}
	h.subs[sub] = struct{}{}
	h.logger.Debug("New subscriber registered", "total_subscribers", len(h.subs))
	return sub
}

// Publish delivers v to every subscriber without blocking.
func (h *Hub[T]) Publish(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs {
		select {
		case sub.send <- v:
			continue
		default:
		}
		// Queue full: drop the oldest value and retry once. We hold h.mu, and
		// only Publish sends, so the second send cannot fail.
		select {
		case <-sub.send:
			h.logger.Warn("Subscriber queue full, dropped oldest value")
		default:
		}
		sub.send <- v
	}
}

// Len reports the number of active subscribers.
func (h *Hub[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close cancels every subscription. Later subscriptions are returned closed.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		delete(h.subs, sub)
		close(sub.send)
	}
}

func (h *Hub[T]) remove(sub *Subscription[T]) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; !ok {
		return
	}
	delete(h.subs, sub)
	close(sub.send)
	h.logger.Debug("Subscriber unregistered", "total_subscribers", len(h.subs))
}
