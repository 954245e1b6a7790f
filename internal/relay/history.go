package relay

import (
	"sort"
	"sync"

	"github.com/nfrund/chatsync/internal/chat"
)

// pair identifies a private conversation regardless of direction.
type pair struct{ lo, hi chat.ID }

func pairOf(a, b chat.ID) pair {
	if b < a {
		a, b = b, a
	}
	return pair{lo: a, hi: b}
}

// History keeps the most recent chat messages per room and per private
// conversation, plus unread counters for private messages.
type History struct {
	mu     sync.Mutex
	limit  int
	rooms  map[string][]chat.Message
	pairs  map[pair][]chat.Message
	unread map[chat.ID]map[chat.ID]int // reader -> sender -> count
}

// NewHistory keeps up to limit messages per conversation.
func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = 500
	}
	return &History{
		limit:  limit,
		rooms:  make(map[string][]chat.Message),
		pairs:  make(map[pair][]chat.Message),
		unread: make(map[chat.ID]map[chat.ID]int),
	}
}

// AddRoom records a public message.
func (h *History) AddRoom(msg chat.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rooms[msg.RoomID] = h.capped(append(h.rooms[msg.RoomID], msg))
}

// AddPrivate records a private message and counts it as unread for the receiver.
func (h *History) AddPrivate(msg chat.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := pairOf(msg.SenderID, msg.ReceiverID)
	h.pairs[key] = h.capped(append(h.pairs[key], msg))

	if msg.ReceiverID == msg.SenderID {
		return
	}
	counts := h.unread[msg.ReceiverID]
	if counts == nil {
		counts = make(map[chat.ID]int)
		h.unread[msg.ReceiverID] = counts
	}
	counts[msg.SenderID]++
}

// Room pages through a room's messages. offset counts back from the newest
// message; the page is returned oldest first.
func (h *History) Room(room string, limit, offset int) []chat.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return page(h.rooms[room], limit, offset)
}

// Conversation pages through the private messages between a and b.
func (h *History) Conversation(a, b chat.ID, limit, offset int) []chat.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return page(h.pairs[pairOf(a, b)], limit, offset)
}

// Unread reports how many messages from sender reader has not read.
func (h *History) Unread(reader, sender chat.ID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.unread[reader][sender]
}

// MarkRead clears the unread counter of reader for sender and returns how
// many messages it covered.
func (h *History) MarkRead(reader, sender chat.ID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := h.unread[reader][sender]
	delete(h.unread[reader], sender)
	return n
}

// Rooms lists every room with history, sorted.
func (h *History) Rooms() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.rooms))
	for room := range h.rooms {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}

func (h *History) capped(msgs []chat.Message) []chat.Message {
	if len(msgs) <= h.limit {
		return msgs
	}
	return append([]chat.Message(nil), msgs[len(msgs)-h.limit:]...)
}

func page(msgs []chat.Message, limit, offset int) []chat.Message {
	end := len(msgs) - offset
	if limit <= 0 || offset < 0 || end <= 0 {
		return []chat.Message{}
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	out := make([]chat.Message, end-start)
	copy(out, msgs[start:end])
	return out
}
