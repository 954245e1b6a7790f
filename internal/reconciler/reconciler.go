// Package reconciler folds normalized chat events into a single consistent
// view of messages, presence, selection and connection status.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nfrund/chatsync/internal/chat"
	"github.com/nfrund/chatsync/internal/hub"
	"github.com/nfrund/chatsync/internal/storage"
)

// DefaultDedupeWindow is how close two messages with the same sender and
// content must be to count as the same message.
const DefaultDedupeWindow = time.Second

const persistTimeout = 5 * time.Second

// Change reasons published on Watch.
const (
	ReasonLoaded     = "loaded"
	ReasonMessage    = "message"
	ReasonPresence   = "presence"
	ReasonSelection  = "selection"
	ReasonConnection = "connection"
	ReasonCleared    = "cleared"
)

// Change announces that the state moved to Version.
type Change struct {
	Version uint64
	Reason  string
}

// Persister stores the message list.
type Persister interface {
	SaveMessages(ctx context.Context, msgs []chat.Message) error
	ClearMessages(ctx context.Context) error
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithDedupeWindow sets the sender+content dedupe window. Zero disables it,
// leaving id-only dedupe.
func WithDedupeWindow(d time.Duration) Option {
	return func(r *Reconciler) {
		if d >= 0 {
			r.window = d
		}
	}
}

// WithLimit caps the number of messages kept in memory and on disk.
func WithLimit(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.limit = n
		}
	}
}

// WithDefaultRoom sets the room selected when nothing else is.
func WithDefaultRoom(room string) Option {
	return func(r *Reconciler) {
		if room != "" {
			r.defaultRoom = room
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock overrides the time source used for local ids and missing timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// Reconciler is the single writer of chat state. All methods are safe for
// concurrent use; reads return copies.
type Reconciler struct {
	store       Persister
	window      time.Duration
	limit       int
	defaultRoom string
	logger      *slog.Logger
	now         func() time.Time
	changes     *hub.Hub[Change]

	mu           sync.RWMutex
	messages     []chat.Message
	ids          map[chat.ID]struct{}
	users        map[chat.ID]chat.User
	selectedRoom string
	selectedUser chat.ID
	connected    bool
	version      uint64

	// saveMu orders cache writes the same way as the mutations that caused them.
	saveMu sync.Mutex
}

// New creates an empty Reconciler. store may be nil.
func New(store Persister, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:       store,
		window:      DefaultDedupeWindow,
		limit:       storage.DefaultLimit,
		defaultRoom: "general",
		logger:      slog.Default(),
		now:         time.Now,
		changes:     hub.New[Change]("reconciler"),
		ids:         make(map[chat.ID]struct{}),
		users:       make(map[chat.ID]chat.User),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "reconciler")
	r.selectedRoom = r.defaultRoom
	return r
}

// Watch returns a bounded feed of state changes.
func (r *Reconciler) Watch(buffer int) *hub.Subscription[Change] {
	return r.changes.Subscribe(buffer)
}

// Close ends every Watch subscription.
func (r *Reconciler) Close() {
	r.changes.Close()
}

// LocalID builds an id for a message the server sent without one.
func LocalID(now time.Time) chat.ID {
	return chat.ID(fmt.Sprintf("local_%d_%s", now.UnixMilli(), uuid.NewString()[:8]))
}

// Load seeds the message list, typically from the cache at startup.
// Duplicates are collapsed with the same rules as Apply. Nothing is persisted.
func (r *Reconciler) Load(msgs []chat.Message) int {
	r.mu.Lock()
	added := 0
	for _, msg := range msgs {
		msg = r.complete(msg)
		if r.duplicateLocked(msg) {
			continue
		}
		r.appendLocked(msg)
		added++
	}
	version := r.bumpLocked()
	r.mu.Unlock()

	r.changes.Publish(Change{Version: version, Reason: ReasonLoaded})
	return added
}

// Apply folds one event into the state. It reports whether anything changed.
func (r *Reconciler) Apply(ev chat.Event) bool {
	switch {
	case ev.Kind.IsMessage():
		msg := ev.Message
		if msg.Kind == "" {
			msg.Kind = ev.Kind
		}
		return r.AddMessage(msg)
	case ev.Kind == chat.KindActiveUsers:
		r.ReplaceUsers(ev.Users)
		return true
	default:
		r.logger.Warn("Ignoring event of unhandled kind", "kind", ev.Kind)
		return false
	}
}

// AddMessage appends msg unless it duplicates a known message, then persists
// the list. It reports whether the message was added.
func (r *Reconciler) AddMessage(msg chat.Message) bool {
	msg = r.complete(msg)

	r.mu.Lock()
	if r.duplicateLocked(msg) {
		r.mu.Unlock()
		r.logger.Debug("Dropping duplicate message", "id", msg.ID, "sender", msg.Sender)
		return false
	}
	r.appendLocked(msg)
	version := r.bumpLocked()
	snapshot := r.copyMessagesLocked()
	r.saveMu.Lock()
	r.mu.Unlock()

	r.persist(snapshot)
	r.saveMu.Unlock()

	r.changes.Publish(Change{Version: version, Reason: ReasonMessage})
	return true
}

// ReplaceUsers replaces the whole directory with users.
func (r *Reconciler) ReplaceUsers(users []chat.User) {
	next := make(map[chat.ID]chat.User, len(users))
	for _, u := range users {
		if u.ID == "" {
			continue
		}
		if u.UnreadCount < 0 {
			u.UnreadCount = 0
		}
		next[u.ID] = u
	}

	r.mu.Lock()
	r.users = next
	version := r.bumpLocked()
	r.mu.Unlock()

	r.changes.Publish(Change{Version: version, Reason: ReasonPresence})
}

// MarkRead zeroes the unread count of user id. It reports whether the
// count changed.
func (r *Reconciler) MarkRead(id chat.ID) bool {
	r.mu.Lock()
	u, ok := r.users[id]
	if !ok || u.UnreadCount == 0 {
		r.mu.Unlock()
		return false
	}
	u.UnreadCount = 0
	r.users[id] = u
	version := r.bumpLocked()
	r.mu.Unlock()

	r.changes.Publish(Change{Version: version, Reason: ReasonPresence})
	return true
}

// ClearUsers empties the directory. It is called whenever a session ends.
func (r *Reconciler) ClearUsers() {
	r.mu.Lock()
	if len(r.users) == 0 {
		r.mu.Unlock()
		return
	}
	r.users = make(map[chat.ID]chat.User)
	version := r.bumpLocked()
	r.mu.Unlock()

	r.changes.Publish(Change{Version: version, Reason: ReasonPresence})
}

// SetConnected records whether a session is live.
func (r *Reconciler) SetConnected(connected bool) {
	r.mu.Lock()
	if r.connected == connected {
		r.mu.Unlock()
		return
	}
	r.connected = connected
	version := r.bumpLocked()
	r.mu.Unlock()

	r.changes.Publish(Change{Version: version, Reason: ReasonConnection})
}

// SelectUser switches to a private conversation with id and clears the room selection.
func (r *Reconciler) SelectUser(id chat.ID) {
	r.mu.Lock()
	r.selectedUser = id
	r.selectedRoom = ""
	version := r.bumpLocked()
	r.mu.Unlock()

	r.changes.Publish(Change{Version: version, Reason: ReasonSelection})
}

// SelectRoom switches to room and clears the user selection.
func (r *Reconciler) SelectRoom(room string) {
	if room == "" {
		room = r.defaultRoom
	}
	r.mu.Lock()
	r.selectedRoom = room
	r.selectedUser = ""
	version := r.bumpLocked()
	r.mu.Unlock()

	r.changes.Publish(Change{Version: version, Reason: ReasonSelection})
}

// ClearAll wipes the message list from memory and the cache, but only when
// confirm returns true. A nil confirm is a refusal.
func (r *Reconciler) ClearAll(confirm func() bool) (bool, error) {
	if confirm == nil || !confirm() {
		return false, nil
	}

	r.mu.Lock()
	r.messages = nil
	r.ids = make(map[chat.ID]struct{})
	version := r.bumpLocked()
	r.saveMu.Lock()
	r.mu.Unlock()

	var err error
	if r.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		err = r.store.ClearMessages(ctx)
		cancel()
	}
	r.saveMu.Unlock()

	r.changes.Publish(Change{Version: version, Reason: ReasonCleared})
	if err != nil {
		return true, fmt.Errorf("clear message cache: %w", err)
	}
	return true, nil
}

// Snapshot returns a deep copy of the whole state.
func (r *Reconciler) Snapshot() chat.State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make(map[chat.ID]chat.User, len(r.users))
	for id, u := range r.users {
		users[id] = copyUser(u)
	}
	return chat.State{
		Messages:     r.copyMessagesLocked(),
		ActiveUsers:  users,
		SelectedRoom: r.selectedRoom,
		SelectedUser: r.selectedUser,
		Connected:    r.connected,
	}
}

// Version returns the current state version.
func (r *Reconciler) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// Messages returns every message in arrival order.
func (r *Reconciler) Messages() []chat.Message {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.copyMessagesLocked()
}

// ActiveUsers returns the directory sorted by username.
func (r *Reconciler) ActiveUsers() []chat.User {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]chat.User, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, copyUser(u))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Username != out[j].Username {
			return out[i].Username < out[j].Username
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// RoomMessages returns the public messages of room. Messages without a room
// belong to the default room.
func (r *Reconciler) RoomMessages(room string) []chat.Message {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []chat.Message
	for _, m := range r.messages {
		if m.Private {
			continue
		}
		if m.RoomID == room || (m.RoomID == "" && room == r.defaultRoom) {
			out = append(out, m)
		}
	}
	return out
}

// Conversation returns the private messages exchanged between a and b.
func (r *Reconciler) Conversation(a, b chat.ID) []chat.Message {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []chat.Message
	for _, m := range r.messages {
		if !m.Private {
			continue
		}
		if (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a) {
			out = append(out, m)
		}
	}
	return out
}

// complete assigns a local id and a timestamp to messages missing them.
func (r *Reconciler) complete(msg chat.Message) chat.Message {
	now := r.now()
	if msg.ID == "" {
		msg.ID = LocalID(now)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = chat.At(now)
	}
	return msg
}

func (r *Reconciler) duplicateLocked(msg chat.Message) bool {
	if _, ok := r.ids[msg.ID]; ok {
		return true
	}
	if r.window <= 0 {
		return false
	}
	for i := len(r.messages) - 1; i >= 0; i-- {
		m := r.messages[i]
		if m.Sender != msg.Sender || m.Content != msg.Content {
			continue
		}
		if m.Timestamp.IsZero() || msg.Timestamp.IsZero() {
			continue
		}
		dt := m.Timestamp.Sub(msg.Timestamp.Time)
		if dt < 0 {
			dt = -dt
		}
		if dt < r.window {
			return true
		}
	}
	return false
}

func (r *Reconciler) appendLocked(msg chat.Message) {
	r.messages = append(r.messages, msg)
	r.ids[msg.ID] = struct{}{}
	if over := len(r.messages) - r.limit; over > 0 {
		for _, evicted := range r.messages[:over] {
			delete(r.ids, evicted.ID)
		}
		r.messages = append([]chat.Message(nil), r.messages[over:]...)
	}
}

func (r *Reconciler) bumpLocked() uint64 {
	r.version++
	return r.version
}

func (r *Reconciler) copyMessagesLocked() []chat.Message {
	out := make([]chat.Message, len(r.messages))
	copy(out, r.messages)
	return out
}

func (r *Reconciler) persist(msgs []chat.Message) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := r.store.SaveMessages(ctx, msgs); err != nil {
		r.logger.Error("Failed to persist messages", "count", len(msgs), "error", err)
	}
}

func copyUser(u chat.User) chat.User {
	if u.LastSeen != nil {
		ts := *u.LastSeen
		u.LastSeen = &ts
	}
	return u
}
