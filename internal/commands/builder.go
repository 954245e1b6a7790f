// Package commands builds the outbound chat commands and publishes them on
// the live session.
package commands

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nfrund/chatsync/internal/auth"
	"github.com/nfrund/chatsync/internal/chat"
	"github.com/nfrund/chatsync/internal/connection"
	"github.com/nfrund/chatsync/internal/topics"
	"github.com/nfrund/chatsync/internal/websocket"
)

// DefaultRoom is used when SendRoom is called without a room.
const DefaultRoom = "general"

// Session is the part of connection.Manager the builder needs.
type Session interface {
	State() connection.State
	Identity() auth.Identity
	Publish(destination string, payload any) bool
}

// Echoer receives locally sent messages before the server confirms them.
type Echoer interface {
	AddMessage(msg chat.Message) bool
}

// Option configures a Builder.
type Option func(*Builder)

// WithLocalEcho applies every successfully published CHAT message to e.
func WithLocalEcho(e Echoer) Option {
	return func(b *Builder) { b.echo = e }
}

// WithDefaultRoom overrides DefaultRoom.
func WithDefaultRoom(room string) Option {
	return func(b *Builder) {
		if room != "" {
			b.room = room
		}
	}
}

// WithClock overrides the time source stamped on outgoing messages.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) { b.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Builder) {
		if l != nil {
			b.logger = l
		}
	}
}

// Builder turns user intents into destination payloads. Every method
// returns false, without retrying or queueing, when the session is not
// connected or the content is blank.
type Builder struct {
	session Session
	echo    Echoer
	room    string
	now     func() time.Time
	logger  *slog.Logger
}

// New creates a Builder publishing through s.
func New(s Session, opts ...Option) *Builder {
	b := &Builder{
		session: s,
		room:    DefaultRoom,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "commands")
	return b
}

// Join announces the user on chat.addUser.
func (b *Builder) Join() bool {
	id, ok := b.ready()
	if !ok {
		return false
	}
	msg := b.message(chat.KindJoin, id, fmt.Sprintf("%s joined the chat", id.Username))
	return b.publish(topics.AddUser.Name(), msg)
}

// SendRoom sends content to room, or to the default room when room is empty.
func (b *Builder) SendRoom(content, room string) bool {
	id, ok := b.ready()
	if !ok || !b.validContent(content) {
		return false
	}
	if room == "" {
		room = b.room
	}
	msg := b.message(chat.KindChat, id, content)
	msg.RoomID = room
	if !b.publish(topics.SendMessage.Name(), msg) {
		return false
	}
	b.localEcho(msg)
	return true
}

// SendPrivate sends content to a single user.
func (b *Builder) SendPrivate(content string, receiver chat.ID) bool {
	id, ok := b.ready()
	if !ok || !b.validContent(content) {
		return false
	}
	if receiver == "" {
		b.logger.Warn("Private message without a receiver")
		return false
	}
	msg := b.message(chat.KindChat, id, content)
	msg.ReceiverID = receiver
	if !b.publish(topics.SendPrivate.Name(), msg) {
		return false
	}
	msg.Private = true
	b.localEcho(msg)
	return true
}

// Typing announces that the user is typing.
func (b *Builder) Typing() bool {
	id, ok := b.ready()
	if !ok {
		return false
	}
	msg := b.message(chat.KindTyping, id, fmt.Sprintf("%s is typing...", id.Username))
	msg.SenderID = ""
	return b.publish(topics.SendTyping.Name(), msg)
}

// RequestActiveUsers asks the server to republish the presence snapshot.
func (b *Builder) RequestActiveUsers() bool {
	if _, ok := b.ready(); !ok {
		return false
	}
	return b.publish(topics.GetActiveUsers.Name(), struct{}{})
}

// OnConnected implements connection.Listener.
func (b *Builder) OnConnected(auth.Identity) {}

// OnSettled sends the join announcement once the subscriptions are in place.
func (b *Builder) OnSettled(auth.Identity) {
	if !b.Join() {
		b.logger.Warn("Join announcement was not sent")
	}
}

// OnDisconnected implements connection.Listener.
func (b *Builder) OnDisconnected() {}

// OnFrame implements connection.Listener.
func (b *Builder) OnFrame(websocket.Frame) {}

func (b *Builder) ready() (auth.Identity, bool) {
	if state := b.session.State(); state != connection.Connected {
		b.logger.Warn("Command rejected, not connected", "state", state)
		return auth.Identity{}, false
	}
	id := b.session.Identity()
	if id.Username == "" {
		b.logger.Warn("Command rejected, no session identity")
		return auth.Identity{}, false
	}
	return id, true
}

func (b *Builder) validContent(content string) bool {
	if strings.TrimSpace(content) == "" {
		b.logger.Warn("Command rejected, message content is empty")
		return false
	}
	return true
}

func (b *Builder) message(kind chat.Kind, id auth.Identity, content string) chat.Message {
	return chat.Message{
		Kind:      kind,
		Sender:    id.Username,
		SenderID:  id.UserID,
		Content:   content,
		Timestamp: chat.At(b.now()),
	}
}

func (b *Builder) publish(destination string, payload any) bool {
	if !b.session.Publish(destination, payload) {
		return false
	}
	b.logger.Debug("Command published", "destination", destination)
	return true
}

func (b *Builder) localEcho(msg chat.Message) {
	if b.echo == nil {
		return
	}
	b.echo.AddMessage(msg)
}
