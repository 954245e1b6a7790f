package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nfrund/chatsync/internal/chat"
	"github.com/nfrund/chatsync/internal/pubsub"
	"github.com/nfrund/chatsync/internal/topics"
	wsconn "github.com/nfrund/chatsync/internal/websocket"
)

const publishTimeout = 5 * time.Second

// session is one authenticated websocket connection.
type session struct {
	id     string
	server *Server
	conn   *wsconn.Conn
	claims Claims
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	subs   map[string]context.CancelFunc // subscription id -> cancel
	joined bool
}

func newSession(s *Server, conn *wsconn.Conn, claims Claims) *session {
	id := uuid.NewString()
	return &session{
		id:     id,
		server: s,
		conn:   conn,
		claims: claims,
		logger: s.logger.With("session_id", id, "user_id", claims.UserID),
		subs:   make(map[string]context.CancelFunc),
	}
}

// run performs the handshake and serves frames until the connection ends.
func (ss *session) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	ss.mu.Lock()
	ss.cancel = cancel
	ss.mu.Unlock()
	defer cancel()
	defer ss.conn.Close()

	if err := ss.handshake(ctx); err != nil {
		ss.logger.Warn("Handshake failed", "error", err)
		return
	}
	ss.server.presence.Connect(ss.claims.UserID, ss.claims.Username, ss.id)
	defer ss.leave()

	for {
		f, err := ss.conn.Read(ctx)
		if err != nil {
			if errors.Is(err, wsconn.ErrBadFrame) {
				ss.conn.Send(wsconn.ErrorFrame(err.Error()))
				continue
			}
			if wsconn.IsNormalClose(err) || ctx.Err() != nil {
				ss.logger.Info("Session closed")
			} else {
				ss.logger.Warn("Session read error", "error", err)
			}
			return
		}
		ss.dispatch(ctx, f)
	}
}

func (ss *session) close() {
	ss.mu.Lock()
	cancel := ss.cancel
	ss.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (ss *session) handshake(ctx context.Context) error {
	hctx, cancel := context.WithTimeout(ctx, ss.server.opts.HandshakeTimeout)
	defer cancel()

	f, err := ss.conn.Read(hctx)
	if err != nil {
		return fmt.Errorf("read connect frame: %w", err)
	}
	if f.Op != wsconn.OpConnect {
		ss.reject(hctx, "expected connect frame")
		return fmt.Errorf("unexpected first frame %s", f.Op)
	}
	claims, err := ss.server.tokens.Verify(f.Headers[wsconn.HeaderAuthorization], KindAccess)
	if err != nil || claims.UserID != ss.claims.UserID {
		ss.reject(hctx, "invalid token")
		return fmt.Errorf("connect frame token: %w", ErrInvalidToken)
	}

	if err := ss.conn.WriteNow(hctx, wsconn.ConnectedFrame(ss.id)); err != nil {
		return fmt.Errorf("write connected frame: %w", err)
	}
	ss.logger.Info("Session connected",
		"username", ss.claims.Username,
		"client_type", f.Headers[wsconn.HeaderClientType])
	return nil
}

func (ss *session) reject(ctx context.Context, msg string) {
	if err := ss.conn.WriteNow(ctx, wsconn.ErrorFrame(msg)); err != nil {
		ss.logger.Debug("Failed to write error frame", "error", err)
	}
}

func (ss *session) dispatch(ctx context.Context, f wsconn.Frame) {
	switch f.Op {
	case wsconn.OpSubscribe:
		ss.subscribe(ctx, f.ID, f.Channel)
	case wsconn.OpUnsubscribe:
		ss.unsubscribe(f.ID)
	case wsconn.OpSend:
		if err := ss.route(ctx, f.Destination, f.Body); err != nil {
			ss.logger.Warn("Rejected send", "destination", f.Destination, "error", err)
			ss.conn.Send(wsconn.ErrorFrame(err.Error()))
		}
	case wsconn.OpConnect:
		ss.conn.Send(wsconn.ErrorFrame("already connected"))
	default:
		ss.conn.Send(wsconn.ErrorFrame(fmt.Sprintf("unsupported op %q", f.Op)))
	}
}

func (ss *session) subscribe(ctx context.Context, id, channel string) {
	if id == "" || channel == "" {
		ss.conn.Send(wsconn.ErrorFrame("subscribe needs an id and a channel"))
		return
	}
	if _, ok := ss.server.registry.Resolve(channel, topics.Inbound); !ok {
		ss.conn.Send(wsconn.ErrorFrame(fmt.Sprintf("unknown channel %q", channel)))
		return
	}
	if own, _ := topics.PrivateFor(string(ss.claims.UserID)); topics.Private.Matches(channel) && channel != own {
		ss.conn.Send(wsconn.ErrorFrame("cannot subscribe to another user's queue"))
		return
	}

	ss.mu.Lock()
	if _, dup := ss.subs[id]; dup {
		ss.mu.Unlock()
		ss.conn.Send(wsconn.ErrorFrame(fmt.Sprintf("subscription %q already exists", id)))
		return
	}
	subCtx, cancel := context.WithCancel(ctx)
	ss.subs[id] = cancel
	ss.mu.Unlock()

	err := ss.server.bus.Subscribe(subCtx, channel, func(_ context.Context, msg pubsub.Message) error {
		if !ss.conn.Send(wsconn.MessageFrame(channel, id, msg.Payload)) {
			return fmt.Errorf("session %s: %w", ss.id, wsconn.ErrClosed)
		}
		return nil
	})
	if err != nil {
		cancel()
		ss.mu.Lock()
		delete(ss.subs, id)
		ss.mu.Unlock()
		ss.logger.Error("Failed to subscribe", "channel", channel, "error", err)
		ss.conn.Send(wsconn.ErrorFrame("subscribe failed"))
		return
	}
	ss.logger.Debug("Subscribed", "channel", channel, "subscription_id", id)
}

func (ss *session) unsubscribe(id string) {
	ss.mu.Lock()
	cancel, ok := ss.subs[id]
	delete(ss.subs, id)
	ss.mu.Unlock()
	if ok {
		cancel()
	}
}

// route handles a client send frame addressed to destination.
func (ss *session) route(ctx context.Context, destination string, body json.RawMessage) error {
	if _, ok := ss.server.registry.Resolve(destination, topics.Outbound); !ok {
		return fmt.Errorf("unknown destination %q", destination)
	}

	var msg chat.Message
	if len(body) > 0 {
		if err := json.Unmarshal(body, &msg); err != nil {
			return fmt.Errorf("malformed body: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	switch destination {
	case topics.SendMessage.Name():
		if err := requireContent(msg); err != nil {
			return err
		}
		msg = ss.stamp(msg, chat.KindChat)
		if msg.RoomID == "" {
			msg.RoomID = ss.server.opts.DefaultRoom
		}
		if err := pubsub.Publish(ctx, ss.server.bus, publicEvent, ss.id, msg); err != nil {
			return err
		}
		ss.server.history.AddRoom(msg)
		return nil

	case topics.SendPrivate.Name():
		if err := requireContent(msg); err != nil {
			return err
		}
		if msg.ReceiverID == "" {
			return errors.New("private message needs a receiverId")
		}
		msg = ss.stamp(msg, chat.KindChat)
		msg.RoomID = ""
		msg.Private = true
		for _, userID := range uniqueIDs(msg.ReceiverID, ss.claims.UserID) {
			event, err := privateEvent(userID)
			if err != nil {
				return err
			}
			if err := pubsub.Publish(ctx, ss.server.bus, event, ss.id, msg); err != nil {
				return err
			}
		}
		ss.server.history.AddPrivate(msg)
		return nil

	case topics.AddUser.Name():
		msg = ss.stamp(msg, chat.KindJoin)
		if strings.TrimSpace(msg.Content) == "" {
			msg.Content = fmt.Sprintf("%s joined the chat", ss.claims.Username)
		}
		ss.mu.Lock()
		ss.joined = true
		ss.mu.Unlock()
		if err := pubsub.Publish(ctx, ss.server.bus, publicEvent, ss.id, msg); err != nil {
			return err
		}
		return pubsub.Publish(ctx, ss.server.bus, presenceEvent, ss.id, ss.server.presence.Snapshot())

	case topics.SendTyping.Name():
		msg = ss.stamp(msg, chat.KindTyping)
		if strings.TrimSpace(msg.Content) == "" {
			msg.Content = fmt.Sprintf("%s is typing...", ss.claims.Username)
		}
		return pubsub.Publish(ctx, ss.server.bus, typingEvent, ss.id, msg)

	case topics.GetActiveUsers.Name():
		return pubsub.Publish(ctx, ss.server.bus, presenceEvent, ss.id, ss.server.presence.Snapshot())

	default:
		return fmt.Errorf("unknown destination %q", destination)
	}
}

// stamp fills the server-owned fields of msg.
func (ss *session) stamp(msg chat.Message, kind chat.Kind) chat.Message {
	msg.ID = chat.ID(uuid.NewString())
	msg.Kind = kind
	msg.Sender = ss.claims.Username
	msg.SenderID = ss.claims.UserID
	msg.Private = false
	if msg.Timestamp.IsZero() {
		msg.Timestamp = chat.At(time.Now())
	}
	return msg
}

// leave releases subscriptions and announces the departure of a joined user.
func (ss *session) leave() {
	ss.mu.Lock()
	for id, cancel := range ss.subs {
		cancel()
		delete(ss.subs, id)
	}
	joined := ss.joined
	ss.mu.Unlock()

	last := ss.server.presence.Disconnect(ss.claims.UserID, ss.id)
	if !last || !joined {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	msg := ss.stamp(chat.Message{Content: fmt.Sprintf("%s left the chat", ss.claims.Username)}, chat.KindLeave)
	if err := pubsub.Publish(ctx, ss.server.bus, publicEvent, ss.id, msg); err != nil {
		ss.logger.Error("Failed to publish leave", "error", err)
	}
}

func requireContent(msg chat.Message) error {
	if strings.TrimSpace(msg.Content) == "" {
		return errors.New("message content is empty")
	}
	return nil
}

func uniqueIDs(ids ...chat.ID) []chat.ID {
	out := make([]chat.ID, 0, len(ids))
	seen := make(map[chat.ID]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
