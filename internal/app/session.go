// Package app composes a chat session from the connection manager, router,
// reconciler, command builder and local cache.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/samber/do/v2"

	"github.com/nfrund/chatsync/internal/auth"
	"github.com/nfrund/chatsync/internal/chat"
	"github.com/nfrund/chatsync/internal/chatapi"
	"github.com/nfrund/chatsync/internal/commands"
	"github.com/nfrund/chatsync/internal/config"
	"github.com/nfrund/chatsync/internal/connection"
	"github.com/nfrund/chatsync/internal/reconciler"
	"github.com/nfrund/chatsync/internal/router"
	"github.com/nfrund/chatsync/internal/storage"
	"github.com/nfrund/chatsync/internal/websocket"
)

// Session is a fully wired chat client.
type Session struct {
	injector *do.RootScope
	logger   *slog.Logger

	Config   *config.Config
	Cache    *storage.Cache
	Auth     *auth.Client
	API      *chatapi.Client
	Manager  *connection.Manager
	Router   *router.Router
	State    *reconciler.Reconciler
	Commands *commands.Builder
}

// New builds a session from cfg. Listeners are registered in the order the
// state must observe them: connection status first, then subscriptions, then
// the join announcement.
func New(cfg *config.Config, deps Dependencies) (*Session, error) {
	if cfg == nil {
		return nil, errors.New("app: nil config")
	}
	deps.defaults()

	injector := do.New()
	register(injector, cfg, deps)

	s := &Session{
		injector: injector,
		logger:   deps.Logger.With("component", "app"),
		Config:   cfg,
	}
	var err error
	if s.Cache, err = do.Invoke[*storage.Cache](injector); err != nil {
		return nil, fmt.Errorf("app: cache: %w", err)
	}
	if s.Auth, err = do.Invoke[*auth.Client](injector); err != nil {
		return nil, fmt.Errorf("app: auth: %w", err)
	}
	if s.API, err = do.Invoke[*chatapi.Client](injector); err != nil {
		return nil, fmt.Errorf("app: chat api: %w", err)
	}
	if s.State, err = do.Invoke[*reconciler.Reconciler](injector); err != nil {
		return nil, fmt.Errorf("app: reconciler: %w", err)
	}
	if s.Manager, err = do.Invoke[*connection.Manager](injector); err != nil {
		return nil, fmt.Errorf("app: connection: %w", err)
	}
	if s.Router, err = do.Invoke[*router.Router](injector); err != nil {
		return nil, fmt.Errorf("app: router: %w", err)
	}
	if s.Commands, err = do.Invoke[*commands.Builder](injector); err != nil {
		return nil, fmt.Errorf("app: commands: %w", err)
	}

	s.Manager.AddListener(statusListener{state: s.State})
	s.Manager.AddListener(s.Router)
	s.Manager.AddListener(s.Commands)
	return s, nil
}

// Login authenticates against the HTTP API and persists the identity.
func (s *Session) Login(ctx context.Context, username, password string) (auth.Identity, error) {
	cred, err := s.Auth.Login(ctx, auth.LoginRequest{Username: username, Password: password})
	if err != nil {
		return auth.Identity{}, err
	}
	return cred.Identity, nil
}

// Start loads the cached history into the reconciler, restores a saved
// identity when no login happened in this process, seeds presence and room
// history from the chat API and starts connecting.
func (s *Session) Start(ctx context.Context) error {
	msgs, err := s.Cache.LoadMessages(ctx)
	if err != nil {
		s.logger.Warn("Ignoring unreadable message cache", "error", err)
	}
	if n := s.State.Load(msgs); n > 0 {
		s.logger.Info("Loaded cached messages", "count", n)
	}

	if _, err := s.Auth.Credential(ctx); errors.Is(err, auth.ErrNoCredential) {
		if _, err := s.Auth.Restore(ctx); err != nil {
			s.logger.Debug("No saved identity", "error", err)
		}
	}
	s.bootstrap(ctx)
	return s.Manager.Connect(ctx)
}

// bootstrap seeds the reconciler over REST. Failures are logged and skipped;
// the websocket delivers the same state once connected.
func (s *Session) bootstrap(ctx context.Context) {
	users, err := s.API.OnlineUsers(ctx)
	switch {
	case errors.Is(err, auth.ErrNoCredential):
		return
	case err != nil:
		s.logger.Warn("Failed to load online users", "error", err)
	default:
		s.State.ReplaceUsers(users)
	}
	if err := s.loadRoom(ctx, s.State.Snapshot().SelectedRoom); err != nil {
		s.logger.Warn("Failed to load room history", "error", err)
	}
}

// SelectRoom switches to room and merges its recent history.
func (s *Session) SelectRoom(ctx context.Context, room string) error {
	s.State.SelectRoom(room)
	return s.loadRoom(ctx, s.State.Snapshot().SelectedRoom)
}

// SelectUser switches to the private conversation with id, merges its recent
// history and marks it read. The selection sticks even when the API fails.
func (s *Session) SelectUser(ctx context.Context, id chat.ID) error {
	s.State.SelectUser(id)
	me, err := s.userID(ctx)
	if err != nil {
		return err
	}

	msgs, err := s.API.PrivateMessages(ctx, me, id, 0, 0)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	for i := range msgs {
		msgs[i].Private = true
	}
	s.State.Load(msgs)

	if _, err := s.API.MarkAllRead(ctx, me, id); err != nil {
		return fmt.Errorf("mark conversation read: %w", err)
	}
	s.State.MarkRead(id)
	return nil
}

// Rooms lists the public rooms known to the server.
func (s *Session) Rooms(ctx context.Context) ([]chat.Room, error) {
	return s.API.Rooms(ctx)
}

// userID returns the user id of the current session, falling back to the
// credential before the first connect.
func (s *Session) userID(ctx context.Context) (chat.ID, error) {
	if id := s.Manager.Identity().UserID; id != "" {
		return id, nil
	}
	provider, err := do.Invoke[auth.Provider](s.injector)
	if err != nil {
		return "", err
	}
	cred, err := provider.Credential(ctx)
	if err != nil {
		return "", err
	}
	if cred.Identity.UserID == "" {
		return "", auth.ErrNoCredential
	}
	return cred.Identity.UserID, nil
}

func (s *Session) loadRoom(ctx context.Context, room string) error {
	msgs, err := s.API.RoomMessages(ctx, room, 0, 0)
	if err != nil {
		return err
	}
	if n := s.State.Load(msgs); n > 0 {
		s.logger.Debug("Merged room history", "room", room, "count", n)
	}
	return nil
}

// Send delivers content to the current selection: privately when a user is
// selected, otherwise to the selected room.
func (s *Session) Send(content string) bool {
	snap := s.State.Snapshot()
	if snap.SelectedUser != "" {
		return s.Commands.SendPrivate(content, snap.SelectedUser)
	}
	return s.Commands.SendRoom(content, snap.SelectedRoom)
}

// Logout ends the session and forgets the saved identity.
func (s *Session) Logout(ctx context.Context) error {
	s.Manager.Disconnect()
	return s.Auth.Logout(ctx)
}

// Close disconnects and releases every component.
func (s *Session) Close() {
	s.Router.Unsubscribe()
	s.Manager.Close()
	s.State.Close()
	s.injector.Shutdown()
}

// statusListener mirrors the connection lifecycle into the reconciler.
type statusListener struct {
	state *reconciler.Reconciler
}

func (l statusListener) OnConnected(auth.Identity) { l.state.SetConnected(true) }

func (l statusListener) OnSettled(auth.Identity) {}

func (l statusListener) OnDisconnected() {
	l.state.SetConnected(false)
	l.state.ClearUsers()
}

func (l statusListener) OnFrame(websocket.Frame) {}
