// Package relay is a reference chat server speaking the same websocket
// protocol and auth API the client expects. Sessions are bridged through an
// in-process pub/sub bus, one topic per channel.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/nfrund/chatsync/internal/auth"
	"github.com/nfrund/chatsync/internal/chat"
	"github.com/nfrund/chatsync/internal/middleware"
	"github.com/nfrund/chatsync/internal/pubsub"
	"github.com/nfrund/chatsync/internal/topics"
	wsconn "github.com/nfrund/chatsync/internal/websocket"
)

// Options configures the relay.
type Options struct {
	Secret     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	// Users restricts login to these username/password pairs. Empty accepts
	// any non-empty password.
	Users            map[string]string
	HandshakeTimeout time.Duration
	OfflineDebounce  time.Duration
	DefaultRoom      string
	// LoginRate and LoginBurst bound auth requests per client IP.
	LoginRate  float64
	LoginBurst int
	// HistoryLimit caps the messages kept per room and per conversation.
	HistoryLimit int
	Logger       *slog.Logger
}

func (o *Options) defaults() {
	if o.AccessTTL <= 0 {
		o.AccessTTL = 15 * time.Minute
	}
	if o.RefreshTTL <= 0 {
		o.RefreshTTL = 7 * 24 * time.Hour
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.DefaultRoom == "" {
		o.DefaultRoom = "general"
	}
	if o.LoginRate <= 0 {
		o.LoginRate = 5
	}
	if o.LoginBurst <= 0 {
		o.LoginBurst = 20
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// response is the envelope every auth endpoint answers with.
type response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type tokenData struct {
	Token        string  `json:"token"`
	RefreshToken string  `json:"refreshToken"`
	Username     string  `json:"username"`
	UserID       chat.ID `json:"userId"`
}

// Server holds the dependencies for the relay HTTP server.
type Server struct {
	E        *echo.Echo
	opts     Options
	bus      pubsub.Bus
	tokens   *TokenIssuer
	presence *Presence
	history  *History
	registry *topics.TopicRegistry
	validate *validator.Validate
	logger   *slog.Logger

	mu       sync.Mutex
	ids      map[string]chat.ID // username -> user id
	nextID   int
	sessions map[string]*session
}

// New creates a relay publishing through bus.
func New(bus pubsub.Bus, opts Options) *Server {
	opts.defaults()
	s := &Server{
		E:        echo.New(),
		opts:     opts,
		bus:      bus,
		tokens:   NewTokenIssuer(opts.Secret, opts.AccessTTL, opts.RefreshTTL),
		history:  NewHistory(opts.HistoryLimit),
		registry: topics.NewChatRegistry(),
		validate: validator.New(),
		logger:   opts.Logger.With("component", "relay"),
		ids:      make(map[string]chat.ID),
		sessions: make(map[string]*session),
	}
	s.presence = NewPresence(opts.OfflineDebounce, s.publishPresence, opts.Logger)

	s.E.HideBanner = true
	s.E.HidePort = true
	s.E.Use(echomw.Recover())
	s.E.Use(echomw.RequestID())
	s.E.Use(middleware.Logger(s.logger))
	s.RegisterRoutes()
	return s
}

// RegisterRoutes sets up all the relay routes.
func (s *Server) RegisterRoutes() {
	api := s.E.Group("/api/auth", middleware.RateLimiter(s.opts.LoginRate, s.opts.LoginBurst))
	api.POST("/login", s.handleLogin)
	api.POST("/refresh", s.handleRefresh)
	api.POST("/logout", s.handleLogout)

	chatAPI := s.E.Group("/api/chat", s.requireToken)
	chatAPI.GET("/users/online", s.handleOnlineUsers)
	chatAPI.GET("/rooms", s.handleRooms)
	chatAPI.GET("/messages/:roomId", s.handleRoomMessages)
	chatAPI.GET("/messages/private/:userId", s.handlePrivateMessages)
	chatAPI.POST("/messages/read-all", s.handleMarkAllRead)

	s.E.GET("/ws", s.handleWebsocket)
	s.E.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "OK")
	})
}

// Presence exposes the presence tracker.
func (s *Server) Presence() *Presence { return s.presence }

// History exposes the message history.
func (s *Server) History() *History { return s.history }

// Start listens on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.logger.Info("Relay listening", "addr", addr)
	if err := s.E.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("relay: %w", err)
	}
	return nil
}

// Shutdown closes every websocket session and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	open := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		open = append(open, sess)
	}
	s.mu.Unlock()

	for _, sess := range open {
		sess.close()
	}
	s.presence.Stop()
	return s.E.Shutdown(ctx)
}

func (s *Server) handleLogin(c echo.Context) error {
	var req auth.LoginRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, response{Message: "invalid request body"})
	}
	if err := s.validate.Struct(req); err != nil {
		return c.JSON(http.StatusBadRequest, response{Message: "username and password are required"})
	}
	logger := middleware.FromContext(c.Request().Context())
	if len(s.opts.Users) > 0 && s.opts.Users[req.Username] != req.Password {
		logger.Warn("Login rejected", "username", req.Username)
		return c.JSON(http.StatusUnauthorized, response{Message: "invalid credentials"})
	}

	data, err := s.issue(s.userID(req.Username), req.Username)
	if err != nil {
		logger.Error("Failed to sign token", "error", err)
		return c.JSON(http.StatusInternalServerError, response{Message: "could not issue token"})
	}
	logger.Info("User logged in", "username", req.Username, "user_id", data.UserID)
	return c.JSON(http.StatusOK, response{Success: true, Data: data})
}

func (s *Server) handleRefresh(c echo.Context) error {
	var req struct {
		RefreshToken string `json:"refreshToken" validate:"required"`
	}
	if err := c.Bind(&req); err != nil || s.validate.Struct(req) != nil {
		return c.JSON(http.StatusBadRequest, response{Message: "refreshToken is required"})
	}
	claims, err := s.tokens.Verify(req.RefreshToken, KindRefresh)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, response{Message: "invalid refresh token"})
	}

	data, err := s.issue(claims.UserID, claims.Username)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, response{Message: "could not issue token"})
	}
	return c.JSON(http.StatusOK, response{Success: true, Data: data})
}

func (s *Server) handleLogout(c echo.Context) error {
	if _, err := s.tokens.Verify(c.Request().Header.Get(echo.HeaderAuthorization), KindAccess); err != nil {
		return c.JSON(http.StatusUnauthorized, response{Message: "invalid token"})
	}
	return c.JSON(http.StatusOK, response{Success: true})
}

func (s *Server) handleWebsocket(c echo.Context) error {
	r := c.Request()
	claims, err := s.tokens.Verify(r.Header.Get(echo.HeaderAuthorization), KindAccess)
	if err != nil {
		middleware.FromContext(r.Context()).Warn("Rejected websocket upgrade", "error", err)
		return c.JSON(http.StatusUnauthorized, response{Message: "invalid token"})
	}

	ws, err := websocket.Accept(c.Response(), r, &websocket.AcceptOptions{
		// The relay is a development server and accepts any origin.
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Error("Failed to upgrade connection to WebSocket", "error", err)
		return nil
	}

	conn := wsconn.NewConn(ws, wsconn.WithLogger(s.logger))
	sess := newSession(s, conn, claims)
	s.track(sess)
	defer s.untrack(sess)

	sess.run(r.Context())
	return nil
}

func (s *Server) issue(userID chat.ID, username string) (tokenData, error) {
	access, err := s.tokens.Issue(userID, username, KindAccess)
	if err != nil {
		return tokenData{}, err
	}
	refresh, err := s.tokens.Issue(userID, username, KindRefresh)
	if err != nil {
		return tokenData{}, err
	}
	return tokenData{Token: access, RefreshToken: refresh, Username: username, UserID: userID}, nil
}

// userID returns the stable id for username, assigning one on first sight.
func (s *Server) userID(username string) chat.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.ids[username]; ok {
		return id
	}
	s.nextID++
	id := chat.ID(strconv.Itoa(s.nextID))
	s.ids[username] = id
	return id
}

func (s *Server) track(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.id] = sess
}

func (s *Server) untrack(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess.id)
}

// SessionCount reports the number of open websocket sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) publishPresence(users []chat.User) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pubsub.Publish(ctx, s.bus, presenceEvent, "", users); err != nil {
		s.logger.Error("Failed to publish presence snapshot", "error", err)
	}
}

var (
	publicEvent   = pubsub.NewEvent[chat.Message](topics.Public.Pattern())
	typingEvent   = pubsub.NewEvent[chat.Message](topics.Typing.Pattern())
	presenceEvent = pubsub.NewEvent[[]chat.User](topics.ActiveUsers.Pattern())
)

func privateEvent(userID chat.ID) (pubsub.Event[chat.Message], error) {
	channel, err := topics.PrivateFor(string(userID))
	if err != nil {
		return pubsub.Event[chat.Message]{}, err
	}
	return pubsub.NewEvent[chat.Message](channel), nil
}
