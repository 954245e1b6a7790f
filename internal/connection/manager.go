package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nfrund/chatsync/internal/auth"
	"github.com/nfrund/chatsync/internal/config"
	"github.com/nfrund/chatsync/internal/hub"
	"github.com/nfrund/chatsync/internal/websocket"
)

// ClientType is sent in the X-Client-Type handshake header.
const ClientType = "chatsync-cli"

// Transport is a live, framed connection to the chat server.
type Transport interface {
	Read(ctx context.Context) (websocket.Frame, error)
	// Send queues a frame without blocking.
	Send(f websocket.Frame) bool
	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Transport, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, url string, header http.Header) (Transport, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context, url string, header http.Header) (Transport, error) {
	return f(ctx, url, header)
}

// WebsocketDialer returns a Dialer backed by internal/websocket.
func WebsocketDialer(opts ...websocket.Option) Dialer {
	return DialerFunc(func(ctx context.Context, url string, header http.Header) (Transport, error) {
		conn, err := websocket.Dial(ctx, url, header, opts...)
		if err != nil {
			return nil, err
		}
		return conn, nil
	})
}

// Listener is notified about session lifecycle and inbound frames. Methods
// run one at a time, in the order the Manager observed the events, on a
// dispatch goroutine that does not hold the Manager's lock. A session's
// OnDisconnected is always delivered after its OnConnected. Methods must not
// call Close.
type Listener interface {
	OnConnected(id auth.Identity)
	OnSettled(id auth.Identity)
	OnDisconnected()
	OnFrame(f websocket.Frame)
}

// Options tunes the Manager.
type Options struct {
	URL               string
	ClientType        string
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	HandshakeTimeout  time.Duration
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	MaxAttempts       int
	// SettleDelay is the pause between OnConnected and OnSettled.
	SettleDelay time.Duration
	Logger      *slog.Logger
}

// OptionsFromConfig maps the loaded configuration onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		URL:               cfg.ServerURL,
		ClientType:        ClientType,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		HandshakeTimeout:  cfg.HandshakeTimeout,
		BaseDelay:         cfg.ReconnectBaseDelay,
		MaxDelay:          cfg.ReconnectMaxDelay,
		MaxAttempts:       cfg.MaxReconnectAttempts,
		SettleDelay:       cfg.JoinSettleDelay,
	}
}

func (o *Options) defaults() {
	d := config.Default()
	if o.ClientType == "" {
		o.ClientType = ClientType
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = d.HeartbeatInterval
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = d.HandshakeTimeout
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = d.ReconnectBaseDelay
	}
	if o.MaxDelay < o.BaseDelay {
		o.MaxDelay = o.BaseDelay
	}
	if o.MaxAttempts < 0 {
		o.MaxAttempts = 0
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Manager owns the single connection to the chat server: it dials, performs
// the handshake, keeps the session alive with heartbeats and reconnects with
// linear backoff when the session drops.
type Manager struct {
	opts     Options
	provider auth.Provider
	dialer   Dialer
	logger   *slog.Logger
	states   *hub.Hub[StateChange]
	notify   *dispatcher

	mu          sync.Mutex
	state       State
	attempts    int
	gen         uint64
	identity    auth.Identity
	transport   Transport
	cancel      context.CancelFunc
	retryTimer  *time.Timer
	settleTimer *time.Timer
	listeners   []Listener
}

// New creates a Manager in the Disconnected state.
func New(opts Options, provider auth.Provider, dialer Dialer) *Manager {
	opts.defaults()
	return &Manager{
		opts:     opts,
		provider: provider,
		dialer:   dialer,
		logger:   opts.Logger.With("component", "connection"),
		states:   hub.New[StateChange]("connection"),
		notify:   newDispatcher(),
	}
}

// AddListener registers l for lifecycle callbacks.
func (m *Manager) AddListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Watch returns a bounded feed of state transitions.
func (m *Manager) Watch(buffer int) *hub.Subscription[StateChange] {
	return m.states.Subscribe(buffer)
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the number of reconnect attempts since the last successful handshake.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Identity returns the identity of the current or most recent session.
func (m *Manager) Identity() auth.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// Connect starts a session. It returns immediately; progress is reported via
// Watch. Calling it while a session is starting, live or waiting to
// reconnect does nothing.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state != Disconnected && m.state != Failed {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	cred, err := m.credential(ctx)
	if err != nil {
		m.logger.Warn("Connect refused", "error", err)
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Disconnected && m.state != Failed {
		return nil
	}
	m.attempts = 0
	m.startAttemptLocked(&cred)
	return nil
}

// Disconnect tears down the session from any state and cancels pending
// reconnects. A handshake that completes afterward is discarded.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	prev := m.state
	m.gen++
	m.stopTimersLocked()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	t := m.transport
	m.transport = nil
	m.attempts = 0
	m.setStateLocked(Disconnected, 0, nil)
	if prev == Connected {
		m.notifyLocked(func(l Listener) { l.OnDisconnected() })
	}
	m.mu.Unlock()

	if t != nil {
		go closeTransport(t)
	}
}

// Close disconnects, waits for pending listener callbacks and ends every
// Watch subscription.
func (m *Manager) Close() {
	m.Disconnect()
	m.notify.wait()
	m.states.Close()
}

// Send publishes payload to destination on the live session.
func (m *Manager) Send(destination string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", destination, err)
	}

	t, err := m.liveTransport()
	if err != nil {
		return err
	}
	if !t.Send(websocket.SendFrame(destination, body)) {
		return &TransportError{Op: "send", Err: websocket.ErrClosed}
	}
	return nil
}

// Publish is Send reporting only success. It never changes state.
func (m *Manager) Publish(destination string, payload any) bool {
	if err := m.Send(destination, payload); err != nil {
		m.logger.Warn("Publish rejected", "destination", destination, "error", err)
		return false
	}
	return true
}

// Subscribe asks the server to deliver channel on the live session and
// returns the subscription id frames will carry.
func (m *Manager) Subscribe(channel string) (string, error) {
	t, err := m.liveTransport()
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	if !t.Send(websocket.SubscribeFrame(id, channel)) {
		return "", &TransportError{Op: "subscribe", Err: websocket.ErrClosed}
	}
	m.logger.Debug("Subscribed", "channel", channel, "subscription_id", id)
	return id, nil
}

// Unsubscribe cancels a subscription on the live session.
func (m *Manager) Unsubscribe(id string) error {
	t, err := m.liveTransport()
	if err != nil {
		return err
	}
	if !t.Send(websocket.UnsubscribeFrame(id)) {
		return &TransportError{Op: "unsubscribe", Err: websocket.ErrClosed}
	}
	return nil
}

func (m *Manager) liveTransport() (Transport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Connected || m.transport == nil {
		return nil, ErrNotConnected
	}
	return m.transport, nil
}

func (m *Manager) credential(ctx context.Context) (auth.Credential, error) {
	cred, err := m.provider.Credential(ctx)
	if err != nil {
		if errors.Is(err, ErrNoCredential) {
			return auth.Credential{}, err
		}
		return auth.Credential{}, fmt.Errorf("%w: %v", ErrNoCredential, err)
	}
	if !cred.Valid() {
		return auth.Credential{}, ErrNoCredential
	}
	return cred, nil
}

// startAttemptLocked opens a new session generation in the Connecting state.
// cred is nil on reconnects, where the credential is refreshed and fetched
// again off the lock.
func (m *Manager) startAttemptLocked(cred *auth.Credential) {
	if m.cancel != nil {
		m.cancel()
	}
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	if cred != nil {
		m.identity = cred.Identity
	}
	m.setStateLocked(Connecting, 0, nil)
	go m.run(ctx, gen, cred)
}

func (m *Manager) run(ctx context.Context, gen uint64, cred *auth.Credential) {
	if cred == nil {
		c, err := m.reconnectCredential(ctx)
		if err != nil {
			m.attemptFailed(gen, err)
			return
		}
		cred = &c
	}

	t, sessionID, err := m.handshake(ctx, *cred)
	if err != nil {
		m.attemptFailed(gen, err)
		return
	}
	if !m.handshakeDone(gen, t, cred.Identity) {
		m.logger.Debug("Discarding stale handshake", "session_id", sessionID)
		closeTransport(t)
		return
	}
	m.logger.Info("Connected", "session_id", sessionID, "username", cred.Identity.Username)

	m.startSettle(gen, cred.Identity)
	go m.heartbeat(ctx, gen, t)

	err = m.readLoop(ctx, gen, t)
	m.sessionLost(gen, &TransportError{Op: "read", Err: err})
}

func (m *Manager) reconnectCredential(ctx context.Context) (auth.Credential, error) {
	if r, ok := m.provider.(auth.Refresher); ok {
		if err := r.Refresh(ctx); err != nil {
			m.logger.Warn("Credential refresh failed, reusing current token", "error", err)
		}
	}
	cred, err := m.credential(ctx)
	if err != nil {
		return auth.Credential{}, err
	}
	m.mu.Lock()
	m.identity = cred.Identity
	m.mu.Unlock()
	return cred, nil
}

func (m *Manager) handshake(ctx context.Context, cred auth.Credential) (Transport, string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.HandshakeTimeout)
	defer cancel()

	header := http.Header{}
	header.Set(websocket.HeaderAuthorization, cred.Bearer())
	t, err := m.dialer.Dial(ctx, m.opts.URL, header)
	if err != nil {
		return nil, "", &TransportError{Op: "dial", Err: err}
	}

	connect := websocket.ConnectFrame(map[string]string{
		websocket.HeaderAuthorization: cred.Bearer(),
		websocket.HeaderClientType:    m.opts.ClientType,
		websocket.HeaderUsername:      cred.Identity.Username,
	})
	if !t.Send(connect) {
		closeTransport(t)
		return nil, "", &TransportError{Op: "handshake", Err: websocket.ErrClosed}
	}

	for {
		f, err := t.Read(ctx)
		if err != nil {
			if errors.Is(err, websocket.ErrBadFrame) {
				continue
			}
			closeTransport(t)
			return nil, "", &TransportError{Op: "handshake", Err: err}
		}
		switch f.Op {
		case websocket.OpConnected:
			return t, f.ID, nil
		case websocket.OpError:
			closeTransport(t)
			return nil, "", &TransportError{Op: "handshake", Err: fmt.Errorf("%w: %s", ErrHandshakeRejected, f.Message)}
		default:
			m.logger.Debug("Ignoring frame before handshake ack", "frame", f.String())
		}
	}
}

// handshakeDone promotes generation gen to Connected and queues OnConnected.
// It reports false when gen is no longer current.
func (m *Manager) handshakeDone(gen uint64, t Transport, id auth.Identity) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.state != Connecting {
		return false
	}
	m.transport = t
	m.identity = id
	m.attempts = 0
	m.setStateLocked(Connected, 0, nil)
	m.notifyLocked(func(l Listener) { l.OnConnected(id) })
	return true
}

func (m *Manager) readLoop(ctx context.Context, gen uint64, t Transport) error {
	for {
		f, err := t.Read(ctx)
		if err != nil {
			if errors.Is(err, websocket.ErrBadFrame) {
				m.logger.Warn("Dropping undecodable frame", "error", err)
				continue
			}
			return err
		}
		switch f.Op {
		case websocket.OpMessage:
			m.deliver(gen, f)
		case websocket.OpError:
			m.logger.Warn("Server reported an error", "message", f.Message)
		default:
			m.logger.Debug("Ignoring frame", "frame", f.String())
		}
	}
}

// deliver queues OnFrame unless generation gen has been torn down.
func (m *Manager) deliver(gen uint64, f websocket.Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.state != Connected {
		return
	}
	m.notifyLocked(func(l Listener) { l.OnFrame(f) })
}

func (m *Manager) heartbeat(ctx context.Context, gen uint64, t Transport) {
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, m.opts.HeartbeatTimeout)
			err := t.Ping(pingCtx)
			cancel()
			if err == nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("Missed heartbeat", "error", err)
			m.sessionLost(gen, &TransportError{Op: "heartbeat", Err: err})
			return
		}
	}
}

func (m *Manager) startSettle(gen uint64, id auth.Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.state != Connected {
		return
	}
	m.settleTimer = time.AfterFunc(m.opts.SettleDelay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if gen != m.gen || m.state != Connected {
			return
		}
		m.notifyLocked(func(l Listener) { l.OnSettled(id) })
	})
}

// attemptFailed handles a dial or handshake failure of generation gen.
func (m *Manager) attemptFailed(gen uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.state != Connecting {
		return
	}
	m.logger.Warn("Connection attempt failed", "attempt", m.attempts, "error", err)
	m.scheduleRetryLocked(gen, err)
}

// sessionLost handles the end of a Connected session of generation gen.
func (m *Manager) sessionLost(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen || m.state != Connected {
		m.mu.Unlock()
		return
	}
	m.logger.Warn("Session lost", "error", err)
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	t := m.transport
	m.transport = nil
	m.stopTimersLocked()
	m.scheduleRetryLocked(gen, err)
	m.notifyLocked(func(l Listener) { l.OnDisconnected() })
	m.mu.Unlock()

	if t != nil {
		go closeTransport(t)
	}
}

func (m *Manager) scheduleRetryLocked(gen uint64, err error) {
	if m.attempts >= m.opts.MaxAttempts {
		if m.cancel != nil {
			m.cancel()
			m.cancel = nil
		}
		m.setStateLocked(Failed, 0, err)
		m.logger.Error("Giving up after reconnect attempts", "attempts", m.attempts, "error", err)
		return
	}
	m.attempts++
	delay := Backoff(m.opts.BaseDelay, m.opts.MaxDelay, m.attempts)
	m.setStateLocked(Reconnecting, delay, err)
	m.retryTimer = time.AfterFunc(delay, func() { m.retry(gen) })
}

func (m *Manager) retry(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.state != Reconnecting {
		return
	}
	m.logger.Info("Reconnecting", "attempt", m.attempts)
	m.startAttemptLocked(nil)
}

func (m *Manager) setStateLocked(to State, delay time.Duration, err error) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	m.logger.Debug("State change", "from", from, "to", to, "attempt", m.attempts)
	m.states.Publish(StateChange{
		From:    from,
		To:      to,
		Attempt: m.attempts,
		Delay:   delay,
		Err:     err,
		At:      time.Now(),
	})
}

func (m *Manager) stopTimersLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	if m.settleTimer != nil {
		m.settleTimer.Stop()
		m.settleTimer = nil
	}
}

// notifyLocked queues call for every listener registered now. Queuing under
// m.mu keeps callbacks in state-transition order.
func (m *Manager) notifyLocked(call func(Listener)) {
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.notify.post(func() {
		for _, l := range listeners {
			call(l)
		}
	})
}

func closeTransport(t Transport) {
	_ = t.Close()
}
