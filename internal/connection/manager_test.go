package connection

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/chatsync/internal/auth"
	"github.com/nfrund/chatsync/internal/hub"
	"github.com/nfrund/chatsync/internal/logging"
	"github.com/nfrund/chatsync/internal/websocket"
)

// --- fakes ---

type fakeTransport struct {
	inbox   chan websocket.Frame
	closed  chan struct{}
	once    sync.Once
	pingErr atomic.Value
	server  *fakeServer

	mu   sync.Mutex
	sent []websocket.Frame
}

func (f *fakeTransport) Read(ctx context.Context) (websocket.Frame, error) {
	select {
	case fr := <-f.inbox:
		return fr, nil
	case <-f.closed:
		return websocket.Frame{}, io.EOF
	case <-ctx.Done():
		return websocket.Frame{}, ctx.Err()
	}
}

func (f *fakeTransport) Send(fr websocket.Frame) bool {
	select {
	case <-f.closed:
		return false
	default:
	}
	f.mu.Lock()
	f.sent = append(f.sent, fr)
	f.mu.Unlock()
	if fr.Op == websocket.OpConnect {
		f.server.answer(f, fr)
	}
	return true
}

func (f *fakeTransport) Ping(context.Context) error {
	if err, ok := f.pingErr.Load().(error); ok {
		return err
	}
	return nil
}

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeTransport) frames() []websocket.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]websocket.Frame, len(f.sent))
	copy(out, f.sent)
	return out
}

type fakeServer struct {
	mu         sync.Mutex
	dialErr    error
	reject     string
	hold       chan struct{}
	dials      int
	transports []*fakeTransport
	headers    []http.Header
}

func (s *fakeServer) Dial(_ context.Context, _ string, header http.Header) (Transport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dials++
	s.headers = append(s.headers, header)
	if s.dialErr != nil {
		return nil, s.dialErr
	}
	t := &fakeTransport{inbox: make(chan websocket.Frame, 16), closed: make(chan struct{}), server: s}
	s.transports = append(s.transports, t)
	return t, nil
}

func (s *fakeServer) answer(t *fakeTransport, _ websocket.Frame) {
	s.mu.Lock()
	reject, hold := s.reject, s.hold
	s.mu.Unlock()

	reply := websocket.ConnectedFrame("session-1")
	if reject != "" {
		reply = websocket.ErrorFrame(reject)
	}
	if hold == nil {
		t.inbox <- reply
		return
	}
	go func() {
		<-hold
		t.inbox <- reply
	}()
}

func (s *fakeServer) dialCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

func (s *fakeServer) transport(i int) *fakeTransport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transports[i]
}

func (s *fakeServer) last() *fakeTransport {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.transports) == 0 {
		return nil
	}
	return s.transports[len(s.transports)-1]
}

type recordingListener struct {
	connected    atomic.Int32
	settled      atomic.Int32
	disconnected atomic.Int32
	mu           sync.Mutex
	frames       []websocket.Frame
}

func (l *recordingListener) OnConnected(auth.Identity) { l.connected.Add(1) }
func (l *recordingListener) OnSettled(auth.Identity)   { l.settled.Add(1) }
func (l *recordingListener) OnDisconnected()           { l.disconnected.Add(1) }
func (l *recordingListener) OnFrame(f websocket.Frame) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frames = append(l.frames, f)
}

// orderedListener records lifecycle callbacks in arrival order. A non-nil
// gate holds OnConnected until it is closed.
type orderedListener struct {
	gate   chan struct{}
	mu     sync.Mutex
	events []string
}

func (l *orderedListener) record(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *orderedListener) OnConnected(auth.Identity) {
	if l.gate != nil {
		<-l.gate
	}
	l.record("connected")
}
func (l *orderedListener) OnSettled(auth.Identity) { l.record("settled") }
func (l *orderedListener) OnDisconnected()         { l.record("disconnected") }
func (l *orderedListener) OnFrame(websocket.Frame) {}

func (l *orderedListener) seen() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	copy(out, l.events)
	return out
}

type refreshingProvider struct {
	*auth.Static
	refreshes atomic.Int32
}

func (p *refreshingProvider) Refresh(context.Context) error {
	p.refreshes.Add(1)
	return nil
}

// --- helpers ---

func validCred() auth.Credential {
	return auth.Credential{Token: "tok", Identity: auth.Identity{UserID: "1", Username: "ada"}}
}

func testOptions() Options {
	return Options{
		URL:               "ws://chat.test/ws",
		HeartbeatInterval: time.Hour,
		HeartbeatTimeout:  time.Second,
		HandshakeTimeout:  time.Second,
		BaseDelay:         5 * time.Millisecond,
		MaxDelay:          20 * time.Millisecond,
		MaxAttempts:       5,
		SettleDelay:       10 * time.Millisecond,
		Logger:            logging.Discard(),
	}
}

func waitFor(t *testing.T, sub *hub.Subscription[StateChange], to State) StateChange {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case c, ok := <-sub.C:
			require.True(t, ok, "watch closed while waiting for %s", to)
			if c.To == to {
				return c
			}
		case <-timeout:
			t.Fatalf("timed out waiting for state %s", to)
		}
	}
}

// --- tests ---

func TestManager_ConnectIdempotent(t *testing.T) {
	srv := &fakeServer{}
	m := New(testOptions(), auth.NewStatic(validCred()), srv)
	defer m.Close()
	sub := m.Watch(32)

	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Connect(context.Background()), "connect while connecting is a no-op")
	waitFor(t, sub, Connected)

	require.NoError(t, m.Connect(context.Background()), "connect while connected is a no-op")
	assert.Equal(t, Connected, m.State())
	assert.Equal(t, 1, srv.dialCount())
	assert.Equal(t, "Bearer tok", srv.headers[0].Get(websocket.HeaderAuthorization))

	connect := srv.last().frames()[0]
	assert.Equal(t, websocket.OpConnect, connect.Op)
	assert.Equal(t, "ada", connect.Headers[websocket.HeaderUsername])
	assert.Equal(t, ClientType, connect.Headers[websocket.HeaderClientType])
}

func TestManager_NoCredential(t *testing.T) {
	srv := &fakeServer{}
	m := New(testOptions(), auth.NewStatic(auth.Credential{Token: "  "}), srv)
	defer m.Close()

	err := m.Connect(context.Background())
	assert.ErrorIs(t, err, ErrNoCredential)
	assert.Equal(t, Disconnected, m.State())
	assert.Zero(t, srv.dialCount())
}

func TestManager_ListenersAndFrames(t *testing.T) {
	srv := &fakeServer{}
	m := New(testOptions(), auth.NewStatic(validCred()), srv)
	defer m.Close()
	l := &recordingListener{}
	m.AddListener(l)
	sub := m.Watch(32)

	require.NoError(t, m.Connect(context.Background()))
	waitFor(t, sub, Connected)
	assert.Equal(t, auth.Identity{UserID: "1", Username: "ada"}, m.Identity())

	require.Eventually(t, func() bool { return l.settled.Load() == 1 }, time.Second, time.Millisecond)
	assert.EqualValues(t, 1, l.connected.Load())

	tr := srv.last()
	tr.inbox <- websocket.MessageFrame("public", "sub-1", []byte(`{"type":"CHAT"}`))
	tr.inbox <- websocket.ErrorFrame("ignored")
	require.Eventually(t, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return len(l.frames) == 1
	}, time.Second, time.Millisecond)

	m.Disconnect()
	assert.Equal(t, Disconnected, m.State())
	require.Eventually(t, func() bool { return l.disconnected.Load() == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, tr.isClosed, time.Second, time.Millisecond)
}

func TestManager_ReconnectAfterDrop(t *testing.T) {
	srv := &fakeServer{}
	provider := &refreshingProvider{Static: auth.NewStatic(validCred())}
	m := New(testOptions(), provider, srv)
	defer m.Close()
	l := &recordingListener{}
	m.AddListener(l)
	sub := m.Watch(32)

	require.NoError(t, m.Connect(context.Background()))
	waitFor(t, sub, Connected)

	srv.last().Close()
	change := waitFor(t, sub, Reconnecting)
	assert.Equal(t, 1, change.Attempt)
	assert.Equal(t, 5*time.Millisecond, change.Delay)
	var terr *TransportError
	assert.ErrorAs(t, change.Err, &terr)

	require.NoError(t, m.Connect(context.Background()), "connect while reconnecting is a no-op")

	waitFor(t, sub, Connected)
	assert.Equal(t, 2, srv.dialCount())
	assert.Equal(t, 0, m.Attempts(), "attempts reset after a successful handshake")
	assert.EqualValues(t, 1, provider.refreshes.Load())
	require.Eventually(t, func() bool { return l.connected.Load() == 2 }, time.Second, time.Millisecond)
	assert.EqualValues(t, 1, l.disconnected.Load())
}

func TestManager_FailsAfterMaxAttempts(t *testing.T) {
	srv := &fakeServer{dialErr: errors.New("connection refused")}
	opts := testOptions()
	opts.MaxAttempts = 3
	m := New(opts, auth.NewStatic(validCred()), srv)
	defer m.Close()
	sub := m.Watch(64)

	require.NoError(t, m.Connect(context.Background()))

	var delays []time.Duration
	timeout := time.After(2 * time.Second)
	for done := false; !done; {
		select {
		case c := <-sub.C:
			switch c.To {
			case Reconnecting:
				delays = append(delays, c.Delay)
			case Failed:
				done = true
			}
		case <-timeout:
			t.Fatal("timed out waiting for Failed")
		}
	}

	assert.Equal(t, []time.Duration{5 * time.Millisecond, 10 * time.Millisecond, 15 * time.Millisecond}, delays)
	assert.Equal(t, 4, srv.dialCount(), "initial attempt plus three retries")
	assert.Equal(t, Failed, m.State())

	// Failed is terminal until a manual Connect.
	srv.mu.Lock()
	srv.dialErr = nil
	srv.mu.Unlock()
	require.NoError(t, m.Connect(context.Background()))
	waitFor(t, sub, Connected)
}

func TestManager_HandshakeRejected(t *testing.T) {
	srv := &fakeServer{reject: "invalid token"}
	m := New(testOptions(), auth.NewStatic(validCred()), srv)
	defer m.Close()
	sub := m.Watch(32)

	require.NoError(t, m.Connect(context.Background()))
	change := waitFor(t, sub, Reconnecting)
	assert.ErrorIs(t, change.Err, ErrHandshakeRejected)
	assert.ErrorContains(t, change.Err, "invalid token")
	require.Eventually(t, func() bool { return srv.transport(0).isClosed() }, time.Second, time.Millisecond)
}

func TestManager_DisconnectDuringConnecting(t *testing.T) {
	hold := make(chan struct{})
	srv := &fakeServer{hold: hold}
	m := New(testOptions(), auth.NewStatic(validCred()), srv)
	defer m.Close()
	l := &recordingListener{}
	m.AddListener(l)

	require.NoError(t, m.Connect(context.Background()))
	require.Eventually(t, func() bool { return srv.last() != nil }, time.Second, time.Millisecond)
	assert.Equal(t, Connecting, m.State())

	m.Disconnect()
	close(hold)

	// Give the late acknowledgement time to arrive and be discarded.
	require.Eventually(t, func() bool { return srv.last().isClosed() }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, Disconnected, m.State())
	assert.Zero(t, l.connected.Load())
	assert.Zero(t, l.disconnected.Load())
}

func TestManager_DisconnectWhileListenerBusy(t *testing.T) {
	srv := &fakeServer{}
	opts := testOptions()
	opts.SettleDelay = time.Hour
	m := New(opts, auth.NewStatic(validCred()), srv)
	defer m.Close()
	slow := &orderedListener{gate: make(chan struct{})}
	next := &orderedListener{}
	m.AddListener(slow)
	m.AddListener(next)
	sub := m.Watch(32)

	require.NoError(t, m.Connect(context.Background()))
	waitFor(t, sub, Connected)

	// slow is still inside OnConnected; Disconnect must neither block on it
	// nor overtake it.
	m.Disconnect()
	assert.Equal(t, Disconnected, m.State())
	assert.Empty(t, next.seen())
	close(slow.gate)

	require.Eventually(t, func() bool { return len(next.seen()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"connected", "disconnected"}, slow.seen())
	assert.Equal(t, []string{"connected", "disconnected"}, next.seen())
}

func TestManager_FramesAfterDisconnectAreDropped(t *testing.T) {
	srv := &fakeServer{}
	m := New(testOptions(), auth.NewStatic(validCred()), srv)
	defer m.Close()
	sub := m.Watch(32)

	require.NoError(t, m.Connect(context.Background()))
	waitFor(t, sub, Connected)

	m.mu.Lock()
	gen := m.gen
	m.mu.Unlock()
	m.Disconnect()

	l := &recordingListener{}
	m.AddListener(l)
	m.deliver(gen, websocket.MessageFrame("public", "sub-1", []byte(`{}`)))
	m.notify.wait()

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Empty(t, l.frames, "a torn-down session delivers no frames")
}

func TestManager_StaleHandshakeDiscarded(t *testing.T) {
	m := New(testOptions(), auth.NewStatic(validCred()), &fakeServer{})
	defer m.Close()

	m.mu.Lock()
	m.gen = 1
	m.state = Connecting
	m.mu.Unlock()

	m.Disconnect()
	tr := &fakeTransport{inbox: make(chan websocket.Frame), closed: make(chan struct{})}
	ok := m.handshakeDone(1, tr, validCred().Identity)
	assert.False(t, ok, "a handshake from an older generation is discarded")
	assert.Equal(t, Disconnected, m.State())
}

func TestManager_PublishAndSubscribe(t *testing.T) {
	srv := &fakeServer{}
	m := New(testOptions(), auth.NewStatic(validCred()), srv)
	defer m.Close()
	sub := m.Watch(32)

	assert.False(t, m.Publish("chat.sendMessage", map[string]string{"content": "hi"}))
	assert.ErrorIs(t, m.Send("chat.sendMessage", nil), ErrNotConnected)
	_, err := m.Subscribe("public")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, Disconnected, m.State(), "a rejected publish never changes state")

	require.NoError(t, m.Connect(context.Background()))
	waitFor(t, sub, Connected)

	id, err := m.Subscribe("public")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.True(t, m.Publish("chat.sendMessage", map[string]string{"content": "hi"}))
	require.NoError(t, m.Unsubscribe(id))

	frames := srv.last().frames()
	require.Len(t, frames, 4)
	assert.Equal(t, websocket.SubscribeFrame(id, "public"), frames[1])
	assert.Equal(t, websocket.OpSend, frames[2].Op)
	assert.Equal(t, "chat.sendMessage", frames[2].Destination)
	assert.JSONEq(t, `{"content":"hi"}`, string(frames[2].Body))
	assert.Equal(t, websocket.UnsubscribeFrame(id), frames[3])
}

func TestManager_MissedHeartbeat(t *testing.T) {
	srv := &fakeServer{}
	opts := testOptions()
	opts.HeartbeatInterval = 5 * time.Millisecond
	m := New(opts, auth.NewStatic(validCred()), srv)
	defer m.Close()
	sub := m.Watch(32)

	require.NoError(t, m.Connect(context.Background()))
	waitFor(t, sub, Connected)
	first := srv.last()
	first.pingErr.Store(errors.New("pong timeout"))

	change := waitFor(t, sub, Reconnecting)
	assert.ErrorContains(t, change.Err, "heartbeat")
	require.Eventually(t, first.isClosed, time.Second, time.Millisecond)
	waitFor(t, sub, Connected)
}

func TestBackoff(t *testing.T) {
	base, max := 5*time.Second, 30*time.Second
	prev := time.Duration(0)
	for attempt := 1; attempt <= 20; attempt++ {
		d := Backoff(base, max, attempt)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		assert.LessOrEqual(t, d, max, "attempt %d", attempt)
		prev = d
	}
	assert.Equal(t, 5*time.Second, Backoff(base, max, 1))
	assert.Equal(t, 25*time.Second, Backoff(base, max, 5))
	assert.Equal(t, max, Backoff(base, max, 6))
	assert.Equal(t, base, Backoff(base, max, 0))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "reconnecting", Reconnecting.String())
	assert.Equal(t, "state(9)", State(9).String())
}
