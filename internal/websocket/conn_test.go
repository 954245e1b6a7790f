package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newEchoServer accepts one connection, checks the Authorization header and
// echoes each frame back as a message on channel "echo".
func newEchoServer(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(HeaderAuthorization) != "Bearer good" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conn := NewConn(ws)
		defer conn.Close()
		for {
			f, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			body, _ := json.Marshal(f)
			conn.Send(MessageFrame("echo", f.ID, body))
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestConn_SendRead(t *testing.T) {
	url := newEchoServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Dial(ctx, url, http.Header{HeaderAuthorization: []string{"Bearer good"}})
	require.NoError(t, err)
	defer conn.Close()

	require.True(t, conn.Send(SubscribeFrame("sub-1", "public")))

	got, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, OpMessage, got.Op)
	assert.Equal(t, "echo", got.Channel)
	assert.Equal(t, "sub-1", got.ID)

	inner, err := Decode(got.Body)
	require.NoError(t, err)
	assert.Equal(t, OpSubscribe, inner.Op)
	assert.Equal(t, "public", inner.Channel)
}

func TestConn_PingNeedsReader(t *testing.T) {
	url := newEchoServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Dial(ctx, url, http.Header{HeaderAuthorization: []string{"Bearer good"}})
	require.NoError(t, err)
	defer conn.Close()

	go func() {
		for {
			if _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	pingCtx, pingCancel := context.WithTimeout(ctx, 2*time.Second)
	defer pingCancel()
	assert.NoError(t, conn.Ping(pingCtx))
}

func TestConn_DialRejected(t *testing.T) {
	url := newEchoServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := Dial(ctx, url, http.Header{HeaderAuthorization: []string{"Bearer bad"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")
}

func TestConn_SendAfterClose(t *testing.T) {
	url := newEchoServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Dial(ctx, url, http.Header{HeaderAuthorization: []string{"Bearer good"}})
	require.NoError(t, err)

	_ = conn.Close()
	assert.NoError(t, conn.Close(), "second close is a no-op")
	assert.False(t, conn.Send(SendFrame("chat.sendMessage", json.RawMessage(`{}`))))
	assert.ErrorIs(t, conn.Ping(ctx), ErrClosed)

	select {
	case <-conn.Done():
	default:
		t.Fatal("done channel should be closed")
	}
}

func TestConn_CloseFlushesQueuedFrames(t *testing.T) {
	received := make(chan Frame, 64)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conn := NewConn(ws)
		defer conn.Close()
		defer close(received)
		for {
			f, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			received <- f
		}
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)

	const n = 20
	for i := 0; i < n; i++ {
		require.True(t, conn.Send(UnsubscribeFrame(fmt.Sprintf("sub-%d", i))))
	}
	_ = conn.Close()

	var ids []string
	for f := range received {
		ids = append(ids, f.ID)
	}
	require.Len(t, ids, n, "frames queued before Close reach the peer")
	assert.Equal(t, "sub-0", ids[0])
	assert.Equal(t, fmt.Sprintf("sub-%d", n-1), ids[n-1])
}

func TestDecode(t *testing.T) {
	f, err := Decode([]byte(`{"op":"connected","id":"s1"}`))
	require.NoError(t, err)
	assert.Equal(t, ConnectedFrame("s1"), f)

	_, err = Decode([]byte(`{"channel":"public"}`))
	assert.ErrorContains(t, err, "missing op")

	_, err = Decode([]byte(`not json`))
	assert.ErrorIs(t, err, ErrBadFrame)
}
