package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// ErrClosed is returned by operations on a closed connection.
var ErrClosed = errors.New("websocket connection closed")

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second
	// Frames queued beyond this are rejected by Send.
	defaultSendBuffer = 256
	// Presence snapshots can be large; the library default is 32KiB.
	defaultReadLimit = 1 << 20
)

// Option configures a Conn.
type Option func(*Conn)

// WithSendBuffer sets the outbound queue size.
func WithSendBuffer(n int) Option {
	return func(c *Conn) {
		if n > 0 {
			c.send = make(chan []byte, n)
		}
	}
}

// WithLogger sets the logger used by the write pump.
func WithLogger(l *slog.Logger) Option {
	return func(c *Conn) {
		if l != nil {
			c.logger = l
		}
	}
}

// Conn wraps a coder/websocket connection with frame encoding and a
// buffered write pump. Read must be called from a single goroutine; Send,
// Ping and Close are safe for concurrent use.
type Conn struct {
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	pumped chan struct{} // closed when the write pump exits
	once   sync.Once
	logger *slog.Logger
}

// Dial opens a client connection to url, sending header with the upgrade request.
func Dial(ctx context.Context, url string, header http.Header, opts ...Option) (*Conn, error) {
	ws, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewConn(ws, opts...), nil
}

// NewConn takes ownership of ws and starts its write pump.
func NewConn(ws *websocket.Conn, opts ...Option) *Conn {
	c := &Conn{
		ws:     ws,
		send:   make(chan []byte, defaultSendBuffer),
		done:   make(chan struct{}),
		pumped: make(chan struct{}),
		logger: slog.Default().With("component", "websocket"),
	}
	for _, opt := range opts {
		opt(c)
	}
	ws.SetReadLimit(defaultReadLimit)
	go c.writePump()
	return c
}

// Read blocks until the next frame arrives. Frames that cannot be decoded
// are returned as errors without closing the connection.
func (c *Conn) Read(ctx context.Context) (Frame, error) {
	typ, data, err := c.ws.Read(ctx)
	if err != nil {
		c.shutdown()
		return Frame{}, err
	}
	if typ != websocket.MessageText {
		return Frame{}, fmt.Errorf("%w: unexpected message type %s", ErrBadFrame, typ)
	}
	return Decode(data)
}

// Send queues f for writing. It never blocks; false means the frame was
// dropped because the connection is closed or its queue is full.
func (c *Conn) Send(f Frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	data, err := f.Encode()
	if err != nil {
		c.logger.Error("Failed to encode frame", "frame", f.String(), "error", err)
		return false
	}

	select {
	case c.send <- data:
		return true
	default:
		c.logger.Warn("Send buffer full, dropping frame", "frame", f.String())
		return false
	}
}

// WriteNow writes f synchronously, bypassing the send queue. It is meant for
// replies that must reach the peer before the connection is closed.
func (c *Conn) WriteNow(ctx context.Context, f Frame) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	data, err := f.Encode()
	if err != nil {
		return err
	}
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// Ping sends a ping and waits for the pong. A concurrent Read is required
// for the pong to be observed.
func (c *Conn) Ping(ctx context.Context) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	return c.ws.Ping(ctx)
}

// Done is closed once the connection has shut down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close writes the frames Send has already queued, then performs a normal
// closure. It is safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		<-c.pumped
		c.flush()
		err = c.ws.Close(websocket.StatusNormalClosure, "client closed")
	})
	return err
}

// flush writes whatever is left in the send queue. It runs after the write
// pump has exited.
func (c *Conn) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	for {
		select {
		case data := <-c.send:
			if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
				c.logger.Debug("Dropping queued frames on close", "error", err)
				return
			}
		default:
			return
		}
	}
}

// shutdown releases the connection without a close handshake.
func (c *Conn) shutdown() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.CloseNow()
	})
}

func (c *Conn) writePump() {
	defer close(c.pumped)
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			err := c.ws.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.logger.Debug("WebSocket write error", "error", err)
				// Close may be holding once while it waits for this pump.
				go c.shutdown()
				return
			}
		}
	}
}

// IsNormalClose reports whether err is a clean close from the peer.
func IsNormalClose(err error) bool {
	status := websocket.CloseStatus(err)
	return status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway
}
