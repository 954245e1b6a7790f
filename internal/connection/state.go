package connection

import (
	"errors"
	"fmt"
	"time"

	"github.com/nfrund/chatsync/internal/auth"
)

// State is the lifecycle position of the Manager.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StateChange is published to observers on every transition.
type StateChange struct {
	From    State
	To      State
	Attempt int
	// Delay is the backoff before the next attempt; only set when To is Reconnecting.
	Delay time.Duration
	// Err is the cause of a transition into Reconnecting or Failed.
	Err error
	At  time.Time
}

var (
	// ErrNoCredential is returned by Connect when the provider has no usable token.
	ErrNoCredential = auth.ErrNoCredential
	// ErrNotConnected is returned when an operation needs a live session.
	ErrNotConnected = errors.New("not connected")
	// ErrHandshakeRejected means the server answered the connect frame with an error.
	ErrHandshakeRejected = errors.New("handshake rejected")
)

// TransportError wraps a dial, handshake or socket failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
