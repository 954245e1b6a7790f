package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrBadFrame is returned for frames that cannot be decoded. The connection
// stays usable after it.
var ErrBadFrame = errors.New("bad frame")

// Op identifies the kind of a wire frame.
type Op string

const (
	OpConnect     Op = "connect"
	OpConnected   Op = "connected"
	OpError       Op = "error"
	OpSubscribe   Op = "subscribe"
	OpUnsubscribe Op = "unsubscribe"
	OpMessage     Op = "message"
	OpSend        Op = "send"
)

// Handshake header names carried by the connect frame.
const (
	HeaderAuthorization = "Authorization"
	HeaderClientType    = "X-Client-Type"
	HeaderUsername      = "X-Username"
)

// Frame is a single JSON text frame exchanged with the chat server.
//
// Client to server: connect, subscribe, unsubscribe, send.
// Server to client: connected, error, message.
type Frame struct {
	Op          Op                `json:"op"`
	Channel     string            `json:"channel,omitempty"`
	Destination string            `json:"destination,omitempty"`
	ID          string            `json:"id,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        json.RawMessage   `json:"body,omitempty"`
	Message     string            `json:"message,omitempty"`
}

// String renders a compact description for logs; bodies are left out.
func (f Frame) String() string {
	switch {
	case f.Channel != "":
		return fmt.Sprintf("%s channel=%s id=%s", f.Op, f.Channel, f.ID)
	case f.Destination != "":
		return fmt.Sprintf("%s destination=%s", f.Op, f.Destination)
	default:
		return fmt.Sprintf("%s id=%s", f.Op, f.ID)
	}
}

// Encode marshals the frame.
func (f Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// Decode parses a frame from raw text.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	if f.Op == "" {
		return Frame{}, fmt.Errorf("%w: missing op", ErrBadFrame)
	}
	return f, nil
}

// ConnectFrame builds the first frame of a handshake.
func ConnectFrame(headers map[string]string) Frame {
	return Frame{Op: OpConnect, Headers: headers}
}

// ConnectedFrame acknowledges a handshake with the given session id.
func ConnectedFrame(sessionID string) Frame {
	return Frame{Op: OpConnected, ID: sessionID}
}

// ErrorFrame reports a protocol or auth failure to the peer.
func ErrorFrame(msg string) Frame {
	return Frame{Op: OpError, Message: msg}
}

// SubscribeFrame asks the server to deliver channel under subscription id.
func SubscribeFrame(id, channel string) Frame {
	return Frame{Op: OpSubscribe, ID: id, Channel: channel}
}

// UnsubscribeFrame cancels the subscription id.
func UnsubscribeFrame(id string) Frame {
	return Frame{Op: OpUnsubscribe, ID: id}
}

// MessageFrame delivers body on channel for subscription id.
func MessageFrame(channel, id string, body json.RawMessage) Frame {
	return Frame{Op: OpMessage, Channel: channel, ID: id, Body: body}
}

// SendFrame publishes body to destination.
func SendFrame(destination string, body json.RawMessage) Frame {
	return Frame{Op: OpSend, Destination: destination, Body: body}
}
