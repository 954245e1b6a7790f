package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind identifies what an inbound event carries.
type Kind string

const (
	KindChat        Kind = "CHAT"
	KindJoin        Kind = "JOIN"
	KindLeave       Kind = "LEAVE"
	KindTyping      Kind = "TYPING"
	KindActiveUsers Kind = "ACTIVE_USERS"
)

// IsMessage reports whether events of this kind are appended to the message list.
func (k Kind) IsMessage() bool {
	switch k {
	case KindChat, KindJoin, KindLeave, KindTyping:
		return true
	}
	return false
}

// ID is an identifier that may arrive on the wire as a JSON string or number.
type ID string

// UnmarshalJSON accepts strings, numbers and null.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// String returns the id as a plain string.
func (id ID) String() string { return string(id) }

// Timestamp is a point in time that decodes from RFC3339 text or epoch
// milliseconds and always encodes as RFC3339 with nanoseconds.
type Timestamp struct {
	time.Time
}

// At wraps t as a Timestamp in UTC.
func At(t time.Time) Timestamp { return Timestamp{t.UTC()} }

// MarshalJSON implements json.Marshaler.
func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(ts.UTC().Format(time.RFC3339Nano))
}

// UnmarshalJSON implements json.Unmarshaler.
func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		ts.Time = time.Time{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		return ts.parseText(s)
	}
	ms, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("timestamp must be RFC3339 text or epoch millis: %w", err)
	}
	ts.Time = time.UnixMilli(ms).UTC()
	return nil
}

func (ts *Timestamp) parseText(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		ts.Time = time.Time{}
		return nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		ts.Time = time.UnixMilli(ms).UTC()
		return nil
	}
	// Server-side LocalDateTime values come without a zone.
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			ts.Time = t.UTC()
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp %q", s)
}

// Message is a single entry in the local message list.
type Message struct {
	ID         ID        `json:"id,omitempty"`
	Kind       Kind      `json:"type"`
	Sender     string    `json:"sender"`
	SenderID   ID        `json:"senderId,omitempty"`
	ReceiverID ID        `json:"receiverId,omitempty"`
	RoomID     string    `json:"roomId,omitempty"`
	Content    string    `json:"content"`
	Timestamp  Timestamp `json:"timestamp"`
	Private    bool      `json:"isPrivate,omitempty"`
}

// User is an entry in the active-user directory.
type User struct {
	ID                ID         `json:"id"`
	Username          string     `json:"username"`
	Email             string     `json:"email,omitempty"`
	Online            bool       `json:"online"`
	LastSeen          *Timestamp `json:"lastSeen,omitempty"`
	ProfilePictureURL string     `json:"profilePictureUrl,omitempty"`
	UnreadCount       int        `json:"unreadCount"`
}

// Room is a public conversation listed by the chat API.
type Room struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Event is a normalized inbound frame. Message is set for the message kinds,
// Users for ACTIVE_USERS.
type Event struct {
	Kind    Kind
	Channel string
	Message Message
	Users   []User
}

// State is a point-in-time copy of the reconciled chat state.
type State struct {
	Messages     []Message
	ActiveUsers  map[ID]User
	SelectedRoom string
	SelectedUser ID
	Connected    bool
}
