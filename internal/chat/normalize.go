package chat

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMalformedFrame is returned when a frame body is not valid JSON of the expected shape.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrUnknownKind is returned when a payload names an event kind we do not handle.
	ErrUnknownKind = errors.New("unknown event kind")
)

// PresenceChannel is the channel whose frames carry the full user list.
const PresenceChannel = "activeUsers"

// wirePayload mirrors the event payload shape. Servers use "type"; "kind" is
// accepted as an alias.
type wirePayload struct {
	Message
	Type  Kind   `json:"type"`
	Alias Kind   `json:"kind"`
	Users []User `json:"users"`
}

// Normalize maps a frame body received on channel to an Event. Frames from the
// private queue are flagged Private. It never returns a partially filled event:
// on error the zero Event is returned.
func Normalize(channel string, body []byte) (Event, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return Event{}, fmt.Errorf("%w: empty body on %s", ErrMalformedFrame, channel)
	}

	if channel == PresenceChannel {
		return normalizePresence(channel, body)
	}

	var p wirePayload
	if err := json.Unmarshal(body, &p); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	kind := p.Type
	if kind == "" {
		kind = p.Alias
	}
	kind = Kind(strings.ToUpper(string(kind)))

	switch {
	case kind.IsMessage():
		msg := p.Message
		msg.Kind = kind
		if strings.HasPrefix(channel, "private:") {
			msg.Private = true
		}
		return Event{Kind: kind, Channel: channel, Message: msg}, nil
	case kind == KindActiveUsers:
		// Some servers push the snapshot on a broadcast channel wrapped in an envelope.
		return Event{Kind: KindActiveUsers, Channel: channel, Users: normalizeUsers(p.Users)}, nil
	default:
		return Event{}, fmt.Errorf("%w: %q on %s", ErrUnknownKind, kind, channel)
	}
}

func normalizePresence(channel string, body []byte) (Event, error) {
	var users []User
	if body[0] == '[' {
		if err := json.Unmarshal(body, &users); err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
	} else {
		var envelope struct {
			Users []User `json:"users"`
		}
		if err := json.Unmarshal(body, &envelope); err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		users = envelope.Users
	}
	return Event{Kind: KindActiveUsers, Channel: channel, Users: normalizeUsers(users)}, nil
}

// normalizeUsers drops entries without an id and keeps the last entry per id.
func normalizeUsers(in []User) []User {
	seen := make(map[ID]int, len(in))
	out := make([]User, 0, len(in))
	for _, u := range in {
		if u.ID == "" {
			continue
		}
		if i, ok := seen[u.ID]; ok {
			out[i] = u
			continue
		}
		seen[u.ID] = len(out)
		out = append(out, u)
	}
	return out
}
