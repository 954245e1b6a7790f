package chat

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize_MessageKinds(t *testing.T) {
	for _, kind := range []Kind{KindChat, KindJoin, KindLeave, KindTyping} {
		t.Run(string(kind), func(t *testing.T) {
			body := `{"id":7,"type":"` + string(kind) + `","sender":"ada","senderId":1,"content":"hi","timestamp":"2024-05-01T10:00:00Z","roomId":"general"}`
			ev, err := Normalize("public", []byte(body))
			require.NoError(t, err)

			assert.Equal(t, kind, ev.Kind)
			assert.Equal(t, kind, ev.Message.Kind)
			assert.Equal(t, ID("7"), ev.Message.ID)
			assert.Equal(t, ID("1"), ev.Message.SenderID)
			assert.Equal(t, "ada", ev.Message.Sender)
			assert.Equal(t, "general", ev.Message.RoomID)
			assert.False(t, ev.Message.Private)
			assert.True(t, ev.Message.Timestamp.Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)))
		})
	}
}

func TestNormalize_KindAliasAndCase(t *testing.T) {
	ev, err := Normalize("typing", []byte(`{"kind":"typing","sender":"ada","content":"ada is typing..."}`))
	require.NoError(t, err)
	assert.Equal(t, KindTyping, ev.Kind)
}

func TestNormalize_PrivateQueue(t *testing.T) {
	ev, err := Normalize("private:2", []byte(`{"type":"CHAT","sender":"ada","senderId":"1","receiverId":"2","content":"psst","timestamp":1714557600000}`))
	require.NoError(t, err)
	assert.True(t, ev.Message.Private)
	assert.Equal(t, ID("2"), ev.Message.ReceiverID)
	assert.Equal(t, int64(1714557600000), ev.Message.Timestamp.UnixMilli())
}

func TestNormalize_Presence(t *testing.T) {
	t.Run("bare array", func(t *testing.T) {
		ev, err := Normalize(PresenceChannel, []byte(`[{"id":1,"username":"ada","online":true},{"id":2,"username":"bob"}]`))
		require.NoError(t, err)
		assert.Equal(t, KindActiveUsers, ev.Kind)
		require.Len(t, ev.Users, 2)
		assert.True(t, ev.Users[0].Online)
		assert.False(t, ev.Users[1].Online, "online defaults to false")
		assert.Equal(t, 0, ev.Users[1].UnreadCount, "unreadCount defaults to 0")
	})

	t.Run("envelope", func(t *testing.T) {
		ev, err := Normalize(PresenceChannel, []byte(`{"type":"ACTIVE_USERS","users":[{"id":"c","username":"cy"}]}`))
		require.NoError(t, err)
		require.Len(t, ev.Users, 1)
		assert.Equal(t, ID("c"), ev.Users[0].ID)
	})

	t.Run("empty list is a valid snapshot", func(t *testing.T) {
		ev, err := Normalize(PresenceChannel, []byte(`[]`))
		require.NoError(t, err)
		assert.Empty(t, ev.Users)
	})

	t.Run("duplicates and id-less users collapse", func(t *testing.T) {
		ev, err := Normalize(PresenceChannel, []byte(`[{"id":1,"username":"old"},{"username":"ghost"},{"id":1,"username":"new"}]`))
		require.NoError(t, err)
		require.Len(t, ev.Users, 1)
		assert.Equal(t, "new", ev.Users[0].Username)
	})
}

func TestNormalize_Errors(t *testing.T) {
	cases := []struct {
		name    string
		channel string
		body    string
		want    error
	}{
		{"invalid json", "public", `{nope`, ErrMalformedFrame},
		{"empty body", "public", ``, ErrMalformedFrame},
		{"unknown kind", "public", `{"type":"REACTION","content":"+1"}`, ErrUnknownKind},
		{"missing kind", "public", `{"content":"hello"}`, ErrUnknownKind},
		{"presence not a list", PresenceChannel, `"users"`, ErrMalformedFrame},
		{"bad timestamp", "public", `{"type":"CHAT","timestamp":"yesterday"}`, ErrMalformedFrame},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := Normalize(tc.channel, []byte(tc.body))
			require.ErrorIs(t, err, tc.want)
			assert.Equal(t, Event{}, ev)
		})
	}
}

func TestTimestamp_RoundTrip(t *testing.T) {
	ts := At(time.Date(2024, 5, 1, 10, 0, 0, 123456789, time.FixedZone("X", 3600)))
	data, err := json.Marshal(ts)
	require.NoError(t, err)
	assert.Equal(t, `"2024-05-01T09:00:00.123456789Z"`, string(data))

	var back Timestamp
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, back.Equal(ts.Time))

	require.NoError(t, json.Unmarshal([]byte(`"2024-05-01T10:00:00"`), &back), "zone-less server timestamps")
	assert.Equal(t, 10, back.Hour())
}
