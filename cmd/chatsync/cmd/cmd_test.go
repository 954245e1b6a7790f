package cmd

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/chatsync/internal/app"
	"github.com/nfrund/chatsync/internal/chat"
	"github.com/nfrund/chatsync/internal/config"
	"github.com/nfrund/chatsync/internal/logging"
)

func setupConfig(t *testing.T) {
	t.Helper()
	cfg = config.Default()
	cfg.StateDir = "/state"
	logger = logging.Discard()
}

func TestFormatMessage(t *testing.T) {
	setupConfig(t)
	ts := chat.At(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))

	room := formatMessage(chat.Message{Kind: chat.KindChat, Sender: "alice", Content: "hi", Timestamp: ts})
	assert.Contains(t, room, "#general alice: hi")

	private := formatMessage(chat.Message{Kind: chat.KindChat, Sender: "alice", SenderID: "1", ReceiverID: "2", Content: "psst", Private: true})
	assert.Contains(t, private, "(private 1 -> 2) alice: psst")
	assert.Contains(t, private, "--:--:--")

	join := formatMessage(chat.Message{Kind: chat.KindJoin, Content: "alice joined the chat", Timestamp: ts})
	assert.Contains(t, join, "* alice joined the chat")
}

func TestPrinter_PrintsOnce(t *testing.T) {
	setupConfig(t)
	var buf bytes.Buffer
	p := newPrinter(&buf)
	p.mark([]chat.Message{{ID: "old", Content: "old"}})

	msgs := []chat.Message{{ID: "old", Content: "old"}, {ID: "new", Kind: chat.KindChat, Content: "new"}}
	p.print(msgs)
	p.print(msgs)

	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("\n")))
	assert.Contains(t, buf.String(), "new")
}

func TestHandleLine(t *testing.T) {
	setupConfig(t)
	s, err := app.New(cfg, app.Dependencies{Fs: afero.NewMemMapFs(), Logger: logger})
	require.NoError(t, err)
	defer s.Close()

	var out bytes.Buffer
	assert.False(t, handleLine(context.Background(), &out, s, "/dm 42"))
	assert.Equal(t, chat.ID("42"), s.State.Snapshot().SelectedUser)

	assert.False(t, handleLine(context.Background(), &out, s, "/room random"))
	snap := s.State.Snapshot()
	assert.Equal(t, "random", snap.SelectedRoom)
	assert.Empty(t, snap.SelectedUser)
	assert.Contains(t, out.String(), "history unavailable", "selection works without the chat API")

	assert.False(t, handleLine(context.Background(), &out, s, "hello"))
	assert.Contains(t, out.String(), "not connected")

	assert.True(t, handleLine(context.Background(), &out, s, "/quit"))
}

func TestFilterHistory(t *testing.T) {
	setupConfig(t)
	msgs := []chat.Message{
		{ID: "1", Kind: chat.KindChat, Sender: "alice", SenderID: "1", RoomID: "general", Content: "a"},
		{ID: "2", Kind: chat.KindChat, Sender: "bob", SenderID: "2", RoomID: "random", Content: "b"},
		{ID: "3", Kind: chat.KindChat, Sender: "bob", SenderID: "2", ReceiverID: "1", Private: true, Content: "c"},
	}

	historyRoom, historyWith = "random", ""
	defer func() { historyRoom, historyWith = "", "" }()
	got := filterHistory(msgs, "1")
	require.Len(t, got, 1)
	assert.Equal(t, chat.ID("2"), got[0].ID)

	historyRoom, historyWith = "", "2"
	got = filterHistory(msgs, "1")
	require.Len(t, got, 1)
	assert.Equal(t, chat.ID("3"), got[0].ID)
}
