package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/chatsync/internal/chat"
)

func newTestCache(t *testing.T, limit int) (*Cache, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	return NewCache(NewAferoStore(fs, "/state"), limit), fs
}

func msg(i int) chat.Message {
	return chat.Message{
		ID:        chat.ID(fmt.Sprintf("m%d", i)),
		Kind:      chat.KindChat,
		Sender:    "ada",
		Content:   fmt.Sprintf("message %d", i),
		Timestamp: chat.At(time.Unix(int64(i), 0)),
	}
}

func TestCache_MissingIsEmpty(t *testing.T) {
	cache, _ := newTestCache(t, 0)
	msgs, err := cache.LoadMessages(context.Background())
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Equal(t, DefaultLimit, cache.Limit())
}

func TestCache_RoundTrip(t *testing.T) {
	cache, _ := newTestCache(t, 10)
	ctx := context.Background()

	in := []chat.Message{msg(1), msg(2)}
	require.NoError(t, cache.SaveMessages(ctx, in))

	out, err := cache.LoadMessages(ctx)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, in[0].ID, out[0].ID)
	assert.True(t, in[1].Timestamp.Equal(out[1].Timestamp.Time))
}

func TestCache_EvictsOldestBeyondLimit(t *testing.T) {
	cache, _ := newTestCache(t, DefaultLimit)
	ctx := context.Background()

	var all []chat.Message
	for i := 0; i < 1005; i++ {
		all = append(all, msg(i))
	}
	require.NoError(t, cache.SaveMessages(ctx, all))

	out, err := cache.LoadMessages(ctx)
	require.NoError(t, err)
	require.Len(t, out, 1000)
	assert.Equal(t, chat.ID("m5"), out[0].ID, "the five oldest entries are evicted")
	assert.Equal(t, chat.ID("m1004"), out[len(out)-1].ID)
}

func TestCache_CorruptFile(t *testing.T) {
	cache, fs := newTestCache(t, 10)
	require.NoError(t, fs.MkdirAll("/state", 0o755))
	require.NoError(t, afero.WriteFile(fs, "/state/chat_messages.json", []byte("{not json"), 0o644))

	_, err := cache.LoadMessages(context.Background())
	assert.ErrorContains(t, err, "decode chat_messages")
}

func TestCache_ClearAndJSON(t *testing.T) {
	cache, _ := newTestCache(t, 10)
	ctx := context.Background()

	require.NoError(t, cache.SaveMessages(ctx, []chat.Message{msg(1)}))
	require.NoError(t, cache.ClearMessages(ctx))
	out, err := cache.LoadMessages(ctx)
	require.NoError(t, err)
	assert.Empty(t, out)

	type identity struct {
		UserID   string `json:"userId"`
		Username string `json:"username"`
	}
	require.NoError(t, cache.SaveJSON(ctx, KeyUser, identity{"1", "ada"}))
	var got identity
	require.NoError(t, cache.LoadJSON(ctx, KeyUser, &got))
	assert.Equal(t, "ada", got.Username)

	require.NoError(t, cache.Delete(ctx, KeyUser))
	assert.ErrorIs(t, cache.LoadJSON(ctx, KeyUser, &got), ErrNotFound)
}
