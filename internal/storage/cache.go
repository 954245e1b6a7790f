package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/nfrund/chatsync/internal/chat"
)

// DefaultLimit is the maximum number of messages kept in the cache.
const DefaultLimit = 1000

// Cache persists the message list and the last-known session identity as JSON.
// The message list is capped; when it grows past the limit the oldest entries
// are evicted first.
type Cache struct {
	store Store
	limit int
	mu    sync.Mutex
}

// NewCache wraps store. A non-positive limit selects DefaultLimit.
func NewCache(store Store, limit int) *Cache {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Cache{store: store, limit: limit}
}

// Limit returns the message cap.
func (c *Cache) Limit() int { return c.limit }

// LoadMessages returns the persisted messages. A missing cache is an empty list.
func (c *Cache) LoadMessages(ctx context.Context) ([]chat.Message, error) {
	var msgs []chat.Message
	if err := c.get(ctx, KeyMessages, &msgs); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return Cap(msgs, c.limit), nil
}

// SaveMessages persists msgs, keeping only the newest Limit entries.
func (c *Cache) SaveMessages(ctx context.Context, msgs []chat.Message) error {
	return c.put(ctx, KeyMessages, Cap(msgs, c.limit))
}

// ClearMessages removes the persisted message list.
func (c *Cache) ClearMessages(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Delete(ctx, KeyMessages)
}

// LoadJSON decodes the value stored under key into v.
func (c *Cache) LoadJSON(ctx context.Context, key string, v any) error {
	return c.get(ctx, key, v)
}

// SaveJSON encodes v under key.
func (c *Cache) SaveJSON(ctx context.Context, key string, v any) error {
	return c.put(ctx, key, v)
}

// Delete removes key.
func (c *Cache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Delete(ctx, key)
}

func (c *Cache) get(ctx context.Context, key string, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, err := c.store.Open(ctx, key)
	if err != nil {
		return err
	}
	defer r.Close()
	if err := json.NewDecoder(r).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (c *Cache) put(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = c.store.Save(ctx, key, bytes.NewReader(data))
	return err
}

// Cap returns the newest limit entries of msgs.
func Cap(msgs []chat.Message, limit int) []chat.Message {
	if limit > 0 && len(msgs) > limit {
		return msgs[len(msgs)-limit:]
	}
	return msgs
}
