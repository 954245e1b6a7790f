package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when nothing is stored under a key.
var ErrNotFound = errors.New("storage: key not found")

// Well-known keys for persisted client state.
const (
	KeyMessages = "chat_messages"
	KeyUser     = "chat_user"
)

// Store defines the interface for a keyed blob storage backend.
type Store interface {
	Save(ctx context.Context, key string, reader io.Reader) (int64, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}
