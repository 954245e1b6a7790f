package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// AferoStore is a Store backed by an afero filesystem: the OS in production,
// an in-memory map in tests.
type AferoStore struct {
	fs   afero.Fs
	root string
}

var _ Store = (*AferoStore)(nil)

// NewAferoStore creates a new AferoStore rooted at dir.
func NewAferoStore(fs afero.Fs, dir string) *AferoStore {
	return &AferoStore{fs: fs, root: dir}
}

// Fs exposes the underlying filesystem.
func (s *AferoStore) Fs() afero.Fs { return s.fs }

// Path returns the file path backing key.
func (s *AferoStore) Path(key string) string {
	return filepath.Join(s.root, key+".json")
}

// Save replaces the content stored under key. The write goes to a temporary
// file first and is renamed into place, so readers never see a torn file.
func (s *AferoStore) Save(ctx context.Context, key string, reader io.Reader) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	path := s.Path(key)
	if err := s.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, err
	}

	tmp := path + ".tmp"
	f, err := s.fs.Create(tmp)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, reader)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = s.fs.Remove(tmp)
		return 0, fmt.Errorf("write %s: %w", key, err)
	}
	if err := s.fs.Rename(tmp, path); err != nil {
		_ = s.fs.Remove(tmp)
		return 0, fmt.Errorf("commit %s: %w", key, err)
	}
	return n, nil
}

// Open opens the content stored under key for reading. A missing key yields ErrNotFound.
func (s *AferoStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := s.fs.OpenFile(s.Path(key), os.O_RDONLY, 0)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}

// Delete removes key. Deleting a missing key is not an error.
func (s *AferoStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.fs.Remove(s.Path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
