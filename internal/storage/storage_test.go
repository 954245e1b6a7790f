package storage

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAferoStore_Unit(t *testing.T) {
	// In-memory filesystem: no disk I/O is performed.
	memFs := afero.NewMemMapFs()
	store := NewAferoStore(memFs, "state")
	ctx := context.Background()

	key := "my-key"
	content := `{"hello":"world"}`

	t.Run("Save", func(t *testing.T) {
		n, err := store.Save(ctx, key, strings.NewReader(content))
		require.NoError(t, err)
		assert.Equal(t, int64(len(content)), n)

		exists, err := afero.Exists(memFs, store.Path(key))
		require.NoError(t, err)
		assert.True(t, exists, "file should exist after saving")

		tmpExists, err := afero.Exists(memFs, store.Path(key)+".tmp")
		require.NoError(t, err)
		assert.False(t, tmpExists, "temporary file should be renamed away")
	})

	t.Run("Open", func(t *testing.T) {
		r, err := store.Open(ctx, key)
		require.NoError(t, err)
		defer r.Close()

		data, err := io.ReadAll(r)
		require.NoError(t, err)
		assert.Equal(t, content, string(data))
	})

	t.Run("Overwrite", func(t *testing.T) {
		_, err := store.Save(ctx, key, bytes.NewReader([]byte("[]")))
		require.NoError(t, err)
		data, err := afero.ReadFile(memFs, store.Path(key))
		require.NoError(t, err)
		assert.Equal(t, "[]", string(data))
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, key))
		_, err := store.Open(ctx, key)
		assert.ErrorIs(t, err, ErrNotFound)

		assert.NoError(t, store.Delete(ctx, key), "deleting a missing key is fine")
	})

	t.Run("Canceled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := store.Save(cctx, key, strings.NewReader("x"))
		assert.ErrorIs(t, err, context.Canceled)
	})
}
