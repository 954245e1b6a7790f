package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) lookupFunc {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5*time.Second, cfg.ReconnectBaseDelay)
	assert.Equal(t, 30*time.Second, cfg.ReconnectMaxDelay)
	assert.Equal(t, 5, cfg.MaxReconnectAttempts)
	assert.Equal(t, 1000, cfg.CacheLimit)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(envMap(map[string]string{
		"CHATSYNC_SERVER_URL":             "ws://chat.example.com/ws",
		"CHATSYNC_RECONNECT_BASE_DELAY":   "250ms",
		"CHATSYNC_MAX_RECONNECT_ATTEMPTS": "3",
		"LOG_FORMAT":                      "json",
	}))
	require.NoError(t, err)

	assert.Equal(t, "ws://chat.example.com/ws", cfg.ServerURL)
	assert.Equal(t, 250*time.Millisecond, cfg.ReconnectBaseDelay)
	assert.Equal(t, 3, cfg.MaxReconnectAttempts)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.NoError(t, cfg.Validate())
}

func TestApplyEnv_BadValues(t *testing.T) {
	t.Run("duration", func(t *testing.T) {
		cfg := Default()
		err := cfg.applyEnv(envMap(map[string]string{"CHATSYNC_HEARTBEAT_INTERVAL": "soon"}))
		assert.ErrorContains(t, err, "CHATSYNC_HEARTBEAT_INTERVAL")
	})

	t.Run("int", func(t *testing.T) {
		cfg := Default()
		err := cfg.applyEnv(envMap(map[string]string{"CHATSYNC_CACHE_LIMIT": "lots"}))
		assert.ErrorContains(t, err, "CHATSYNC_CACHE_LIMIT")
	})
}

func TestValidate_Rejects(t *testing.T) {
	cfg := Default()
	cfg.ReconnectMaxDelay = time.Second // below base delay
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.ServerURL = ""
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.LogFormat = "xml"
	assert.Error(t, cfg.Validate())
}
