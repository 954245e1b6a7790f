package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the chat client and the relay.
type Config struct {
	// ServerURL is the websocket endpoint of the chat server.
	ServerURL string `validate:"required,url"`
	// APIURL is the base URL of the HTTP authentication API.
	APIURL string `validate:"required,url"`
	// StateDir is where the local message cache and session identity live.
	StateDir string `validate:"required"`

	LogFormat string `validate:"oneof=text json"`
	LogLevel  string `validate:"oneof=debug info warn error"`

	HeartbeatInterval    time.Duration `validate:"gt=0"`
	HeartbeatTimeout     time.Duration `validate:"gt=0"`
	HandshakeTimeout     time.Duration `validate:"gt=0"`
	ReconnectBaseDelay   time.Duration `validate:"gt=0"`
	ReconnectMaxDelay    time.Duration `validate:"gtefield=ReconnectBaseDelay"`
	MaxReconnectAttempts int           `validate:"gte=0"`
	JoinSettleDelay      time.Duration `validate:"gte=0"`
	ObserverBuffer       int           `validate:"gt=0"`

	CacheLimit   int           `validate:"gt=0"`
	DedupeWindow time.Duration `validate:"gte=0"`
	DefaultRoom  string        `validate:"required"`

	// RelayAddr and RelaySecret configure the reference relay server.
	RelayAddr   string `validate:"required"`
	RelaySecret string `validate:"required,min=8"`
}

// Default returns the configuration used when no environment overrides are set.
func Default() *Config {
	return &Config{
		ServerURL:            "ws://localhost:8080/ws",
		APIURL:               "http://localhost:8080/api",
		StateDir:             defaultStateDir(),
		LogFormat:            "text",
		LogLevel:             "info",
		HeartbeatInterval:    4 * time.Second,
		HeartbeatTimeout:     4 * time.Second,
		HandshakeTimeout:     10 * time.Second,
		ReconnectBaseDelay:   5 * time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		MaxReconnectAttempts: 5,
		JoinSettleDelay:      300 * time.Millisecond,
		ObserverBuffer:       64,
		CacheLimit:           1000,
		DedupeWindow:         time.Second,
		DefaultRoom:          "general",
		RelayAddr:            ":8080",
		RelaySecret:          "change-me-in-production",
	}
}

// Load reads an optional .env file, applies CHATSYNC_* environment overrides on
// top of Default and validates the result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	cfg := Default()
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration against its validate tags.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	strs := map[string]*string{
		"CHATSYNC_SERVER_URL":   &c.ServerURL,
		"CHATSYNC_API_URL":      &c.APIURL,
		"CHATSYNC_STATE_DIR":    &c.StateDir,
		"LOG_FORMAT":            &c.LogFormat,
		"LOG_LEVEL":             &c.LogLevel,
		"CHATSYNC_DEFAULT_ROOM": &c.DefaultRoom,
		"CHATSYNC_RELAY_ADDR":   &c.RelayAddr,
		"CHATSYNC_RELAY_SECRET": &c.RelaySecret,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"CHATSYNC_HEARTBEAT_INTERVAL":   &c.HeartbeatInterval,
		"CHATSYNC_HEARTBEAT_TIMEOUT":    &c.HeartbeatTimeout,
		"CHATSYNC_HANDSHAKE_TIMEOUT":    &c.HandshakeTimeout,
		"CHATSYNC_RECONNECT_BASE_DELAY": &c.ReconnectBaseDelay,
		"CHATSYNC_RECONNECT_MAX_DELAY":  &c.ReconnectMaxDelay,
		"CHATSYNC_JOIN_SETTLE_DELAY":    &c.JoinSettleDelay,
		"CHATSYNC_DEDUPE_WINDOW":        &c.DedupeWindow,
	}
	for key, dst := range durations {
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", key, err)
		}
		*dst = d
	}

	ints := map[string]*int{
		"CHATSYNC_MAX_RECONNECT_ATTEMPTS": &c.MaxReconnectAttempts,
		"CHATSYNC_OBSERVER_BUFFER":        &c.ObserverBuffer,
		"CHATSYNC_CACHE_LIMIT":            &c.CacheLimit,
	}
	for key, dst := range ints {
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", key, err)
		}
		*dst = n
	}
	return nil
}

func defaultStateDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir + string(os.PathSeparator) + "chatsync"
	}
	return ".chatsync"
}
