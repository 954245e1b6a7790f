package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// New initializes a new slog logger from the LOG_FORMAT and LOG_LEVEL
// environment variables and sets it as the default.
func New() *slog.Logger {
	return Setup(os.Getenv("LOG_FORMAT"), os.Getenv("LOG_LEVEL"), os.Stderr)
}

// Setup builds a logger writing to w and sets it as the default.
// Format is "text" (the default, used for development) or "json".
func Setup(format, level string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		opts.AddSource = opts.Level == slog.LevelDebug
		handler = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// ParseLevel maps a level name to a slog.Level. Unknown names fall back to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
