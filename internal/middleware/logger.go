package middleware

import (
	"context"
	"log/slog"

	"github.com/labstack/echo/v4"
)

type contextKey string

const loggerKey = contextKey("logger")

// Logger injects a request-scoped logger, derived from base and tagged with
// the request ID, into the request context. It must run after the RequestID
// middleware.
func Logger(base *slog.Logger) echo.MiddlewareFunc {
	if base == nil {
		base = slog.Default()
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			reqID := c.Response().Header().Get(echo.HeaderXRequestID)
			requestLogger := base.With("request_id", reqID)

			newCtx := context.WithValue(c.Request().Context(), loggerKey, requestLogger)
			c.SetRequest(c.Request().WithContext(newCtx))

			return next(c)
		}
	}
}

// FromContext returns the request-scoped logger, or slog.Default when none is set.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}
