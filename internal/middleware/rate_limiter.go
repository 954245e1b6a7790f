package middleware

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
)

// RateLimiter limits requests per client IP to perSecond, allowing bursts of
// up to burst requests. Denied requests get a 429 with the auth envelope.
func RateLimiter(perSecond float64, burst int) echo.MiddlewareFunc {
	config := middleware.RateLimiterConfig{
		// NewRateLimiterMemoryStore is a simple in-memory store suitable for single-instance deployments.
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(perSecond),
			Burst:     burst,
			ExpiresIn: 3 * time.Minute,
		}),

		// We identify clients by their real IP address.
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			FromContext(c.Request().Context()).Warn("Rate limit exceeded", "client", identifier)
			return c.JSON(http.StatusTooManyRequests, map[string]any{
				"success": false,
				"message": "Too many requests. Please try again later.",
			})
		},
	}
	return middleware.RateLimiterWithConfig(config)
}
