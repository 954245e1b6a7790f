package connection

import "time"

// Backoff returns the delay before reconnect attempt n (1-based): base*n,
// capped at max.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base * time.Duration(attempt)
	if d > max || d < 0 {
		return max
	}
	return d
}
