package outbox

import "time"

// NextBackoff returns the delay before the next publish attempt for a record
// that failed retryCount times already: base * 2^retryCount, capped at max.
func NextBackoff(base, max time.Duration, retryCount int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
