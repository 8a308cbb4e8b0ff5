package transport

import "time"

// NextDelay is the pure reconnect backoff schedule: base doubling per
// attempt, capped. attempt is 1-based; values below 1 are treated as 1.
func NextDelay(attempt int, base, cap time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= cap {
			return cap
		}
	}
	if delay > cap {
		return cap
	}
	return delay
}
