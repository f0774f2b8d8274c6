package util

import (
	"math"
	"time"
)

// ExponentialBackoff computes base * multiplier^attempt capped at maxDelay.
// attempt is zero-based: the first retry waits exactly base.
func ExponentialBackoff(attempt int, base time.Duration, multiplier float64, maxDelay time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if multiplier < 1 {
		multiplier = 1
	}

	backoff := float64(base) * math.Pow(multiplier, float64(attempt))
	if maxDelay > 0 && backoff > float64(maxDelay) {
		backoff = float64(maxDelay)
	}
	return time.Duration(backoff)
}
