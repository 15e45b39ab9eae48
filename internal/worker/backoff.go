package worker

import (
	"math/rand/v2"
	"time"
)

// maxBackoff caps the retry delay regardless of attempt count.
const maxBackoff = 5 * time.Minute

// Backoff returns the delay before a failed attempt becomes eligible again:
// one second per allowed attempt, plus 2^attempt seconds, plus up to one
// second of jitter, capped at maxBackoff. attempt is the just-failed attempt
// number (1-based).
func Backoff(maxAttempts, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 20 {
		attempt = 20 // 2^20s is already far past the cap
	}
	delay := time.Duration(maxAttempts)*time.Second +
		time.Duration(1<<uint(attempt))*time.Second +
		time.Duration(rand.IntN(1000))*time.Millisecond //nolint:gosec // jitter is not security-sensitive
	if delay > maxBackoff {
		return maxBackoff
	}
	return delay
}
