package llm

import (
	"math"
	"time"
)

// RetryConfig controls how failed batches are retried.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts per batch.
	MaxAttempts int

	// BackoffBase is the delay before the first retry.
	BackoffBase time.Duration

	// BackoffMultiplier grows the delay on each further retry.
	BackoffMultiplier float64

	// MaxBackoff caps the computed exponential delay.
	MaxBackoff time.Duration

	// MaxRetryAfter caps how long a server's Retry-After is honoured.
	// Zero ignores Retry-After.
	MaxRetryAfter time.Duration
}

// DefaultRetryConfig returns retry defaults for embedding requests.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        15 * time.Second,
		MaxRetryAfter:     30 * time.Second,
	}
}

// backoff is the exponential delay before retry number attempt (1-based),
// without jitter.
func (r RetryConfig) backoff(attempt int) time.Duration {
	growth := math.Pow(r.BackoffMultiplier, float64(max(attempt-1, 0)))
	return min(time.Duration(float64(r.BackoffBase)*growth), r.MaxBackoff)
}

// wait stretches delay to the server's hint, within MaxRetryAfter.
func (r RetryConfig) wait(delay, hint time.Duration) time.Duration {
	return max(delay, min(hint, r.MaxRetryAfter))
}
