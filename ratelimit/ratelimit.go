// Package ratelimit provides fixed-window request limiting backed by
// process memory or Redis.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Decision is the outcome of one rate limit check.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RetryAfter returns how long a rejected caller should wait, rounded up to
// whole seconds and at least one second.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	wait := d.ResetAt.Sub(now)
	if wait <= 0 {
		return time.Second
	}
	secs := (wait + time.Second - 1) / time.Second
	return secs * time.Second
}

// Limiter counts hits per key within a fixed window.
type Limiter interface {
	CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (Decision, error)
}

func validateArgs(key string, limit int, window time.Duration) error {
	if key == "" {
		return fmt.Errorf("rate limit key is required")
	}
	if limit <= 0 {
		return fmt.Errorf("rate limit must be positive, got %d", limit)
	}
	if window <= 0 {
		return fmt.Errorf("rate limit window must be positive, got %s", window)
	}
	return nil
}

type bucket struct {
	count   int
	resetAt time.Time
}

// MemoryLimiter is a single-process Limiter.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

// NewMemoryLimiter creates an empty MemoryLimiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// CheckRateLimit records a hit for key and reports whether it is within
// limit for the current window.
func (l *MemoryLimiter) CheckRateLimit(_ context.Context, key string, limit int, window time.Duration) (Decision, error) {
	if err := validateArgs(key, limit, window); err != nil {
		return Decision{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok || !now.Before(b.resetAt) {
		b = &bucket{resetAt: now.Add(window)}
		l.buckets[key] = b
		l.sweep(now)
	}
	b.count++

	return decide(b.count, limit, b.resetAt), nil
}

// sweep drops expired buckets so idle keys do not accumulate.
func (l *MemoryLimiter) sweep(now time.Time) {
	for key, b := range l.buckets {
		if !now.Before(b.resetAt) {
			delete(l.buckets, key)
		}
	}
}

func decide(count, limit int, resetAt time.Time) Decision {
	return Decision{
		Allowed:   count <= limit,
		Remaining: max(limit-count, 0),
		ResetAt:   resetAt,
	}
}
