package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces limiter keys in Redis.
const DefaultKeyPrefix = "sitesync:ratelimit:"

// fixedWindow increments the key, starts its window on the first hit, and
// returns the count with the remaining window in milliseconds.
var fixedWindow = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RedisLimiter is a Limiter shared across processes through Redis.
type RedisLimiter struct {
	client redis.Scripter
	prefix string
	now    func() time.Time
}

// NewRedisLimiter creates a RedisLimiter. An empty prefix uses
// DefaultKeyPrefix.
func NewRedisLimiter(client redis.Scripter, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisLimiter{client: client, prefix: prefix, now: time.Now}
}

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return client, nil
}

// CheckRateLimit records a hit for key and reports whether it is within
// limit for the current window.
func (l *RedisLimiter) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	if err := validateArgs(key, limit, window); err != nil {
		return Decision{}, err
	}

	res, err := fixedWindow.Run(ctx, l.client, []string{l.prefix + key}, max(window.Milliseconds(), 1)).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("check rate limit: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("check rate limit: unexpected script result %v", res)
	}

	resetAt := l.now().Add(time.Duration(res[1]) * time.Millisecond)
	return decide(int(res[0]), limit, resetAt), nil
}
