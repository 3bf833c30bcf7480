package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter throttles outbound generation calls per provider with a token
// bucket kept in Redis, so several extension hosts share one quota.
type Limiter struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
}

// NewLimiter constructs a limiter with the provided capacity/refill.
func NewLimiter(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *Limiter {
	return &Limiter{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
	}
}

func bucketKey(provider string) string {
	return "genflow:rl:" + provider
}

// Allow consumes a single token for the provider if one is available.
// Returns the allowed flag and the remaining token count.
func (l *Limiter) Allow(ctx context.Context, provider string) (bool, float64, error) {
	now := time.Now().UnixMilli()
	res, err := bucketScript.Run(ctx, l.client, []string{bucketKey(provider)}, l.capacity, l.refill, now, l.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("unexpected bucket script result: %T", res)
	}
	allowed := arr[0].(int64) == 1
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case float64:
		tokens = v
	}
	return allowed, tokens, nil
}

// Acquire blocks until a token is granted, maxWait elapses, or ctx is done.
func (l *Limiter) Acquire(ctx context.Context, provider string, maxWait time.Duration) error {
	deadline := time.Now().Add(maxWait)
	for {
		allowed, _, err := l.Allow(ctx, provider)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("rate limit for provider %q not released within %s", provider, maxWait)
		}
		// Re-check roughly once per refill interval, clamped to sane bounds.
		wait := 100 * time.Millisecond
		if l.refill > 0 {
			wait = time.Duration(float64(time.Second) / l.refill)
			if wait > time.Second {
				wait = time.Second
			}
			if wait < 10*time.Millisecond {
				wait = 10 * time.Millisecond
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
local add = delta / 1000 * refill
tokens = math.min(capacity, tokens + add)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tokens}
`)
