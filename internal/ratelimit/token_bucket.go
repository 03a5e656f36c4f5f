package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"reliable-ops/internal/config"
)

// Bucket state lingers this long past the last request before Redis drops it.
const bucketTTL = time.Hour

// TokenBucket is a distributed per-tenant rate limiter backed by Redis. It
// guards the admin intervention endpoints so a runaway client cannot flood
// manual actions against the recovery store.
type TokenBucket struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Remaining float64
}

// New builds a bucket with capacity and refill rate taken from config.
func New(cfg config.Config, client *redis.Client) *TokenBucket {
	return &TokenBucket{
		client:   client,
		capacity: cfg.RateLimitCapacity,
		refill:   cfg.RateLimitRefill,
		ttl:      bucketTTL,
	}
}

func (b *TokenBucket) key(tenant string) string {
	return fmt.Sprintf("rl:%s", tenant)
}

// Allow consumes a single token for the tenant if one is available.
func (b *TokenBucket) Allow(ctx context.Context, tenant string) (Decision, error) {
	now := time.Now().UnixMilli()
	res, err := bucketScript.Run(ctx, b.client, []string{b.key(tenant)}, b.capacity, b.refill, now, b.ttl.Milliseconds()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", tenant, err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return Decision{}, fmt.Errorf("unexpected reply from bucket script: %T", res)
	}
	dec := Decision{Allowed: arr[0].(int64) == 1}
	// Lua numbers come back truncated, so the script returns tokens as a string.
	if s, ok := arr[1].(string); ok {
		if _, err := fmt.Sscanf(s, "%g", &dec.Remaining); err != nil {
			return Decision{}, fmt.Errorf("parse remaining tokens %q: %w", s, err)
		}
	}
	return dec, nil
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
return {allowed, tostring(tokens)}
`)
