package ratelimit

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"reliable-ops/internal/config"
)

func testBucket(t *testing.T, capacity int, refill float64) *TokenBucket {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := config.Config{RateLimitCapacity: capacity, RateLimitRefill: refill}
	return New(cfg, client)
}

func TestTokenBucketCapacity(t *testing.T) {
	ctx := context.Background()
	bucket := testBucket(t, 2, 1)

	dec, err := bucket.Allow(ctx, "tenantA")
	require.NoError(t, err)
	require.True(t, dec.Allowed)

	dec, err = bucket.Allow(ctx, "tenantA")
	require.NoError(t, err)
	require.True(t, dec.Allowed)

	dec, err = bucket.Allow(ctx, "tenantA")
	require.NoError(t, err)
	require.False(t, dec.Allowed)

	// Buckets are per tenant, so another tenant is unaffected.
	dec, err = bucket.Allow(ctx, "tenantB")
	require.NoError(t, err)
	require.True(t, dec.Allowed)

	// Note: Cannot test refill with miniredis.FastForward() because the Lua script
	// receives time from Go's time.Now(), not Redis's internal clock.
}

func TestTokenBucketRemaining(t *testing.T) {
	ctx := context.Background()
	bucket := testBucket(t, 3, 1)

	dec, err := bucket.Allow(ctx, "tenantA")
	require.NoError(t, err)
	require.True(t, dec.Allowed)
	require.InDelta(t, 2, dec.Remaining, 0.01)

	dec, err = bucket.Allow(ctx, "tenantA")
	require.NoError(t, err)
	require.InDelta(t, 1, dec.Remaining, 0.01)
}
