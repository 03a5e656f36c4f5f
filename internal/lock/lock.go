package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned when the lock is held by another owner.
var ErrNotAcquired = errors.New("lock not acquired")

// Lock is a short-lived distributed mutex over Redis, keyed per operation.
// Acquisition is a single SET NX PX so two callers can never both believe
// they hold the lock, and the TTL guarantees release even if the holder
// crashes. Release only deletes the key when the owner token matches.
type Lock struct {
	client       *redis.Client
	ttl          time.Duration
	pollInterval time.Duration
}

// New constructs a lock manager with the given TTL.
func New(client *redis.Client, ttl time.Duration) *Lock {
	return &Lock{
		client:       client,
		ttl:          ttl,
		pollInterval: 50 * time.Millisecond,
	}
}

func lockKey(key string) string {
	return "lock:" + key
}

// Acquire attempts to take the lock once. It returns an owner token on
// success and ErrNotAcquired when the lock is held.
func (l *Lock) Acquire(ctx context.Context, key string) (string, error) {
	token := uuid.New().String()
	ok, err := l.client.SetNX(ctx, lockKey(key), token, l.ttl).Result()
	if err != nil {
		return "", fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return "", ErrNotAcquired
	}
	return token, nil
}

// AcquireWait retries acquisition until it succeeds, the wait timeout
// elapses, or the context is cancelled.
func (l *Lock) AcquireWait(ctx context.Context, key string, wait time.Duration) (string, error) {
	deadline := time.Now().Add(wait)
	for {
		token, err := l.Acquire(ctx, key)
		if err == nil {
			return token, nil
		}
		if !errors.Is(err, ErrNotAcquired) {
			return "", err
		}
		if time.Now().After(deadline) {
			return "", ErrNotAcquired
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(l.pollInterval):
		}
	}
}

// Release deletes the lock only if token still owns it. Returns true when
// the lock was released, false when ownership had already passed (expiry or
// another holder).
func (l *Lock) Release(ctx context.Context, key, token string) (bool, error) {
	res, err := releaseScript.Run(ctx, l.client, []string{lockKey(key)}, token).Result()
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", key, err)
	}
	n, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected type from release script: %T", res)
	}
	return n == 1, nil
}

// Extend pushes the TTL forward for a lock still owned by token.
func (l *Lock) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	res, err := extendScript.Run(ctx, l.client, []string{lockKey(key)}, token, ttl.Milliseconds()).Result()
	if err != nil {
		return false, fmt.Errorf("extend lock %s: %w", key, err)
	}
	n, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected type from extend script: %T", res)
	}
	return n == 1, nil
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)
