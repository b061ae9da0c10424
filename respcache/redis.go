package respcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	lockTTL     = 30 * time.Second
	waitTimeout = 30 * time.Second
	maxBackoff  = 500 * time.Millisecond
)

var (
	releaseLock = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)

	extendLock = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
)

// Redis is a Cache shared between processes through Redis. Values are JSON
// encoded under Prefix+"v:"+key; a SETNX lock under Prefix+"l:"+key makes
// one process compute a missing value while the others poll for it.
type Redis[T any] struct {
	client redis.UniversalClient
	prefix string
}

// NewRedis creates a Redis backed cache whose keys all start with prefix, so
// several caches can share one database.
//
// Example:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	responses := respcache.NewRedis[string](client, "pipeserver:calc:")
func NewRedis[T any](client redis.UniversalClient, prefix string) *Redis[T] {
	return &Redis[T]{client: client, prefix: prefix}
}

func (r *Redis[T]) valueKey(key string) string { return r.prefix + "v:" + key }

func (r *Redis[T]) lockKey(key string) string { return r.prefix + "l:" + key }

// valuePattern matches every value key of the cache in SCAN.
func (r *Redis[T]) valuePattern() string { return escapePattern(r.prefix) + "v:*" }

// GetOrCompute implements Cache. The lock is extended while compute runs and
// released with an ownership check. A caller that waited for another owner
// which released the lock without storing a value computes the value itself,
// so a failing compute reports its own error to every caller.
func (r *Redis[T]) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute ComputeFunc[T]) (T, error) {
	var zero T

	lockKey := r.lockKey(key)
	for {
		v, found, err := r.get(ctx, key)
		if err != nil || found {
			return v, err
		}

		owner := uuid.NewString()
		acquired, err := r.client.SetNX(ctx, lockKey, owner, lockTTL).Result()
		if err != nil {
			return zero, fmt.Errorf("failed to acquire lock: %w", err)
		}

		if acquired {
			return r.computeLocked(ctx, key, lockKey, owner, ttl, compute)
		}

		v, found, err = r.waitForValue(ctx, key, lockKey)
		if err != nil || found {
			return v, err
		}
	}
}

// computeLocked runs compute while owning lockKey and stores its result.
// Errors of compute are returned as they are and nothing is stored.
func (r *Redis[T]) computeLocked(ctx context.Context, key, lockKey, owner string, ttl time.Duration, compute ComputeFunc[T]) (T, error) {
	var zero T

	defer releaseLock.Run(context.Background(), r.client, []string{lockKey}, owner)

	extendCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.keepLock(extendCtx, lockKey, owner)

	v, err := compute(ctx)
	if err != nil {
		return zero, err
	}

	data, err := json.Marshal(v)
	if err != nil {
		return zero, fmt.Errorf("failed to marshal value: %w", err)
	}

	if err := r.client.Set(context.Background(), r.valueKey(key), data, ttl).Err(); err != nil {
		return zero, fmt.Errorf("failed to store value: %w", err)
	}

	return v, nil
}

func (r *Redis[T]) get(ctx context.Context, key string) (T, bool, error) {
	var v T

	raw, err := r.client.Get(ctx, r.valueKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return v, false, nil
	}

	if err != nil {
		return v, false, fmt.Errorf("redis get error: %w", err)
	}

	if err := json.Unmarshal(raw, &v); err != nil {
		return v, false, fmt.Errorf("failed to unmarshal cached value: %w", err)
	}

	return v, true, nil
}

// keepLock extends the lock every third of its TTL until ctx is cancelled.
func (r *Redis[T]) keepLock(ctx context.Context, lockKey, owner string) {
	ticker := time.NewTicker(lockTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			extendLock.Run(ctx, r.client, []string{lockKey}, owner, lockTTL.Milliseconds())
		}
	}
}

// waitForValue polls with exponential backoff until the lock owner stores the
// value, the lock disappears without a value, waitTimeout passes or ctx is done.
// found is false when the lock disappeared and nothing was stored.
func (r *Redis[T]) waitForValue(ctx context.Context, key, lockKey string) (v T, found bool, err error) {
	backoff := 10 * time.Millisecond
	deadline := time.Now().Add(waitTimeout)

	for {
		v, found, err = r.get(ctx, key)
		if err != nil || found {
			return v, found, err
		}

		exists, err := r.client.Exists(ctx, lockKey).Result()
		if err != nil {
			return v, false, fmt.Errorf("failed to check lock: %w", err)
		}

		if exists == 0 {
			// The owner may have stored the value right before releasing.
			return r.get(ctx, key)
		}

		if time.Now().After(deadline) {
			return v, false, fmt.Errorf("timeout waiting for value of %q", key)
		}

		select {
		case <-ctx.Done():
			return v, false, ctx.Err()
		case <-time.After(backoff):
		}

		backoff = min(backoff*2, maxBackoff)
	}
}

// Invalidate implements Cache.
func (r *Redis[T]) Invalidate(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.valueKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}

	return nil
}

// Clear implements Cache. Only keys under the cache prefix are removed.
func (r *Redis[T]) Clear(ctx context.Context) error {
	keys, err := r.scan(ctx)
	if err != nil {
		return err
	}

	if len(keys) == 0 {
		return nil
	}

	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete keys: %w", err)
	}

	return nil
}

// Len implements Cache.
func (r *Redis[T]) Len(ctx context.Context) (int, error) {
	keys, err := r.scan(ctx)
	if err != nil {
		return 0, err
	}

	return len(keys), nil
}

func (r *Redis[T]) scan(ctx context.Context) ([]string, error) {
	var keys []string

	iter := r.client.Scan(ctx, 0, r.valuePattern(), 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}

	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan keys: %w", err)
	}

	return keys, nil
}

var patternEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// escapePattern quotes the glob metacharacters of a SCAN MATCH pattern.
func escapePattern(s string) string {
	return patternEscaper.Replace(s)
}
