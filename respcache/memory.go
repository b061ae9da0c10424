package respcache

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// Memory is an in-process Cache on go-cache. Concurrent misses for one key
// are collapsed with singleflight.
type Memory[T any] struct {
	cache *cache.Cache
	group singleflight.Group
}

// NewMemory creates an in-memory cache.
//
// Parameters:
//   - defaultTTL: TTL used when GetOrCompute is given ttl 0 (cache.NoExpiration
//     keeps entries forever)
//   - cleanupInterval: Interval at which expired entries are evicted
//
// Returns:
//   - A new *Memory
func NewMemory[T any](defaultTTL, cleanupInterval time.Duration) *Memory[T] {
	return &Memory[T]{
		cache: cache.New(defaultTTL, cleanupInterval),
	}
}

// GetOrCompute implements Cache.
func (m *Memory[T]) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute ComputeFunc[T]) (T, error) {
	var zero T

	if v, ok := m.lookup(key); ok {
		return v, nil
	}

	val, err, _ := m.group.Do(key, func() (any, error) {
		// Another caller may have stored the value while we waited.
		if v, ok := m.lookup(key); ok {
			return v, nil
		}

		v, err := compute(ctx)
		if err != nil {
			return zero, err
		}

		if ttl == 0 {
			ttl = cache.DefaultExpiration
		}
		m.cache.Set(key, v, ttl)

		return v, nil
	})
	if err != nil {
		return zero, err
	}

	v, ok := val.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected type in cache for key %q", key)
	}

	return v, nil
}

func (m *Memory[T]) lookup(key string) (T, bool) {
	if cached, found := m.cache.Get(key); found {
		if v, ok := cached.(T); ok {
			return v, true
		}
	}

	var zero T
	return zero, false
}

// Invalidate implements Cache.
func (m *Memory[T]) Invalidate(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.cache.Delete(key)
	return nil
}

// Clear implements Cache.
func (m *Memory[T]) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.cache.Flush()
	return nil
}

// Len implements Cache. Expired entries not yet evicted are counted.
func (m *Memory[T]) Len(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	return m.cache.ItemCount(), nil
}
