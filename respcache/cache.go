// Package respcache memoizes the responses of a protocol.ResponseHandler.
// Handlers that compute the same answer for the same request (lookups,
// renderings, expensive pure functions) can be wrapped so repeated requests
// are answered from an in-memory or Redis backed cache.
package respcache

import (
	"context"
	"time"

	"github.com/cyberinferno/go-pipeproto/protocol"
)

// ComputeFunc produces the value for a key on a cache miss.
type ComputeFunc[T any] func(ctx context.Context) (T, error)

// Cache stores computed values by key. Implementations are safe for concurrent
// use and run at most one computation per key at a time, so concurrent misses
// for the same key share one result.
type Cache[T any] interface {
	// GetOrCompute returns the cached value for key, or computes, stores and
	// returns it on a miss. Errors of compute are returned unchanged and
	// nothing is stored.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - key: The cache key
	//   - ttl: Time-to-live of a newly stored value
	//   - compute: Function producing the value on a miss
	//
	// Returns:
	//   - The cached or computed value
	//   - An error if the lookup or compute fails
	GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute ComputeFunc[T]) (T, error)

	// Invalidate removes key from the cache.
	Invalidate(ctx context.Context, key string) error

	// Clear removes every entry owned by the cache.
	Clear(ctx context.Context) error

	// Len returns the number of stored entries.
	Len(ctx context.Context) (int, error)
}

// Wrap returns a response handler answering from c and falling back to handler
// on a miss. Requests are used as keys verbatim. Handler errors are passed
// through and never cached, so a failing request is retried next time.
//
// Parameters:
//   - ctx: Lifetime context of the server; bounds cache access
//   - c: Cache holding responses
//   - ttl: Time-to-live of cached responses
//   - handler: The handler computing responses on a miss
//
// Returns:
//   - A protocol.ResponseHandler to register with protocol.Server
func Wrap(ctx context.Context, c Cache[string], ttl time.Duration, handler protocol.ResponseHandler) protocol.ResponseHandler {
	return func(request string) (string, error) {
		return c.GetOrCompute(ctx, request, ttl, func(context.Context) (string, error) {
			return handler(request)
		})
	}
}
