package cache

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// GetTyped retrieves a typed value from the cache.
// For the in-memory backend, it performs a direct type assertion.
// For serialized backends (Persistent, Redis), it deserializes from []byte
// using msgpack.
func GetTyped[T any](ctx context.Context, c Cache, key string) (bool, T, error) {
	var zero T
	found, val, err := c.Get(ctx, key)
	if !found || err != nil {
		return false, zero, err
	}
	if typed, ok := val.(T); ok {
		return true, typed, nil
	}
	if data, ok := val.([]byte); ok {
		var result T
		if err := msgpack.Unmarshal(data, &result); err != nil {
			return false, zero, errors.Wrap(err, "cache: failed to unmarshal value")
		}
		return true, result, nil
	}
	return false, zero, errors.Newf("cache: cannot convert value of type %T to %T", val, zero)
}

// ExecConfig configures the Exec helper.
type ExecConfig struct {
	// Key is the cache key. Required.
	Key string
	// Expires is the TTL for cached values. Defaults to the cache's default
	// TTL if zero.
	Expires time.Duration
}

// Invoker is a function that produces a value of type T.
// The bool return indicates whether a value was found. Return false to signal
// "not found" without caching a zero value.
type Invoker[T any] func(ctx context.Context) (T, bool, error)

// Exec is a cache-aside helper used by the command front end for volatile
// aggregates (leaderboard ranks) that live outside the hybrid store's
// record keys. On a hit, the cached value is returned. On a miss, invoke
// produces the value, which is cached only when found. A Set failure after a
// successful invoke is swallowed since the caller already has their value.
func Exec[T any](ctx context.Context, cfg ExecConfig, c Cache, invoke Invoker[T]) (bool, T, error) {
	var zero T
	found, val, err := GetTyped[T](ctx, c, cfg.Key)
	if err != nil {
		return false, zero, err
	}
	if found {
		return true, val, nil
	}

	result, ok, err := invoke(ctx)
	if err != nil {
		return false, zero, err
	}
	if !ok {
		return false, zero, nil
	}

	_ = c.Set(ctx, cfg.Key, result, cfg.Expires)

	return true, result, nil
}
