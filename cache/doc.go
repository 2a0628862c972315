// Package cache provides the TTL cache the hybrid club-data store reads
// through, with multiple backend implementations and type-safe generic
// helpers.
//
// # Cache Interface
//
// The [Cache] interface defines six operations: [Cache.Get], [Cache.Set],
// [Cache.Expire], [Cache.ExpirePrefix], [Cache.Hits], and [Cache.Close]. All
// implementations satisfy this interface, so backends can be swapped without
// changing application code.
//
// Freshness is absolute: an entry set at time s with TTL t is a hit only
// while now < s + t. Reads never extend an entry's lifetime, and stale
// entries are evicted lazily on access plus by a background sweep.
//
// The interface uses [any] for values rather than generics because Go does
// not allow generic methods on interfaces. Type safety is provided by the
// package-level generic functions [GetTyped] and [Exec].
//
// # Implementations
//
//   - [NewInMemory] — In-process map guarded by a mutex. Fastest option with
//     zero serialization overhead. Values are stored as-is. Lost on process
//     restart.
//
//   - [NewPersistent] — In-process map with a durable msgpack snapshot on
//     disk. Values are serialized on Set and stored as bytes, so anything
//     cached must be msgpack-serializable. Every mutation marks the cache
//     dirty; a flusher goroutine debounces snapshot writes
//     ([DefaultFlushDebounce]). The snapshot is written to a temp file and
//     atomically renamed, so a crash mid-write leaves either the previous or
//     the new complete snapshot. On construction the prior snapshot is
//     loaded best-effort: entries past their TTL are dropped (loading never
//     resurrects stale data) and corrupt or unknown-version snapshots mean
//     starting empty, never a startup failure.
//
//   - [NewRedis] — Backed by Redis using [github.com/redis/go-redis/v9].
//     Values are serialized to msgpack and stored in Redis hashes (fields
//     "v" for value, "h" for hit count). Expiry uses native Redis TTL.
//     Prefix invalidation uses SCAN. The caller owns the redis.Client
//     lifecycle; [Cache.Close] is a no-op on the client.
//
//   - [NewLayered] — Chains multiple [Cache] implementations fastest-first.
//     Get returns the first hit; Set, Expire and ExpirePrefix apply to every
//     layer so an invalidation is never half-visible.
//
// # Generic Helpers
//
// [GetTyped] wraps [Cache.Get] with type safety. For the in-memory backend
// it performs a direct type assertion; for serialized backends it decodes
// the stored []byte via msgpack, so it works transparently regardless of
// which backend produced the value:
//
//	found, club, err := cache.GetTyped[fancount.ClubRecord](ctx, c, fancount.ClubKey("42"))
//
// [Exec] is a cache-aside helper combining lookup and population in one
// call. The [Invoker] returns (value, found, error); when found is false
// nothing is cached, so absent records are never stored as zero values.
//
// # Error Handling
//
// Cache read errors are always propagated. Cache write errors in [Exec] are
// swallowed: if the invoker succeeds but Set fails, the value is still
// returned — failing to cache it is a degradation, not a failure. Snapshot
// persistence failures in [NewPersistent] are logged and the cache keeps
// operating in-memory until the next successful flush.
package cache
