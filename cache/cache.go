package cache

import (
	"context"
	"time"
)

// Cache is a TTL key/value store. A key is a hit only while it is fresh:
// an entry whose TTL has elapsed is logically absent even if it has not been
// swept yet. Reads never extend an entry's lifetime.
type Cache interface {
	// Get retrieves a value from the cache. The context controls cancellation
	// and timeout for I/O-backed implementations.
	Get(ctx context.Context, key string) (bool, any, error)

	// Set stores a value in the cache with a TTL, overwriting unconditionally
	// and resetting the freshness clock. If expires <= 0, the cache's
	// configured default TTL is used.
	Set(ctx context.Context, key string, val any, expires time.Duration) error

	// Expire removes a key regardless of freshness. Returns whether the key
	// was present.
	Expire(ctx context.Context, key string) (bool, error)

	// ExpirePrefix removes every key sharing the given namespace prefix.
	// Returns the number of keys removed.
	ExpirePrefix(ctx context.Context, prefix string) (int, error)

	// Hits returns the number of times a key has been read since it was last
	// set.
	Hits(ctx context.Context, key string) (bool, int)

	// Close shuts down the cache. Persistent implementations flush a final
	// snapshot before returning.
	Close(ctx context.Context) error
}

// DefaultExpires is the default TTL for club and member records.
const DefaultExpires = 24 * time.Hour

// DefaultQueryTimeout is the per-operation timeout for cache backends that
// perform I/O (Redis). Prevents indefinite hangs on unresponsive storage.
const DefaultQueryTimeout = 5 * time.Second

// DefaultFlushDebounce is how long the persistent backend coalesces
// mutations before snapshotting to disk.
const DefaultFlushDebounce = 2 * time.Second

// config holds the resolved configuration for a cache implementation.
type config struct {
	defaultExpires time.Duration
	queryTimeout   time.Duration
	expiryCheck    time.Duration
	flushDebounce  time.Duration
	prefix         string
}

// Option configures a Cache implementation.
type Option func(*config)

func defaultConfig() config {
	return config{
		defaultExpires: DefaultExpires,
		queryTimeout:   DefaultQueryTimeout,
		expiryCheck:    time.Minute,
		flushDebounce:  DefaultFlushDebounce,
	}
}

func applyOptions(opts []Option) config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithExpires sets the default TTL for cached values. This is used when Set
// is called with expires <= 0. Defaults to DefaultExpires (24 hours).
func WithExpires(d time.Duration) Option {
	return func(c *config) { c.defaultExpires = d }
}

// WithQueryTimeout sets the per-operation timeout for I/O-backed caches.
// Defaults to DefaultQueryTimeout (5 seconds).
func WithQueryTimeout(d time.Duration) Option {
	return func(c *config) { c.queryTimeout = d }
}

// WithExpiryCheck sets the interval for background expired entry cleanup.
// Applies to the InMemory and Persistent backends. Defaults to 1 minute.
func WithExpiryCheck(d time.Duration) Option {
	return func(c *config) { c.expiryCheck = d }
}

// WithFlushDebounce sets how long the Persistent backend batches mutations
// before writing a snapshot. Defaults to DefaultFlushDebounce (2 seconds).
func WithFlushDebounce(d time.Duration) Option {
	return func(c *config) { c.flushDebounce = d }
}

// WithPrefix sets the key prefix for namespacing cache keys.
// Applies to the Redis backend. Defaults to empty (no prefix).
func WithPrefix(p string) Option {
	return func(c *config) { c.prefix = p }
}
