package cache

import (
	"context"
	"time"
)

type layeredCache struct {
	caches []Cache
}

var _ Cache = (*layeredCache)(nil)

// NewLayered returns a Cache that chains multiple caches together, fastest
// first (e.g. in-memory in front of Redis). Get checks layers in order and
// returns the first hit. Set, Expire and ExpirePrefix apply to every layer so
// an invalidation is never visible in one layer but not another.
// At least one cache must be provided; panics if empty.
func NewLayered(caches ...Cache) Cache {
	if len(caches) == 0 {
		panic("cache: NewLayered requires at least one cache")
	}
	return &layeredCache{caches: caches}
}

func (c *layeredCache) Get(ctx context.Context, key string) (bool, any, error) {
	for _, layer := range c.caches {
		found, val, err := layer.Get(ctx, key)
		if err != nil {
			return false, nil, err
		}
		if found {
			return true, val, nil
		}
	}
	return false, nil, nil
}

func (c *layeredCache) Set(ctx context.Context, key string, val any, expires time.Duration) error {
	var firstErr error
	for _, layer := range c.caches {
		if err := layer.Set(ctx, key, val, expires); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *layeredCache) Expire(ctx context.Context, key string) (bool, error) {
	anyFound := false
	for _, layer := range c.caches {
		found, err := layer.Expire(ctx, key)
		if err != nil {
			return anyFound, err
		}
		if found {
			anyFound = true
		}
	}
	return anyFound, nil
}

func (c *layeredCache) ExpirePrefix(ctx context.Context, prefix string) (int, error) {
	var total int
	for _, layer := range c.caches {
		n, err := layer.ExpirePrefix(ctx, prefix)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (c *layeredCache) Hits(ctx context.Context, key string) (bool, int) {
	for _, layer := range c.caches {
		found, hits := layer.Hits(ctx, key)
		if found {
			return true, hits
		}
	}
	return false, 0
}

func (c *layeredCache) Close(ctx context.Context) error {
	var firstErr error
	for _, layer := range c.caches {
		if err := layer.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
