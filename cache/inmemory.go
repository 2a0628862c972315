package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

type value struct {
	object   any
	storedAt time.Time
	ttl      time.Duration
	hits     int
}

// fresh reports whether the entry is still alive at now. An entry is fresh
// iff now < storedAt + ttl; there is no sliding expiration.
func (v *value) fresh(now time.Time) bool {
	return now.Before(v.storedAt.Add(v.ttl))
}

type inMemoryCache struct {
	ctx       context.Context
	cancel    context.CancelFunc
	cache     map[string]*value
	mutex     sync.Mutex
	waitGroup sync.WaitGroup
	once      sync.Once
	cfg       config
}

var _ Cache = (*inMemoryCache)(nil)

func (c *inMemoryCache) Get(_ context.Context, key string) (bool, any, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	val, ok := c.cache[key]
	if !ok {
		return false, nil, nil
	}
	if !val.fresh(time.Now()) {
		// Stale entries are evicted lazily on access.
		delete(c.cache, key)
		return false, nil, nil
	}
	val.hits++
	return true, val.object, nil
}

func (c *inMemoryCache) Set(_ context.Context, key string, val any, expires time.Duration) error {
	if expires <= 0 {
		expires = c.cfg.defaultExpires
	}
	c.mutex.Lock()
	c.cache[key] = &value{object: val, storedAt: time.Now(), ttl: expires}
	c.mutex.Unlock()
	return nil
}

func (c *inMemoryCache) Expire(_ context.Context, key string) (bool, error) {
	c.mutex.Lock()
	_, ok := c.cache[key]
	if ok {
		delete(c.cache, key)
	}
	c.mutex.Unlock()
	return ok, nil
}

func (c *inMemoryCache) ExpirePrefix(_ context.Context, prefix string) (int, error) {
	c.mutex.Lock()
	var removed int
	for key := range c.cache {
		if strings.HasPrefix(key, prefix) {
			delete(c.cache, key)
			removed++
		}
	}
	c.mutex.Unlock()
	return removed, nil
}

func (c *inMemoryCache) Hits(_ context.Context, key string) (bool, int) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if v, ok := c.cache[key]; ok {
		return true, v.hits
	}
	return false, 0
}

func (c *inMemoryCache) Close(_ context.Context) error {
	c.once.Do(func() {
		c.cancel()
		c.waitGroup.Wait()
	})
	return nil
}

func (c *inMemoryCache) run() {
	defer c.waitGroup.Done()
	ticker := time.NewTicker(c.cfg.expiryCheck)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			c.mutex.Lock()
			for key, val := range c.cache {
				if !val.fresh(now) {
					delete(c.cache, key)
				}
			}
			c.mutex.Unlock()
		}
	}
}

// NewInMemory returns a new in-memory Cache implementation.
func NewInMemory(parent context.Context, opts ...Option) Cache {
	cfg := applyOptions(opts)
	ctx, cancel := context.WithCancel(parent)
	c := &inMemoryCache{
		ctx:    ctx,
		cancel: cancel,
		cache:  make(map[string]*value),
		cfg:    cfg,
	}
	c.waitGroup.Add(1)
	go c.run()
	return c
}
