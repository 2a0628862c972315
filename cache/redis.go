package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

type redisCache struct {
	client *redis.Client
	cfg    config
}

var _ Cache = (*redisCache)(nil)

// NewRedis returns a new Cache backed by Redis. Useful when the bot runs next
// to an existing Redis and the snapshot file is not wanted. The caller owns
// the redis.Client lifecycle — Close is a no-op on the client.
func NewRedis(client *redis.Client, opts ...Option) Cache {
	return &redisCache{
		client: client,
		cfg:    applyOptions(opts),
	}
}

func (c *redisCache) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, c.cfg.queryTimeout)
}

func (c *redisCache) prefixKey(key string) string {
	if c.cfg.prefix == "" {
		return key
	}
	return c.cfg.prefix + ":" + key
}

func (c *redisCache) Get(ctx context.Context, key string) (bool, any, error) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	k := c.prefixKey(key)
	data, err := c.client.HGet(qctx, k, "v").Bytes()
	if err == redis.Nil {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, err
	}
	// Increment hits (fire-and-forget, don't fail the Get).
	c.client.HIncrBy(qctx, k, "h", 1)
	return true, data, nil
}

func (c *redisCache) Set(ctx context.Context, key string, val any, expires time.Duration) error {
	if expires <= 0 {
		expires = c.cfg.defaultExpires
	}
	data, err := msgpack.Marshal(val)
	if err != nil {
		return err
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	k := c.prefixKey(key)
	pipe := c.client.Pipeline()
	pipe.HSet(qctx, k, "v", data, "h", 0)
	pipe.Expire(qctx, k, expires)
	_, err = pipe.Exec(qctx)
	return err
}

func (c *redisCache) Expire(ctx context.Context, key string) (bool, error) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	n, err := c.client.Del(qctx, c.prefixKey(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *redisCache) ExpirePrefix(ctx context.Context, prefix string) (int, error) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	var removed int
	iter := c.client.Scan(qctx, 0, c.prefixKey(prefix)+"*", 100).Iterator()
	for iter.Next(qctx) {
		n, err := c.client.Del(qctx, iter.Val()).Result()
		if err != nil {
			return removed, err
		}
		removed += int(n)
	}
	if err := iter.Err(); err != nil {
		return removed, err
	}
	return removed, nil
}

func (c *redisCache) Hits(ctx context.Context, key string) (bool, int) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	hits, err := c.client.HGet(qctx, c.prefixKey(key), "h").Int()
	if err != nil {
		return false, 0
	}
	return true, hits
}

func (c *redisCache) Close(_ context.Context) error {
	return nil
}
