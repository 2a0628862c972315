package cache

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/senchouXflare/Mambo-the-Omniscient/logger"
)

// snapshotVersion is bumped when the on-disk layout changes. A snapshot with
// an unknown version is ignored at load rather than failing startup.
const snapshotVersion = 1

type snapshotEntry struct {
	Data     []byte        `msgpack:"d"`
	StoredAt time.Time     `msgpack:"s"`
	TTL      time.Duration `msgpack:"t"`
}

type snapshotFile struct {
	Version int                      `msgpack:"v"`
	Entries map[string]snapshotEntry `msgpack:"e"`
}

func (e snapshotEntry) fresh(now time.Time) bool {
	return e.TTL > 0 && now.Before(e.StoredAt.Add(e.TTL))
}

type pvalue struct {
	data     []byte
	storedAt time.Time
	ttl      time.Duration
	hits     int
}

func (v *pvalue) fresh(now time.Time) bool {
	return now.Before(v.storedAt.Add(v.ttl))
}

// persistentCache is a serialized in-memory cache whose contents are
// snapshotted to a single file so state survives restarts. Values are stored
// as msgpack bytes; read them back with GetTyped. Mutations mark the cache
// dirty and a flusher goroutine debounces snapshot writes; the snapshot is
// written to a temp file and atomically renamed so a crash mid-write leaves
// either the old or the new file, never a truncated one.
type persistentCache struct {
	ctx       context.Context
	cancel    context.CancelFunc
	path      string
	log       logger.Logger
	cache     map[string]*pvalue
	dirty     bool
	mutex     sync.Mutex
	flushMu   sync.Mutex
	waitGroup sync.WaitGroup
	once      sync.Once
	cfg       config
}

var _ Cache = (*persistentCache)(nil)

// NewPersistent returns a Cache backed by an in-memory map with a durable
// snapshot at path. A prior snapshot is loaded best-effort before the cache
// is first used; entries already past their TTL at load time are dropped, so
// loading never resurrects stale data. Snapshot write or load failures are
// logged and the cache continues operating in-memory until the next
// successful flush.
func NewPersistent(parent context.Context, path string, log logger.Logger, opts ...Option) (Cache, error) {
	if path == "" {
		return nil, errors.New("cache: snapshot path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "cache: create snapshot directory")
	}
	cfg := applyOptions(opts)
	ctx, cancel := context.WithCancel(parent)
	c := &persistentCache{
		ctx:    ctx,
		cancel: cancel,
		path:   path,
		log:    log.WithPrefix("[cache]"),
		cache:  make(map[string]*pvalue),
		cfg:    cfg,
	}
	c.load()
	c.waitGroup.Add(2)
	go c.runExpiry()
	go c.runFlusher()
	return c, nil
}

func (c *persistentCache) Get(_ context.Context, key string) (bool, any, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	val, ok := c.cache[key]
	if !ok {
		return false, nil, nil
	}
	if !val.fresh(time.Now()) {
		delete(c.cache, key)
		c.dirty = true
		return false, nil, nil
	}
	val.hits++
	return true, val.data, nil
}

func (c *persistentCache) Set(_ context.Context, key string, val any, expires time.Duration) error {
	if expires <= 0 {
		expires = c.cfg.defaultExpires
	}
	data, err := msgpack.Marshal(val)
	if err != nil {
		return errors.Wrapf(err, "cache: marshal value for %s", key)
	}
	c.mutex.Lock()
	c.cache[key] = &pvalue{data: data, storedAt: time.Now(), ttl: expires}
	c.dirty = true
	c.mutex.Unlock()
	return nil
}

func (c *persistentCache) Expire(_ context.Context, key string) (bool, error) {
	c.mutex.Lock()
	_, ok := c.cache[key]
	if ok {
		delete(c.cache, key)
		c.dirty = true
	}
	c.mutex.Unlock()
	return ok, nil
}

func (c *persistentCache) ExpirePrefix(_ context.Context, prefix string) (int, error) {
	c.mutex.Lock()
	var removed int
	for key := range c.cache {
		if strings.HasPrefix(key, prefix) {
			delete(c.cache, key)
			removed++
		}
	}
	if removed > 0 {
		c.dirty = true
	}
	c.mutex.Unlock()
	return removed, nil
}

func (c *persistentCache) Hits(_ context.Context, key string) (bool, int) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if v, ok := c.cache[key]; ok {
		return true, v.hits
	}
	return false, 0
}

func (c *persistentCache) Close(_ context.Context) error {
	var flushErr error
	c.once.Do(func() {
		c.cancel()
		c.waitGroup.Wait()
		flushErr = c.flush(true)
	})
	return flushErr
}

func (c *persistentCache) runExpiry() {
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
					c.dirty = true
				}
			}
			c.mutex.Unlock()
		}
	}
}

func (c *persistentCache) runFlusher() {
	defer c.waitGroup.Done()
	ticker := time.NewTicker(c.cfg.flushDebounce)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.flush(false); err != nil {
				c.log.Warn("snapshot write failed, continuing in-memory: %v", err)
			}
		}
	}
}

// flush writes the current map to disk if anything changed since the last
// flush. force skips the dirty check (used on Close).
func (c *persistentCache) flush(force bool) error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mutex.Lock()
	if !c.dirty && !force {
		c.mutex.Unlock()
		return nil
	}
	snap := snapshotFile{
		Version: snapshotVersion,
		Entries: make(map[string]snapshotEntry, len(c.cache)),
	}
	for key, val := range c.cache {
		snap.Entries[key] = snapshotEntry{Data: val.data, StoredAt: val.storedAt, TTL: val.ttl}
	}
	c.dirty = false
	c.mutex.Unlock()

	buf, err := msgpack.Marshal(snap)
	if err != nil {
		return errors.Wrap(err, "cache: encode snapshot")
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return errors.Wrap(err, "cache: write snapshot temp file")
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return errors.Wrap(err, "cache: rename snapshot into place")
	}
	return nil
}

// load restores a best-effort prior state. Entries past their TTL and
// entries that fail validation are skipped; a corrupt or unknown-version
// snapshot means starting empty, never a startup failure.
func (c *persistentCache) load() {
	buf, err := os.ReadFile(c.path)
	if err != nil {
		if !os.IsNotExist(err) {
			c.log.Warn("snapshot load failed, starting empty: %v", err)
		}
		return
	}
	var snap snapshotFile
	if err := msgpack.Unmarshal(buf, &snap); err != nil {
		c.log.Warn("snapshot is corrupt, starting empty: %v", err)
		return
	}
	if snap.Version != snapshotVersion {
		c.log.Warn("snapshot version %d is unknown, starting empty", snap.Version)
		return
	}
	now := time.Now()
	var loaded, skipped int
	for key, e := range snap.Entries {
		if key == "" || len(e.Data) == 0 || !e.fresh(now) {
			skipped++
			continue
		}
		c.cache[key] = &pvalue{data: e.Data, storedAt: e.StoredAt, ttl: e.TTL}
		loaded++
	}
	c.log.Debug("snapshot loaded: %d entries restored, %d skipped", loaded, skipped)
}
