package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Options configures cache behaviour.
type Options struct {
	TTL                  time.Duration
	StaleWhileRevalidate time.Duration
	NegativeTTL          time.Duration
	MaxEntries           int
}

type entry struct {
	value     interface{}
	err       error
	expiresAt time.Time
	staleAt   time.Time
	negative  bool
	lastUsed  time.Time
}

// Cache is an in-process TTL cache with stale-while-revalidate semantics.
// Concurrent loads for the same key are collapsed through singleflight.
type Cache struct {
	mu    sync.RWMutex
	items map[string]*entry
	opts  Options
	sf    singleflight.Group
}

// Loader fetches a value for key. ok=false caches a negative result.
type Loader func(ctx context.Context, key string) (interface{}, bool, error)

func New(opts Options) *Cache {
	return &Cache{
		items: make(map[string]*entry),
		opts:  opts,
	}
}

// Get returns the cached value for key, loading it when absent or expired.
// Within the stale window the stale value is returned and a background
// refresh is kicked off once.
func (c *Cache) Get(ctx context.Context, key string, loader Loader) (interface{}, bool, error) {
	now := time.Now()
	c.mu.RLock()
	if e, ok := c.items[key]; ok {
		if now.Before(e.expiresAt) {
			e.lastUsed = now
			c.mu.RUnlock()
			if e.negative {
				return nil, false, e.err
			}
			return e.value, true, nil
		}
		if now.Before(e.staleAt) {
			val, negative := e.value, e.negative
			c.mu.RUnlock()
			go func() {
				_, _, _ = c.sf.Do("refresh:"+key, func() (interface{}, error) {
					c.load(context.WithoutCancel(ctx), key, loader)
					return nil, nil
				})
			}()
			if negative {
				return nil, false, nil
			}
			return val, true, nil
		}
	}
	c.mu.RUnlock()

	type result struct {
		val interface{}
		ok  bool
		err error
	}
	v, err, _ := c.sf.Do("load:"+key, func() (interface{}, error) {
		val, ok, err := c.load(ctx, key, loader)
		return result{val, ok, err}, nil
	})
	if err != nil {
		return nil, false, err
	}
	r := v.(result)
	return r.val, r.ok, r.err
}

// Invalidate drops a key from the cache.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

func (c *Cache) load(ctx context.Context, key string, loader Loader) (interface{}, bool, error) {
	val, ok, err := loader(ctx, key)
	now := time.Now()

	e := &entry{lastUsed: now}
	switch {
	case err != nil:
		// Load errors are not cached; callers see them directly.
		return nil, false, err
	case !ok:
		e.negative = true
		ttl := c.opts.NegativeTTL
		if ttl == 0 {
			ttl = c.opts.TTL
		}
		e.expiresAt = now.Add(ttl)
		e.staleAt = e.expiresAt
	default:
		e.value = val
		e.expiresAt = now.Add(c.opts.TTL)
		e.staleAt = e.expiresAt.Add(c.opts.StaleWhileRevalidate)
	}

	c.mu.Lock()
	c.items[key] = e
	c.evictLocked()
	c.mu.Unlock()

	return val, ok, nil
}

// evictLocked drops the least recently used entry when over capacity.
func (c *Cache) evictLocked() {
	if c.opts.MaxEntries <= 0 || len(c.items) <= c.opts.MaxEntries {
		return
	}
	var oldestKey string
	var oldest time.Time
	for k, e := range c.items {
		if oldestKey == "" || e.lastUsed.Before(oldest) {
			oldestKey = k
			oldest = e.lastUsed
		}
	}
	if oldestKey != "" {
		delete(c.items, oldestKey)
	}
}
