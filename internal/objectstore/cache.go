// Copyright 2025 James Ross
package objectstore

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// CacheTTL is the "approximately 1 second" window from spec section 4.2
// and section 9: these caches exist only to absorb duplicate reads
// within a single notification burst, never to cache mutable control
// state (lock, backlog, claim objects).
const CacheTTL = time.Second

type cacheEntry struct {
	meta    ObjectMeta
	data    []byte
	missing bool
	at      time.Time
}

// Cached decorates a Gateway with a short TTL cache for bucket lookups
// and small-object reads. When rdb is non-nil the cache is shared across
// invocations via Redis (appropriate for a fleet of short-lived,
// independent workers per spec section 5); otherwise it falls back to an
// in-process map, which spec section 9 explicitly allows ("re-creating
// them per invocation is acceptable — not a correctness requirement").
//
// Mutable control objects (locks, backlog items, claims) must never be
// read through this cache — callers use the underlying Gateway directly
// for those.
type Cached struct {
	inner Gateway
	rdb   *redis.Client
	limit *rate.Limiter

	mu    sync.Mutex
	local map[string]cacheEntry
}

// NewCached wraps inner with a TTL cache. rdb may be nil to use an
// in-process cache only. qps bounds underlying Gateway calls on cache
// misses (0 disables limiting).
func NewCached(inner Gateway, rdb *redis.Client, qps float64) *Cached {
	var lim *rate.Limiter
	if qps > 0 {
		lim = rate.NewLimiter(rate.Limit(qps), int(qps)+1)
	}
	return &Cached{inner: inner, rdb: rdb, limit: lim, local: make(map[string]cacheEntry)}
}

func (c *Cached) wait(ctx context.Context) error {
	if c.limit == nil {
		return nil
	}
	return c.limit.Wait(ctx)
}

func cacheKey(bucket, key string) string { return bucket + "\x00" + key }

func (c *Cached) lookupLocal(k string) (cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.local[k]
	if !ok || time.Since(e.at) > CacheTTL {
		return cacheEntry{}, false
	}
	return e, true
}

func (c *Cached) storeLocal(k string, e cacheEntry) {
	e.at = time.Now()
	c.mu.Lock()
	c.local[k] = e
	c.mu.Unlock()
}

type redisCacheEntry struct {
	Meta    ObjectMeta `json:"meta"`
	Data    []byte     `json:"data"`
	Missing bool       `json:"missing"`
}

func (c *Cached) lookupRedis(ctx context.Context, k string) (cacheEntry, bool) {
	if c.rdb == nil {
		return cacheEntry{}, false
	}
	raw, err := c.rdb.Get(ctx, "objcache:"+k).Bytes()
	if err != nil {
		return cacheEntry{}, false
	}
	var rc redisCacheEntry
	if err := json.Unmarshal(raw, &rc); err != nil {
		return cacheEntry{}, false
	}
	return cacheEntry{meta: rc.Meta, data: rc.Data, missing: rc.Missing}, true
}

func (c *Cached) storeRedis(ctx context.Context, k string, e cacheEntry) {
	if c.rdb == nil {
		return
	}
	raw, err := json.Marshal(redisCacheEntry{Meta: e.meta, Data: e.data, Missing: e.missing})
	if err != nil {
		return
	}
	_ = c.rdb.Set(ctx, "objcache:"+k, raw, CacheTTL).Err()
}

func (c *Cached) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	k := cacheKey(bucket, key)
	if e, ok := c.lookupRedis(ctx, k); ok {
		if e.missing {
			return nil, ErrNotFound
		}
		return e.data, nil
	}
	if e, ok := c.lookupLocal(k); ok {
		if e.missing {
			return nil, ErrNotFound
		}
		return e.data, nil
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	data, err := c.inner.GetObject(ctx, bucket, key)
	if err == ErrNotFound {
		c.storeLocal(k, cacheEntry{missing: true})
		c.storeRedis(ctx, k, cacheEntry{missing: true})
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	c.storeLocal(k, cacheEntry{data: data})
	c.storeRedis(ctx, k, cacheEntry{data: data})
	return data, nil
}

func (c *Cached) Stat(ctx context.Context, bucket, key string) (ObjectMeta, error) {
	// Metadata entries are kept apart from GetObject's body entries so a
	// Stat never satisfies a later GetObject with an empty body.
	k := cacheKey(bucket, key) + "\x00meta"
	if e, ok := c.lookupRedis(ctx, k); ok {
		if e.missing {
			return ObjectMeta{}, ErrNotFound
		}
		return e.meta, nil
	}
	if e, ok := c.lookupLocal(k); ok {
		if e.missing {
			return ObjectMeta{}, ErrNotFound
		}
		return e.meta, nil
	}
	if err := c.wait(ctx); err != nil {
		return ObjectMeta{}, err
	}
	meta, err := c.inner.Stat(ctx, bucket, key)
	if err == ErrNotFound {
		c.storeLocal(k, cacheEntry{missing: true})
		c.storeRedis(ctx, k, cacheEntry{missing: true})
		return ObjectMeta{}, err
	}
	if err != nil {
		return ObjectMeta{}, err
	}
	c.storeLocal(k, cacheEntry{meta: meta})
	c.storeRedis(ctx, k, cacheEntry{meta: meta})
	return meta, nil
}

// CreateIfAbsent, UpdateIfGeneration, DeleteIfGeneration and
// ListWithPrefix are never cached: they touch mutable control state
// (claims, locks, backlog) or need a fresh listing every call.

func (c *Cached) CreateIfAbsent(ctx context.Context, bucket, key string, data []byte) (Result, error) {
	return c.inner.CreateIfAbsent(ctx, bucket, key, data)
}

func (c *Cached) UpdateIfGeneration(ctx context.Context, bucket, key string, data []byte, gen int64) (Result, error) {
	return c.inner.UpdateIfGeneration(ctx, bucket, key, data, gen)
}

func (c *Cached) DeleteIfGeneration(ctx context.Context, bucket, key string, gen int64) (Result, error) {
	return c.inner.DeleteIfGeneration(ctx, bucket, key, gen)
}

func (c *Cached) ListWithPrefix(ctx context.Context, bucket, prefix, delimiter string) ([]ObjectMeta, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	return c.inner.ListWithPrefix(ctx, bucket, prefix, delimiter)
}

func (c *Cached) LookupBucket(ctx context.Context, bucket string) error {
	k := cacheKey(bucket, "\x00bucket")
	if _, ok := c.lookupLocal(k); ok {
		return nil
	}
	if err := c.inner.LookupBucket(ctx, bucket); err != nil {
		return err
	}
	c.storeLocal(k, cacheEntry{})
	return nil
}
