// Package cache provides the two-tier flag definition cache that sits in
// front of the repository: a short-lived bounded in-process tier and a shared
// Redis tier for cross-instance reuse. Keys are namespaced per tenant as
// "flag:{tenantId}:{name}" so entries can never leak across tenants.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/flagscope/flagscope/internal/core"
)

const (
	// TierMemory and TierShared label the cache tiers in logs and metrics.
	TierMemory = "memory"
	TierShared = "shared"

	defaultMemoryTTL      = 5 * time.Minute
	defaultMemoryMaxItems = 1024
	defaultSharedTTL      = time.Hour

	memoryPurgeInterval = 10 * time.Minute
)

// LoaderFunc loads a flag definition from the repository on a full cache
// miss. Returning (nil, nil) means the flag does not exist.
type LoaderFunc func(ctx context.Context) (*core.Flag, error)

// SharedStore is the distributed cache tier. Implementations must treat a
// missing key as (nil, false, nil), not an error.
type SharedStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, pattern string) ([]string, error)
}

// Option configures a FlagCache.
type Option func(*FlagCache)

// WithLogger sets the logger used for degraded-path warnings.
func WithLogger(log *slog.Logger) Option {
	return func(c *FlagCache) { c.log = log }
}

// WithMemoryTTL overrides the in-process tier TTL.
func WithMemoryTTL(ttl time.Duration) Option {
	return func(c *FlagCache) {
		if ttl > 0 {
			c.memoryTTL = ttl
		}
	}
}

// WithMemoryMaxItems bounds the in-process tier; the oldest-inserted entry is
// evicted when the bound is reached.
func WithMemoryMaxItems(n int) Option {
	return func(c *FlagCache) {
		if n > 0 {
			c.maxItems = n
		}
	}
}

// WithSharedTTL overrides the shared tier TTL.
func WithSharedTTL(ttl time.Duration) Option {
	return func(c *FlagCache) {
		if ttl > 0 {
			c.sharedTTL = ttl
		}
	}
}

// WithTierMetrics registers callbacks invoked on tier hits, tier misses, and
// invalidations (e.g. to increment Prometheus counters).
func WithTierMetrics(onHit, onMiss func(tier string), onInvalidate func()) Option {
	return func(c *FlagCache) {
		c.onHit = onHit
		c.onMiss = onMiss
		c.onInvalidate = onInvalidate
	}
}

// FlagCache is safe for concurrent use.
type FlagCache struct {
	memory *gocache.Cache
	shared SharedStore
	group  singleflight.Group
	log    *slog.Logger

	mu    sync.Mutex
	order []string // insertion order of memory keys, oldest first

	memoryTTL time.Duration
	sharedTTL time.Duration
	maxItems  int

	onHit        func(tier string)
	onMiss       func(tier string)
	onInvalidate func()
}

// New creates a FlagCache. shared may be nil, in which case every in-process
// miss goes straight to the loader.
func New(shared SharedStore, opts ...Option) *FlagCache {
	c := &FlagCache{
		shared:    shared,
		log:       slog.Default(),
		memoryTTL: defaultMemoryTTL,
		sharedTTL: defaultSharedTTL,
		maxItems:  defaultMemoryMaxItems,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.memory = gocache.New(c.memoryTTL, memoryPurgeInterval)
	return c
}

// Key returns the shared-tier key for a tenant's flag.
func Key(tenantID, name string) string {
	return fmt.Sprintf("flag:%s:%s", tenantID, name)
}

// GetOrLoad returns the flag definition for (tenantID, name), consulting the
// in-process tier, then the shared tier, then loader. Both tiers are
// populated on a successful load. Concurrent callers for the same key share a
// single loader invocation.
//
// GetOrLoad never returns an error: an unreachable shared tier degrades to
// the loader, and a failing loader degrades to nil so the caller can fail the
// flag closed.
func (c *FlagCache) GetOrLoad(ctx context.Context, tenantID, name string, loader LoaderFunc) *core.Flag {
	key := Key(tenantID, name)

	if v, found := c.memory.Get(key); found {
		c.hit(TierMemory)
		return v.(*core.Flag)
	}
	c.miss(TierMemory)

	v, _, _ := c.group.Do(key, func() (any, error) {
		return c.loadThrough(ctx, key, loader), nil
	})
	flag, _ := v.(*core.Flag)
	return flag
}

func (c *FlagCache) loadThrough(ctx context.Context, key string, loader LoaderFunc) *core.Flag {
	if c.shared != nil {
		payload, found, err := c.shared.Get(ctx, key)
		switch {
		case err != nil:
			c.log.Warn("shared cache tier unavailable", "key", key, "error", err)
		case found:
			var flag core.Flag
			if err := json.Unmarshal(payload, &flag); err != nil {
				c.log.Warn("corrupt shared cache entry", "key", key, "error", err)
			} else {
				c.hit(TierShared)
				c.storeMemory(key, &flag)
				return &flag
			}
		default:
			c.miss(TierShared)
		}
	}

	flag, err := loader(ctx)
	if err != nil {
		c.log.Warn("flag loader failed", "key", key, "error", err)
		return nil
	}
	if flag == nil {
		return nil
	}

	c.storeMemory(key, flag)
	c.storeShared(ctx, key, flag)

	return flag
}

// Invalidate removes the entry from both tiers. It is idempotent and safe to
// call for keys that were never cached.
func (c *FlagCache) Invalidate(ctx context.Context, tenantID, name string) {
	key := Key(tenantID, name)

	c.mu.Lock()
	c.removeOrderLocked(key)
	c.mu.Unlock()
	c.memory.Delete(key)

	if c.shared != nil {
		if err := c.shared.Delete(ctx, key); err != nil {
			c.log.Warn("shared cache invalidation failed", "key", key, "error", err)
		}
	}

	if c.onInvalidate != nil {
		c.onInvalidate()
	}
}

// ListAll enumerates every shared-tier definition cached for a tenant, used
// for bulk prefetch. Entries that cannot be fetched or decoded are skipped.
func (c *FlagCache) ListAll(ctx context.Context, tenantID string) []*core.Flag {
	if c.shared == nil {
		return nil
	}

	keys, err := c.shared.Keys(ctx, Key(tenantID, "*"))
	if err != nil {
		c.log.Warn("shared cache scan failed", "tenant", tenantID, "error", err)
		return nil
	}

	flags := make([]*core.Flag, 0, len(keys))
	for _, key := range keys {
		payload, found, err := c.shared.Get(ctx, key)
		if err != nil || !found {
			continue
		}
		var flag core.Flag
		if err := json.Unmarshal(payload, &flag); err != nil {
			c.log.Warn("corrupt shared cache entry", "key", key, "error", err)
			continue
		}
		flags = append(flags, &flag)
	}

	return flags
}

func (c *FlagCache) storeMemory(key string, flag *core.Flag) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// A key holds at most one slot in the insertion order: dropping any
	// existing slot first keeps the accounting correct across invalidation,
	// TTL expiry, and overwrites.
	c.removeOrderLocked(key)
	for len(c.order) >= c.maxItems {
		oldest := c.order[0]
		c.order = c.order[1:]
		c.memory.Delete(oldest)
	}
	c.order = append(c.order, key)

	c.memory.Set(key, flag, gocache.DefaultExpiration)
}

func (c *FlagCache) removeOrderLocked(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

func (c *FlagCache) storeShared(ctx context.Context, key string, flag *core.Flag) {
	if c.shared == nil {
		return
	}

	payload, err := json.Marshal(flag)
	if err != nil {
		c.log.Warn("marshal flag for shared cache", "key", key, "error", err)
		return
	}

	if err := c.shared.Set(ctx, key, payload, c.sharedTTL); err != nil {
		c.log.Warn("shared cache write failed", "key", key, "error", err)
	}
}

func (c *FlagCache) hit(tier string) {
	if c.onHit != nil {
		c.onHit(tier)
	}
}

func (c *FlagCache) miss(tier string) {
	if c.onMiss != nil {
		c.onMiss(tier)
	}
}
