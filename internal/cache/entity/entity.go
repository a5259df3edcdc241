// Package entity is a TTL and count bounded cache of query results over a
// cache.Store. Count eviction is insertion order (FIFO), expiry is lazy.
package entity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mohammed-shakir/trail-cache/internal/cache"
	"github.com/mohammed-shakir/trail-cache/internal/core/model"
	"github.com/mohammed-shakir/trail-cache/internal/core/observability"
)

const (
	DefaultMaxItems = 100
	DefaultTTL      = 24 * time.Hour
	indexSuffix     = "__index"
)

type Options struct {
	// Namespace prefixes every record and the index blob.
	Namespace  string
	MaxItems   int
	DefaultTTL time.Duration
	// L1Size bounds the in-process copy of decoded values; 0 disables it.
	L1Size      int
	PruneOnOpen bool
	Now         func() time.Time
	Logger      *slog.Logger
}

type record[T any] struct {
	Key       string `json:"key"`
	Value     T      `json:"value"`
	CreatedAt int64  `json:"createdAt"` // unix ms
	TTLMs     int64  `json:"ttlMs"`
}

func (r record[T]) live(now time.Time) bool {
	return now.UnixMilli()-r.CreatedAt <= r.TTLMs
}

// index is the persisted ordered key list. Keys[0] is the oldest insert.
type index struct {
	Keys      []string         `json:"keys"`
	Sizes     map[string]int64 `json:"sizes"`
	TotalSize int64            `json:"totalSize"`
	LastPrune int64            `json:"lastPrune"`
}

type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Len       int
}

// Cache holds values of type T. Index mutations are serialized by mu;
// reads of live entries only touch the store and the L1.
type Cache[T any] struct {
	store    cache.Store
	ns       string
	maxItems int
	ttl      time.Duration
	now      func() time.Time
	logger   *slog.Logger
	l1       *lru.Cache[string, record[T]]

	mu  sync.Mutex
	idx index

	hits, misses, evictions atomic.Uint64
}

// Open loads the persisted index. An unreadable index is a storage fault;
// an unparseable one is discarded and the cache starts empty.
func Open[T any](ctx context.Context, store cache.Store, opt Options) (*Cache[T], error) {
	if opt.MaxItems <= 0 {
		opt.MaxItems = DefaultMaxItems
	}
	if opt.DefaultTTL <= 0 {
		opt.DefaultTTL = DefaultTTL
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	c := &Cache[T]{
		store:    store,
		ns:       opt.Namespace,
		maxItems: opt.MaxItems,
		ttl:      opt.DefaultTTL,
		now:      opt.Now,
		logger:   opt.Logger.With("component", "entity_cache", "namespace", opt.Namespace),
		idx:      index{Sizes: map[string]int64{}},
	}
	if opt.L1Size > 0 {
		l1, err := lru.New[string, record[T]](opt.L1Size)
		if err != nil {
			return nil, fmt.Errorf("entity l1: %w", err)
		}
		c.l1 = l1
	}

	b, ok, err := store.Get(ctx, c.indexKey())
	if err != nil {
		return nil, fmt.Errorf("%w: load index: %v", model.ErrStorageUnavailable, err)
	}
	if ok {
		var idx index
		if err := json.Unmarshal(b, &idx); err != nil {
			c.logger.Warn("discarding unparseable cache index", "err", err)
		} else {
			if idx.Sizes == nil {
				idx.Sizes = map[string]int64{}
			}
			c.idx = idx
		}
	}
	if opt.PruneOnOpen {
		if _, err := c.Prune(ctx); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Cache[T]) indexKey() string { return c.recordKey(indexSuffix) }

func (c *Cache[T]) recordKey(key string) string {
	if c.ns == "" {
		return key
	}
	return c.ns + ":" + key
}

// Get returns the live value for key. Expired and corrupt entries are
// removed as a side effect and reported as a miss. Only store failures are
// returned as errors.
func (c *Cache[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	now := c.now()
	if c.l1 != nil {
		if r, ok := c.l1.Get(key); ok && r.live(now) {
			c.hit()
			return r.Value, true, nil
		}
	}

	b, ok, err := c.store.Get(ctx, c.recordKey(key))
	if err != nil {
		observability.IncCacheResult("entity", "error")
		return zero, false, fmt.Errorf("%w: get %q: %v", model.ErrStorageUnavailable, key, err)
	}
	if !ok {
		c.mu.Lock()
		_, indexed := c.idx.Sizes[key]
		c.mu.Unlock()
		if indexed {
			c.dropBroken(ctx, key, "missing")
		}
		c.miss("miss")
		return zero, false, nil
	}

	var r record[T]
	if err := json.Unmarshal(b, &r); err != nil {
		c.logger.Warn("dropping corrupt cache entry", "key", key,
			"err", fmt.Errorf("%w: %v", model.ErrCorruptEntry, err))
		c.dropBroken(ctx, key, "corrupt")
		c.miss("corrupt")
		return zero, false, nil
	}
	if !r.live(now) {
		c.dropBroken(ctx, key, "expired")
		c.miss("expired")
		return zero, false, nil
	}
	if c.l1 != nil {
		c.l1.Add(key, r)
	}
	c.hit()
	return r.Value, true, nil
}

func (c *Cache[T]) hit() {
	c.hits.Add(1)
	observability.IncCacheResult("entity", "hit")
}

func (c *Cache[T]) miss(outcome string) {
	c.misses.Add(1)
	observability.IncCacheResult("entity", outcome)
}

// dropBroken removes key from the store and the index once the record is
// seen broken again under mu, so a Set that landed after the unlocked read
// survives. Failures are logged: a stale record is retried on the next Get
// or Prune.
func (c *Cache[T]) dropBroken(ctx context.Context, key, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok, err := c.store.Get(ctx, c.recordKey(key))
	if err != nil {
		c.logger.Warn("recheck cache entry", "key", key, "reason", reason, "err", err)
		return
	}
	if ok {
		var r record[T]
		if json.Unmarshal(b, &r) == nil && r.live(c.now()) {
			return
		}
	}
	if err := c.removeLocked(ctx, []string{key}, reason); err != nil {
		c.logger.Warn("remove cache entry", "key", key, "reason", reason, "err", err)
	}
}

// Del removes key. Removing an absent key is not an error.
func (c *Cache[T]) Del(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.idx.Sizes[key]; ok {
		return c.removeLocked(ctx, []string{key}, "delete")
	}
	if c.l1 != nil {
		c.l1.Remove(key)
	}
	if err := c.store.Del(ctx, c.recordKey(key)); err != nil {
		return fmt.Errorf("%w: delete %q: %v", model.ErrStorageUnavailable, key, err)
	}
	return nil
}

// Set stores value under key. ttl <= 0 uses the default TTL. Re-setting an
// existing key moves it to the newest insert position. When the index grows
// past MaxItems the oldest insert is evicted.
func (c *Cache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	r := record[T]{Key: key, Value: value, CreatedAt: c.now().UnixMilli(), TTLMs: ttl.Milliseconds()}
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.store.Set(ctx, c.recordKey(key), b); err != nil {
		return fmt.Errorf("%w: set %q: %v", model.ErrStorageUnavailable, key, err)
	}
	if old, ok := c.idx.Sizes[key]; ok {
		c.idx.TotalSize -= old
		c.idx.Keys = slices.DeleteFunc(c.idx.Keys, func(k string) bool { return k == key })
	}
	c.idx.Keys = append(c.idx.Keys, key)
	c.idx.Sizes[key] = int64(len(b))
	c.idx.TotalSize += int64(len(b))
	if c.l1 != nil {
		c.l1.Add(key, r)
	}

	var victims []string
	for len(c.idx.Keys)-len(victims) > c.maxItems {
		victims = append(victims, c.idx.Keys[len(victims)])
	}
	if len(victims) > 0 {
		return c.removeLocked(ctx, victims, "capacity")
	}
	return c.saveIndexLocked(ctx)
}

// removeLocked deletes keys from the store and the index and persists the
// index. Callers hold mu.
func (c *Cache[T]) removeLocked(ctx context.Context, keys []string, reason string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	drop := make(map[string]struct{}, len(keys))
	for i, k := range keys {
		full[i] = c.recordKey(k)
		drop[k] = struct{}{}
		c.idx.TotalSize -= c.idx.Sizes[k]
		delete(c.idx.Sizes, k)
		if c.l1 != nil {
			c.l1.Remove(k)
		}
	}
	c.idx.Keys = slices.DeleteFunc(c.idx.Keys, func(k string) bool {
		_, ok := drop[k]
		return ok
	})
	c.evictions.Add(uint64(len(keys)))
	observability.AddCacheEvictions("entity", reason, len(keys))

	delErr := c.store.Del(ctx, full...)
	if err := c.saveIndexLocked(ctx); err != nil {
		return errors.Join(delErr, err)
	}
	if delErr != nil {
		return fmt.Errorf("%w: delete: %v", model.ErrStorageUnavailable, delErr)
	}
	return nil
}

func (c *Cache[T]) saveIndexLocked(ctx context.Context) error {
	b, err := json.Marshal(c.idx)
	if err != nil {
		return fmt.Errorf("encode index: %w", err)
	}
	if err := c.store.Set(ctx, c.indexKey(), b); err != nil {
		return fmt.Errorf("%w: save index: %v", model.ErrStorageUnavailable, err)
	}
	return nil
}

// InvalidateAll removes every entry and resets the index.
func (c *Cache[T]) InvalidateAll(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	full := make([]string, 0, len(c.idx.Keys)+1)
	for _, k := range c.idx.Keys {
		full = append(full, c.recordKey(k))
	}
	full = append(full, c.indexKey())
	n := len(c.idx.Keys)
	c.idx = index{Sizes: map[string]int64{}, LastPrune: c.idx.LastPrune}
	if c.l1 != nil {
		c.l1.Purge()
	}
	observability.AddCacheEvictions("entity", "invalidate", n)
	if err := c.store.Del(ctx, full...); err != nil {
		return fmt.Errorf("%w: invalidate: %v", model.ErrStorageUnavailable, err)
	}
	c.logger.Info("entity cache invalidated", "entries", n)
	return nil
}

// Prune removes every indexed key whose record is missing, expired or
// unparseable and returns how many were removed.
func (c *Cache[T]) Prune(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := slices.Clone(c.idx.Keys)
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.recordKey(k)
	}
	found, err := c.store.MGet(ctx, full)
	if err != nil {
		return 0, fmt.Errorf("%w: prune: %v", model.ErrStorageUnavailable, err)
	}

	now := c.now()
	var dead []string
	for i, k := range keys {
		b, ok := found[full[i]]
		if !ok {
			dead = append(dead, k)
			continue
		}
		var r record[T]
		if err := json.Unmarshal(b, &r); err != nil || !r.live(now) {
			dead = append(dead, k)
		}
	}
	c.idx.LastPrune = now.UnixMilli()
	if len(dead) == 0 {
		return 0, c.saveIndexLocked(ctx)
	}
	if err := c.removeLocked(ctx, dead, "expired"); err != nil {
		return 0, err
	}
	c.logger.Debug("entity cache pruned", "removed", len(dead), "remaining", len(c.idx.Keys))
	return len(dead), nil
}

// Keys returns the indexed keys, oldest insert first.
func (c *Cache[T]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.idx.Keys)
}

func (c *Cache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.idx.Keys)
}

// TotalSize is the sum of the encoded sizes of all indexed records.
func (c *Cache[T]) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idx.TotalSize
}

func (c *Cache[T]) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Len:       c.Len(),
	}
}
