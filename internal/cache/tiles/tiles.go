// Package tiles is a disk-backed, byte-budgeted cache of raster map tiles
// with age and LRU eviction.
package tiles

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/mohammed-shakir/trail-cache/internal/cache/diskstore"
	"github.com/mohammed-shakir/trail-cache/internal/cache/keys"
	"github.com/mohammed-shakir/trail-cache/internal/core/httpclient"
	"github.com/mohammed-shakir/trail-cache/internal/core/model"
	"github.com/mohammed-shakir/trail-cache/internal/core/observability"
)

const (
	DefaultBudget    = 50 * 1024 * 1024
	DefaultMaxAge    = 7 * 24 * time.Hour
	DefaultBatchSize = 5
	DefaultMinZoom   = 12
	DefaultMaxZoom   = 16
	// DefaultMaxRegionTiles caps one CacheRegion call.
	DefaultMaxRegionTiles = 10000

	// pruning by LRU stops once the total is at or below this share of the budget
	pruneTargetRatio = 0.8
	indexFile        = "index.json"
	maxTileBytes     = 4 << 20
)

type Options struct {
	Fs  afero.Fs
	Dir string
	// URLTemplate contains {z}, {x} and {y} placeholders.
	URLTemplate string
	Budget      int64
	MaxAge      time.Duration
	BatchSize   int
	// MaxRegionTiles rejects larger CacheRegion requests.
	MaxRegionTiles int64
	Client         *http.Client
	Now            func() time.Time
	Logger         *slog.Logger
}

// Record is one cached tile. Times are unix ms.
type Record struct {
	Key          string `json:"key"`
	SourceURL    string `json:"sourceUrl"`
	LocalPath    string `json:"localPath"`
	SizeBytes    int64  `json:"sizeBytes"`
	CreatedAt    int64  `json:"createdAt"`
	LastAccessAt int64  `json:"lastAccessAt"`
}

type index struct {
	Entries   map[string]Record `json:"entries"`
	TotalSize int64             `json:"totalSize"`
	LastPrune int64             `json:"lastPrune"`
}

// Cache owns every file under its directory. All index mutations happen
// under mu; downloads run outside it.
type Cache struct {
	fs       afero.Fs
	dir      string
	template string
	budget   int64
	maxAge   time.Duration
	batch    int
	maxTiles int64
	client   *http.Client
	now      func() time.Time
	logger   *slog.Logger

	mu       sync.Mutex
	idx      index
	disabled bool
}

func New(opt Options) *Cache {
	if opt.Fs == nil {
		opt.Fs = afero.NewOsFs()
	}
	if opt.Budget <= 0 {
		opt.Budget = DefaultBudget
	}
	if opt.MaxAge <= 0 {
		opt.MaxAge = DefaultMaxAge
	}
	if opt.BatchSize <= 0 {
		opt.BatchSize = DefaultBatchSize
	}
	if opt.MaxRegionTiles <= 0 {
		opt.MaxRegionTiles = DefaultMaxRegionTiles
	}
	if opt.Client == nil {
		opt.Client = httpclient.NewOutbound(0)
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	return &Cache{
		fs:       opt.Fs,
		dir:      opt.Dir,
		template: opt.URLTemplate,
		budget:   opt.Budget,
		maxAge:   opt.MaxAge,
		batch:    opt.BatchSize,
		maxTiles: opt.MaxRegionTiles,
		client:   opt.Client,
		now:      opt.Now,
		logger:   opt.Logger.With("component", "tile_cache"),
		idx:      index{Entries: map[string]Record{}},
		// disabled until Init succeeds
		disabled: true,
	}
}

// Init loads the index and reconciles it with the directory: index entries
// without a file are dropped and files the index does not reference are
// deleted. On error the cache stays disabled.
func (c *Cache) Init(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.fs.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("%w: tile dir: %v", model.ErrStorageUnavailable, err)
	}
	idx := index{Entries: map[string]Record{}}
	b, err := afero.ReadFile(c.fs, c.indexPath())
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return fmt.Errorf("%w: read tile index: %v", model.ErrStorageUnavailable, err)
	default:
		if err := json.Unmarshal(b, &idx); err != nil || idx.Entries == nil {
			c.logger.Warn("discarding unparseable tile index", "err", err)
			idx = index{Entries: map[string]Record{}}
		}
	}

	var stale int
	idx.TotalSize = 0
	for k, r := range idx.Entries {
		st, err := c.fs.Stat(r.LocalPath)
		if err != nil {
			delete(idx.Entries, k)
			stale++
			continue
		}
		r.SizeBytes = st.Size()
		idx.Entries[k] = r
		idx.TotalSize += r.SizeBytes
	}

	referenced := make(map[string]struct{}, len(idx.Entries))
	for _, r := range idx.Entries {
		referenced[filepath.Base(r.LocalPath)] = struct{}{}
	}
	files, err := afero.ReadDir(c.fs, c.dir)
	if err != nil {
		return fmt.Errorf("%w: list tile dir: %v", model.ErrStorageUnavailable, err)
	}
	var orphans int
	for _, f := range files {
		if f.IsDir() || f.Name() == indexFile {
			continue
		}
		if _, ok := referenced[f.Name()]; ok {
			continue
		}
		if err := c.fs.Remove(filepath.Join(c.dir, f.Name())); err != nil {
			c.logger.Warn("remove orphan tile", "file", f.Name(), "err", err)
			continue
		}
		orphans++
	}

	c.idx = idx
	if err := c.saveIndexLocked(); err != nil {
		return err
	}
	c.disabled = false
	c.reportSizeLocked()
	c.logger.Info("tile cache ready",
		"entries", len(idx.Entries), "bytes", idx.TotalSize, "stale", stale, "orphans", orphans)
	return nil
}

// Disabled reports whether Init has not (successfully) run.
func (c *Cache) Disabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disabled
}

func (c *Cache) indexPath() string { return filepath.Join(c.dir, indexFile) }

func (c *Cache) saveIndexLocked() error {
	b, err := json.Marshal(c.idx)
	if err != nil {
		return fmt.Errorf("encode tile index: %w", err)
	}
	if err := diskstore.WriteFileAtomic(c.fs, c.indexPath(), b, 0o644); err != nil {
		return fmt.Errorf("%w: write tile index: %v", model.ErrStorageUnavailable, err)
	}
	return nil
}

func (c *Cache) reportSizeLocked() {
	observability.SetTileCacheSize(c.idx.TotalSize, len(c.idx.Entries))
}

// TileURL expands the configured template for one tile.
func (c *Cache) TileURL(t model.TileCoord) string {
	r := strings.NewReplacer(
		"{z}", strconv.Itoa(t.Z),
		"{x}", strconv.Itoa(t.X),
		"{y}", strconv.Itoa(t.Y),
	)
	return r.Replace(c.template)
}

func (c *Cache) localPath(key string) string {
	return filepath.Join(c.dir, key+".tile")
}

// GetTile returns the local path for url if it is indexed and its file
// exists. An indexed tile whose file vanished is dropped from the index.
func (c *Cache) GetTile(url string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disabled {
		return "", false
	}
	key := keys.Tile(url)
	r, ok := c.idx.Entries[key]
	if !ok {
		observability.IncCacheResult("tile", "miss")
		return "", false
	}
	if _, err := c.fs.Stat(r.LocalPath); err != nil {
		c.logger.Warn("indexed tile missing on disk",
			"key", key, "err", fmt.Errorf("%w: %v", model.ErrCorruptEntry, err))
		c.dropLocked(key)
		if err := c.saveIndexLocked(); err != nil {
			c.logger.Warn("save tile index", "err", err)
		}
		observability.IncCacheResult("tile", "corrupt")
		return "", false
	}
	c.touchLocked(key)
	observability.IncCacheResult("tile", "hit")
	return r.LocalPath, true
}

func (c *Cache) touchLocked(key string) {
	r := c.idx.Entries[key]
	r.LastAccessAt = c.now().UnixMilli()
	c.idx.Entries[key] = r
}

func (c *Cache) dropLocked(key string) {
	r, ok := c.idx.Entries[key]
	if !ok {
		return
	}
	c.idx.TotalSize -= r.SizeBytes
	delete(c.idx.Entries, key)
}

// CacheTile returns the local path for url, downloading it first when it
// is not cached. Exceeding the byte budget triggers a prune.
func (c *Cache) CacheTile(ctx context.Context, url string) (string, error) {
	if c.Disabled() {
		return "", fmt.Errorf("%w: tile cache disabled", model.ErrStorageUnavailable)
	}
	if p, ok := c.GetTile(url); ok {
		if err := c.persist(); err != nil {
			c.logger.Warn("save tile index", "err", err)
		}
		return p, nil
	}

	key := keys.Tile(url)
	path := c.localPath(key)
	start := time.Now()
	body, err := httpclient.GetBytes(ctx, c.client, "tiles", url, maxTileBytes)
	if err != nil {
		observability.IncTileDownload("error")
		return "", fmt.Errorf("download tile %s: %w", url, err)
	}
	if err := diskstore.WriteFileAtomic(c.fs, path, body, 0o644); err != nil {
		observability.IncTileDownload("error")
		return "", fmt.Errorf("%w: write tile: %v", model.ErrStorageUnavailable, err)
	}
	observability.IncTileDownload("ok")

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now().UnixMilli()
	// a concurrent download of the same url already indexed it
	c.dropLocked(key)
	c.idx.Entries[key] = Record{
		Key:          key,
		SourceURL:    url,
		LocalPath:    path,
		SizeBytes:    int64(len(body)),
		CreatedAt:    now,
		LastAccessAt: now,
	}
	c.idx.TotalSize += int64(len(body))
	if c.idx.TotalSize > c.budget {
		c.pruneLocked(c.maxAge)
	}
	if err := c.saveIndexLocked(); err != nil {
		return "", err
	}
	c.reportSizeLocked()
	c.logger.Debug("tile cached", "key", key, "bytes", len(body), "dur", time.Since(start).String())
	return path, nil
}

func (c *Cache) persist() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveIndexLocked()
}

// Prune removes tiles older than maxAge (<= 0 uses the configured age).
// If the budget is still exceeded, or nothing was old enough, tiles are
// removed least recently accessed first until the total is at most 80% of
// the budget. It returns the number of tiles removed.
func (c *Cache) Prune(maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = c.maxAge
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disabled {
		return 0, nil
	}
	n := c.pruneLocked(maxAge)
	if err := c.saveIndexLocked(); err != nil {
		return n, err
	}
	c.reportSizeLocked()
	return n, nil
}

func (c *Cache) pruneLocked(maxAge time.Duration) int {
	now := c.now()
	cutoff := now.Add(-maxAge).UnixMilli()

	var aged []string
	for k, r := range c.idx.Entries {
		if r.CreatedAt < cutoff {
			aged = append(aged, k)
		}
	}
	for _, k := range aged {
		c.removeFileLocked(k)
	}
	observability.AddCacheEvictions("tile", "age", len(aged))

	var lru int
	target := int64(float64(c.budget) * pruneTargetRatio)
	if c.idx.TotalSize > c.budget || len(aged) == 0 {
		order := make([]Record, 0, len(c.idx.Entries))
		for _, r := range c.idx.Entries {
			order = append(order, r)
		}
		slices.SortFunc(order, func(a, b Record) int {
			if a.LastAccessAt != b.LastAccessAt {
				if a.LastAccessAt < b.LastAccessAt {
					return -1
				}
				return 1
			}
			return strings.Compare(a.Key, b.Key)
		})
		for _, r := range order {
			if c.idx.TotalSize <= target {
				break
			}
			c.removeFileLocked(r.Key)
			lru++
		}
		observability.AddCacheEvictions("tile", "lru", lru)
	}
	c.idx.LastPrune = now.UnixMilli()
	if len(aged)+lru > 0 {
		c.logger.Info("tile cache pruned", "aged", len(aged), "lru", lru, "bytes", c.idx.TotalSize)
	}
	return len(aged) + lru
}

func (c *Cache) removeFileLocked(key string) {
	r, ok := c.idx.Entries[key]
	if !ok {
		return
	}
	if err := c.fs.Remove(r.LocalPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		// keep the index consistent with the budget; Init removes the orphan
		c.logger.Warn("remove tile file", "key", key, "err", err)
	}
	c.dropLocked(key)
}

// Clear removes every tile and resets the index.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disabled {
		return nil
	}
	for k := range c.idx.Entries {
		c.removeFileLocked(k)
	}
	c.idx = index{Entries: map[string]Record{}, LastPrune: c.idx.LastPrune}
	c.reportSizeLocked()
	return c.saveIndexLocked()
}

// Size is the total size in bytes of all indexed tiles.
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idx.TotalSize
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.idx.Entries)
}

// Records returns a snapshot of the index ordered by key.
func (c *Cache) Records() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Record, 0, len(c.idx.Entries))
	for _, r := range c.idx.Entries {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b Record) int { return strings.Compare(a.Key, b.Key) })
	return out
}

// ReadTile returns the bytes of a tile previously returned by GetTile or
// CacheTile.
func (c *Cache) ReadTile(path string) ([]byte, error) {
	b, err := afero.ReadFile(c.fs, path)
	if err != nil {
		return nil, fmt.Errorf("%w: read tile: %v", model.ErrCorruptEntry, err)
	}
	return b, nil
}
