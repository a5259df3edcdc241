// Package facade serves reads through the entity cache and falls back to
// the query optimizer whenever the cache layer fails.
package facade

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mohammed-shakir/trail-cache/internal/cache/keys"
	"github.com/mohammed-shakir/trail-cache/internal/cache/tiles"
	"github.com/mohammed-shakir/trail-cache/internal/core/model"
	"github.com/mohammed-shakir/trail-cache/internal/core/observability"
	"github.com/mohammed-shakir/trail-cache/internal/logger"
)

// Querier is the uncached read path.
type Querier interface {
	NearbyTrails(ctx context.Context, q model.RadiusQuery) ([]model.Trail, error)
	NearbyParks(ctx context.Context, q model.RadiusQuery) ([]model.Park, error)
	NearbyPOIs(ctx context.Context, q model.RadiusQuery) ([]model.POI, error)
	FilterTrails(ctx context.Context, f model.TrailFilter) ([]model.Trail, error)
	TrailByID(ctx context.Context, id int64) (model.Trail, error)
	POIsForTrail(ctx context.Context, trailID int64) ([]model.POI, error)
}

// EntityCache stores encoded results. entity.Cache[json.RawMessage]
// satisfies it.
type EntityCache interface {
	Get(ctx context.Context, key string) (json.RawMessage, bool, error)
	Set(ctx context.Context, key string, v json.RawMessage, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	InvalidateAll(ctx context.Context) error
}

type RegionCacher interface {
	CacheRegion(ctx context.Context, r model.Region, minZoom, maxZoom int) (tiles.RegionReport, error)
}

type Options struct {
	// Cache may be nil, in which case every read goes to the querier.
	Cache EntityCache
	Tiles RegionCacher
	TTL   time.Duration
	// OpTimeout bounds each cache Get/Set; 0 means no bound.
	OpTimeout time.Duration
	Logger    *slog.Logger
}

type Facade struct {
	q         Querier
	cache     EntityCache
	tiles     RegionCacher
	ttl       time.Duration
	opTimeout time.Duration
	logger    *slog.Logger
	sf        singleflight.Group

	// gen counts invalidations. A load stores its result only if gen did
	// not move while it computed; genMu makes that check and the Set one
	// step with respect to InvalidateAll.
	gen   atomic.Uint64
	genMu sync.RWMutex
}

func New(q Querier, opt Options) *Facade {
	if opt.TTL <= 0 {
		opt.TTL = 24 * time.Hour
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	return &Facade{
		q:         q,
		cache:     opt.Cache,
		tiles:     opt.Tiles,
		ttl:       opt.TTL,
		opTimeout: opt.OpTimeout,
		logger:    opt.Logger.With("component", "facade"),
	}
}

func (f *Facade) NearbyTrails(ctx context.Context, q model.RadiusQuery) ([]model.Trail, error) {
	return readThrough(ctx, f, "nearby_trails", keys.Radius("trails", q),
		func(ctx context.Context) ([]model.Trail, error) { return f.q.NearbyTrails(ctx, q) })
}

func (f *Facade) NearbyParks(ctx context.Context, q model.RadiusQuery) ([]model.Park, error) {
	return readThrough(ctx, f, "nearby_parks", keys.Radius("parks", q),
		func(ctx context.Context) ([]model.Park, error) { return f.q.NearbyParks(ctx, q) })
}

func (f *Facade) NearbyPOIs(ctx context.Context, q model.RadiusQuery) ([]model.POI, error) {
	return readThrough(ctx, f, "nearby_pois", keys.Radius("pois", q),
		func(ctx context.Context) ([]model.POI, error) { return f.q.NearbyPOIs(ctx, q) })
}

func (f *Facade) FilterTrails(ctx context.Context, flt model.TrailFilter) ([]model.Trail, error) {
	return readThrough(ctx, f, "filter_trails", keys.Filter("trails", flt),
		func(ctx context.Context) ([]model.Trail, error) { return f.q.FilterTrails(ctx, flt) })
}

func (f *Facade) TrailByID(ctx context.Context, id int64) (model.Trail, error) {
	return readThrough(ctx, f, "trail_by_id", keys.ID("trail", id),
		func(ctx context.Context) (model.Trail, error) { return f.q.TrailByID(ctx, id) })
}

func (f *Facade) POIsForTrail(ctx context.Context, trailID int64) ([]model.POI, error) {
	return readThrough(ctx, f, "trail_pois", keys.ID("trail_pois", trailID),
		func(ctx context.Context) ([]model.POI, error) { return f.q.POIsForTrail(ctx, trailID) })
}

// InvalidateAll drops every cached result. Loads already in flight keep
// serving their callers but no longer write to the cache.
func (f *Facade) InvalidateAll(ctx context.Context) error {
	if f.cache == nil {
		return nil
	}
	f.genMu.Lock()
	f.gen.Add(1)
	f.genMu.Unlock()
	return f.cache.InvalidateAll(ctx)
}

// CacheRegion prefetches tiles for r. Without a tile cache it does nothing.
func (f *Facade) CacheRegion(ctx context.Context, r model.Region, minZoom, maxZoom int) (tiles.RegionReport, error) {
	if f.tiles == nil {
		return tiles.RegionReport{}, nil
	}
	return f.tiles.CacheRegion(ctx, r, minZoom, maxZoom)
}

func (f *Facade) cacheCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if f.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, f.opTimeout)
}

// readThrough returns a cached result for key or computes and stores it.
// Concurrent callers for one key share a single computation. A cache
// failure on either side is logged and the result comes from compute; only
// compute's error reaches the caller.
func readThrough[T any](
	ctx context.Context,
	f *Facade,
	op, key string,
	compute func(context.Context) (T, error),
) (T, error) {
	if f.cache == nil {
		return compute(ctx)
	}

	// callers after an invalidation must not join a load of the old data
	gen := f.gen.Load()
	ch := f.sf.DoChan(key+"#"+strconv.FormatUint(gen, 10), func() (any, error) {
		// the shared call must not die with the first caller
		return load(context.WithoutCancel(ctx), f, gen, op, key, compute)
	})
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			var zero T
			return zero, r.Err
		}
		return r.Val.(T), nil
	}
}

func (f *Facade) fallback(ctx context.Context, op, key string, err error) {
	observability.IncFacadeFallback(op)
	ctx = logger.WithCacheOutcome(ctx, "fallback")
	f.logger.WarnContext(ctx, "cache layer failed, reading dataset directly",
		append(logger.Attrs(ctx), "op", op, "key", key, "err", err)...)
}

func load[T any](ctx context.Context, f *Facade, gen uint64, op, key string, compute func(context.Context) (T, error)) (T, error) {
	cctx, cancel := f.cacheCtx(ctx)
	raw, ok, err := f.cache.Get(cctx, key)
	cancel()
	if err != nil {
		f.fallback(ctx, op, key, err)
		return compute(ctx)
	}
	if ok {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			f.fallback(ctx, op, key, fmt.Errorf("%w: decode %q: %v", model.ErrCorruptEntry, key, err))
			cctx, cancel := f.cacheCtx(ctx)
			if err := f.cache.Del(cctx, key); err != nil {
				f.logger.WarnContext(ctx, "remove undecodable cache entry", "key", key, "err", err)
			}
			cancel()
			return compute(ctx)
		}
		f.logger.DebugContext(ctx, "read-through",
			append(logger.Attrs(logger.WithCacheOutcome(ctx, "hit")), "op", op)...)
		return v, nil
	}

	v, err := compute(ctx)
	if err != nil {
		return v, err
	}
	b, err := json.Marshal(v)
	if err != nil {
		f.fallback(ctx, op, key, fmt.Errorf("encode %q: %w", key, err))
		return v, nil
	}
	f.genMu.RLock()
	if f.gen.Load() != gen {
		f.genMu.RUnlock()
		f.logger.DebugContext(ctx, "cache invalidated during load, result not stored",
			append(logger.Attrs(ctx), "op", op, "key", key)...)
		return v, nil
	}
	cctx, cancel = f.cacheCtx(ctx)
	err = f.cache.Set(cctx, key, b, f.ttl)
	cancel()
	f.genMu.RUnlock()
	if err != nil {
		// v already came from the dataset, so it is the direct result
		f.fallback(ctx, op, key, err)
		return v, nil
	}
	f.logger.DebugContext(ctx, "read-through",
		append(logger.Attrs(logger.WithCacheOutcome(ctx, "miss")), "op", op)...)
	return v, nil
}
