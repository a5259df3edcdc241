package tiles

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/mohammed-shakir/trail-cache/internal/core/model"
	"github.com/mohammed-shakir/trail-cache/internal/geo"
)

type RegionReport struct {
	Requested int `json:"requested"`
	Cached    int `json:"cached"`
	Failed    int `json:"failed"`
}

// TilesForRegion lists the tiles covering r for every zoom in
// [minZoom, maxZoom]. Zero zooms use the 12-16 default.
func TilesForRegion(r model.Region, minZoom, maxZoom int) []model.TileCoord {
	minZoom, maxZoom = defaultZooms(minZoom, maxZoom)
	return geo.TilesForRegion(r, minZoom, maxZoom)
}

func defaultZooms(minZoom, maxZoom int) (int, int) {
	if minZoom == 0 && maxZoom == 0 {
		return DefaultMinZoom, DefaultMaxZoom
	}
	return minZoom, maxZoom
}

// MaxRegionTiles is the largest region CacheRegion accepts.
func (c *Cache) MaxRegionTiles() int64 { return c.maxTiles }

// CacheRegion fetches every tile for r in batches of the configured size.
// A batch runs in parallel and completes before the next one starts. A
// failed tile is logged and counted; it does not abort the batch. ctx is
// checked between batches. Regions above MaxRegionTiles are rejected with
// ErrQuery. On a disabled cache it is a logged no-op.
func (c *Cache) CacheRegion(ctx context.Context, r model.Region, minZoom, maxZoom int) (RegionReport, error) {
	minZoom, maxZoom = defaultZooms(minZoom, maxZoom)
	n := geo.CountTiles(r, minZoom, maxZoom)
	if n > c.maxTiles {
		return RegionReport{}, fmt.Errorf("%w: region needs %d tiles, limit is %d", model.ErrQuery, n, c.maxTiles)
	}
	if c.Disabled() {
		c.logger.Warn("tile prefetch skipped: cache disabled")
		return RegionReport{}, nil
	}
	rep := RegionReport{Requested: int(n)}
	start := time.Now()

	batch := make([]model.TileCoord, 0, c.batch)
	done := 0
	run := func() error {
		if err := ctx.Err(); err != nil {
			c.logger.Info("tile prefetch cancelled", "done", done, "requested", n)
			return err
		}
		var ok, failed atomic.Int64
		p := pool.New().WithMaxGoroutines(c.batch)
		for _, t := range batch {
			p.Go(func() {
				url := c.TileURL(t)
				if _, err := c.CacheTile(ctx, url); err != nil {
					failed.Add(1)
					c.logger.Warn("tile download failed", "z", t.Z, "x", t.X, "y", t.Y, "err", err)
					return
				}
				ok.Add(1)
			})
		}
		p.Wait()
		rep.Cached += int(ok.Load())
		rep.Failed += int(failed.Load())
		done += len(batch)
		batch = batch[:0]
		return nil
	}
	for t := range geo.Tiles(r, minZoom, maxZoom) {
		batch = append(batch, t)
		if len(batch) == c.batch {
			if err := run(); err != nil {
				return rep, err
			}
		}
	}
	if len(batch) > 0 {
		if err := run(); err != nil {
			return rep, err
		}
	}
	c.logger.Info("tile prefetch done",
		"requested", rep.Requested, "cached", rep.Cached, "failed", rep.Failed,
		"dur", time.Since(start).String())
	return rep, nil
}
