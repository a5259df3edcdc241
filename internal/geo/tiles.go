package geo

import (
	"iter"
	"math"
	"slices"

	"github.com/mohammed-shakir/trail-cache/internal/core/model"
)

// maxMercatorLat is the latitude at which the Web-Mercator square ends.
const maxMercatorLat = 85.05112878

// TileX returns the slippy-map column for lon at zoom.
func TileX(lon float64, zoom int) int {
	n := math.Exp2(float64(zoom))
	x := int(math.Floor((lon + 180) / 360 * n))
	return clampTile(x, zoom)
}

// TileY returns the slippy-map row for lat at zoom.
func TileY(lat float64, zoom int) int {
	lat = math.Max(-maxMercatorLat, math.Min(maxMercatorLat, lat))
	n := math.Exp2(float64(zoom))
	r := toRad(lat)
	y := int(math.Floor((1 - math.Log(math.Tan(r)+1/math.Cos(r))/math.Pi) / 2 * n))
	return clampTile(y, zoom)
}

func clampTile(v, zoom int) int {
	limit := (1 << zoom) - 1
	if v < 0 {
		return 0
	}
	if v > limit {
		return limit
	}
	return v
}

// Tiles yields every tile intersecting the region's bounding box for each
// zoom in [minZoom, maxZoom], ordered by zoom, then x, then y. Nothing is
// materialized, so large regions cost no memory up front.
func Tiles(r model.Region, minZoom, maxZoom int) iter.Seq[model.TileCoord] {
	return func(yield func(model.TileCoord) bool) {
		forEachZoom(r, minZoom, maxZoom, func(z, x0, x1, y0, y1 int) bool {
			for x := x0; x <= x1; x++ {
				for y := y0; y <= y1; y++ {
					if !yield(model.TileCoord{X: x, Y: y, Z: z}) {
						return false
					}
				}
			}
			return true
		})
	}
}

// TilesForRegion collects Tiles into a slice.
func TilesForRegion(r model.Region, minZoom, maxZoom int) []model.TileCoord {
	return slices.Collect(Tiles(r, minZoom, maxZoom))
}

// CountTiles is len(TilesForRegion) without enumerating.
func CountTiles(r model.Region, minZoom, maxZoom int) int64 {
	var n int64
	forEachZoom(r, minZoom, maxZoom, func(_, x0, x1, y0, y1 int) bool {
		n += int64(x1-x0+1) * int64(y1-y0+1)
		return true
	})
	return n
}

func forEachZoom(r model.Region, minZoom, maxZoom int, fn func(z, x0, x1, y0, y1 int) bool) {
	if minZoom < 0 {
		minZoom = 0
	}
	bb := r.BBox()
	for z := minZoom; z <= maxZoom; z++ {
		x0, x1 := TileX(bb.MinLon, z), TileX(bb.MaxLon, z)
		// north edge has the smaller row index
		y0, y1 := TileY(bb.MaxLat, z), TileY(bb.MinLat, z)
		if !fn(z, x0, x1, y0, y1) {
			return
		}
	}
}
