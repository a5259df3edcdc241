package config

import (
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestFromEnv_Defaults(t *testing.T) {
	for _, k := range []string{"ENTITY_CACHE_MAX_ITEMS", "ENTITY_CACHE_TTL", "TILE_BUDGET_BYTES", "TILE_BATCH_SIZE", "TILE_MIN_ZOOM", "TILE_MAX_ZOOM", "TILE_MAX_AGE", "CACHE_BACKEND"} {
		t.Setenv(k, "")
	}
	c := FromEnv()
	if c.EntityMaxItems != 100 {
		t.Fatalf("EntityMaxItems=%d", c.EntityMaxItems)
	}
	if c.EntityTTL != 24*time.Hour {
		t.Fatalf("EntityTTL=%v", c.EntityTTL)
	}
	if c.TileBudgetBytes != 50*1024*1024 {
		t.Fatalf("TileBudgetBytes=%d", c.TileBudgetBytes)
	}
	if c.TileBatchSize != 5 || c.TileMinZoom != 12 || c.TileMaxZoom != 16 {
		t.Fatalf("tile defaults wrong: %+v", c)
	}
	if c.TileMaxAge != 7*24*time.Hour {
		t.Fatalf("TileMaxAge=%v", c.TileMaxAge)
	}
	if c.CacheBackend != "disk" {
		t.Fatalf("CacheBackend=%q", c.CacheBackend)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("ENTITY_CACHE_MAX_ITEMS", "7")
	t.Setenv("ENTITY_CACHE_TTL", "90s")
	t.Setenv("CACHE_BACKEND", "Redis")
	t.Setenv("INVALIDATION_ENABLED", "yes")
	t.Setenv("TILE_BUDGET_BYTES", "1024")
	c := FromEnv()
	if c.EntityMaxItems != 7 || c.EntityTTL != 90*time.Second || c.CacheBackend != "redis" {
		t.Fatalf("overrides not applied: %+v", c)
	}
	if !c.Invalidation.Enabled || c.TileBudgetBytes != 1024 {
		t.Fatalf("overrides not applied: %+v", c)
	}
}

func TestFromEnv_InvalidZoomRangeFallsBack(t *testing.T) {
	t.Setenv("TILE_MIN_ZOOM", "15")
	t.Setenv("TILE_MAX_ZOOM", "10")
	c := FromEnv()
	if c.TileMinZoom != 12 || c.TileMaxZoom != 16 {
		t.Fatalf("zoom=%d..%d want 12..16", c.TileMinZoom, c.TileMaxZoom)
	}
}

func TestPaths(t *testing.T) {
	c := Config{DataDir: "/var/lib/trails", DatasetFile: "trails.db"}
	if c.DatasetPath() != filepath.Join("/var/lib/trails", "trails.db") {
		t.Fatalf("DatasetPath=%s", c.DatasetPath())
	}
	c.DatasetFile = "/opt/ds.db"
	if c.DatasetPath() != "/opt/ds.db" {
		t.Fatalf("absolute DatasetFile ignored: %s", c.DatasetPath())
	}
}

func TestSplitCSV(t *testing.T) {
	got := SplitCSV(" a, b,,c ")
	if !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("SplitCSV=%v", got)
	}
}
