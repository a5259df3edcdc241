package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type InvalidationCfg struct {
	Enabled bool
	Topic   string
	Brokers string
	GroupID string
	Source  string
}

type Config struct {
	Addr       string
	LogLevel   string
	LogConsole bool
	LogFile    string

	DataDir     string
	DatasetFile string

	CacheBackend      string // disk | redis
	RedisAddr         string
	EntityMaxItems    int
	EntityTTL         time.Duration
	EntityL1Size      int
	CacheOpTimeout    time.Duration
	EntityPruneOnInit bool

	TileURLTemplate string
	TileBudgetBytes int64
	TileMaxAge      time.Duration
	TileBatchSize   int
	TileMinZoom     int
	TileMaxZoom     int
	TileMaxRegion   int64

	VersionURL           string
	DatasetURL           string
	VersionCheckInterval time.Duration
	HTTPTimeout          time.Duration

	MetricsEnabled bool
	MetricsAddr    string
	MetricsPath    string

	Invalidation InvalidationCfg
}

// DatasetPath is the active dataset file the store opens.
func (c Config) DatasetPath() string {
	if filepath.IsAbs(c.DatasetFile) {
		return c.DatasetFile
	}
	return filepath.Join(c.DataDir, c.DatasetFile)
}

func (c Config) EntityCacheDir() string { return filepath.Join(c.DataDir, "entity-cache") }

func (c Config) TileCacheDir() string { return filepath.Join(c.DataDir, "tiles") }

func FromEnv() Config {
	minZoom := getint("TILE_MIN_ZOOM", 12)
	maxZoom := getint("TILE_MAX_ZOOM", 16)
	if minZoom < 0 {
		minZoom = 0
	}
	if maxZoom > 22 {
		maxZoom = 22
	}
	if minZoom > maxZoom {
		minZoom, maxZoom = 12, 16
	}

	host, _ := os.Hostname()

	return Config{
		Addr:       getenv("ADDR", ":8090"),
		LogLevel:   getenv("LOG_LEVEL", "info"),
		LogConsole: getbool("LOG_CONSOLE", false),
		LogFile:    getenv("LOG_FILE", ""),

		DataDir:     getenv("DATA_DIR", "./data"),
		DatasetFile: getenv("DATASET_FILE", "trails.db"),

		CacheBackend:      strings.ToLower(getenv("CACHE_BACKEND", "disk")),
		RedisAddr:         getenv("REDIS_ADDR", "localhost:6379"),
		EntityMaxItems:    getint("ENTITY_CACHE_MAX_ITEMS", 100),
		EntityTTL:         getduration("ENTITY_CACHE_TTL", 24*time.Hour),
		EntityL1Size:      getint("ENTITY_CACHE_L1_SIZE", 256),
		CacheOpTimeout:    getduration("CACHE_OP_TIMEOUT", 250*time.Millisecond),
		EntityPruneOnInit: getbool("ENTITY_CACHE_PRUNE_ON_INIT", true),

		TileURLTemplate: getenv("TILE_URL_TEMPLATE", "https://tile.openstreetmap.org/{z}/{x}/{y}.png"),
		TileBudgetBytes: getint64("TILE_BUDGET_BYTES", 50*1024*1024),
		TileMaxAge:      getduration("TILE_MAX_AGE", 7*24*time.Hour),
		TileBatchSize:   getint("TILE_BATCH_SIZE", 5),
		TileMinZoom:     minZoom,
		TileMaxZoom:     maxZoom,
		TileMaxRegion:   getint64("TILE_MAX_REGION_TILES", 10000),

		VersionURL:           getenv("VERSION_URL", ""),
		DatasetURL:           getenv("DATASET_URL", ""),
		VersionCheckInterval: getduration("VERSION_CHECK_INTERVAL", 24*time.Hour),
		HTTPTimeout:          getduration("HTTP_TIMEOUT", 15*time.Second),

		MetricsEnabled: getbool("METRICS_ENABLED", false),
		MetricsAddr:    getenv("METRICS_ADDR", ":9090"),
		MetricsPath:    getenv("METRICS_PATH", "/metrics"),

		Invalidation: InvalidationCfg{
			Enabled: getbool("INVALIDATION_ENABLED", false),
			Topic:   getenv("KAFKA_TOPIC", "dataset-updates"),
			Brokers: getenv("KAFKA_BROKERS", "localhost:9092"),
			GroupID: getenv("KAFKA_GROUP_ID", "trail-cache-"+host),
			Source:  getenv("INSTANCE_ID", host),
		},
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getint64(k string, def int64) int64 {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// SplitCSV splits "a, b,,c" into [a b c].
func SplitCSV(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
