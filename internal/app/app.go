// Package app constructs the service graph once at process start, in
// dependency order, and runs its long-lived loops.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/mohammed-shakir/trail-cache/internal/cache"
	"github.com/mohammed-shakir/trail-cache/internal/cache/diskstore"
	"github.com/mohammed-shakir/trail-cache/internal/cache/entity"
	"github.com/mohammed-shakir/trail-cache/internal/cache/redisstore"
	"github.com/mohammed-shakir/trail-cache/internal/cache/tiles"
	"github.com/mohammed-shakir/trail-cache/internal/core/config"
	"github.com/mohammed-shakir/trail-cache/internal/core/health"
	"github.com/mohammed-shakir/trail-cache/internal/core/httpclient"
	"github.com/mohammed-shakir/trail-cache/internal/core/model"
	"github.com/mohammed-shakir/trail-cache/internal/core/router"
	"github.com/mohammed-shakir/trail-cache/internal/core/server"
	"github.com/mohammed-shakir/trail-cache/internal/dataset"
	"github.com/mohammed-shakir/trail-cache/internal/facade"
	"github.com/mohammed-shakir/trail-cache/internal/invalidation"
	"github.com/mohammed-shakir/trail-cache/internal/invalidation/kafkaconsumer"
	"github.com/mohammed-shakir/trail-cache/internal/invalidation/publisher"
	"github.com/mohammed-shakir/trail-cache/internal/metrics"
	"github.com/mohammed-shakir/trail-cache/internal/query"
	"github.com/mohammed-shakir/trail-cache/internal/version"
)

const redisPrefix = "trailcache"

type App struct {
	Cfg     config.Config
	Logger  *slog.Logger
	Metrics *metrics.Provider

	Store    *dataset.Store
	Query    *query.Optimizer
	Entity   *entity.Cache[json.RawMessage] // nil when the cache backend is down
	Tiles    *tiles.Cache
	Facade   *facade.Facade
	Versions *version.Manager

	Publisher *publisher.Publisher // nil unless invalidation is enabled
	Consumer  *kafkaconsumer.Consumer

	entityErr error
	closers   []func() error
}

// Options overrides pieces of the graph; zero values use the defaults.
type Options struct {
	Build metrics.BuildInfo
	// Fs backs the tile cache and the disk entity store.
	Fs afero.Fs
	// EntityStore replaces the backend chosen by cfg.CacheBackend.
	EntityStore  cache.Store
	Connectivity version.Connectivity
}

// New wires config -> metrics -> dataset -> query -> entity cache -> tiles
// -> facade -> version manager -> invalidation. Only a dataset failure is
// fatal; cache and tile failures degrade the service.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger, opt Options) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opt.Fs == nil {
		opt.Fs = afero.NewOsFs()
	}
	a := &App{Cfg: cfg, Logger: logger}

	a.Metrics = metrics.Init(metrics.Config{
		Enabled: cfg.MetricsEnabled,
		Addr:    cfg.MetricsAddr,
		Path:    cfg.MetricsPath,
		Build:   opt.Build,
	})

	store, err := dataset.Open(ctx, cfg.DatasetPath(), logger.With("component", "dataset"))
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	a.Store = store
	a.closers = append(a.closers, store.Close)

	a.Query = query.New(store, logger.With("component", "query"))

	a.Entity, a.entityErr = a.openEntityCache(ctx, opt)
	if a.entityErr != nil {
		logger.Warn("entity cache unavailable; serving uncached", "backend", cfg.CacheBackend, "err", a.entityErr)
	}

	client := httpclient.NewOutbound(cfg.HTTPTimeout)
	a.Tiles = tiles.New(tiles.Options{
		Fs:             opt.Fs,
		Dir:            cfg.TileCacheDir(),
		URLTemplate:    cfg.TileURLTemplate,
		Budget:         cfg.TileBudgetBytes,
		MaxAge:         cfg.TileMaxAge,
		BatchSize:      cfg.TileBatchSize,
		MaxRegionTiles: cfg.TileMaxRegion,
		Client:         client,
		Logger:         logger,
	})
	if err := a.Tiles.Init(ctx); err != nil {
		logger.Warn("tile cache disabled", "err", err)
	}

	fo := facade.Options{
		Tiles:     a.Tiles,
		TTL:       cfg.EntityTTL,
		OpTimeout: cfg.CacheOpTimeout,
		Logger:    logger,
	}
	if a.Entity != nil {
		fo.Cache = a.Entity
	}
	a.Facade = facade.New(a.Query, fo)

	seed, err := store.Metadata(ctx, "db_version")
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		logger.Warn("read dataset version metadata", "err", err)
	}
	conn := opt.Connectivity
	if conn == nil {
		conn = DialProbe(cfg.VersionURL, 2*time.Second)
	}
	a.Versions, err = version.New(version.Options{
		// sqlite opens the dataset by path
		Fs:             afero.NewOsFs(),
		DatasetPath:    cfg.DatasetPath(),
		VersionURL:     cfg.VersionURL,
		DatasetURL:     cfg.DatasetURL,
		Client:         client,
		DownloadClient: httpclient.NewDownload(cfg.HTTPTimeout),
		Connectivity:   conn,
		Store:          store,
		Verify:         dataset.Verify,
		CheckInterval:  cfg.VersionCheckInterval,
		SeedVersion:    seed,
		Logger:         logger,
	})
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("version manager: %w", err)
	}
	a.Versions.OnInstalled(a.onInstalled)

	if cfg.Invalidation.Enabled {
		a.wireInvalidation()
	}
	return a, nil
}

func (a *App) openEntityCache(ctx context.Context, opt Options) (*entity.Cache[json.RawMessage], error) {
	store := opt.EntityStore
	if store == nil {
		switch a.Cfg.CacheBackend {
		case "redis":
			rs, err := redisstore.New(ctx, a.Cfg.RedisAddr, redisPrefix)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", model.ErrStorageUnavailable, err)
			}
			a.closers = append(a.closers, rs.Close)
			store = rs
		case "disk", "":
			ds, err := diskstore.New(opt.Fs, a.Cfg.EntityCacheDir())
			if err != nil {
				return nil, fmt.Errorf("%w: %v", model.ErrStorageUnavailable, err)
			}
			store = ds
		default:
			return nil, fmt.Errorf("unknown cache backend %q", a.Cfg.CacheBackend)
		}
	}
	return entity.Open[json.RawMessage](ctx, store, entity.Options{
		Namespace:   "entity",
		MaxItems:    a.Cfg.EntityMaxItems,
		DefaultTTL:  a.Cfg.EntityTTL,
		L1Size:      a.Cfg.EntityL1Size,
		PruneOnOpen: a.Cfg.EntityPruneOnInit,
		Logger:      a.Logger,
	})
}

func (a *App) wireInvalidation() {
	ic := a.Cfg.Invalidation
	brokers := config.SplitCSV(ic.Brokers)
	pub, err := publisher.New(brokers, ic.Topic, ic.Source, a.Logger)
	if err != nil {
		a.Logger.Warn("invalidation publisher unavailable", "brokers", brokers, "err", err)
	} else {
		a.Publisher = pub
		a.closers = append(a.closers, pub.Close)
	}
	a.Consumer = kafkaconsumer.New(kafkaconsumer.FromConfig(ic), a.Logger, a.Facade, a.Tiles)
}

// onInstalled runs after the store already points at the new file.
func (a *App) onInstalled(ctx context.Context, v model.DatasetVersion) {
	if err := a.Facade.InvalidateAll(ctx); err != nil {
		a.Logger.WarnContext(ctx, "invalidate entity cache after install", "version", v.Version, "err", err)
	}
	if a.Publisher == nil {
		return
	}
	if err := a.Publisher.PublishInstalled(ctx, v); err != nil {
		a.Logger.WarnContext(ctx, "announce dataset install", "version", v.Version, "err", err)
	}
}

// InvalidateAll clears the local entity cache and asks peers to do the
// same. A scope of invalidation.ScopeAll also clears tiles.
func (a *App) InvalidateAll(ctx context.Context, scope string) error {
	if err := a.Facade.InvalidateAll(ctx); err != nil {
		return err
	}
	if scope == invalidation.ScopeAll {
		if err := a.Tiles.Clear(); err != nil {
			return fmt.Errorf("clear tiles: %w", err)
		}
	}
	if a.Publisher != nil {
		return a.Publisher.PublishInvalidate(ctx, scope)
	}
	return nil
}

// ReadyChecks reports the dataset as required and the caches as optional.
func (a *App) ReadyChecks() []health.Check {
	checks := []health.Check{
		{Name: "dataset", Required: true, Probe: a.Store.Ping},
		{Name: "entity_cache", Probe: func(context.Context) error { return a.entityErr }},
		{Name: "tile_cache", Probe: func(context.Context) error {
			if a.Tiles.Disabled() {
				return errors.New("disabled")
			}
			return nil
		}},
	}
	if a.Consumer != nil {
		checks = append(checks, health.Check{Name: "invalidation", Probe: a.Consumer.Ready})
	}
	return checks
}

// API exposes the graph over HTTP.
func (a *App) API() *router.API {
	return &router.API{
		Reads:          a.Facade,
		Tiles:          a.Tiles,
		Versions:       a.Versions,
		Logger:         a.Logger,
		MinZoom:        a.Cfg.TileMinZoom,
		MaxZoom:        a.Cfg.TileMaxZoom,
		MaxRegionTiles: a.Cfg.TileMaxRegion,
		InstallTimeout: 10 * time.Minute,
	}
}

// Serve runs the HTTP server, the metrics listener, the version check
// schedule and the invalidation consumer until ctx is done or one fails.
func (a *App) Serve(ctx context.Context) error {
	if a.Cfg.VersionURL != "" {
		if err := a.Versions.Schedule(fmt.Sprintf("@every %s", a.Cfg.VersionCheckInterval)); err != nil {
			return err
		}
		defer a.Versions.Stop()
		// startup check; the 24h guard makes it cheap on restarts
		go func() {
			if _, err := a.Versions.CheckForUpdates(ctx); err != nil {
				a.Logger.Warn("startup version check failed", "err", err)
			}
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx, server.Options{
			Addr:    a.Cfg.Addr,
			Logger:  a.Logger,
			Metrics: a.Metrics.Handler(),
			Ready:   a.ReadyChecks(),
			API:     a.API(),
		})
	})
	g.Go(func() error { return a.Metrics.Serve(gctx, a.Logger) })
	if a.Consumer != nil {
		g.Go(func() error { return a.Consumer.Start(gctx) })
	}
	return g.Wait()
}

// Close releases resources in reverse construction order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// DialProbe reports the network as online when a TCP connection to the
// host of rawURL succeeds. An empty or unparseable URL counts as online.
func DialProbe(rawURL string, timeout time.Duration) version.Connectivity {
	return version.ConnectivityFunc(func(ctx context.Context) bool {
		u, err := url.Parse(rawURL)
		if rawURL == "" || err != nil || u.Host == "" {
			return true
		}
		host := u.Host
		if u.Port() == "" {
			port := "443"
			if u.Scheme == "http" {
				port = "80"
			}
			host = net.JoinHostPort(u.Hostname(), port)
		}
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", host)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	})
}
