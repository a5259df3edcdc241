package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mohammed-shakir/trail-cache/internal/core/model"
	"github.com/mohammed-shakir/trail-cache/internal/invalidation"
)

type prefetchOptions struct {
	Region  model.Region
	MinZoom int
	MaxZoom int
}

var prefetchOpts prefetchOptions

var cmdPrefetch = &cobra.Command{
	Use:   "prefetch",
	Short: "Cache every map tile covering a region",
	RunE: func(cmd *cobra.Command, _ []string) error {
		r := prefetchOpts.Region
		if r.LatitudeDelta <= 0 || r.LongitudeDelta <= 0 {
			return errors.New("--lat-delta and --lon-delta must be positive")
		}
		a, err := openApp(cmd.Context(), "prefetch")
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()
		if a.Tiles.Disabled() {
			return errors.New("tile cache is disabled; see logs")
		}

		rep, err := a.Facade.CacheRegion(cmd.Context(), r, prefetchOpts.MinZoom, prefetchOpts.MaxZoom)
		if perr := printJSON(cmd.OutOrStdout(), rep); perr != nil {
			return perr
		}
		return err
	},
}

var pruneMaxAge time.Duration

var cmdPruneTiles = &cobra.Command{
	Use:   "prune-tiles",
	Short: "Evict aged tiles and trim the tile cache to its budget",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := openApp(cmd.Context(), "prune-tiles")
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		n, err := a.Tiles.Prune(pruneMaxAge)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d tiles, %d bytes remain\n", n, a.Tiles.Size())
		return nil
	},
}

var invalidateScope string

var cmdInvalidate = &cobra.Command{
	Use:   "invalidate",
	Short: "Drop cached query results (and tiles with --scope=all)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if invalidateScope != invalidation.ScopeEntity && invalidateScope != invalidation.ScopeAll {
			return fmt.Errorf("--scope must be %s or %s", invalidation.ScopeEntity, invalidation.ScopeAll)
		}
		a, err := openApp(cmd.Context(), "invalidate")
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()
		return a.InvalidateAll(cmd.Context(), invalidateScope)
	},
}

func init() {
	cmdRoot.AddCommand(cmdPrefetch, cmdPruneTiles, cmdInvalidate)

	f := cmdPrefetch.Flags()
	f.Float64Var(&prefetchOpts.Region.Latitude, "lat", 0, "region center latitude")
	f.Float64Var(&prefetchOpts.Region.Longitude, "lon", 0, "region center longitude")
	f.Float64Var(&prefetchOpts.Region.LatitudeDelta, "lat-delta", 0.05, "region height in degrees")
	f.Float64Var(&prefetchOpts.Region.LongitudeDelta, "lon-delta", 0.05, "region width in degrees")
	f.IntVar(&prefetchOpts.MinZoom, "min-zoom", cfg.TileMinZoom, "lowest zoom to cache")
	f.IntVar(&prefetchOpts.MaxZoom, "max-zoom", cfg.TileMaxZoom, "highest zoom to cache")
	_ = cmdPrefetch.MarkFlagRequired("lat")
	_ = cmdPrefetch.MarkFlagRequired("lon")

	cmdPruneTiles.Flags().DurationVar(&pruneMaxAge, "max-age", cfg.TileMaxAge, "remove tiles older than this")
	cmdInvalidate.Flags().StringVar(&invalidateScope, "scope", invalidation.ScopeEntity, "entity|all")
}
