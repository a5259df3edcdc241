package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mohammed-shakir/trail-cache/internal/app"
	"github.com/mohammed-shakir/trail-cache/internal/core/config"
	"github.com/mohammed-shakir/trail-cache/internal/logger"
	"github.com/mohammed-shakir/trail-cache/internal/metrics"
)

var Version = "dev"

// cfg starts from the environment; persistent flags override it.
var cfg = config.FromEnv()

var cmdRoot = &cobra.Command{
	Use:   "trailcache",
	Short: "Offline-first cache and query layer for a local trails dataset",
	Long: `
trailcache serves trail, park and POI queries from a local SQLite dataset
through a bounded entity cache, keeps a byte-budgeted map tile cache and
installs new dataset versions atomically.

Every flag can also be set through the environment (see internal/core/config).
`,
	SilenceErrors:     true,
	SilenceUsage:      true,
	DisableAutoGenTag: true,
}

func init() {
	f := cmdRoot.PersistentFlags()
	f.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "directory holding the dataset and caches")
	f.StringVar(&cfg.DatasetFile, "dataset", cfg.DatasetFile, "dataset file, relative to --data-dir unless absolute")
	f.StringVar(&cfg.CacheBackend, "cache-backend", cfg.CacheBackend, "entity cache backend: disk|redis")
	f.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "redis address for --cache-backend=redis")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug|info|warn|error")
	f.BoolVar(&cfg.LogConsole, "log-console", cfg.LogConsole, "human readable logs")
	f.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "also write logs to this rotated file")
	f.StringVar(&cfg.VersionURL, "version-url", cfg.VersionURL, "remote version endpoint")
	f.StringVar(&cfg.DatasetURL, "dataset-url", cfg.DatasetURL, "remote dataset download endpoint")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := cmdRoot.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(component string) *slog.Logger {
	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		Component: component,
		File:      cfg.LogFile,
	}, os.Stderr)
	return logger.NewSlog(&zl)
}

// openApp builds the full service graph for a subcommand.
func openApp(ctx context.Context, component string) (*app.App, error) {
	return app.New(ctx, cfg, newLogger(component), app.Options{
		Build: metrics.BuildInfo{Version: Version},
	})
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
