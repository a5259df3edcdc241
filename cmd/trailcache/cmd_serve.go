package main

import (
	"github.com/spf13/cobra"
)

var cmdServe = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API until interrupted",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := openApp(cmd.Context(), "trailcache")
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		a.Logger.Info("starting trailcache",
			"addr", cfg.Addr,
			"version", Version,
			"dataset", cfg.DatasetPath(),
			"dataset_version", a.Versions.Active().Version,
			"cache_backend", cfg.CacheBackend,
			"invalidation", cfg.Invalidation.Enabled)

		if err := a.Serve(cmd.Context()); err != nil {
			return err
		}
		a.Logger.Info("server stopped")
		return nil
	},
}

func init() {
	cmdRoot.AddCommand(cmdServe)

	f := cmdServe.Flags()
	f.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP listen address")
	f.BoolVar(&cfg.MetricsEnabled, "metrics", cfg.MetricsEnabled, "also serve metrics on --metrics-addr")
	f.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "dedicated metrics listen address")
	f.BoolVar(&cfg.Invalidation.Enabled, "invalidation", cfg.Invalidation.Enabled, "publish and consume Kafka invalidation events")
	f.StringVar(&cfg.Invalidation.Brokers, "kafka-brokers", cfg.Invalidation.Brokers, "comma separated Kafka brokers")
	f.StringVar(&cfg.Invalidation.Topic, "kafka-topic", cfg.Invalidation.Topic, "invalidation topic")
}
