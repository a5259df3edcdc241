package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mohammed-shakir/trail-cache/internal/core/health"
	middleware "github.com/mohammed-shakir/trail-cache/internal/core/middleware"
	"github.com/mohammed-shakir/trail-cache/internal/core/router"
)

type Options struct {
	Addr   string
	Logger *slog.Logger
	// Metrics serves /metrics; nil uses the default Prometheus registry.
	Metrics http.Handler
	Ready   []health.Check
	API     *router.API
}

// Handler builds the chi router with middleware, probes and data routes.
func Handler(opt Options) http.Handler {
	logger := opt.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := opt.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logging(logger))
	r.Use(middleware.CORS())

	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(2*time.Second, opt.Ready...))
	r.Method(http.MethodGet, "/metrics", metrics)
	if opt.API != nil {
		opt.API.Mount(r)
	}
	return r
}

// Run serves until ctx is done, then shuts down gracefully.
func Run(ctx context.Context, opt Options) error {
	logger := opt.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := &http.Server{
		Addr:              opt.Addr,
		Handler:           Handler(opt),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// dataset installs stream a full file before responding
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listen", "addr", opt.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
