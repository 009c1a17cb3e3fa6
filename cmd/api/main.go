package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pharmaopt/internal/api"
	"pharmaopt/internal/buildinfo"
	"pharmaopt/internal/config"
	"pharmaopt/internal/logging"
	"pharmaopt/internal/metrics"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		logging.New(logging.Config{ServiceName: "pharmaopt-api"}).Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(logging.Config{Level: cfg.LogLevel, ServiceName: "pharmaopt-api", Version: buildinfo.Version})
	metrics.RegisterDefault()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srvDeps, err := api.NewServer(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to init server", "error", err)
		os.Exit(1)
	}
	defer func() { _ = srvDeps.Close() }()
	srvDeps.Start(ctx)

	mux := http.NewServeMux()
	srvDeps.Register(mux)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.Instrument(mux, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("API listening", "addr", srv.Addr, "version", buildinfo.Version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
}
