package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blociq/lease-pipeline/internal/bootstrap"
	"github.com/blociq/lease-pipeline/internal/config"
	"github.com/blociq/lease-pipeline/internal/observability/logging"
	"github.com/blociq/lease-pipeline/internal/observability/metrics"
)

// The scheduler binary is for deployments without an external cron. Run it
// with REDIS_URL set when more than one replica is up.
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewJSONLogger("scheduler", cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("bootstrap_failed")
	}
	defer app.Close()
	if cfg.RedisURL == "" {
		logger.Warn().Msg("scheduler_running_without_lock")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	schedMetrics := metrics.NewSchedulerMetrics(registry, "scheduler")

	metricsServer := &http.Server{
		Addr:              ":" + cfg.SchedulerMetricsPort,
		Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("scheduler_metrics_server_error")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	tick := func() {
		tickCtx, cancel := context.WithTimeout(ctx, cfg.SchedulerInterval)
		defer cancel()
		report, err := app.Schedule.Tick(tickCtx)
		schedMetrics.ObserveTick(report, err)
		if err != nil {
			logger.Error().Err(err).Msg("tick_failed")
		}
	}

	logger.Info().Dur("interval", cfg.SchedulerInterval).Msg("scheduler_started")
	ticker := time.NewTicker(cfg.SchedulerInterval)
	defer ticker.Stop()
	tick()
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("scheduler_stopped")
			return
		case <-ticker.C:
			tick()
		}
	}
}
