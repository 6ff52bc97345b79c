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

	"github.com/blociq/lease-pipeline/internal/bootstrap"
	"github.com/blociq/lease-pipeline/internal/config"
	"github.com/blociq/lease-pipeline/internal/core/domain"
	"github.com/blociq/lease-pipeline/internal/observability/logging"
	"github.com/blociq/lease-pipeline/internal/observability/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewJSONLogger("worker", cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("bootstrap_failed")
	}
	defer app.Close()

	workerMetrics := metrics.NewWorkerMetrics("worker")
	metricsServer := &http.Server{
		Addr:              ":" + cfg.WorkerMetricsPort,
		Handler:           workerMetrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("worker_metrics_server_error")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("subject", cfg.NATSSubject).Int("concurrency", cfg.WorkerConcurrency).Msg("worker_subscribing")
	err = app.Queue.SubscribeProcessRequests(ctx, func(handlerCtx context.Context, jobID string) error {
		processCtx, cancel := context.WithTimeout(handlerCtx, cfg.WorkerJobTimeout)
		defer cancel()

		start := time.Now()
		workerMetrics.StartJob()
		var job *domain.Job
		var err error
		if jobID == "" {
			job, err = app.Process.ProcessNext(processCtx)
		} else {
			job, err = app.Process.ProcessByID(processCtx, jobID)
		}
		workerMetrics.FinishJob("worker", job, time.Since(start))
		return err
	})
	if err != nil {
		logger.Error().Err(err).Msg("worker_subscribe_error")
		return
	}
	logger.Info().Msg("worker_stopped")
}
