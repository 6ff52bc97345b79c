package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/netutil"

	httpadapter "github.com/blociq/lease-pipeline/internal/adapters/http"
	"github.com/blociq/lease-pipeline/internal/bootstrap"
	"github.com/blociq/lease-pipeline/internal/config"
	"github.com/blociq/lease-pipeline/internal/observability/logging"
	"github.com/blociq/lease-pipeline/internal/observability/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewJSONLogger("api", cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := httpadapter.LoadOpenAPI(ctx); err != nil {
		logger.Fatal().Err(err).Msg("openapi_invalid")
	}

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("bootstrap_failed")
	}
	defer app.Close()
	if app.Identity == nil {
		logger.Fatal().Msg("JWT_SECRET is required for the api")
	}
	if cfg.SchedulerSecret == "" {
		logger.Warn().Msg("scheduler_endpoints_disabled_no_secret")
	}

	router := httpadapter.NewRouter(
		app.Upload,
		app.Status,
		app.Results,
		app.Schedule,
		app.Identity,
		metrics.NewHTTPServerMetrics("api"),
		httpadapter.Options{
			MaxUploadBytes:  cfg.MaxUploadBytes,
			SchedulerSecret: cfg.SchedulerSecret,
			RateLimitRPS:    cfg.APIRateLimitRPS,
			RateLimitBurst:  cfg.APIRateLimitBurst,
			MaxInFlight:     cfg.APIMaxInFlight,
			StatsWindow:     cfg.QueueWindow,
		},
		logger,
	).Handler()

	server := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	listener, err := net.Listen("tcp", ":"+cfg.APIPort)
	if err != nil {
		logger.Fatal().Err(err).Str("port", cfg.APIPort).Msg("api_listen_failed")
	}
	if cfg.APIMaxConnections > 0 {
		listener = netutil.LimitListener(listener, cfg.APIMaxConnections)
	}

	go func() {
		logger.Info().Str("port", cfg.APIPort).Int("max_connections", cfg.APIMaxConnections).Msg("api_listening")
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("api_server_error")
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("api_shutdown_error")
	}
}
