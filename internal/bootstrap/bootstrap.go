package bootstrap

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/blociq/lease-pipeline/internal/config"
	"github.com/blociq/lease-pipeline/internal/core/ports"
	"github.com/blociq/lease-pipeline/internal/core/usecase"
	"github.com/blociq/lease-pipeline/internal/infrastructure/export/xlsx"
	"github.com/blociq/lease-pipeline/internal/infrastructure/identity/jwtauth"
	"github.com/blociq/lease-pipeline/internal/infrastructure/llm/gemini"
	"github.com/blociq/lease-pipeline/internal/infrastructure/llm/leaseprompt"
	"github.com/blociq/lease-pipeline/internal/infrastructure/llm/ollama"
	"github.com/blociq/lease-pipeline/internal/infrastructure/llm/openai"
	"github.com/blociq/lease-pipeline/internal/infrastructure/lock/redislock"
	"github.com/blociq/lease-pipeline/internal/infrastructure/notify/resend"
	"github.com/blociq/lease-pipeline/internal/infrastructure/ocr"
	"github.com/blociq/lease-pipeline/internal/infrastructure/ocr/pdftext"
	"github.com/blociq/lease-pipeline/internal/infrastructure/ocr/remote"
	"github.com/blociq/lease-pipeline/internal/infrastructure/ocr/vision"
	"github.com/blociq/lease-pipeline/internal/infrastructure/queue/nats"
	"github.com/blociq/lease-pipeline/internal/infrastructure/repository/postgres"
	"github.com/blociq/lease-pipeline/internal/infrastructure/resilience"
	"github.com/blociq/lease-pipeline/internal/infrastructure/storage/localfs"
	"github.com/blociq/lease-pipeline/internal/infrastructure/storage/s3"
)

type App struct {
	Config config.Config
	Logger *zerolog.Logger

	Queue *nats.Queue

	Upload   ports.Uploader
	Process  ports.JobProcessor
	Schedule ports.Scheduler
	Notify   ports.NotificationSweeper
	Status   ports.JobStatusReader
	Results  ports.ResultDownloader

	// Identity is nil when JWT_SECRET is unset. Only the API needs it.
	Identity ports.IdentityVerifier

	closeFns []func()
}

func New(ctx context.Context, cfg config.Config, logger *zerolog.Logger) (_ *App, err error) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	app := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	db, err := postgres.OpenDB(cfg.PostgresDSN, cfg.PostgresMaxConns)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	app.onClose(func() { _ = db.Close() })
	if err := postgres.EnsureSchema(ctx, db); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	docs := postgres.NewDocumentRepository(db)
	jobs := postgres.NewJobRepository(db)

	storage, err := newStorage(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init object storage: %w", err)
	}

	executor := resilience.NewExecutor(resilienceConfig(cfg), logger)

	queue, err := nats.NewWithOptions(cfg.NATSURL, cfg.NATSSubject, nats.Options{
		QueueGroup:         cfg.NATSQueueGroup,
		Concurrency:        cfg.WorkerConcurrency,
		ResilienceExecutor: executor,
		Logger:             logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init message queue: %w", err)
	}
	app.Queue = queue
	app.onClose(queue.Close)

	var locker ports.Locker
	if cfg.RedisURL != "" {
		cli, err := redislock.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("init scheduler lock: %w", err)
		}
		app.onClose(func() { _ = cli.Close() })
		locker = redislock.New(cli)
	}

	var sender ports.NotificationSender
	if cfg.ResendAPIKey != "" {
		s, err := resend.New(resend.Config{
			APIKey:   cfg.ResendAPIKey,
			BaseURL:  cfg.ResendBaseURL,
			From:     cfg.NotifyFromEmail,
			Executor: executor,
		})
		if err != nil {
			return nil, fmt.Errorf("init notification sender: %w", err)
		}
		sender = s
	} else {
		logger.Warn().Msg("notifications_disabled_no_resend_key")
	}

	if cfg.JWTSecret != "" {
		verifier, err := jwtauth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)
		if err != nil {
			return nil, fmt.Errorf("init identity verifier: %w", err)
		}
		app.Identity = verifier
	}

	extractor, err := newExtractor(ctx, cfg, executor)
	if err != nil {
		return nil, fmt.Errorf("init field extractor: %w", err)
	}

	ocrChain := newOCRChain(cfg, executor, logger)

	app.Upload = usecase.NewUploadUseCase(docs, jobs, storage, usecase.UploadPolicy{
		MaxBytes:   cfg.MaxUploadBytes,
		MaxRetries: cfg.MaxRetries,
	}, logger)
	app.Process = usecase.NewProcessUseCase(jobs, storage, ocrChain, extractor, usecase.ProcessPolicy{
		RetryDelay: cfg.RetryDelay,
	}, logger)
	notify := usecase.NewNotifyUseCase(jobs, sender, usecase.NotifyPolicy{
		BatchSize:     cfg.NotifyBatchSize,
		PublicBaseURL: cfg.PublicBaseURL,
	}, logger)
	app.Notify = notify
	app.Schedule = usecase.NewScheduleUseCase(jobs, jobs, queue, notify, locker, usecase.SchedulePolicy{
		MaxConcurrentJobs: cfg.MaxConcurrentJobs,
		QueueWindow:       cfg.QueueWindow,
		ProcessingTimeout: cfg.ProcessingTimeout,
		RetentionDays:     cfg.RetentionDays,
		RetryDelay:        cfg.RetryDelay,
	}, logger)
	app.Status = usecase.NewStatusUseCase(jobs)
	app.Results = usecase.NewResultsUseCase(jobs, docs, xlsx.New())

	return app, nil
}

func (a *App) onClose(fn func()) {
	a.closeFns = append(a.closeFns, fn)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closeFns) - 1; i >= 0; i-- {
		a.closeFns[i]()
	}
	a.closeFns = nil
}

func resilienceConfig(cfg config.Config) resilience.Config {
	rc := resilience.DefaultConfig()
	rc.RetryMaxAttempts = cfg.RetryMaxAttempts
	rc.BreakerEnabled = cfg.BreakerEnabled
	return rc
}

func newStorage(ctx context.Context, cfg config.Config) (ports.ObjectStorage, error) {
	switch cfg.StorageBackend {
	case "s3":
		return s3.New(ctx, s3.Config{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Prefix:    cfg.S3Prefix,
			PathStyle: cfg.S3PathStyle,
		})
	default:
		return localfs.New(cfg.StoragePath)
	}
}

// newOCRChain orders engines from cheapest to most expensive.
func newOCRChain(cfg config.Config, executor *resilience.Executor, logger *zerolog.Logger) *ocr.Chain {
	engines := []ocr.Engine{pdftext.New()}
	if cfg.OCRServiceURL != "" {
		engines = append(engines, remote.New(remote.Options{
			BaseURL:  cfg.OCRServiceURL,
			MaxBytes: cfg.OCRMaxRemoteBytes,
			Timeout:  cfg.OCRTimeout,
			Executor: executor,
		}))
	}
	if cfg.OCRVisionEnabled && cfg.OpenAIAPIKey != "" {
		engines = append(engines, vision.New(vision.Config{
			APIKey:   cfg.OpenAIAPIKey,
			BaseURL:  cfg.OpenAIBaseURL,
			Model:    cfg.OpenAIVisionModel,
			Executor: executor,
		}))
	}
	return ocr.NewChain(logger, engines...)
}

func newExtractor(ctx context.Context, cfg config.Config, executor *resilience.Executor) (ports.FieldExtractor, error) {
	budget := leaseprompt.Budget{MaxTokens: cfg.ExtractionMaxTokens}
	switch cfg.ExtractionProvider {
	case "gemini":
		return gemini.New(ctx, gemini.Config{
			APIKey:   cfg.GeminiAPIKey,
			BaseURL:  cfg.GeminiBaseURL,
			Model:    cfg.GeminiModel,
			Budget:   budget,
			Executor: executor,
		})
	case "ollama":
		client := ollama.New(cfg.OllamaURL, cfg.OllamaGenModel).WithResilience(executor)
		return ollama.NewExtractor(client, budget), nil
	default:
		return openai.New(openai.Config{
			APIKey:   cfg.OpenAIAPIKey,
			BaseURL:  cfg.OpenAIBaseURL,
			Model:    cfg.OpenAIExtractModel,
			Budget:   budget,
			Executor: executor,
		})
	}
}

// compile-time wiring checks
var (
	_ ports.JobClaimer         = (*postgres.JobRepository)(nil)
	_ ports.QueueInspector     = (*postgres.JobRepository)(nil)
	_ ports.NotificationOutbox = (*postgres.JobRepository)(nil)
	_ ports.ProcessDispatcher  = (*nats.Queue)(nil)
	_ ports.ProcessSubscriber  = (*nats.Queue)(nil)
	_ ports.Locker             = (*redislock.Locker)(nil)
)
