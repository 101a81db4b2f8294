package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"fintraq/internal/amqp"
	"fintraq/internal/cache"
	"fintraq/internal/capture"
	"fintraq/internal/cli"
	"fintraq/internal/config"
	apphttp "fintraq/internal/http"
	"fintraq/internal/log"
	"fintraq/internal/worker"
)

func main() {
	cli.LoadEnvFile()
	logger := cli.SetupLogger(os.Getenv("LOG_LEVEL"))
	logger.Info("Starting fintraq-agent")

	cfg := cli.LoadAndValidateConfig(logger)
	repo := cli.InitSQLite(logger, cfg.SQLiteDBPath)
	defer repo.Close()

	caches := cache.NewManager()
	caches.StartCleanup(10 * time.Minute)
	defer caches.Stop()

	syncWorker, cleanupBackend, err := cli.BuildSyncWorker(context.Background(), logger, cfg, repo, caches)
	if err != nil {
		logger.Error("Failed to initialize ingestion backend",
			log.FieldErrorType, log.ErrorTypeConfiguration,
			log.FieldError, err)
		os.Exit(1)
	}
	defer cleanupBackend()

	processor := worker.NewProcessor(syncWorker, repo, cli.ProcessorConfig(cfg), logger.WithComponent(log.ComponentWorker))

	triggers := capture.Triggers{processor}
	var (
		amqpClient *amqp.Client
		publisher  *amqp.AsyncTrigger
	)
	if cfg.AMQPURL != "" {
		amqpClient, err = amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
		if err != nil {
			// local passes still run; the worker just won't hear about captures early
			logger.Warn("Failed to initialize AMQP client, continuing without sync notifications",
				log.FieldError, err)
		} else {
			defer amqpClient.Close()
			publisher = amqp.NewAsyncTrigger(amqpClient, amqp.DefaultTriggerBuffer, logger.WithComponent(log.ComponentAMQP))
			triggers = append(triggers, publisher)
		}
	}

	intake := capture.NewIntake(repo, triggers, capture.WithLogger(logger.WithComponent(log.ComponentCapture)))

	srv := apphttp.NewServer(":"+cfg.Port, apphttp.Deps{
		Intake:  intake,
		Syncer:  syncWorker,
		Store:   repo,
		Reports: processor,
	}, apphttp.WithServerLogger(logger.WithComponent(log.ComponentHTTP)))

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, func(ctx context.Context) {
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Server shutdown error", log.FieldError, err)
		}
		if err := processor.Stop(ctx); err != nil {
			logger.Warn("Processor stop error", log.FieldError, err)
		}
		if publisher != nil {
			publisher.Stop()
			logger.Info("Sync notifications stopped",
				"published", publisher.Published(),
				"dropped", publisher.Dropped())
		}
	})

	if err := processor.Start(ctx); err != nil {
		logger.Error("Failed to start processor", log.FieldError, err)
		os.Exit(1)
	}
	if publisher != nil {
		publisher.Start(ctx)
	}

	logBanner(logger, cfg, amqpClient != nil)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server error", log.FieldError, err, "port", cfg.Port)
		os.Exit(1)
	}

	cli.WaitForShutdown(ctx, done)
	logger.Info("Agent stopped gracefully")
}

func logBanner(logger *log.Logger, cfg *config.Config, amqpEnabled bool) {
	logger.Info("Listening",
		"port", cfg.Port,
		"backend", cfg.IngestBackend,
		"device_id", cfg.DeviceID,
		"sync_interval", cfg.SyncInterval.String(),
		"amqp", amqpEnabled)
}
