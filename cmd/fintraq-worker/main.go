package main

import (
	"context"
	"errors"
	"os"
	"time"

	"fintraq/internal/amqp"
	"fintraq/internal/cache"
	"fintraq/internal/cli"
	"fintraq/internal/log"
	"fintraq/internal/worker"
)

func main() {
	cli.LoadEnvFile()
	logger := cli.SetupLogger(os.Getenv("LOG_LEVEL"))
	logger.Info("Starting fintraq-worker")

	cfg := cli.LoadAndValidateConfig(logger)
	if cfg.AMQPURL == "" {
		logger.Error("AMQP_URL is required for the worker",
			log.FieldErrorType, log.ErrorTypeConfiguration)
		os.Exit(1)
	}

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

	amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
	if err != nil {
		logger.Error("Failed to initialize AMQP client", log.FieldError, err)
		os.Exit(1)
	}
	defer amqpClient.Close()

	// the periodic pass picks up anything a lost message would have triggered
	processor := worker.NewProcessor(syncWorker, repo, cli.ProcessorConfig(cfg), logger.WithComponent(log.ComponentWorker))

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, func(ctx context.Context) {
		if err := processor.Stop(ctx); err != nil {
			logger.Warn("Processor stop error", log.FieldError, err)
		}
	})

	if err := processor.Start(ctx); err != nil {
		logger.Error("Failed to start processor", log.FieldError, err)
		os.Exit(1)
	}

	logger.Info("Consuming sync requests",
		"exchange", cfg.AMQPExchange,
		"queue", cfg.AMQPQueue,
		"backend", cfg.IngestBackend)
	if err := amqpClient.ConsumeWithReconnect(ctx, syncWorker.HandleSyncRequest); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Message consumption failed", log.FieldError, err)
		os.Exit(1)
	}

	cli.WaitForShutdown(ctx, done)
	logger.Info("Worker stopped gracefully")
}
