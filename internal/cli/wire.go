package cli

import (
	"context"
	"fmt"

	"fintraq/internal/backend"
	"fintraq/internal/cache"
	"fintraq/internal/config"
	"fintraq/internal/log"
	"fintraq/internal/storage"
	"fintraq/internal/worker"
)

// BuildSyncWorker creates the configured ingestion backend and a sync
// worker draining repo into it. The returned cleanup is never nil.
func BuildSyncWorker(ctx context.Context, logger *log.Logger, cfg *config.Config, repo *storage.SQLiteRepository, caches *cache.Manager) (*worker.SyncWorker, backend.CleanupFunc, error) {
	bcfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		return nil, nil, err
	}

	factory := backend.NewFactory(logger, backend.WithCacheManager(caches))
	res, err := factory.CreateBackend(ctx, bcfg)
	if err != nil {
		return nil, nil, fmt.Errorf("create %s backend: %w", bcfg.Type, err)
	}

	opts := []worker.Option{
		worker.WithConnectivity(res.Connectivity),
		worker.WithLogger(logger.WithComponent(log.ComponentWorker)),
	}
	if res.TokenSource != nil {
		opts = append(opts, worker.WithTokenSource(res.TokenSource))
	}

	w := worker.NewSyncWorker(repo, res.Client, worker.SyncWorkerConfig{
		DeviceID:       cfg.DeviceID,
		SourceTag:      cfg.SourceTag,
		BatchSize:      cfg.SyncBatchSize,
		Concurrency:    cfg.SyncConcurrency,
		RequestTimeout: cfg.RequestTimeout,
		Backoff:        worker.Backoff{Base: cfg.BackoffBase, Max: cfg.BackoffMax},
	}, opts...)

	cleanup := res.Cleanup
	if cleanup == nil {
		cleanup = func() error { return nil }
	}
	return w, cleanup, nil
}

// ProcessorConfig maps application settings onto the background processor.
func ProcessorConfig(cfg *config.Config) worker.ProcessorConfig {
	return worker.ProcessorConfig{
		PollInterval:    cfg.SyncInterval,
		ArchiveInterval: worker.DefaultProcessorConfig().ArchiveInterval,
		RetentionAge:    cfg.RetentionAge,
	}
}
