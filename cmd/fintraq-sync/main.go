// Command fintraq-sync runs a single drain pass and reports the outcome
// through its exit status: 0 success, 75 retry later, 1 permanent failure.
// It is meant to be driven by cron or a systemd timer.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"fintraq/internal/cache"
	"fintraq/internal/cli"
	"fintraq/internal/core"
	"fintraq/internal/log"
)

func main() {
	os.Exit(run())
}

func run() int {
	resetBackoff := flag.Bool("reset-backoff", false, "make every failed record due before syncing")
	flag.Parse()

	cli.LoadEnvFile()
	logger := cli.SetupLogger(os.Getenv("LOG_LEVEL"))

	cfg := cli.LoadAndValidateConfig(logger)
	repo := cli.InitSQLite(logger, cfg.SQLiteDBPath)
	defer repo.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	caches := cache.NewManager()
	syncWorker, cleanupBackend, err := cli.BuildSyncWorker(ctx, logger, cfg, repo, caches)
	if err != nil {
		logger.Error("Failed to initialize ingestion backend",
			log.FieldErrorType, log.ErrorTypeConfiguration,
			log.FieldError, err)
		return core.OutcomePermanentFailure.ExitCode()
	}
	defer cleanupBackend()

	if *resetBackoff {
		if _, err := repo.ResetBackoff(ctx); err != nil {
			logger.Error("Failed to reset backoff", log.FieldError, err)
			return core.OutcomeRetryLater.ExitCode()
		}
	}

	rep := syncWorker.RunSync(ctx)
	return rep.Outcome.ExitCode()
}
