package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"splitledger/internal/amqp"
	"splitledger/internal/cli"
	applog "splitledger/internal/log"
	"splitledger/internal/storage"
	"splitledger/internal/worker"
)

func main() {
	cli.LoadEnvFile()
	logger := cli.SetupLogger(applog.ComponentWorker)

	logger.Info("Starting splitledger-worker")

	cfg := cli.LoadAndValidateConfig(logger)

	repo, err := storage.NewSQLiteRepository(cfg.SQLiteDBPath)
	if err != nil {
		logger.Error("Failed to initialize SQLite repository", "error", err, "path", cfg.SQLiteDBPath)
		os.Exit(1)
	}
	defer repo.Close()

	// Consuming change notifications is optional; the audit sweep runs
	// either way.
	var consumer worker.Consumer
	if cfg.AMQPURL != "" {
		client, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
		if err != nil {
			logger.Error("Failed to initialize AMQP client", "error", err)
			os.Exit(1)
		}
		defer client.Close()
		consumer = client
		logger.Info("AMQP consumer initialized", "queue", cfg.AMQPQueue)
	} else {
		logger.Info("AMQP disabled, running audit sweep only")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	auditWorker := worker.NewAuditWorker(repo, consumer, cfg.AuditInterval)

	logger.Info("Worker running", "audit_interval", cfg.AuditInterval)
	if err := auditWorker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Worker failed", "error", err)
		os.Exit(1)
	}

	logger.Info("Worker stopped gracefully")
}
