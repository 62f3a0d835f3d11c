package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"splitledger/internal/amqp"
	"splitledger/internal/backend"
	"splitledger/internal/cli"
	apphttp "splitledger/internal/http"
	applog "splitledger/internal/log"
	"splitledger/internal/services"
	"splitledger/internal/tracker"
)

func main() {
	cli.LoadEnvFile()
	logger := cli.SetupLogger(applog.ComponentApp)
	cfg := cli.LoadAndValidateConfig(logger)

	store, err := backend.New(cfg)
	if err != nil {
		logger.Error("Failed to initialize ledger store", "error", err, "backend", cfg.DataBackend)
		os.Exit(1)
	}
	defer store.Close()
	logger.Info("Ledger store initialized", "backend", cfg.DataBackend)

	// AMQP push layer is optional; without it clients poll the changes API.
	var publisher tracker.Publisher
	if cfg.AMQPURL != "" {
		client, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
		if err != nil {
			logger.Error("Failed to initialize AMQP client", "error", err)
			os.Exit(1)
		}
		defer client.Close()
		publisher = client
		logger.Info("AMQP publisher initialized", "exchange", cfg.AMQPExchange)
	} else {
		logger.Info("AMQP disabled, change notifications are poll-only")
	}

	changeTracker := tracker.New(store.(tracker.RecordStore), publisher, cfg.DebounceWindow)

	service := services.NewLedgerService(store, changeTracker)
	srv := apphttp.NewServer(":"+cfg.Port, service, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		logger.Info("Shutdown signal received", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", "error", err)
		}
		// Persist deltas still waiting on their quiet window.
		changeTracker.Close()
		cancel()
	}()

	logger.Info("Starting splitledger server",
		"port", cfg.Port,
		"backend", cfg.DataBackend,
		"debounce_window", cfg.DebounceWindow)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Server error", "error", err, "port", cfg.Port)
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("Server stopped gracefully")
}
