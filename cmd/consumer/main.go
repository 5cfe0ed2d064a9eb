package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/Guizzs26/go-outbox-relay/internal/broker"
	"github.com/Guizzs26/go-outbox-relay/internal/config"
	"github.com/Guizzs26/go-outbox-relay/internal/db"
	"github.com/Guizzs26/go-outbox-relay/internal/service"
	"github.com/Guizzs26/go-outbox-relay/pkg/infra"
)

func main() {
	cfg := config.Load()
	logger := infra.SetupLogger(cfg)
	slog.SetDefault(logger)
	defer infra.CloseLogger()

	// Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Consumer initializing...",
		"batch_size", cfg.BatchSize,
		"receive_wait", cfg.ReceiveWait,
		"poll_interval", cfg.PollInterval,
	)

	store, closeStore, err := db.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("CRITICAL: outbox store connection failed", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	consumer := service.NewQueueConsumer(
		store,
		broker.NewFactory(cfg.RequestTimeout, logger),
		config.NewEnvProvider(),
		config.EnvCredentialSource{},
		cfg.ReceiveWait,
		logger,
	)

	var lastFailed atomic.Bool
	go infra.StartObservabilityServer(ctx, cfg.MetricsPort, "CONSUMER", func() bool { return !lastFailed.Load() }, logger)

	backoff := infra.NewBackoff(1*time.Second, 60*time.Second, 2.0)

	for {
		res, err := consumer.ProcessMessages(ctx, cfg.BatchSize)

		wait := cfg.PollInterval
		switch {
		case ctx.Err() != nil:
			logger.Info("Shutdown signal received")
			return
		case errors.Is(err, service.ErrConfiguration):
			// Retrying cannot fix missing settings
			logger.Error("CRITICAL: consumer is not configured", "error", err)
			os.Exit(1)
		case err != nil:
			lastFailed.Store(true)
			wait = backoff.Next()
			logger.Error("Batch failed, retrying", "attempt", backoff.Attempts(), "wait_duration", wait, "error", err)
		default:
			lastFailed.Store(false)
			backoff.Reset()
			// A full batch means more messages are likely waiting
			if res.Received >= cfg.BatchSize {
				wait = 0
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}
