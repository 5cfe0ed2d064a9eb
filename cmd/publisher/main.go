package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Guizzs26/go-outbox-relay/internal/broker"
	"github.com/Guizzs26/go-outbox-relay/internal/config"
	"github.com/Guizzs26/go-outbox-relay/internal/db"
	"github.com/Guizzs26/go-outbox-relay/internal/models"
	"github.com/Guizzs26/go-outbox-relay/internal/service"
	"github.com/Guizzs26/go-outbox-relay/pkg/infra"
)

func main() {
	cfg := config.Load()
	logger := infra.SetupLogger(cfg)
	slog.SetDefault(logger)
	defer infra.CloseLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := db.Open(ctx, cfg, logger)
	if err != nil {
		slog.Error("Fatal error connecting to the outbox store", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	publisher := service.NewPublisher(
		store,
		broker.NewFactory(cfg.RequestTimeout, logger),
		config.NewEnvProvider(),
		config.EnvCredentialSource{},
		logger,
	)

	go infra.StartObservabilityServer(ctx, cfg.MetricsPort, "PUBLISHER", nil, logger)

	slog.Info("Outbox publisher started", "pid", os.Getpid(), "driver", cfg.StoreDriver)

	done := make(chan struct{})
	if pg, ok := store.(*db.PostgresStore); ok {
		go runListener(ctx, pg, publisher, infra.NewBackoff(1*time.Second, 60*time.Second, 2.0), done)
	} else {
		close(done)
	}

	runCatchUp(ctx, publisher, cfg)
	<-done
	slog.Info("Shutdown complete")
}

type createdListener interface {
	ListenCreated(ctx context.Context, fn func(ctx context.Context, id string)) error
}

// runListener publishes every entry as soon as its creating transaction commits.
// The listener reconnects with backoff when its connection drops
func runListener(ctx context.Context, pg createdListener, publisher *service.Publisher, backoff *infra.Backoff, done chan struct{}) {
	defer close(done)

	for {
		err := pg.ListenCreated(ctx, func(ctx context.Context, id string) {
			trig := service.PublishTrigger{PrimaryEntityName: models.EntityName, Target: &models.Entry{ID: id}}
			if err := publisher.Publish(ctx, trig); err != nil {
				// The entry stays Created and is picked up by the next catch-up pass
				slog.Error("Post-commit publish failed", "outbox_id", id, "error", err)
			}
			backoff.Reset()
		})
		if ctx.Err() != nil {
			slog.Info("Listener stopped")
			return
		}

		wait := backoff.Next()
		slog.Error("Outbox listener lost its connection, retrying", "attempt", backoff.Attempts(), "wait", wait, "error", err)

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

// runCatchUp periodically publishes entries still in Created
func runCatchUp(ctx context.Context, publisher *service.Publisher, cfg *config.Config) {
	backoff := infra.NewBackoff(1*time.Second, 60*time.Second, 2.0)

	for {
		wait := cfg.PollInterval
		if _, err := publisher.PublishPending(ctx, cfg.BatchSize); err != nil {
			if ctx.Err() != nil {
				return
			}
			wait = backoff.Next()
			slog.Error("Catch-up pass failed", "retry_in", wait, "error", err)
		} else {
			backoff.Reset()
		}

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			slog.Info("Shutting down catch-up loop...")
			return
		}
	}
}
