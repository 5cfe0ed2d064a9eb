package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Guizzs26/go-outbox-relay/internal/config"
	"github.com/Guizzs26/go-outbox-relay/internal/models"
)

// Store is the outbox surface every driver offers
type Store interface {
	Create(ctx context.Context, e *models.Entry) (string, error)
	Retrieve(ctx context.Context, id string, cols ...models.Column) (*models.Entry, error)
	Update(ctx context.Context, id string, patch models.Patch) error
	Query(ctx context.Context, f models.Filter) ([]models.Entry, error)
}

// Open connects to the store named by cfg.StoreDriver. The returned func releases it
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Store, func(), error) {
	switch cfg.StoreDriver {
	case "", "postgres":
		s, err := NewPostgresStore(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := s.EnsureSchema(ctx); err != nil {
			s.Close()
			return nil, nil, err
		}
		return s, s.Close, nil

	case "firebird":
		s, err := NewFirebirdStore(cfg.FirebirdURL, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := s.EnsureSchema(ctx); err != nil {
			s.Close()
			return nil, nil, err
		}
		return s, func() {
			if err := s.Close(); err != nil {
				logger.Warn("Failed to close Firebird pool", "error", err)
			}
		}, nil

	default:
		return nil, nil, fmt.Errorf("unsupported STORE_DRIVER %q", cfg.StoreDriver)
	}
}
