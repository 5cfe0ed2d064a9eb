package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Guizzs26/go-outbox-relay/internal/config"
	"github.com/Guizzs26/go-outbox-relay/internal/db"
	"github.com/Guizzs26/go-outbox-relay/pkg/infra"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "outboxctl",
	Short:        "outboxctl operates the message outbox by hand",
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(produceCmd)
	rootCmd.AddCommand(resendCmd)
	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(workflowStatesCmd)
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

// env is what every subcommand needs: settings, a logger and an open store
type env struct {
	cfg    *config.Config
	logger *slog.Logger
	store  db.Store
	close  func()
}

func setup(ctx context.Context) (*env, error) {
	cfg := config.Load()
	logger := infra.SetupLogger(cfg)

	store, closeStore, err := db.Open(ctx, cfg, logger)
	if err != nil {
		infra.CloseLogger()
		return nil, err
	}
	return &env{
		cfg:    cfg,
		logger: logger,
		store:  store,
		close: func() {
			closeStore()
			infra.CloseLogger()
		},
	}, nil
}
