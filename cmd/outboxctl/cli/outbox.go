package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/Guizzs26/go-outbox-relay/internal/broker"
	"github.com/Guizzs26/go-outbox-relay/internal/config"
	"github.com/Guizzs26/go-outbox-relay/internal/db"
	"github.com/Guizzs26/go-outbox-relay/internal/models"
	"github.com/Guizzs26/go-outbox-relay/internal/service"
	"github.com/spf13/cobra"
)

var produceCmd = &cobra.Command{
	Use:   "produce",
	Short: "Records an outbox entry for an operation context read as JSON from stdin",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("failed to read operation context: %w", err)
		}
		var op models.OperationContext
		if err := json.Unmarshal(raw, &op); err != nil {
			return fmt.Errorf("invalid operation context: %w", err)
		}

		ctx := cmd.Context()
		e, err := setup(ctx)
		if err != nil {
			return err
		}
		defer e.close()

		producer := service.NewProducer(e.logger)
		var id string
		switch s := e.store.(type) {
		case *db.PostgresStore:
			err = s.WithinTx(ctx, func(tx *db.PostgresTx) error {
				id, err = producer.Produce(ctx, tx, op)
				return err
			})
		case *db.FirebirdStore:
			err = s.WithinTx(ctx, func(tx *db.FirebirdTx) error {
				id, err = producer.Produce(ctx, tx, op)
				return err
			})
		default:
			err = fmt.Errorf("store %T has no write transactions", e.store)
		}
		if err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

var resendCmd = &cobra.Command{
	Use:   "resend <outbox-id>...",
	Short: "Sends the given outbox entries to the broker again",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := setup(ctx)
		if err != nil {
			return err
		}
		defer e.close()

		publisher := service.NewPublisher(e.store, broker.NewFactory(e.cfg.RequestTimeout, e.logger),
			config.NewEnvProvider(), config.EnvCredentialSource{}, e.logger)

		results, err := publisher.Resend(ctx, args)
		if err != nil {
			return err
		}

		var failed int
		out := cmd.OutOrStdout()
		for _, r := range results {
			if r.Err != nil {
				failed++
				fmt.Fprintf(out, "%s\tFAILED\t%v\n", r.ID, r.Err)
				continue
			}
			fmt.Fprintf(out, "%s\tSENT\t%s\n", r.ID, r.MessageID)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d entries failed to resend", failed, len(results))
		}
		return nil
	},
}

var processBatchSize int

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Receives one batch from the outbox queue and marks the matching entries Processed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := setup(ctx)
		if err != nil {
			return err
		}
		defer e.close()

		size := processBatchSize
		if size <= 0 {
			size = e.cfg.BatchSize
		}

		consumer := service.NewQueueConsumer(e.store, broker.NewFactory(e.cfg.RequestTimeout, e.logger),
			config.NewEnvProvider(), config.EnvCredentialSource{}, e.cfg.ReceiveWait, e.logger)

		res, err := consumer.ProcessMessages(ctx, size)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "received=%d processed=%d dead_lettered=%d abandoned=%d errors=%d\n",
			res.Received, res.Processed, res.DeadLettered, res.Abandoned, res.Errors)
		return nil
	},
}

func init() {
	processCmd.Flags().IntVar(&processBatchSize, "batch-size", 0, "messages to receive (defaults to BATCH_SIZE)")
}
