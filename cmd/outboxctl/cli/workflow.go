package cli

import (
	"fmt"

	"github.com/Guizzs26/go-outbox-relay/internal/db"
	"github.com/Guizzs26/go-outbox-relay/internal/service"
	"github.com/Guizzs26/go-outbox-relay/internal/workflow"
	"github.com/spf13/cobra"
)

var applyStates bool

var workflowStatesCmd = &cobra.Command{
	Use:   "workflow-states <dir>",
	Short: "Lists workflow states found in solution archives, optionally applying them",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := setup(ctx)
		if err != nil {
			return err
		}
		defer e.close()

		changes, err := workflow.StatesFromArchives(args[0], e.logger)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, c := range changes {
			state := "inactive"
			if c.Active {
				state = "active"
			}
			fmt.Fprintf(out, "%s\t%s\t%s\n", c.TargetID, state, c.Name)
		}
		if !applyStates || len(changes) == 0 {
			return nil
		}

		target, ok := e.store.(*db.PostgresStore)
		if !ok {
			return fmt.Errorf("workflow states can only be applied to a postgres store, got %s", e.cfg.StoreDriver)
		}

		report := service.NewStateExecutor(target, e.logger).Apply(ctx, changes)
		fmt.Fprintf(out, "attempts=%d succeeded=%d unresolved=%d\n", report.Attempts, report.Succeeded, len(report.Unresolved))
		return report.Err
	},
}

func init() {
	workflowStatesCmd.Flags().BoolVar(&applyStates, "apply", false, "apply the states to the workflows table")
}
