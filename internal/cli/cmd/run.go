package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/animus-labs/blockflow/internal/app"
	"github.com/animus-labs/blockflow/internal/domain"
	"github.com/animus-labs/blockflow/internal/orchestrator"
)

// NewRunCommand creates the run command.
func NewRunCommand(open Opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <pipeline>",
		Short: "Start a run of the latest version of a pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			byID, _ := cmd.Flags().GetBool("id")
			opts := orchestrator.StartOptions{}
			opts.Priority, _ = cmd.Flags().GetInt("priority")
			opts.CorrelationID, _ = cmd.Flags().GetString("correlation-id")

			return withEngine(cmd, open, func(eng *app.Engine) error {
				var (
					run domain.PipelineRun
					err error
				)
				if byID {
					run, err = eng.Orchestrator.StartRun(cmd.Context(), args[0], opts)
				} else {
					run, err = eng.Orchestrator.StartLatest(cmd.Context(), args[0], opts)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "started run %s (pipeline %s, correlation %s)\n", run.ID, run.PipelineID, run.CorrelationID)
				return nil
			})
		},
	}

	cmd.Flags().Bool("id", false, "Treat the argument as a pipeline version id instead of a name")
	cmd.Flags().IntP("priority", "p", 0, "Queue priority for the root blocks (0 uses the engine default)")
	cmd.Flags().String("correlation-id", "", "Correlation id carried by the run and its notifications")
	return cmd
}
