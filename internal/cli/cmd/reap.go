package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/animus-labs/blockflow/internal/app"
	"github.com/animus-labs/blockflow/internal/worker"
)

// NewReapCommand creates the reap command.
func NewReapCommand(open Opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Repair interrupted runs once, failing stale attempts when --after is set",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, open, func(eng *app.Engine) error {
				cfg := eng.Config
				if cmd.Flags().Changed("after") {
					cfg.ReapAfter, _ = cmd.Flags().GetDuration("after")
				}
				reaper, err := worker.NewReaper(eng.WorkerDeps(), cfg, eng.Logger)
				if err != nil {
					return err
				}
				res, err := reaper.ReapOnce(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reaped %d, propagated %d, requeued %d, runs checked %d, skipped %d\n",
					res.Reaped, res.Propagated, res.Requeued, res.RunsChecked, res.Skipped)
				return nil
			})
		},
	}

	cmd.Flags().Duration("after", 0, "Treat attempts running longer than this as lost (defaults to BLOCKFLOW_REAP_AFTER)")
	return cmd
}
