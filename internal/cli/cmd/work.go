package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/animus-labs/blockflow/internal/app"
	"github.com/animus-labs/blockflow/internal/worker"
)

// NewWorkCommand creates the work command.
func NewWorkCommand(open Opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "work",
		Short: "Process queued blocks in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			once, _ := cmd.Flags().GetBool("once")
			id, _ := cmd.Flags().GetString("worker-id")
			if id == "" {
				id = app.WorkerID()
			}
			return withEngine(cmd, open, func(eng *app.Engine) error {
				w, err := worker.New(id, eng.WorkerDeps(), eng.Config, eng.Logger)
				if err != nil {
					return err
				}
				if !once {
					return w.Run(cmd.Context())
				}
				processed := 0
				for {
					found, err := w.ProcessNext(cmd.Context())
					if err != nil {
						return err
					}
					if !found {
						break
					}
					processed++
				}
				fmt.Fprintf(cmd.OutOrStdout(), "processed %d blocks\n", processed)
				return nil
			})
		},
	}

	cmd.Flags().Bool("once", false, "Drain the items that are ready now and exit")
	cmd.Flags().String("worker-id", "", "Worker id recorded on attempts (defaults to WORKER_ID or host-based)")
	return cmd
}
