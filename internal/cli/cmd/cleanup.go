package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/animus-labs/blockflow/internal/app"
)

// NewCleanupCommand creates the cleanup command.
func NewCleanupCommand(open Opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete finished runs older than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			olderThan, _ := cmd.Flags().GetDuration("older-than")
			return withEngine(cmd, open, func(eng *app.Engine) error {
				deleted, err := eng.Orchestrator.Cleanup(cmd.Context(), olderThan)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %d runs finished more than %s ago\n", deleted, olderThan)
				return nil
			})
		},
	}

	cmd.Flags().Duration("older-than", 30*24*time.Hour, "Retention window for finished runs")
	return cmd
}
