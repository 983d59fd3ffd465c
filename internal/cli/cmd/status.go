package cmd

import (
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/animus-labs/blockflow/internal/app"
	"github.com/animus-labs/blockflow/internal/domain"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(open Opener) *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show a run and the state of each of its blocks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, open, func(eng *app.Engine) error {
				view, err := eng.Orchestrator.Describe(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "run:       %s\n", view.Run.ID)
				fmt.Fprintf(out, "pipeline:  %s v%d (%s)\n", view.Pipeline.Name, view.Pipeline.Version, view.Pipeline.ID)
				fmt.Fprintf(out, "status:    %s\n", view.Run.Status)
				fmt.Fprintf(out, "started:   %s\n", view.Run.StartedAt.Format(time.RFC3339))
				if view.Run.FinishedAt != nil {
					fmt.Fprintf(out, "finished:  %s\n", view.Run.FinishedAt.Format(time.RFC3339))
				}
				fmt.Fprintf(out, "queued:    %d\n\n", view.Pending)

				byBlock := make(map[string]domain.BlockRun, len(view.BlockRuns))
				for _, br := range view.BlockRuns {
					byBlock[br.BlockID] = br
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "BLOCK\tTYPE\tSTATUS\tATTEMPTS\tWORKER\tERROR")
				for _, blk := range view.Blocks {
					br, ok := byBlock[blk.ID]
					if !ok {
						fmt.Fprintf(tw, "%s\t%s\t-\t0\t-\t\n", blk.Name, blk.Type)
						continue
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", blk.Name, blk.Type, br.Status, strconv.Itoa(br.Attempts), orDash(br.WorkerID), br.Error)
				}
				return tw.Flush()
			})
		},
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
