package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/animus-labs/blockflow/internal/app"
)

// NewImportCommand creates the import command.
func NewImportCommand(open Opener) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Import a pipeline definition as a new version",
		Long:  "Import a YAML or JSON pipeline definition. Use - to read from stdin.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			document, err := readDocument(cmd, args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd, open, func(eng *app.Engine) error {
				res, err := eng.Pipelines.ImportDocument(cmd.Context(), document)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "imported %s v%d (%s)\n", res.Pipeline.Name, res.Pipeline.Version, res.Pipeline.ID)
				if res.Superseded != nil {
					fmt.Fprintf(out, "superseded v%d (%s)\n", res.Superseded.Version, res.Superseded.ID)
				}
				if res.ArchiveKey != "" {
					fmt.Fprintf(out, "archived %s\n", res.ArchiveKey)
				}
				return nil
			})
		},
	}
}

func readDocument(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	document, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition: %w", err)
	}
	return document, nil
}
