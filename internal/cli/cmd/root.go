package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/animus-labs/blockflow/internal/app"
)

// Opener builds the engine a command works with.
type Opener func(ctx context.Context) (*app.Engine, error)

// NewRootCommand returns blockctl with every subcommand registered.
func NewRootCommand(open Opener) *cobra.Command {
	root := &cobra.Command{
		Use:           "blockctl",
		Short:         "Manage blockflow pipelines and runs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	RegisterCommands(root, open)
	return root
}

// RegisterCommands adds all available commands to the root command.
func RegisterCommands(root *cobra.Command, open Opener) {
	root.AddCommand(NewImportCommand(open))
	root.AddCommand(NewRunCommand(open))
	root.AddCommand(NewStatusCommand(open))
	root.AddCommand(NewCleanupCommand(open))
	root.AddCommand(NewReapCommand(open))
	root.AddCommand(NewWorkCommand(open))
}

func withEngine(cmd *cobra.Command, open Opener, fn func(*app.Engine) error) error {
	eng, err := open(cmd.Context())
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()
	return fn(eng)
}
