package main

import (
	"github.com/spf13/cobra"
)

// rootOptions holds the flags shared by every subcommand.
type rootOptions struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "eventflowctl",
		Short: "Operator control surface for eventflowd handlers.",
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to eventflowd's ambient config file.")

	cmd.AddCommand(newResetCommand(opts))

	return cmd
}
