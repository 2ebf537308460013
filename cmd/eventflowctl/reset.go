package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/dbhi-oss/eventflow"
	"github.com/dbhi-oss/eventflow/natsstore"
)

func newResetCommand(opts *rootOptions) *cobra.Command {
	var clientID string

	cmd := &cobra.Command{
		Use:   "reset <application> <handler-name>",
		Short: "Discard a handler's durable cursor; it restarts from its configured start_from.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, name := args[0], args[1]

			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}

			ctx, cancel := contextWithSignals()
			defer cancel()

			if clientID == "" {
				clientID = "eventflowctl-reset"
			}

			store, err := natsstore.Connect(ctx, cfg.Store.Address, cfg.Store.Cluster, clientID, natsstore.Options{
				ConnectTimeout: cfg.Store.ConnectTimeout,
			})
			if err != nil {
				return fmt.Errorf("eventflowctl: connect store: %w", err)
			}
			defer store.Close()

			return runReset(ctx, store, app, name, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&clientID, "client-id", "", "NATS client ID to connect as (default eventflowctl-reset).")

	return cmd
}

// runReset discards app/name's durable cursor and reports the outcome to
// out. Factored out of the cobra RunE so it can be exercised against any
// eventflow.EventStore in tests, without a live NATS Streaming cluster.
func runReset(ctx context.Context, store eventflow.EventStore, app, name string, out io.Writer) error {
	if err := store.Reset(ctx, app, name); err != nil {
		return fmt.Errorf("eventflowctl: reset %s/%s: %w", app, name, err)
	}

	fmt.Fprintf(out, "reset %s/%s: cursor discarded, next subscribe resumes at its configured start_from\n", app, name)
	return nil
}
