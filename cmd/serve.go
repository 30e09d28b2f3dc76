package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

// newServeCmd creates the 'serve' subcommand.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the scheduler, the ops API and the stream consumer",
		Long: `Runs a batch ingestion pass and a retry queue pass on their configured
intervals, serves the ops HTTP API and, for a Pub/Sub or MQTT backend,
consumes the durable queue, until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, app App) error {
				return app.Serve(ctx)
			})
		},
	}
}
