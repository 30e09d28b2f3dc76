package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

// newStreamCmd creates the 'stream' subcommand.
func newStreamCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stream",
		Short: "Consumes notices from the configured durable queue",
		Long: `Receives notices from Pub/Sub or MQTT, micro-batches them and persists
each batch, until interrupted. Pending notices are flushed on shutdown.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, app App) error {
				return app.Stream(ctx)
			})
		},
	}
}
