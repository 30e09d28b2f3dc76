package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newRetryCmd creates the 'retry' subcommand.
func newRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Runs one pass over the retry queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, app App) error {
				report, err := app.RunRetry(ctx)
				if err != nil {
					return fmt.Errorf("retry pass: %w", err)
				}
				app.Logger().Info("retry pass complete",
					zap.Int("selected", report.Selected),
					zap.Int("resolved", report.Resolved),
					zap.Int("requeued", report.Requeued),
					zap.Int("exhausted", report.Exhausted),
				)
				return nil
			})
		},
	}
}
