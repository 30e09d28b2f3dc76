package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/notam-pipeline/internal/config"
)

// newRunCmd creates the 'run' subcommand: one batch ingestion run.
func newRunCmd() *cobra.Command {
	var (
		overwriteAll bool
		overwriteIDs string
		onlyIDs      bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs one batch ingestion pass over the source manifest",
		Long: `Loads every feed in the source manifest, classifies the notices that are
not stored yet in a throughput-oriented first pass, retries the failures in
a gentler second pass and quarantines whatever still fails.

The overwrite flags delete stored notices first and are refused in production.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("overwrite-all") {
				cfg.Run.OverwriteAll = overwriteAll
			}
			if cmd.Flags().Changed("overwrite-ids") {
				cfg.Run.OverwriteIDs = overwriteIDs
			}
			if cmd.Flags().Changed("only-overwrite-ids") {
				cfg.Run.OnlyOverwriteIDs = onlyIDs
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, app App) error {
				return runPipeline(ctx, app, cfg)
			})
		},
	}
	cmd.Flags().BoolVar(&overwriteAll, "overwrite-all", false, "delete every stored notice and reclassify all")
	cmd.Flags().StringVar(&overwriteIDs, "overwrite-ids", "", "record ids to delete and reclassify, comma or space separated")
	cmd.Flags().BoolVar(&onlyIDs, "only-overwrite-ids", false, "restrict the run to the notices of --overwrite-ids")
	return cmd
}

func runPipeline(ctx context.Context, app App, cfg *config.Config) error {
	log := app.Logger()
	opts := cfg.Run.Options(log)
	if opts.Destructive() {
		log.Warn("destructive run requested",
			zap.Bool("overwrite_all", opts.OverwriteAll),
			zap.Int64s("overwrite_ids", opts.OverwriteIDs),
		)
	}
	sum, err := app.RunPipeline(ctx, opts)
	if err != nil {
		return fmt.Errorf("pipeline run %s: %w", sum.RunID, err)
	}
	log.Info("pipeline run complete",
		zap.String("run_id", sum.RunID),
		zap.Int("loaded", sum.Loaded),
		zap.Int("created", sum.Created),
		zap.Int("updated", sum.Updated),
		zap.Int("quarantined", sum.Quarantined),
	)
	return nil
}
