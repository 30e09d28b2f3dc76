package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/notam-pipeline/internal/config"
	"github.com/JakeFAU/notam-pipeline/internal/database"
	"github.com/JakeFAU/notam-pipeline/internal/logging"
	pgstore "github.com/JakeFAU/notam-pipeline/internal/storage/postgres"
)

// newMigrateCmd creates the 'migrate' subcommand. It only needs the
// database, so it does not build the full app.
func newMigrateCmd() *cobra.Command {
	var status bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Applies the embedded schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			if cfg.Database.DSN == "" {
				return errors.New("database.dsn is required to migrate")
			}
			logger, err := newCLILogger(cfg)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck // best-effort flush

			ctx := cmd.Context()
			pool, err := pgstore.NewPool(ctx, pgstore.Config{DSN: cfg.Database.DSN, MaxConns: 2})
			if err != nil {
				return fmt.Errorf("database init failed: %w", err)
			}
			defer pool.Close()
			db := database.OpenSQL(pool)

			if !status {
				return database.Migrate(ctx, db, logger)
			}
			statuses, err := database.Status(ctx, db)
			if err != nil {
				return err
			}
			for _, s := range statuses {
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\tapplied=%t\n", s.Version, s.Path, s.Applied)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&status, "status", false, "print migration status instead of applying")
	return cmd
}

func newCLILogger(cfg *config.Config) (*zap.Logger, error) {
	logger, err := logging.New(cfg.Logging.Development, logging.WithLevel(cfg.Logging.Level))
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	return logger, nil
}
