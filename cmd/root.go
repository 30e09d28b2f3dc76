// Package cmd defines the CLI commands of the notam-pipeline executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/notam-pipeline/internal/config"
	"github.com/JakeFAU/notam-pipeline/internal/pipeline"
	"github.com/JakeFAU/notam-pipeline/internal/retryqueue"
	"github.com/JakeFAU/notam-pipeline/internal/server"
	"github.com/JakeFAU/notam-pipeline/internal/telemetry"
)

// cfgKeyType is the key for storing the loaded Config in the context.
type cfgKeyType string

const cfgKey cfgKeyType = "config"

// App is the application surface the commands drive. Tests substitute a fake.
type App interface {
	RunPipeline(ctx context.Context, opts pipeline.RunOptions) (pipeline.Summary, error)
	RunRetry(ctx context.Context) (retryqueue.RunReport, error)
	Stream(ctx context.Context) error
	Serve(ctx context.Context) error
	Logger() *zap.Logger
	Close(ctx context.Context)
}

// newApp is the application factory, replaced in tests.
var newApp = func(ctx context.Context, cfg *config.Config) (App, error) {
	return server.Build(ctx, cfg)
}

// loadDotEnv loads a .env file; a missing file is not an error.
var loadDotEnv = func() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "notam-pipeline",
		Short: "Ingests, classifies and stores aeronautical notices.",
		Long: `notam-pipeline pulls NOTAMs from batch feeds and a durable queue,
deduplicates them by content, classifies each one and persists the
results, quarantining anything that fails for a later retry.`,
		SilenceUsage: true,

		// Config is loaded once here; subcommands build the app from it.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadDotEnv(); err != nil {
				return err
			}
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), cfgKey, cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); environment variables use the NOTAM_ prefix")

	cmd.AddCommand(
		newRunCmd(),
		newStreamCmd(),
		newRetryCmd(),
		newMigrateCmd(),
		newServeCmd(),
	)
	return cmd
}

func configFrom(cmd *cobra.Command) (*config.Config, error) {
	cfg, ok := cmd.Context().Value(cfgKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	return cfg, nil
}

// withApp builds the app, runs fn and always releases the app. Failures are
// reported to Sentry before it is flushed.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, app App) error) error {
	cfg, err := configFrom(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	app, err := newApp(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer app.Close(context.WithoutCancel(ctx))

	if err := fn(ctx, app); err != nil {
		telemetry.CaptureError(err, map[string]string{"command": cmd.Name()})
		return err
	}
	return nil
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, "Command execution failed:", err)
		os.Exit(1)
	}
}
