// Package cmd defines and implements the CLI commands for the pdf-watcher executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/pdf-watcher/internal/config"
	"github.com/JakeFAU/pdf-watcher/internal/server"
)

var cfgFile string

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// newApp is the application factory. It's a variable so tests can swap in
// an all-memory build.
var newApp = func(ctx context.Context, path string) (*server.App, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return server.Build(ctx, &cfg)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pdf-watcher",
		Short: "Monitors web pages for new and removed PDF links.",
		Long: `pdf-watcher diffs the PDF links found on a list of pages against an
archive. Runs are split into groups and mini-batches and resume across
time-boxed invocations until every page is processed.`,
		SilenceUsage: true,

		// Build the application once and hand it to the subcommand via the context.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, err := resolveApp(cmd.Context()); err == nil {
				if cerr := appInstance.Close(context.Background()); cerr != nil {
					appInstance.Logger().Warn("close failed", zap.Error(cerr))
				}
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (defaults plus PDFWATCHER_* environment when empty)")

	cmd.AddCommand(
		newServeCmd(),
		newRunCmd(),
		newContinueCmd(),
		newStatusCmd(),
		newCancelCmd(),
		newSetupCmd(),
		newHistoryCmd(),
	)
	return cmd
}

func resolveApp(ctx context.Context) (*server.App, error) {
	if ctx == nil {
		return nil, errors.New("application services not initialized")
	}
	appInstance, ok := ctx.Value(appKey).(*server.App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Command execution failed: %v\n", err)
		os.Exit(1)
	}
}
