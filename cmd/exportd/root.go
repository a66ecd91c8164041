package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/starred-export/internal/config"
	"github.com/JakeFAU/starred-export/internal/server"
)

// runService builds and runs the service. It is a variable so tests can
// replace it.
var runService = func(ctx context.Context, cfg *config.Config) error {
	app, err := server.Build(ctx, cfg)
	if err != nil {
		return err
	}
	return app.Run(ctx)
}

// newRootCmd creates the root command. Running it without a subcommand is the
// same as "serve".
func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "exportd",
		Short: "Exports a user's starred posts into a zip archive.",
		Long: `exportd accepts export jobs over HTTP, authenticates against the remote
content service (pausing for a verification code when one is required),
fetches every starred post with its comments and images, and serves the
assembled archive for download.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), cfgFile)
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")

	cmd.AddCommand(newServeCmd(&cfgFile))
	cmd.AddCommand(newConfigCmd(&cfgFile))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newServeCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the HTTP API and the job scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), *cfgFile)
		},
	}
}

func newConfigCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Loads and validates the configuration, then exits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgFile)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(),
				"config ok: port=%d max_concurrent_jobs=%d storage=%s\n",
				cfg.Server.Port, cfg.Scheduler.MaxConcurrentJobs, cfg.Storage.Backend)
			return err
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Prints the build version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), server.Version)
			return err
		},
	}
}

func serve(ctx context.Context, cfgFile string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	return runService(ctx, &cfg)
}
