package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/leyvacars/similarity-api/config"
	"github.com/leyvacars/similarity-api/internal/app"
	"github.com/spf13/cobra"
)

// Set at build time with -ldflags "-X main.version=..."
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

var port string

func newRootCommand() *cobra.Command {
	serve := newServeCommand()

	rootCmd := &cobra.Command{
		Use:   "similarity-api",
		Short: "Product image similarity service for the LeyvaCars catalog",
		Long: `similarity-api indexes product images from the catalog store and answers
"similar products" queries by product id or by image URL.

Without a subcommand it runs the HTTP server.`,
		SilenceUsage: true,
		RunE:         serve.RunE,
	}

	rootCmd.PersistentFlags().StringVarP(&port, "port", "p", "", "HTTP port (overrides SIMILARITY_SERVER_PORT and PORT)")

	rootCmd.AddCommand(serve)
	rootCmd.AddCommand(newCheckCommand())
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if port != "" {
		cfg.Server.Port = port
	}
	return cfg, nil
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := app.NewLogger(cfg.Server, os.Stdout)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			application, err := app.New(ctx, cfg, logger, version)
			if err != nil {
				logger.Error("failed to initialize app", "error", err)
				return err
			}
			defer func() {
				if err := application.Close(); err != nil {
					logger.Warn("close failed", "error", err)
				}
			}()

			if err := application.Run(ctx); err != nil {
				logger.Error("server stopped with error", "error", err)
				return err
			}
			logger.Info("application shutdown complete")
			return nil
		},
	}
}

func newCheckCommand() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify configuration, catalog connectivity and model loading",
		Long: `check loads the configuration, connects to the catalog store, builds the
similarity index once and prints what was indexed. It exits non-zero when the
build fails or no product could be indexed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := app.NewLogger(cfg.Server, os.Stderr)

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			application, err := app.New(ctx, cfg, logger, version)
			if err != nil {
				return err
			}
			defer application.Close()

			if err := application.Check(ctx, cmd.OutOrStdout()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "check passed")
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "maximum time for the check")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			displayVersion := version
			if version == "dev" || version == "" {
				displayVersion = "development"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "similarity-api %s (%s) built on %s\n", displayVersion, commit, date)
			fmt.Fprintf(cmd.OutOrStdout(), "Go version: %s\n", runtime.Version())
			fmt.Fprintf(cmd.OutOrStdout(), "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}
