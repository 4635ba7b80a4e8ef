package main

import (
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MGallo-Code/warden/internal/config"
)

// newRootCmd builds the CLI. With no subcommand it serves.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "warden",
		Short: "Warden is a credential-based authentication service",
		Long: `Warden issues and validates sessions for email + password accounts,
with optional TOTP second factor, password reset and email verification.
Configuration is read from the environment.`,
		SilenceUsage: true,
		RunE:         serve,
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run migrations and start the HTTP server",
			RunE:  serve,
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply pending database migrations and exit",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				ps, err := openStore(cmd.Context(), cfg)
				if err != nil {
					return err
				}
				ps.Close()
				return nil
			},
		},
		&cobra.Command{
			Use:   "cleanup",
			Short: "Run one housekeeping sweep and exit",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				return sweepOnce(cmd.Context(), cfg)
			},
		},
	)
	return root
}

// loadConfig reads the environment and installs the logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		// Fallback logger before config is available
		slog.Error("fatal", "err", err)
		return nil, fmt.Errorf("loading config: %w", err)
	}
	setupLogging(cfg)
	return cfg, nil
}

func serve(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Cancel ctx on SIGINT/SIGTERM; run() shuts down when ctx is done.
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, nil); err != nil {
		slog.Error("fatal", "err", err)
		return err
	}
	return nil
}
