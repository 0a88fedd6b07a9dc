package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/wirechat-relay/internal/app"
	"github.com/vovakirdan/wirechat-relay/internal/config"
	"github.com/vovakirdan/wirechat-relay/internal/log"
)

func newServeCmd() *cobra.Command {
	var overrides config.Config

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			configPath, _ := cmd.Flags().GetString("config")

			bootstrap := log.New(log.Options{Out: cmd.ErrOrStderr()})
			cfg, resolvedPath, err := config.Load(bootstrap, configPath)
			if err != nil {
				return err
			}
			cfg.UpdateFrom(overrides)
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := log.New(log.Options{Level: cfg.Server.LogLevel, Format: cfg.Server.LogFormat})
			logger.Info().Str("config", resolvedPath).Msg("config loaded")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			application, err := app.New(ctx, &cfg, logger)
			if err != nil {
				return fmt.Errorf("init app: %w", err)
			}

			logger.Info().Str("addr", cfg.Server.Addr).Msg("starting wirechat relay")
			if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("relay exited with error")
				return err
			}
			logger.Info().Msg("relay stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&overrides.Server.Addr, "addr", "", "HTTP listen address")
	cmd.Flags().StringVar(&overrides.Server.LogLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	cmd.Flags().StringVar(&overrides.Server.LogFormat, "log-format", "", "log format (console or json)")
	cmd.Flags().StringVar(&overrides.Server.AdminToken, "admin-token", "", "bearer token for the admin API")
	cmd.Flags().StringVar(&overrides.Store.Driver, "store", "", "store driver (sqlite or badger)")
	cmd.Flags().StringVar(&overrides.Store.Path, "store-path", "", "sqlite file or badger directory")

	return cmd
}
