package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/p2p-db-sync/dbsync/internal/config"
	"github.com/p2p-db-sync/dbsync/internal/observability"
	"github.com/p2p-db-sync/dbsync/internal/service"
)

var serveExample = `
  dbsync serve --config /etc/dbsync/config.yaml
  DBSYNC_REGISTRATION_KEY=... dbsync serve`

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run a sync node until interrupted",
		Example: serveExample,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			logger, err := observability.NewLogger(cfg.Observability.LogLevel)
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			defer logger.Sync()

			logger.Info("Starting dbsync", zap.String("version", service.AppVersion))

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc, err := service.New(ctx, cfg, configPath, logger)
			if err != nil {
				logger.Error("Failed to initialize node", zap.Error(err))
				return err
			}
			if err := svc.Run(ctx); err != nil {
				logger.Error("Node stopped with errors", zap.Error(err))
				return err
			}
			logger.Info("Shutdown complete")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("DBSYNC_CONFIG"), "path to the YAML configuration file")
	return cmd
}
