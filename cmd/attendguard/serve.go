package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/attendguard/attendguard/internal/config"
	"github.com/attendguard/attendguard/internal/logging"
	"github.com/attendguard/attendguard/internal/server"
	"github.com/attendguard/attendguard/internal/traces"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the verification workers and the queue consumer",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		logger := logging.New(cfg.LogLevel, cfg.LogFormat)
		logger.Info("starting attendguard",
			"version", Version,
			"commit", Commit,
			"build_time", BuildTime,
		)
		logger.Info("configuration loaded",
			"env", cfg.Env,
			"geofence_radius_m", cfg.GeofenceRadiusMeters,
			"correlation_window", cfg.CorrelationWindow(),
			"postgres", cfg.DatabaseURL != "",
		)

		ctx := cmd.Context()
		shutdownTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, logger)
		if err != nil {
			return fmt.Errorf("failed to init tracing: %w", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(flushCtx); err != nil {
				logger.Warn("trace flush failed", "error", err)
			}
		}()

		srv, err := server.New(cfg, server.WithLogger(logger), server.WithVersion(Version))
		if err != nil {
			return fmt.Errorf("failed to create server: %w", err)
		}
		return srv.Run(ctx)
	},
}
