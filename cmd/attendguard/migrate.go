package main

import (
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"github.com/attendguard/attendguard/internal/config"
	"github.com/attendguard/attendguard/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate <command> [args]",
	Short: "Run database migrations",
	Long: `Run goose migrations against DATABASE_URL.

Commands: up, down, status, version, redo, up-to <version>, down-to <version>

serve applies pending migrations on start; this command exists for
rollbacks and for inspecting the schema version.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.DatabaseURL == "" {
			return errors.New("DATABASE_URL environment variable is required")
		}

		db, err := sqlx.ConnectContext(cmd.Context(), "postgres", cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer func() { _ = db.Close() }()

		return migrations.Run(cmd.Context(), db.DB, args[0], args[1:]...)
	},
}
