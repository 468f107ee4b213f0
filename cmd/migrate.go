package cmd

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/castellan-ai/castellan/internal/config"
	"github.com/castellan-ai/castellan/internal/store/pg"
	"github.com/castellan-ai/castellan/internal/store/sqlite"
)

// Migrations are embedded in the store backends, so "migrate up" needs only
// the configured target — no migrations directory on disk.
func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database schema management",
	}
	cmd.AddCommand(migrateUpCmd())
	return cmd
}

func migrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			if cfg.Database.Mode == "postgres" {
				if err := pg.Migrate(cfg.Database.PostgresDSN); err != nil {
					return err
				}
				slog.Info("migration complete", "backend", "postgres")
				return nil
			}

			if dir := filepath.Dir(cfg.Database.Path); dir != "" {
				if err := os.MkdirAll(dir, 0700); err != nil {
					return fmt.Errorf("create data dir: %w", err)
				}
			}
			db, err := sql.Open("sqlite", cfg.Database.Path)
			if err != nil {
				return fmt.Errorf("open %s: %w", cfg.Database.Path, err)
			}
			defer db.Close()
			if err := sqlite.Migrate(db); err != nil {
				return err
			}
			slog.Info("migration complete", "backend", "sqlite", "path", cfg.Database.Path)
			return nil
		},
	}
}
