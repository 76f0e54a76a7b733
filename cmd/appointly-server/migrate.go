package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"appointly/internal/store/postgres"
	"appointly/migrations"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*cfg.ShutdownTimeout)
			defer cancel()

			log.Info("connecting to database", databaseLogArgs(cfg.DatabaseURL)...)
			db, err := postgres.Open(ctx, cfg.DatabaseURL, postgres.PoolConfig{})
			if err != nil {
				return err
			}
			defer func() {
				if err := postgres.Close(db); err != nil {
					log.Warn("database close failed", slog.Any("err", err))
				}
			}()

			applied, err := postgres.Migrate(ctx, db, migrations.FS, log)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s).\n", len(applied))
			return nil
		},
	}
}
