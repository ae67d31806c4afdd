package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/matiasleandrokruk/wanderplan/internal/infra/config"
	"github.com/matiasleandrokruk/wanderplan/internal/infra/sqlite"
	"github.com/matiasleandrokruk/wanderplan/internal/server"
)

func newServeCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load(*cfgFile)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Log, cmd.ErrOrStderr())
			logger.Info("starting wanderplan", "config", cfg)

			db, err := openDB(ctx, cfg.Database.Path)
			if err != nil {
				return err
			}
			if applied, err := sqlite.MigrateUp(ctx, db); err != nil {
				db.Close() //nolint:errcheck
				return err
			} else if len(applied) > 0 {
				logger.Info("applied migrations", "migrations", applied)
			}

			srv, err := server.NewServer(db, cfg, logger)
			if err != nil {
				db.Close() //nolint:errcheck
				return err
			}
			return srv.Run(ctx)
		},
	}
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// openDB creates the parent directory of a file database before opening it.
func openDB(ctx context.Context, path string) (*sql.DB, error) {
	if path != sqlite.Memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}
	return sqlite.NewDB(ctx, path)
}
