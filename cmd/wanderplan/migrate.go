package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/matiasleandrokruk/wanderplan/internal/infra/config"
	"github.com/matiasleandrokruk/wanderplan/internal/infra/sqlite"
)

func newMigrateCmd(cfgFile *string) *cobra.Command {
	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			cfg, err := config.Load(*cfgFile)
			if err != nil {
				return err
			}
			db, err := openDB(cmd.Context(), cfg.Database.Path)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := db.Close(); cerr != nil && err == nil {
					err = cerr
				}
			}()

			applied, err := sqlite.MigrateUp(cmd.Context(), db)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(applied) == 0 {
				fmt.Fprintln(out, "schema is up to date") //nolint:errcheck
				return nil
			}
			fmt.Fprintf(out, "applied %d migrations: %s\n", len(applied), strings.Join(applied, ", ")) //nolint:errcheck
			return nil
		},
	}

	ver := &cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			cfg, err := config.Load(*cfgFile)
			if err != nil {
				return err
			}
			db, err := openDB(cmd.Context(), cfg.Database.Path)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := db.Close(); cerr != nil && err == nil {
					err = cerr
				}
			}()

			v, err := sqlite.MigrationVersion(cmd.Context(), db)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", v) //nolint:errcheck
			return nil
		},
	}

	migrate.AddCommand(up, ver)
	return migrate
}
