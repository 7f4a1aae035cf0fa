package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"librarylend/internal/config"
	"librarylend/internal/store"
)

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the PostgreSQL schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !a.persistent() {
				return fmt.Errorf("migrate needs STORE_DRIVER=%s", config.DriverPostgres)
			}
			pg, err := store.OpenPostgres(cmd.Context(), a.cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pg.Close()

			if err := pg.Migrate(cmd.Context()); err != nil {
				return err
			}
			a.log.Info("schema applied")
			return nil
		},
	}
}
