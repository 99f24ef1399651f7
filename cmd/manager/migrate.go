package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ahrav/sourcefleet/internal/infra/storage"
)

func newMigrateCmd(env envFunc) *cobra.Command {
	var down bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := env()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			d, err := buildDeps(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer d.close(context.Background())

			dir := storage.MigrateUp
			if down {
				dir = storage.MigrateDown
			}
			if err := d.migrate(dir); err != nil {
				return fmt.Errorf("migrating database: %w", err)
			}
			log.Info(ctx, "migrate", "status", "schema migrated", "down", down)
			return nil
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "roll back every migration")
	return cmd
}
