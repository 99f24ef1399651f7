package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ahrav/sourcefleet/internal/app/retention"
)

func newPurgeCmd(env envFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Run one retention sweep over deleted sources",
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

			purger := retention.NewPurger(d.sources, d.publisher, d.metrics,
				retention.Config{Retention: cfg.Retention.Window(), Interval: cfg.Retention.Interval},
				d.tracer, log)

			res, err := purger.Purge(ctx)
			if err != nil {
				return fmt.Errorf("purging: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "marked %d purgeable, removed %d\n", res.Marked, res.Purged)
			return nil
		},
	}
}
