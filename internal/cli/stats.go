package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/flynn-ai/edgeroute/internal/telemetry"
)

func (a *app) statsCmd() *cobra.Command {
	var window time.Duration

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print statistics over the most recent persisted telemetry",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !a.cfg.Telemetry.Persist {
				return fmt.Errorf("telemetry persistence is disabled; set telemetry.persist in %s", a.cfgPath)
			}

			store, err := telemetry.OpenStore(a.cfg.Telemetry.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			agg := telemetry.NewAggregator()
			if err := store.Warm(cmd.Context(), agg); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), agg.StatsWithin(window))
		},
	}

	cmd.Flags().DurationVar(&window, "window", 0, "only include records newer than this (0 for all)")
	return cmd
}
