package cli

import (
	"github.com/spf13/cobra"

	"manifold-etl/internal/app"
)

var (
	backfillUsers   []string
	backfillDryRun  bool
	backfillWorkers int
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Refetch the full bet history of selected users",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.BackfillOptions{
			Usernames: append(backfillUsers, args...),
			DryRun:    backfillDryRun,
			Workers:   backfillWorkers,
		}

		return getApp().Backfill(cmd.Context(), opts)
	},
}

func init() {
	backfillCmd.Flags().StringSliceVar(&backfillUsers, "user", nil, "Username to backfill (repeatable)")
	backfillCmd.Flags().BoolVar(&backfillDryRun, "dry-run", false, "Fetch and validate without writing to storage")
	backfillCmd.Flags().IntVar(&backfillWorkers, "workers", 0, "Number of concurrent workers (defaults to bets.worker_count)")
}
