package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"manifold-etl/internal/app"
)

var runOpts app.RunOptions

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Ingest users, then bets for every stored user",
	RunE: func(cmd *cobra.Command, args []string) error {
		if runOpts.UserLimit < 0 {
			return fmt.Errorf("--user-limit must not be negative")
		}
		if cmd.Flags().Changed("interval") {
			runOpts.Schedule = true
		}
		return getApp().Run(cmd.Context(), runOpts)
	},
}

func init() {
	runCmd.Flags().BoolVar(&runOpts.UsersOnly, "users-only", false, "Only run the user stage")
	runCmd.Flags().BoolVar(&runOpts.BetsOnly, "bets-only", false, "Only run the bet stage over stored users")
	runCmd.Flags().IntVar(&runOpts.UserLimit, "user-limit", 0, "Maximum users to fetch (overrides users.limit)")
	runCmd.Flags().StringVar(&runOpts.BetStartUsername, "bet-start-username", "", "Resume the bet stage at this username")
	runCmd.Flags().BoolVar(&runOpts.Schedule, "schedule", false, "Repeat the pipeline every scheduler.interval")
	runCmd.Flags().DurationVar(&runOpts.Interval, "interval", 0, "Repeat the pipeline at this interval (implies --schedule)")
}
