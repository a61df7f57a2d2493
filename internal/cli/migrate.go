package cli

import (
	"github.com/spf13/cobra"
)

var migrateDown bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the embedded database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Migrate(migrateDown)
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateDown, "down", false, "Revert all migrations instead")
}
