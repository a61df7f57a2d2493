package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var simulateStatus string

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "发送一条模拟的运行摘要以验证告警通道",
	RunE: func(cmd *cobra.Command, args []string) error {
		switch simulateStatus {
		case "succeeded", "partial", "failed", "aborted":
		default:
			return fmt.Errorf("--status 必须是 succeeded、partial、failed 或 aborted")
		}
		return getApp().SimulateAlert(cmd.Context(), simulateStatus)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateStatus, "status", "failed", "模拟的运行状态")
}
