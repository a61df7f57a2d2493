package app

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"manifold-etl/internal/alerting"
)

// SimulateAlert 发送一条模拟的运行摘要，用于验证告警通道配置。
func (a *App) SimulateAlert(ctx context.Context, status string) error {
	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("未配置任何告警通道")
	}

	finished := time.Now().UTC()
	note := alerting.Notification{
		RunID:         uuid.NewString(),
		Status:        status,
		StartedAt:     finished.Add(-42 * time.Minute),
		FinishedAt:    finished,
		UsersFetched:  1000,
		UsersWritten:  998,
		UsersRejected: 2,
		BetUsers:      998,
		BetsFetched:   49900,
		BetsWritten:   49890,
		BetsRejected:  10,
		AdditionalMsg: "模拟消息，非真实运行",
	}
	if status != "succeeded" {
		note.FailedUsers = []string{"simulated-user"}
		note.Error = "simulated failure"
	}

	a.Logger.Info().Str("run_id", note.RunID).Str("status", status).Msg("发送模拟告警")
	return notifier.Notify(ctx, note)
}
