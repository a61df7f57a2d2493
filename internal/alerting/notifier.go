package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Notification 封装一次 ETL 运行的摘要。
type Notification struct {
	RunID      string
	Status     string
	StartedAt  time.Time
	FinishedAt time.Time

	UsersFetched  int
	UsersWritten  int
	UsersRejected int

	BetUsers     int
	BetsFetched  int
	BetsWritten  int
	BetsRejected int
	FailedUsers  []string
	FailedRows   int

	Error         string
	AdditionalMsg string
}

// Notifier 定义通知输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 通知器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Str("run_id", note.RunID).
		Str("status", note.Status).
		Msg("运行摘要已发送 (Telegram)")
	return nil
}

const maxListedFailures = 10

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[Manifold ETL] run %s\n", note.Status))
	builder.WriteString(fmt.Sprintf("Run: %s\n", note.RunID))
	builder.WriteString(fmt.Sprintf("Started: %s UTC\n", note.StartedAt.UTC().Format(time.RFC3339)))
	if !note.FinishedAt.IsZero() {
		builder.WriteString(fmt.Sprintf("Duration: %s\n", note.FinishedAt.Sub(note.StartedAt).Round(time.Second)))
	}
	builder.WriteString(fmt.Sprintf("Users: fetched %d, written %d, rejected %d\n", note.UsersFetched, note.UsersWritten, note.UsersRejected))
	builder.WriteString(fmt.Sprintf("Bets: %d users, fetched %d, written %d, rejected %d, failed rows %d\n",
		note.BetUsers, note.BetsFetched, note.BetsWritten, note.BetsRejected, note.FailedRows))
	if n := len(note.FailedUsers); n > 0 {
		listed := note.FailedUsers
		if n > maxListedFailures {
			listed = listed[:maxListedFailures]
		}
		builder.WriteString(fmt.Sprintf("Failed users (%d): %s", n, strings.Join(listed, ", ")))
		if n > maxListedFailures {
			builder.WriteString(", ...")
		}
		builder.WriteString("\n")
	}
	if note.Error != "" {
		builder.WriteString(fmt.Sprintf("Error: %s\n", note.Error))
	}
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
