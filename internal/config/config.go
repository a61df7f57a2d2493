package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"manifold-etl/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	API       APIConfig       `mapstructure:"api"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Users     UsersConfig     `mapstructure:"users"`
	Bets      BetsConfig      `mapstructure:"bets"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrateOnStart  bool          `mapstructure:"migrate_on_start"`
}

// APIConfig points at the Manifold REST API.
type APIConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	APIKey    string        `mapstructure:"api_key"`
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// RateLimitConfig is the process-wide request budget.
type RateLimitConfig struct {
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
	Burst             int `mapstructure:"burst"`
}

// RequestsPerSecond converts the per-minute budget.
func (c RateLimitConfig) RequestsPerSecond() float64 {
	return float64(c.RequestsPerMinute) / 60
}

// RetryConfig bounds retries of a single logical request.
type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	BaseBackoff     time.Duration `mapstructure:"base_backoff"`
	MaxBackoff      time.Duration `mapstructure:"max_backoff"`
	Jitter          time.Duration `mapstructure:"jitter"`
	MaxRetryAfter   time.Duration `mapstructure:"max_retry_after"`
	TransientStatus []int         `mapstructure:"transient_status"`
}

// UsersConfig drives the user stage.
type UsersConfig struct {
	PageSize  int `mapstructure:"page_size"`
	Limit     int `mapstructure:"limit"`
	ChunkSize int `mapstructure:"chunk_size"`
}

// BetsConfig drives the per-user bet stage.
type BetsConfig struct {
	PageSize         int     `mapstructure:"page_size"`
	Threshold        int     `mapstructure:"threshold"`
	StopEarly        bool    `mapstructure:"stop_early"`
	Limit            int     `mapstructure:"limit"`
	WorkerCount      int     `mapstructure:"worker_count"`
	ChunkSize        int     `mapstructure:"chunk_size"`
	UserChunkSize    int     `mapstructure:"user_chunk_size"`
	IsolateFailures  bool    `mapstructure:"isolate_failures"`
	FailureTolerance float64 `mapstructure:"failure_tolerance"`
}

// SchedulerConfig governs repeated runs.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToInterval bool          `mapstructure:"align_to_interval"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// MetricsConfig exposes Prometheus metrics.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// AlertingConfig routes run summaries.
type AlertingConfig struct {
	NotifyOnSuccess bool           `mapstructure:"notify_on_success"`
	Telegram        TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 通知参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI show/export behaviour.
type ExportConfig struct {
	TopUsers int `mapstructure:"top_users"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MANIFOLD_ETL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "manifold-etl")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.dir", "")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrate_on_start", false)

	v.SetDefault("api.base_url", "https://api.manifold.markets/v0")
	v.SetDefault("api.api_key", "")
	v.SetDefault("api.user_agent", "manifold-etl/1.0")
	v.SetDefault("api.timeout", "30s")

	v.SetDefault("rate_limit.requests_per_minute", 500)
	v.SetDefault("rate_limit.burst", 1)

	v.SetDefault("retry.max_attempts", 7)
	v.SetDefault("retry.base_backoff", "1s")
	v.SetDefault("retry.max_backoff", "60s")
	v.SetDefault("retry.jitter", "500ms")
	v.SetDefault("retry.max_retry_after", "5m")
	v.SetDefault("retry.transient_status", []int{408})

	v.SetDefault("users.page_size", 500)
	v.SetDefault("users.limit", 0)
	v.SetDefault("users.chunk_size", 200)

	v.SetDefault("bets.page_size", 1000)
	v.SetDefault("bets.threshold", 50)
	v.SetDefault("bets.stop_early", true)
	v.SetDefault("bets.limit", 0)
	v.SetDefault("bets.worker_count", 4)
	v.SetDefault("bets.chunk_size", 200)
	v.SetDefault("bets.user_chunk_size", 500)
	v.SetDefault("bets.isolate_failures", false)
	v.SetDefault("bets.failure_tolerance", 0.0)

	v.SetDefault("scheduler.interval", "24h")
	v.SetDefault("scheduler.align_to_interval", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x6d616e69))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("metrics.listen_addr", "")

	v.SetDefault("alerting.notify_on_success", false)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.top_users", 20)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("api.timeout must be greater than zero")
	}
	if c.RateLimit.RequestsPerMinute < 0 {
		return fmt.Errorf("rate_limit.requests_per_minute cannot be negative")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if c.Retry.BaseBackoff <= 0 {
		return fmt.Errorf("retry.base_backoff must be greater than zero")
	}
	if c.Retry.MaxBackoff < c.Retry.BaseBackoff {
		return fmt.Errorf("retry.max_backoff must not be below retry.base_backoff")
	}
	if c.Retry.Jitter < 0 {
		return fmt.Errorf("retry.jitter cannot be negative")
	}
	if c.Retry.MaxRetryAfter < c.Retry.MaxBackoff {
		return fmt.Errorf("retry.max_retry_after must not be below retry.max_backoff")
	}
	if c.Users.PageSize <= 0 || c.Bets.PageSize <= 0 {
		return fmt.Errorf("users.page_size and bets.page_size must be greater than zero")
	}
	if c.Users.Limit < 0 || c.Bets.Limit < 0 {
		return fmt.Errorf("users.limit and bets.limit cannot be negative")
	}
	if c.Users.ChunkSize <= 0 || c.Bets.ChunkSize <= 0 {
		return fmt.Errorf("users.chunk_size and bets.chunk_size must be greater than zero")
	}
	if c.Bets.WorkerCount < 1 {
		return fmt.Errorf("bets.worker_count must be at least 1")
	}
	if c.Bets.UserChunkSize <= 0 {
		return fmt.Errorf("bets.user_chunk_size must be greater than zero")
	}
	if c.Bets.StopEarly && c.Bets.Threshold <= 0 {
		return fmt.Errorf("bets.threshold must be greater than zero when bets.stop_early is set")
	}
	if c.Bets.FailureTolerance < 0 || c.Bets.FailureTolerance > 1 {
		return fmt.Errorf("bets.failure_tolerance must be within [0, 1]")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Export.TopUsers <= 0 {
		return fmt.Errorf("export.top_users must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// ResolveTopUsers returns either the CLI override or config default.
func (c *Config) ResolveTopUsers(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.TopUsers
}
