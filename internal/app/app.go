package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"manifold-etl/internal/alerting"
	"manifold-etl/internal/clock"
	"manifold-etl/internal/config"
	"manifold-etl/internal/fetcher"
	"manifold-etl/internal/ingest"
	"manifold-etl/internal/metrics"
	"manifold-etl/internal/ratelimit"
	"manifold-etl/internal/scheduler"
	"manifold-etl/internal/service"
	"manifold-etl/internal/storage"
	"manifold-etl/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// RunOptions select what a run command does.
type RunOptions struct {
	UsersOnly        bool
	BetsOnly         bool
	UserLimit        int
	BetStartUsername string
	// Schedule repeats the pipeline every Interval (config default when zero).
	Schedule bool
	Interval time.Duration
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// ExportOptions hold parameters for exporting the top bettors report.
type ExportOptions struct {
	PNGPath string
	CSVPath string
	Limit   int
}

// BackfillOptions configure a full bet history refetch for selected users.
type BackfillOptions struct {
	Usernames []string
	DryRun    bool
	Workers   int
}

// newClient builds the single API client shared by every stage and worker.
func (a *App) newClient() *fetcher.Client {
	limiter := ratelimit.New(ratelimit.Options{
		RequestsPerSecond: a.Config.RateLimit.RequestsPerSecond(),
		Burst:             a.Config.RateLimit.Burst,
	}, clock.Real{})

	userAgent := a.Config.API.UserAgent
	if userAgent == "" {
		userAgent = version.UserAgent()
	}
	return fetcher.NewClient(fetcher.Options{
		BaseURL:         a.Config.API.BaseURL,
		APIKey:          a.Config.API.APIKey,
		UserAgent:       userAgent,
		Timeout:         a.Config.API.Timeout,
		MaxAttempts:     a.Config.Retry.MaxAttempts,
		BaseBackoff:     a.Config.Retry.BaseBackoff,
		MaxBackoff:      a.Config.Retry.MaxBackoff,
		JitterMax:       a.Config.Retry.Jitter,
		MaxRetryAfter:   a.Config.Retry.MaxRetryAfter,
		TransientStatus: a.Config.Retry.TransientStatus,
	}, limiter, clock.Real{}, a.Logger)
}

func (a *App) newCoordinator(exec fetcher.Executor, loader ingest.Loader, opts ingest.Options) *ingest.Coordinator {
	return ingest.NewCoordinator(opts, exec, loader, clock.Real{}, a.Logger)
}

func (a *App) betOptions() ingest.Options {
	cfg := a.Config.Bets
	return ingest.Options{
		Workers:   cfg.WorkerCount,
		PageSize:  cfg.PageSize,
		Threshold: cfg.Threshold,
		StopEarly: cfg.StopEarly,
		Limit:     cfg.Limit,
		ChunkSize: cfg.ChunkSize,
	}
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// requireStore opens the store and fails when no DSN is configured.
func (a *App) requireStore(ctx context.Context, purpose string) (*storage.Store, func(), error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		return nil, nil, fmt.Errorf("database.dsn not configured; cannot %s", purpose)
	}
	return store, closeStore, nil
}

func (a *App) newService(store *storage.Store, opts RunOptions) *service.Service {
	client := a.newClient()
	upserter := storage.NewUpserter(store, storage.UpserterOptions{IsolateFailures: a.Config.Bets.IsolateFailures}, a.Logger)

	userLimit := a.Config.Users.Limit
	if opts.UserLimit > 0 {
		userLimit = opts.UserLimit
	}
	users := ingest.NewUserStage(ingest.UserStageOptions{
		PageSize:  a.Config.Users.PageSize,
		Limit:     userLimit,
		ChunkSize: a.Config.Users.ChunkSize,
	}, client, upserter, clock.Real{}, a.Logger)
	bets := a.newCoordinator(client, upserter, a.betOptions())

	return service.New(service.Options{
		RunUsers:         !opts.BetsOnly,
		RunBets:          !opts.UsersOnly,
		StartUsername:    opts.BetStartUsername,
		UserChunkSize:    a.Config.Bets.UserChunkSize,
		FailureTolerance: a.Config.Bets.FailureTolerance,
		NotifyOnSuccess:  a.Config.Alerting.NotifyOnSuccess,
		LockKey:          a.Config.Scheduler.AdvisoryLockKey,
	}, users, bets, store, store, a.newNotifier(), a.Logger)
}

// Run executes the ETL once, or repeatedly when opts.Schedule is set.
func (a *App) Run(ctx context.Context, opts RunOptions) error {
	if opts.UsersOnly && opts.BetsOnly {
		return errors.New("--users-only and --bets-only are mutually exclusive")
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if a.Config.Database.MigrateOnStart {
		if err := storage.Migrate(a.Config.Database.DSN, true, a.Logger); err != nil {
			return err
		}
	}

	store, closeStore, err := a.requireStore(ctx, "run the pipeline")
	if err != nil {
		return err
	}
	defer closeStore()

	metrics.Serve(ctx, a.Config.Metrics.ListenAddr, a.Logger)
	svc := a.newService(store, opts)

	if !opts.Schedule {
		summary, err := svc.RunOnce(ctx)
		if errors.Is(err, service.ErrLocked) {
			return fmt.Errorf("another pipeline run is in progress: %w", err)
		}
		if summary != nil && ctx.Err() != nil {
			a.Logger.Warn().Str("run_id", summary.RunID).Msg("run interrupted by shutdown signal")
		}
		return err
	}

	interval := opts.Interval
	if interval <= 0 {
		interval = a.Config.Scheduler.Interval
	}
	sched := scheduler.New(scheduler.Options{
		Interval:        interval,
		AlignToInterval: a.Config.Scheduler.AlignToInterval,
		StartupDelay:    a.Config.Scheduler.StartupDelay,
		RunImmediately:  true,
	}, clock.Real{}, a.Logger)

	a.Logger.Info().Dur("interval", interval).Msg("starting scheduled pipeline")
	err = svc.Run(ctx, sched)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("scheduler terminated with error")
		return err
	}

	a.Logger.Info().Msg("scheduled pipeline stopped")
	return nil
}

// Migrate applies (or with down, reverts) the embedded schema migrations.
func (a *App) Migrate(down bool) error {
	if a.Config.Database.DSN == "" {
		return errors.New("database.dsn not configured; cannot migrate")
	}
	return storage.Migrate(a.Config.Database.DSN, !down, a.Logger)
}
