package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"manifold-etl/internal/alerting"
	"manifold-etl/internal/ingest"
	"manifold-etl/internal/scheduler"
	"manifold-etl/internal/storage"
)

// ErrLocked is returned by RunOnce when another process holds the run lock.
var ErrLocked = errors.New("service: another run holds the advisory lock")

var errStopStream = errors.New("stop streaming users")

// UserIngester runs the user stage.
type UserIngester interface {
	Run(ctx context.Context) (ingest.UserStageReport, error)
}

// BetIngester runs the bet stage for a batch of users.
type BetIngester interface {
	Run(ctx context.Context, targets []ingest.Target) *ingest.Report
	MarkSucceeded()
}

// UserSource streams stored users as bet targets.
type UserSource interface {
	ResolveUserStart(ctx context.Context, startUsername string) (storage.UserStart, error)
	StreamUsers(ctx context.Context, start storage.UserStart, chunkSize int, fn func([]storage.UserRef) error) error
}

// Options select stages and run policy.
type Options struct {
	RunUsers         bool
	RunBets          bool
	StartUsername    string
	UserChunkSize    int
	FailureTolerance float64
	NotifyOnSuccess  bool
	LockKey          int64
}

// Summary describes one pipeline run.
type Summary struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	Users      *ingest.UserStageReport
	Bets       *ingest.Report
	Err        error
}

// Status classifies the run for reporting.
func (s *Summary) Status() string {
	switch {
	case errors.Is(s.Err, ingest.ErrEarlyClientError):
		return "aborted"
	case s.Err != nil:
		return "failed"
	case s.partial():
		return "partial"
	default:
		return "succeeded"
	}
}

func (s *Summary) partial() bool {
	if s.Users != nil && (s.Users.Rejected > 0 || s.Users.Upserts.Failed > 0 || s.Users.Interrupted) {
		return true
	}
	if s.Bets != nil {
		t := s.Bets.Totals()
		return t.Partial > 0 || t.Failed > 0 || t.Interrupted > 0
	}
	return false
}

// Notification renders the summary for a notifier.
func (s *Summary) Notification() alerting.Notification {
	note := alerting.Notification{
		RunID:      s.RunID,
		Status:     s.Status(),
		StartedAt:  s.StartedAt,
		FinishedAt: s.FinishedAt,
	}
	if s.Users != nil {
		note.UsersFetched = s.Users.Fetched
		note.UsersWritten = s.Users.Upserts.Written()
		note.UsersRejected = s.Users.Rejected
	}
	if s.Bets != nil {
		t := s.Bets.Totals()
		note.BetUsers = t.Users
		note.BetsFetched = t.Fetched
		note.BetsWritten = t.Written
		note.BetsRejected = t.Rejected
		note.FailedRows = t.FailedRows
		for _, f := range s.Bets.Failures() {
			note.FailedUsers = append(note.FailedUsers, f.Username)
		}
	}
	if s.Err != nil {
		note.Error = s.Err.Error()
	}
	return note
}

// Service orchestrates the user and bet stages, run locking and notifications.
type Service struct {
	opts     Options
	users    UserIngester
	bets     BetIngester
	source   UserSource
	locker   storage.AdvisoryLocker
	notifier alerting.Notifier
	logger   zerolog.Logger
	now      func() time.Time
}

// New constructs the pipeline service. locker and notifier may be nil.
func New(opts Options, users UserIngester, bets BetIngester, source UserSource, locker storage.AdvisoryLocker, notifier alerting.Notifier, logger zerolog.Logger) *Service {
	if opts.UserChunkSize <= 0 {
		opts.UserChunkSize = 500
	}
	return &Service{
		opts:     opts,
		users:    users,
		bets:     bets,
		source:   source,
		locker:   locker,
		notifier: notifier,
		logger:   logger.With().Str("component", "service").Logger(),
		now:      time.Now,
	}
}

// Run repeats the pipeline on every scheduler tick until ctx is cancelled.
func (s *Service) Run(ctx context.Context, sched *scheduler.Scheduler) error {
	if sched == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return sched.Run(ctx, func(ctx context.Context, slot time.Time) error {
		summary, err := s.RunOnce(ctx)
		if errors.Is(err, ErrLocked) {
			s.logger.Info().Time("slot", slot).Msg("skip run because advisory lock held elsewhere")
			return nil
		}
		if summary != nil {
			s.logger.Info().Time("slot", slot).Str("run_id", summary.RunID).Str("status", summary.Status()).Msg("scheduled run finished")
		}
		return err
	})
}

// RunOnce executes the enabled stages a single time.
func (s *Service) RunOnce(ctx context.Context) (*Summary, error) {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return nil, err
	}
	if !proceed {
		return nil, ErrLocked
	}
	if unlock != nil {
		defer unlock()
	}

	summary := &Summary{RunID: uuid.NewString(), StartedAt: s.now().UTC()}
	log := s.logger.With().Str("run_id", summary.RunID).Logger()
	log.Info().Bool("users", s.opts.RunUsers).Bool("bets", s.opts.RunBets).Msg("run started")

	summary.Err = s.execute(ctx, summary, log)
	summary.FinishedAt = s.now().UTC()

	event := log.Info()
	if summary.Err != nil {
		event = log.Error().Err(summary.Err)
	}
	event.Str("status", summary.Status()).Dur("elapsed", summary.FinishedAt.Sub(summary.StartedAt)).Msg("run finished")

	s.notify(ctx, summary, log)
	return summary, summary.Err
}

func (s *Service) execute(ctx context.Context, summary *Summary, log zerolog.Logger) error {
	if s.opts.RunUsers {
		report, err := s.users.Run(ctx)
		summary.Users = &report
		log.Info().
			Int("pages", report.Pages).
			Int("fetched", report.Fetched).
			Int("rejected", report.Rejected).
			Int("inserted", report.Upserts.Inserted).
			Int("updated", report.Upserts.Updated).
			Int("failed", report.Upserts.Failed).
			Msg("user stage finished")
		if err != nil {
			return fmt.Errorf("user stage: %w", err)
		}
		if report.Pages > 0 {
			s.bets.MarkSucceeded()
		}
		if report.Interrupted {
			return nil
		}
	}

	if s.opts.RunBets && ctx.Err() == nil {
		report, err := s.runBets(ctx, log)
		summary.Bets = report
		if err != nil {
			return err
		}
		return report.Evaluate(s.opts.FailureTolerance)
	}
	return nil
}

func (s *Service) runBets(ctx context.Context, log zerolog.Logger) (*ingest.Report, error) {
	total := ingest.NewReport()

	start, err := s.source.ResolveUserStart(ctx, s.opts.StartUsername)
	if err != nil {
		return total, fmt.Errorf("bet stage: %w", err)
	}
	switch {
	case start.FromID != "":
		log.Info().Str("user_id", start.FromID).Str("username", s.opts.StartUsername).Msg("resuming bet ingestion")
	case start.AfterUsername != "":
		log.Warn().Str("username", start.AfterUsername).Msg("start username not found; resuming from next username alphabetically")
	}

	batch := 0
	err = s.source.StreamUsers(ctx, start, s.opts.UserChunkSize, func(refs []storage.UserRef) error {
		batch++
		targets := make([]ingest.Target, len(refs))
		for i, ref := range refs {
			targets[i] = ingest.Target{UserID: ref.ID, Username: ref.Username}
		}
		log.Info().Int("batch", batch).Int("users", len(targets)).Str("first_user", refs[0].Username).Msg("bet batch started")

		report := s.bets.Run(ctx, targets)
		total.Merge(report)
		if report.Err() != nil || ctx.Err() != nil {
			return errStopStream
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopStream) {
		return total, fmt.Errorf("bet stage: %w", err)
	}
	return total, nil
}

func (s *Service) notify(ctx context.Context, summary *Summary, log zerolog.Logger) {
	if s.notifier == nil {
		return
	}
	if summary.Err == nil && !s.opts.NotifyOnSuccess {
		return
	}
	// the summary is still delivered after a shutdown signal
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := s.notifier.Notify(notifyCtx, summary.Notification()); err != nil {
		log.Error().Err(err).Msg("failed to dispatch run summary")
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.LockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
