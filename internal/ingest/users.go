package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"manifold-etl/internal/clock"
	"manifold-etl/internal/fetcher"
	"manifold-etl/internal/metrics"
	"manifold-etl/internal/normalize"
	"manifold-etl/internal/storage"
)

// UserStageOptions configure the single-threaded user stage.
type UserStageOptions struct {
	PageSize int
	// Limit caps the users fetched; zero means the whole collection.
	Limit     int
	ChunkSize int
}

// UserStageReport summarises a user stage run.
type UserStageReport struct {
	Pages    int
	Fetched  int
	Accepted int
	Rejected int
	Upserts  storage.UpsertReport
	// Cursor is where a follow-up run can resume.
	Cursor      fetcher.Cursor
	Interrupted bool
}

// UserStage pages through /users and loads every page before fetching the next.
type UserStage struct {
	opts   UserStageOptions
	exec   fetcher.Executor
	loader Loader
	clock  clock.Clock
	logger zerolog.Logger
}

// NewUserStage builds a UserStage.
func NewUserStage(opts UserStageOptions, exec fetcher.Executor, loader Loader, clk clock.Clock, logger zerolog.Logger) *UserStage {
	if clk == nil {
		clk = clock.Real{}
	}
	return &UserStage{
		opts:   opts,
		exec:   exec,
		loader: loader,
		clock:  clk,
		logger: logger.With().Str("component", "users").Logger(),
	}
}

// Run ingests users. A fetch failure ends the stage; pages already loaded stay loaded.
// A client error on the very first request is reported as ErrEarlyClientError.
func (s *UserStage) Run(ctx context.Context) (UserStageReport, error) {
	var report UserStageReport
	asOf := s.clock.Now().UTC()
	pager := fetcher.NewPaginator(s.exec, fetcher.UsersEndpoint(), fetcher.PaginatorOptions{
		PageSize: s.opts.PageSize,
		Limit:    s.opts.Limit,
	})
	detached := context.WithoutCancel(ctx)

	for !pager.Done() {
		if ctx.Err() != nil {
			report.Interrupted = true
			break
		}
		started := time.Now()
		page, err := pager.Next(detached)
		if errors.Is(err, fetcher.ErrNoMorePages) {
			break
		}
		if err != nil {
			report.Cursor = pager.Cursor()
			if report.Pages == 0 && fetcher.IsKind(err, fetcher.KindClientError) {
				return report, fmt.Errorf("%w: %v", ErrEarlyClientError, err)
			}
			return report, fmt.Errorf("fetch users page %d: %w", report.Pages+1, err)
		}

		batch := normalize.Users(page.Records, asOf)
		for _, rej := range batch.Rejected {
			s.logger.Debug().Str("user_id", rej.ID).Str("field", rej.Err.Field).Str("reason", rej.Err.Reason).Msg("user rejected")
		}
		metrics.RecordsRejected.WithLabelValues(UsersEntity.Name).Add(float64(len(batch.Rejected)))
		upserts := s.loader.Upsert(detached, UsersEntity, records(batch.Accepted), s.opts.ChunkSize)

		report.Pages++
		report.Fetched += len(page.Records)
		report.Accepted += len(batch.Accepted)
		report.Rejected += len(batch.Rejected)
		report.Upserts.Merge(upserts)

		s.logger.Info().
			Int("page", page.Number).
			Int("records", len(page.Records)).
			Int("rejected", len(batch.Rejected)).
			Int("written", upserts.Written()).
			Int("failed", upserts.Failed).
			Int("total_fetched", pager.Fetched()).
			Dur("elapsed", time.Since(started)).
			Msg("users page loaded")
	}
	report.Cursor = pager.Cursor()
	return report, nil
}
