package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"manifold-etl/internal/clock"
	"manifold-etl/internal/fetcher"
	"manifold-etl/internal/metrics"
	"manifold-etl/internal/normalize"
	"manifold-etl/internal/storage"
)

// Options configure the bet worker pool.
type Options struct {
	Workers   int
	PageSize  int
	Threshold int
	// StopEarly ends a job once Threshold records were fetched; otherwise jobs are exhaustive.
	StopEarly bool
	// Limit caps the records fetched per user; zero means no cap.
	Limit     int
	ChunkSize int
}

// Coordinator fans per-user bet ingestion out over a fixed pool of workers.
type Coordinator struct {
	opts   Options
	exec   fetcher.Executor
	loader Loader
	clock  clock.Clock
	logger zerolog.Logger

	// succeeded flips on the first page fetched by any worker over the coordinator's lifetime.
	succeeded atomic.Bool
}

// NewCoordinator builds a Coordinator. All workers share exec and therefore its rate limiter.
func NewCoordinator(opts Options, exec fetcher.Executor, loader Loader, clk clock.Clock, logger zerolog.Logger) *Coordinator {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 1000
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Coordinator{
		opts:   opts,
		exec:   exec,
		loader: loader,
		clock:  clk,
		logger: logger.With().Str("component", "bets").Logger(),
	}
}

// MarkSucceeded records that an earlier stage already reached the API successfully.
func (c *Coordinator) MarkSucceeded() { c.succeeded.Store(true) }

// Run ingests bets for every target and blocks until all workers stop.
//
// Cancelling ctx stops workers after their current page: jobs never started stay pending
// and jobs cut short are completed with Interrupted set.
func (c *Coordinator) Run(ctx context.Context, targets []Target) *Report {
	report := NewReport()
	unique := make([]Target, 0, len(targets))
	for _, t := range targets {
		if report.add(t) {
			unique = append(unique, t)
		}
	}
	if len(unique) == 0 {
		return report
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	asOf := c.clock.Now().UTC()
	started := time.Now()

	queue := make(chan Target)
	go func() {
		defer close(queue)
		for _, t := range unique {
			select {
			case queue <- t:
			case <-runCtx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < c.opts.Workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for t := range queue {
				if runCtx.Err() != nil {
					return
				}
				c.runJob(runCtx, cancel, report, t, asOf, worker)
			}
		}(w)
	}
	wg.Wait()

	totals := report.Totals()
	c.logger.Info().
		Int("users", totals.Users).
		Int("completed", totals.Completed).
		Int("partial", totals.Partial).
		Int("failed", totals.Failed).
		Int("pending", totals.Pending).
		Int("fetched", totals.Fetched).
		Int("written", totals.Written).
		Dur("elapsed", time.Since(started)).
		Msg("bet batch finished")
	return report
}

func (c *Coordinator) runJob(ctx context.Context, abort context.CancelFunc, report *Report, t Target, asOf time.Time, worker int) {
	log := c.logger.With().Str("user_id", t.UserID).Str("username", t.Username).Int("worker", worker).Logger()
	report.update(t.UserID, func(j *Job) { j.Status = StatusRunning })
	metrics.JobsInFlight.Inc()
	defer metrics.JobsInFlight.Dec()

	pager := fetcher.NewPaginator(c.exec, fetcher.BetsEndpoint(t.UserID), fetcher.PaginatorOptions{
		PageSize: c.opts.PageSize,
		Limit:    c.opts.Limit,
	})
	// pages in flight complete even when the run is cancelled
	detached := context.WithoutCancel(ctx)

	finish := func(status Status, mutate func(j *Job)) {
		report.update(t.UserID, func(j *Job) {
			j.Status = status
			j.Cursor = pager.Cursor()
			if mutate != nil {
				mutate(j)
			}
		})
		metrics.JobsFinished.WithLabelValues(string(status)).Inc()
	}

	for {
		if ctx.Err() != nil {
			finish(StatusCompleted, func(j *Job) { j.Interrupted = true })
			log.Info().Int("fetched", pager.Fetched()).Msg("bet job interrupted")
			return
		}

		page, err := pager.Next(detached)
		if errors.Is(err, fetcher.ErrNoMorePages) {
			finish(StatusCompleted, nil)
			return
		}
		if err != nil {
			if fetcher.IsKind(err, fetcher.KindClientError) && !c.succeeded.Load() {
				report.abort(fmt.Errorf("%w: %v", ErrEarlyClientError, err))
				abort()
			}
			finish(StatusFailed, func(j *Job) { j.Err = err })
			log.Warn().Err(err).Int("fetched", pager.Fetched()).Msg("bet job failed")
			return
		}
		c.succeeded.Store(true)

		c.load(detached, report, t, page, asOf, log)

		if pager.Done() {
			finish(StatusCompleted, nil)
			log.Debug().Int("fetched", pager.Fetched()).Msg("bet job completed")
			return
		}
		if c.opts.StopEarly && pager.Fetched() >= c.opts.Threshold {
			finish(StatusCompleted, func(j *Job) { j.StoppedEarly = true })
			log.Debug().Int("fetched", pager.Fetched()).Int("threshold", c.opts.Threshold).Msg("bet job reached threshold")
			return
		}
	}
}

// load normalizes and persists one page for t.
func (c *Coordinator) load(ctx context.Context, report *Report, t Target, page fetcher.Page, asOf time.Time, log zerolog.Logger) {
	batch := normalize.Bets(page.Records, asOf)
	accepted := batch.Accepted[:0]
	for _, b := range batch.Accepted {
		if b.UserID != t.UserID {
			batch.Rejected = append(batch.Rejected, normalize.Reject{
				ID:  b.ID,
				Err: &normalize.ValidationError{Field: "userId", Reason: "bet belongs to " + b.UserID},
			})
			continue
		}
		accepted = append(accepted, b)
	}
	for _, rej := range batch.Rejected {
		log.Debug().Str("bet_id", rej.ID).Str("field", rej.Err.Field).Str("reason", rej.Err.Reason).Msg("bet rejected")
	}
	metrics.RecordsRejected.WithLabelValues(BetsEntity.Name).Add(float64(len(batch.Rejected)))

	upserts := c.loader.Upsert(ctx, BetsEntity, records(accepted), c.opts.ChunkSize)
	report.addUpserts(upserts)
	report.update(t.UserID, func(j *Job) {
		j.Pages++
		j.Fetched += len(page.Records)
		j.Accepted += len(accepted)
		j.Rejected += len(batch.Rejected)
		j.Written += upserts.Written()
		j.FailedRows += upserts.Failed
	})
}
