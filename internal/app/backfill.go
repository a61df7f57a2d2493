package app

import (
	"context"
	"errors"
	"fmt"

	"manifold-etl/internal/ingest"
	"manifold-etl/internal/storage"
)

// Backfill refetches the complete bet history of selected users, ignoring the early-stop threshold.
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	if len(opts.Usernames) == 0 {
		return errors.New("至少需要一个 --user")
	}

	store, closeStore, err := a.requireStore(ctx, "backfill")
	if err != nil {
		return err
	}
	defer closeStore()

	refs, err := store.FindUsersByUsername(ctx, opts.Usernames)
	if err != nil {
		return err
	}
	targets := backfillTargets(refs, opts.Usernames, func(name string) {
		a.Logger.Warn().Str("username", name).Msg("用户不存在于 users_clean，跳过")
	})
	if len(targets) == 0 {
		return errors.New("没有可回填的用户，请先运行 run --users-only")
	}

	var loader ingest.Loader = storage.NewUpserter(store, storage.UpserterOptions{IsolateFailures: a.Config.Bets.IsolateFailures}, a.Logger)
	if opts.DryRun {
		a.Logger.Warn().Msg("回填 dry-run：不会写入数据库")
		loader = discardLoader{}
	}

	betOpts := a.betOptions()
	betOpts.StopEarly = false
	betOpts.Limit = 0
	if opts.Workers > 0 {
		betOpts.Workers = opts.Workers
	}

	report := a.newCoordinator(a.newClient(), loader, betOpts).Run(ctx, targets)
	totals := report.Totals()
	a.Logger.Info().
		Int("users", totals.Users).
		Int("completed", totals.Completed).
		Int("failed", totals.Failed).
		Int("fetched", totals.Fetched).
		Int("written", totals.Written).
		Msg("回填完成")

	if err := report.Err(); err != nil {
		return err
	}
	if totals.Failed > 0 {
		return fmt.Errorf("%d 个用户回填失败，请检查日志", totals.Failed)
	}
	return nil
}

// backfillTargets keeps the requested order and reports names that were not found.
func backfillTargets(refs []storage.UserRef, requested []string, missing func(string)) []ingest.Target {
	byName := make(map[string][]storage.UserRef, len(refs))
	for _, ref := range refs {
		byName[ref.Username] = append(byName[ref.Username], ref)
	}

	seen := make(map[string]bool, len(requested))
	targets := make([]ingest.Target, 0, len(refs))
	for _, name := range requested {
		if seen[name] {
			continue
		}
		seen[name] = true
		matches, ok := byName[name]
		if !ok {
			missing(name)
			continue
		}
		for _, ref := range matches {
			targets = append(targets, ingest.Target{UserID: ref.ID, Username: ref.Username})
		}
	}
	return targets
}

// discardLoader counts nothing and writes nothing.
type discardLoader struct{}

func (discardLoader) Upsert(context.Context, storage.Entity, []storage.Record, int) storage.UpsertReport {
	return storage.UpsertReport{}
}
