// Package ingest drives extraction, normalization and loading of Manifold users and bets.
package ingest

import (
	"context"

	"manifold-etl/internal/fetcher"
	"manifold-etl/internal/normalize"
	"manifold-etl/internal/storage"
)

var (
	// UsersEntity is the users_raw/users_clean pair.
	UsersEntity = storage.NewEntity("users", normalize.UserColumns())
	// BetsEntity is the bets_raw/bets_clean pair.
	BetsEntity = storage.NewEntity("bets", normalize.BetColumns())
)

// Loader writes validated records in chunks.
type Loader interface {
	Upsert(ctx context.Context, entity storage.Entity, records []storage.Record, chunkSize int) storage.UpsertReport
}

var _ Loader = (*storage.Upserter)(nil)

// Target is one user whose bets should be ingested.
type Target struct {
	UserID   string
	Username string
}

// Status is a job's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Job tracks the bet ingestion of a single user.
type Job struct {
	Target
	Status Status
	Cursor fetcher.Cursor

	Pages      int
	Fetched    int
	Accepted   int
	Rejected   int
	Written    int
	FailedRows int

	// StoppedEarly is set when the threshold ended the job before the collection did.
	StoppedEarly bool
	// Interrupted is set when cancellation ended the job between pages.
	Interrupted bool
	Err         error
}

// Partial reports a completed job that lost records to validation or chunk failures.
func (j Job) Partial() bool {
	return j.Status == StatusCompleted && (j.Rejected > 0 || j.FailedRows > 0)
}

func records[T storage.Record](in []T) []storage.Record {
	out := make([]storage.Record, len(in))
	for i, r := range in {
		out[i] = r
	}
	return out
}
