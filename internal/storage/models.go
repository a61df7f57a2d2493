package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// Record is a validated row ready for loading: its raw document plus clean column values.
type Record interface {
	Key() string
	Document() json.RawMessage
	CollectedAt() time.Time
	// Values returns clean column values in the order of the owning Entity's Columns.
	Values() []any
}

// Entity names a raw/clean table pair keyed on id.
type Entity struct {
	Name    string
	Columns []string

	rawSQL   string
	cleanSQL string
}

// NewEntity prepares upsert statements for <name>_raw and <name>_clean.
func NewEntity(name string, columns []string) Entity {
	e := Entity{Name: name, Columns: columns}
	e.rawSQL = fmt.Sprintf(`INSERT INTO %s (id, json_data, collected_at)
    VALUES ($1, $2, $3)
    ON CONFLICT (id) DO UPDATE
    SET json_data    = EXCLUDED.json_data,
        collected_at = EXCLUDED.collected_at;`, e.RawTable())

	cols := make([]string, 0, len(columns)+1)
	params := make([]string, 0, len(columns)+1)
	sets := make([]string, 0, len(columns))
	cols = append(cols, "id")
	params = append(params, "$1")
	for i, c := range columns {
		ident := pgx.Identifier{c}.Sanitize()
		cols = append(cols, ident)
		params = append(params, fmt.Sprintf("$%d", i+2))
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", ident, ident))
	}
	e.cleanSQL = fmt.Sprintf(`INSERT INTO %s (%s)
    VALUES (%s)
    ON CONFLICT (id) DO UPDATE
    SET %s
    RETURNING (xmax = 0) AS inserted;`,
		e.CleanTable(), strings.Join(cols, ", "), strings.Join(params, ", "), strings.Join(sets, ",\n        "))
	return e
}

// RawTable is the raw document table.
func (e Entity) RawTable() string { return pgx.Identifier{e.Name + "_raw"}.Sanitize() }

// CleanTable is the normalized table.
func (e Entity) CleanTable() string { return pgx.Identifier{e.Name + "_clean"}.Sanitize() }

// ChunkResult counts rows written by one committed chunk.
type ChunkResult struct {
	Inserted int
	Updated  int
}

// ChunkError is a chunk (or, when failures are isolated, a single record) that did not commit.
type ChunkError struct {
	Entity string
	Index  int
	Keys   []string
	Err    error
}

func (e *ChunkError) Error() string {
	if len(e.Keys) == 1 {
		return fmt.Sprintf("%s chunk %d record %s: %v", e.Entity, e.Index, e.Keys[0], e.Err)
	}
	return fmt.Sprintf("%s chunk %d (%d records): %v", e.Entity, e.Index, len(e.Keys), e.Err)
}

func (e *ChunkError) Unwrap() error { return e.Err }

// UpsertReport summarises one Upsert call.
type UpsertReport struct {
	Inserted     int
	Updated      int
	Failed       int
	Chunks       int
	FailedChunks []*ChunkError
}

// Written is the number of rows committed.
func (r UpsertReport) Written() int { return r.Inserted + r.Updated }

// Merge folds other into r.
func (r *UpsertReport) Merge(other UpsertReport) {
	r.Inserted += other.Inserted
	r.Updated += other.Updated
	r.Failed += other.Failed
	r.Chunks += other.Chunks
	r.FailedChunks = append(r.FailedChunks, other.FailedChunks...)
}

// UserRef identifies a stored user for the bet stage.
type UserRef struct {
	ID       string
	Username string
}

// BettorStat is one row of the top-bettors report.
type BettorStat struct {
	UserID   string
	Username string
	JoinYear int
	BetCount int64
}

// TableCounts reports stored row counts.
type TableCounts struct {
	UsersRaw   int64
	UsersClean int64
	BetsRaw    int64
	BetsClean  int64
}
