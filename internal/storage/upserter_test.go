package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRecord struct {
	id    string
	value string
}

func (r testRecord) Key() string { return r.id }
func (r testRecord) Document() json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"id":%q}`, r.id))
}
func (r testRecord) CollectedAt() time.Time { return time.Unix(0, 0).UTC() }
func (r testRecord) Values() []any          { return []any{r.value} }

var testEntity = NewEntity("things", []string{"value"})

// memWriter commits whole chunks or nothing, like a transaction.
type memWriter struct {
	mu       sync.Mutex
	rows     map[string]string
	poison   map[string]bool
	failNext int
	writes   int
}

func newMemWriter(poison ...string) *memWriter {
	w := &memWriter{rows: map[string]string{}, poison: map[string]bool{}}
	for _, k := range poison {
		w.poison[k] = true
	}
	return w
}

func (w *memWriter) WriteChunk(_ context.Context, _ Entity, records []Record) (ChunkResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes++
	if w.failNext > 0 {
		w.failNext--
		return ChunkResult{}, errors.New("connection reset")
	}
	for _, rec := range records {
		if w.poison[rec.Key()] {
			return ChunkResult{}, fmt.Errorf("constraint violation on %s", rec.Key())
		}
	}
	var res ChunkResult
	for _, rec := range records {
		if _, ok := w.rows[rec.Key()]; ok {
			res.Updated++
		} else {
			res.Inserted++
		}
		w.rows[rec.Key()] = rec.Values()[0].(string)
	}
	return res, nil
}

func makeRecords(n int, value string) []Record {
	out := make([]Record, n)
	for i := range out {
		out[i] = testRecord{id: fmt.Sprintf("r%03d", i), value: value}
	}
	return out
}

func TestUpsertChunksAndCounts(t *testing.T) {
	w := newMemWriter()
	u := NewUpserter(w, UpserterOptions{}, zerolog.Nop())

	report := u.Upsert(context.Background(), testEntity, makeRecords(450, "a"), 200)

	assert.Equal(t, 3, report.Chunks)
	assert.Equal(t, 450, report.Inserted)
	assert.Zero(t, report.Updated)
	assert.Zero(t, report.Failed)
	assert.Len(t, w.rows, 450)
}

func TestUpsertIsIdempotent(t *testing.T) {
	w := newMemWriter()
	u := NewUpserter(w, UpserterOptions{}, zerolog.Nop())
	ctx := context.Background()

	first := u.Upsert(ctx, testEntity, makeRecords(50, "a"), 20)
	second := u.Upsert(ctx, testEntity, makeRecords(50, "b"), 20)

	assert.Equal(t, 50, first.Inserted)
	assert.Equal(t, 0, second.Inserted)
	assert.Equal(t, 50, second.Updated)
	assert.Len(t, w.rows, 50)
	assert.Equal(t, "b", w.rows["r007"], "last write wins")
}

func TestUpsertCollapsesDuplicateKeys(t *testing.T) {
	w := newMemWriter()
	u := NewUpserter(w, UpserterOptions{}, zerolog.Nop())
	records := []Record{
		testRecord{id: "x", value: "1"},
		testRecord{id: "y", value: "1"},
		testRecord{id: "x", value: "2"},
	}

	report := u.Upsert(context.Background(), testEntity, records, 10)

	assert.Equal(t, 2, report.Inserted)
	assert.Equal(t, "2", w.rows["x"])
}

func TestUpsertChunkFailureIsIsolated(t *testing.T) {
	w := newMemWriter("r250")
	u := NewUpserter(w, UpserterOptions{}, zerolog.Nop())

	report := u.Upsert(context.Background(), testEntity, makeRecords(450, "a"), 200)

	assert.Equal(t, 3, report.Chunks)
	assert.Equal(t, 250, report.Inserted)
	assert.Equal(t, 200, report.Failed)
	require.Len(t, report.FailedChunks, 1)
	fc := report.FailedChunks[0]
	assert.Equal(t, 1, fc.Index)
	assert.Len(t, fc.Keys, 200)
	assert.Contains(t, fc.Error(), "things chunk 1")
	_, committed := w.rows["r199"]
	assert.True(t, committed)
	_, committed = w.rows["r200"]
	assert.False(t, committed)
}

func TestUpsertIsolateFailuresBisects(t *testing.T) {
	w := newMemWriter("r013", "r040")
	u := NewUpserter(w, UpserterOptions{IsolateFailures: true}, zerolog.Nop())

	report := u.Upsert(context.Background(), testEntity, makeRecords(64, "a"), 32)

	assert.Equal(t, 2, report.Chunks)
	assert.Equal(t, 62, report.Inserted)
	assert.Equal(t, 2, report.Failed)
	require.Len(t, report.FailedChunks, 2)
	assert.Equal(t, []string{"r013"}, report.FailedChunks[0].Keys)
	assert.Equal(t, []string{"r040"}, report.FailedChunks[1].Keys)
	assert.Equal(t, 1, report.FailedChunks[1].Index)
}

func TestUpsertTransientChunkFailureRecoversOnBisect(t *testing.T) {
	w := newMemWriter()
	w.failNext = 1
	u := NewUpserter(w, UpserterOptions{IsolateFailures: true}, zerolog.Nop())

	report := u.Upsert(context.Background(), testEntity, makeRecords(10, "a"), 10)

	assert.Equal(t, 10, report.Inserted)
	assert.Zero(t, report.Failed)
}

func TestUpsertEmptyInput(t *testing.T) {
	w := newMemWriter()
	u := NewUpserter(w, UpserterOptions{}, zerolog.Nop())

	report := u.Upsert(context.Background(), testEntity, nil, 200)

	assert.Equal(t, UpsertReport{}, report)
	assert.Zero(t, w.writes)
}

func TestReportMerge(t *testing.T) {
	a := UpsertReport{Inserted: 1, Updated: 2, Chunks: 1}
	a.Merge(UpsertReport{Inserted: 3, Failed: 4, Chunks: 2, FailedChunks: []*ChunkError{{Entity: "bets"}}})

	assert.Equal(t, 4, a.Inserted)
	assert.Equal(t, 6, a.Written())
	assert.Equal(t, 4, a.Failed)
	assert.Equal(t, 3, a.Chunks)
	assert.Len(t, a.FailedChunks, 1)
}

func TestNewEntitySQL(t *testing.T) {
	e := NewEntity("bets", []string{"user_id", "amount"})

	assert.Equal(t, `"bets_raw"`, e.RawTable())
	assert.Equal(t, `"bets_clean"`, e.CleanTable())
	assert.Contains(t, e.cleanSQL, `INSERT INTO "bets_clean" (id, "user_id", "amount")`)
	assert.Contains(t, e.cleanSQL, `VALUES ($1, $2, $3)`)
	assert.Contains(t, e.cleanSQL, `"amount" = EXCLUDED."amount"`)
	assert.Contains(t, e.cleanSQL, `RETURNING (xmax = 0)`)
	assert.Contains(t, e.rawSQL, `ON CONFLICT (id) DO UPDATE`)
}

func TestStoreNotConfigured(t *testing.T) {
	var s *Store
	_, err := s.WriteChunk(context.Background(), testEntity, makeRecords(1, "a"))
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = s.CountRows(context.Background())
	assert.ErrorIs(t, err, ErrNotConfigured)
}
