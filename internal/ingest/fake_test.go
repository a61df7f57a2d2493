package ingest

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"manifold-etl/internal/clock"
	"manifold-etl/internal/fetcher"
	"manifold-etl/internal/normalize"
	"manifold-etl/internal/ratelimit"
	"manifold-etl/internal/storage"
)

// fakeAPI serves /users and /bets with Manifold's before/limit pagination.
type fakeAPI struct {
	mu    sync.Mutex
	users []fetcher.RawRecord
	bets  map[string][]fetcher.RawRecord
	calls map[string]int
	total int
	// status, when set, may override the response for the n-th call (1-based) of scope.
	status func(scope string, n int) int
	// onRequest runs before every response.
	onRequest func()
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{bets: map[string][]fetcher.RawRecord{}, calls: map[string]int{}}
}

func (f *fakeAPI) Calls(scope string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[scope]
}

func (f *fakeAPI) Total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.total
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var scope string
	var source []fetcher.RawRecord

	f.mu.Lock()
	switch r.URL.Path {
	case "/users":
		scope, source = "users", f.users
	case "/bets":
		scope = q.Get("userId")
		source = f.bets[scope]
	default:
		f.mu.Unlock()
		http.NotFound(w, r)
		return
	}
	f.calls[scope]++
	f.total++
	n := f.calls[scope]
	statusFn, hook := f.status, f.onRequest
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	if statusFn != nil {
		if code := statusFn(scope, n); code != 0 && code != http.StatusOK {
			w.WriteHeader(code)
			_, _ = fmt.Fprintf(w, `{"message":"status %d"}`, code)
			return
		}
	}

	limit, err := strconv.Atoi(q.Get("limit"))
	if err != nil || limit <= 0 {
		http.Error(w, `{"message":"bad limit"}`, http.StatusBadRequest)
		return
	}
	start := 0
	if before := q.Get("before"); before != "" {
		start = len(source)
		for i, rec := range source {
			if rec.ID == before {
				start = i + 1
				break
			}
		}
	}
	end := min(start+limit, len(source))

	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, rec := range source[start:end] {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(rec.Doc)
	}
	buf.WriteByte(']')
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(buf.Bytes())
}

// memSink is an in-memory ChunkWriter with per-table upsert semantics.
type memSink struct {
	mu     sync.Mutex
	rows   map[string]map[string]storage.Record
	poison map[string]bool
}

func newMemSink(poison ...string) *memSink {
	s := &memSink{rows: map[string]map[string]storage.Record{}, poison: map[string]bool{}}
	for _, k := range poison {
		s.poison[k] = true
	}
	return s
}

func (s *memSink) WriteChunk(_ context.Context, entity storage.Entity, recs []storage.Record) (storage.ChunkResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range recs {
		if s.poison[r.Key()] {
			return storage.ChunkResult{}, fmt.Errorf("check constraint violated by %s", r.Key())
		}
	}
	table := s.rows[entity.Name]
	if table == nil {
		table = map[string]storage.Record{}
		s.rows[entity.Name] = table
	}
	var res storage.ChunkResult
	for _, r := range recs {
		if _, ok := table[r.Key()]; ok {
			res.Updated++
		} else {
			res.Inserted++
		}
		table[r.Key()] = r
	}
	return res, nil
}

func (s *memSink) Count(entity string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows[entity])
}

func (s *memSink) BetsOf(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.rows[BetsEntity.Name] {
		if r.(normalize.Bet).UserID == userID {
			n++
		}
	}
	return n
}

type harness struct {
	api    *fakeAPI
	sink   *memSink
	clock  *clock.Fake
	client *fetcher.Client
	loader *storage.Upserter
}

func newHarness(t *testing.T, api *fakeAPI, sink *memSink, opts fetcher.Options) *harness {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	clk := clock.NewFake(time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC))
	opts.BaseURL = srv.URL
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 3
	}
	if opts.BaseBackoff == 0 {
		opts.BaseBackoff = time.Second
	}
	if opts.MaxBackoff == 0 {
		opts.MaxBackoff = 10 * time.Second
	}
	limiter := ratelimit.New(ratelimit.Options{}, clk)
	return &harness{
		api:    api,
		sink:   sink,
		clock:  clk,
		client: fetcher.NewClient(opts, limiter, clk, zerolog.Nop()),
		loader: storage.NewUpserter(sink, storage.UpserterOptions{}, zerolog.Nop()),
	}
}

func (h *harness) coordinator(opts Options) *Coordinator {
	return NewCoordinator(opts, h.client, h.loader, h.clock, zerolog.Nop())
}
