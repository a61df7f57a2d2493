package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sliceSource serves ids newest-first using Manifold's limit/before semantics.
type sliceSource struct {
	ids      []string
	calls    int
	failOn   map[int]error
	requests []Request
}

func newSliceSource(n int) *sliceSource {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("rec-%04d", i)
	}
	return &sliceSource{ids: ids}
}

func (s *sliceSource) Execute(_ context.Context, req Request) ([]byte, error) {
	s.calls++
	s.requests = append(s.requests, req)
	if err, ok := s.failOn[s.calls]; ok {
		return nil, err
	}

	limit, _ := strconv.Atoi(req.Query.Get("limit"))
	start := 0
	if before := req.Query.Get("before"); before != "" {
		for i, id := range s.ids {
			if id == before {
				start = i + 1
				break
			}
		}
	}
	end := min(start+limit, len(s.ids))

	docs := make([]map[string]any, 0, end-start)
	for _, id := range s.ids[start:end] {
		docs = append(docs, map[string]any{"id": id})
	}
	return json.Marshal(docs)
}

func collectIDs(pages []Page) []string {
	var ids []string
	for _, p := range pages {
		for _, r := range p.Records {
			ids = append(ids, r.ID)
		}
	}
	return ids
}

func TestPaginatorDeliversEveryRecordOnce(t *testing.T) {
	src := newSliceSource(3*100 + 37)
	p := NewPaginator(src, UsersEndpoint(), PaginatorOptions{PageSize: 100})

	var pages []Page
	require.NoError(t, p.Each(context.Background(), func(page Page) error {
		pages = append(pages, page)
		return nil
	}))

	assert.Len(t, pages, 4)
	assert.Equal(t, src.ids, collectIDs(pages))
	assert.True(t, p.Done())
	assert.Equal(t, len(src.ids), p.Fetched())
	assert.Equal(t, 4, src.calls)
}

func TestPaginatorExactMultipleEndsWithEmptyPage(t *testing.T) {
	src := newSliceSource(200)
	p := NewPaginator(src, UsersEndpoint(), PaginatorOptions{PageSize: 100})

	var pages []Page
	require.NoError(t, p.Each(context.Background(), func(page Page) error {
		pages = append(pages, page)
		return nil
	}))

	require.Len(t, pages, 3)
	assert.Empty(t, pages[2].Records)
	assert.Equal(t, src.ids, collectIDs(pages))
}

func TestPaginatorRespectsLimit(t *testing.T) {
	src := newSliceSource(500)
	p := NewPaginator(src, UsersEndpoint(), PaginatorOptions{PageSize: 100, Limit: 250})

	var pages []Page
	require.NoError(t, p.Each(context.Background(), func(page Page) error {
		pages = append(pages, page)
		return nil
	}))

	assert.Equal(t, src.ids[:250], collectIDs(pages))
	assert.Equal(t, "50", src.requests[2].Query.Get("limit"))
	assert.Equal(t, 3, src.calls)

	_, err := p.Next(context.Background())
	assert.ErrorIs(t, err, ErrNoMorePages)
}

func TestPaginatorFailurePreservesCursorForResume(t *testing.T) {
	src := newSliceSource(350)
	boom := &APIError{Kind: KindExhausted, Endpoint: "users", Attempts: 3, Err: errors.New("boom")}
	src.failOn = map[int]error{3: boom}

	p := NewPaginator(src, UsersEndpoint(), PaginatorOptions{PageSize: 100})
	var got []Page
	err := p.Each(context.Background(), func(page Page) error {
		got = append(got, page)
		return nil
	})
	require.ErrorIs(t, err, boom)
	require.Len(t, got, 2)
	assert.Equal(t, src.ids[199], p.Cursor().Before)
	assert.False(t, p.Done())

	resumed := NewPaginator(src, UsersEndpoint(), PaginatorOptions{PageSize: 100, Start: p.Cursor()})
	require.NoError(t, resumed.Each(context.Background(), func(page Page) error {
		got = append(got, page)
		return nil
	}))
	assert.Equal(t, src.ids, collectIDs(got))
}

func TestPaginatorScopesQuery(t *testing.T) {
	src := newSliceSource(3)
	p := NewPaginator(src, BetsEndpoint("user-7"), PaginatorOptions{PageSize: 10})

	page, err := p.Next(context.Background())
	require.NoError(t, err)
	assert.Len(t, page.Records, 3)
	assert.Equal(t, "user-7", src.requests[0].Query.Get("userId"))
	assert.Equal(t, "", src.requests[0].Query.Get("before"))
	assert.Equal(t, "bets", src.requests[0].Endpoint)
}

type stallingSource struct{}

func (stallingSource) Execute(context.Context, Request) ([]byte, error) {
	return []byte(`[{"id":"a"},{"name":"no id"}]`), nil
}

func TestPaginatorStallsWithoutLastID(t *testing.T) {
	p := NewPaginator(stallingSource{}, UsersEndpoint(), PaginatorOptions{PageSize: 2})
	_, err := p.Next(context.Background())
	assert.ErrorIs(t, err, ErrCursorStalled)
	assert.Equal(t, 0, p.Fetched())
}

func TestDecodePageKeepsDocumentsWithoutStringID(t *testing.T) {
	records, err := decodePage([]byte(`[{"id":"x","a":1},{"id":5},{}]`))
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "x", records[0].ID)
	assert.Equal(t, "", records[1].ID)
	assert.JSONEq(t, `{"id":"x","a":1}`, string(records[0].Doc))
}

func TestDecodePageKeepsNonObjectDocuments(t *testing.T) {
	records, err := decodePage([]byte(`[{"id":"ok"},1,"text",null,["id"],{"id":null}]`))
	require.NoError(t, err)
	require.Len(t, records, 6)
	assert.Equal(t, "ok", records[0].ID)
	for i, rec := range records[1:] {
		assert.Empty(t, rec.ID, "record %d", i+1)
	}
	assert.Equal(t, `"text"`, string(records[2].Doc))
}

func TestDecodePageRejectsNonArrayBody(t *testing.T) {
	_, err := decodePage([]byte(`{"error":"nope"}`))
	assert.Error(t, err)
}
