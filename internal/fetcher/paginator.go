package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
)

var (
	// ErrNoMorePages is returned by Next once the sequence is finished.
	ErrNoMorePages = errors.New("fetcher: no more pages")
	// ErrCursorStalled means a full page ended with a document that has no id to resume from.
	ErrCursorStalled = errors.New("fetcher: last record has no id; cursor cannot advance")
)

// Endpoint is a paginated collection, optionally scoped (e.g. to one user).
type Endpoint struct {
	Name  string
	Path  string
	Query url.Values
}

// UsersEndpoint lists every user, newest first.
func UsersEndpoint() Endpoint {
	return Endpoint{Name: "users", Path: "/users"}
}

// BetsEndpoint lists one user's bets, newest first.
func BetsEndpoint(userID string) Endpoint {
	q := url.Values{}
	q.Set("userId", userID)
	return Endpoint{Name: "bets", Path: "/bets", Query: q}
}

// Cursor marks where the next page starts: the id of the last record already consumed.
type Cursor struct {
	Before   string
	PageSize int
}

// Page is one complete page of raw records together with the cursor that produced it.
type Page struct {
	Number  int
	Cursor  Cursor
	Records []RawRecord
}

// PaginatorOptions bound a pagination run.
type PaginatorOptions struct {
	PageSize int
	// Limit caps the total number of records; zero means no cap.
	Limit int
	// Start resumes from a previously saved cursor.
	Start Cursor
}

// Paginator lazily walks a collection endpoint page by page.
type Paginator struct {
	exec     Executor
	endpoint Endpoint
	opts     PaginatorOptions
	cursor   Cursor
	fetched  int
	pages    int
	done     bool
}

// NewPaginator builds a paginator over endpoint.
func NewPaginator(exec Executor, endpoint Endpoint, opts PaginatorOptions) *Paginator {
	if opts.PageSize <= 0 {
		opts.PageSize = 1000
	}
	cursor := opts.Start
	cursor.PageSize = opts.PageSize
	return &Paginator{exec: exec, endpoint: endpoint, opts: opts, cursor: cursor}
}

// Done reports whether the collection (or the limit) has been exhausted.
func (p *Paginator) Done() bool { return p.done }

// Cursor returns the position after the last fully consumed page.
func (p *Paginator) Cursor() Cursor { return p.cursor }

// Fetched returns the number of records handed out so far.
func (p *Paginator) Fetched() int { return p.fetched }

// Next fetches the following page. On error the cursor is left untouched so the caller
// can resume from Cursor().
func (p *Paginator) Next(ctx context.Context) (Page, error) {
	if p.done {
		return Page{}, ErrNoMorePages
	}

	size := p.opts.PageSize
	if p.opts.Limit > 0 {
		remaining := p.opts.Limit - p.fetched
		if remaining <= 0 {
			p.done = true
			return Page{}, ErrNoMorePages
		}
		size = min(size, remaining)
	}

	query := url.Values{}
	for k, vs := range p.endpoint.Query {
		query[k] = append([]string(nil), vs...)
	}
	query.Set("limit", strconv.Itoa(size))
	if p.cursor.Before != "" {
		query.Set("before", p.cursor.Before)
	}

	body, err := p.exec.Execute(ctx, Request{Endpoint: p.endpoint.Name, Path: p.endpoint.Path, Query: query})
	if err != nil {
		return Page{}, err
	}

	records, err := decodePage(body)
	if err != nil {
		return Page{}, fmt.Errorf("decode %s page: %w", p.endpoint.Name, err)
	}

	short := len(records) < size
	limitHit := p.opts.Limit > 0 && p.fetched+len(records) >= p.opts.Limit
	if !short && !limitHit && records[len(records)-1].ID == "" {
		return Page{}, ErrCursorStalled
	}

	page := Page{Number: p.pages + 1, Cursor: p.cursor, Records: records}
	p.pages++
	p.fetched += len(records)
	if short || limitHit {
		p.done = true
	} else {
		p.cursor.Before = records[len(records)-1].ID
	}
	return page, nil
}

// Each calls fn for every page until the collection is exhausted or an error occurs.
func (p *Paginator) Each(ctx context.Context, fn func(Page) error) error {
	for !p.done {
		page, err := p.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrNoMorePages) {
				return nil
			}
			return err
		}
		if err := fn(page); err != nil {
			return err
		}
	}
	return nil
}

func decodePage(body []byte) ([]RawRecord, error) {
	var docs []json.RawMessage
	if err := json.Unmarshal(body, &docs); err != nil {
		return nil, err
	}

	records := make([]RawRecord, 0, len(docs))
	for _, doc := range docs {
		records = append(records, RawRecord{ID: recordID(doc), Doc: doc})
	}
	return records, nil
}

// recordID extracts a string "id". Documents that are not objects, or whose id is missing
// or not a string, get an empty id; they are kept so the normalizer can reject them.
func recordID(doc json.RawMessage) string {
	var head struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(doc, &head); err != nil {
		return ""
	}
	if len(head.ID) == 0 {
		return ""
	}
	var id string
	if err := json.Unmarshal(head.ID, &id); err != nil {
		return ""
	}
	return id
}
