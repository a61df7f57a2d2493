package ingest

import (
	"errors"
	"fmt"
	"sync"

	"manifold-etl/internal/storage"
)

var (
	// ErrEarlyClientError aborts a run whose very first request was refused by the API.
	ErrEarlyClientError = errors.New("ingest: client error before any successful request")
	// ErrToleranceExceeded means more users failed than the run tolerates.
	ErrToleranceExceeded = errors.New("ingest: failures exceed tolerance")
)

// Failure is a user whose job ended in StatusFailed.
type Failure struct {
	UserID   string
	Username string
	Err      error
}

// Totals aggregates a Report.
type Totals struct {
	Users        int
	Pending      int
	Completed    int
	Partial      int
	Failed       int
	Interrupted  int
	StoppedEarly int
	Fetched      int
	Accepted     int
	Rejected     int
	Written      int
	FailedRows   int
}

// Report collects per-user job outcomes. It is safe for concurrent use.
type Report struct {
	mu      sync.Mutex
	jobs    map[string]*Job
	order   []string
	upserts storage.UpsertReport
	aborted error
}

// NewReport returns an empty report.
func NewReport() *Report {
	return &Report{jobs: make(map[string]*Job)}
}

// add registers t as pending and reports false when the user is already known.
func (r *Report) add(t Target) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[t.UserID]; ok {
		return false
	}
	r.jobs[t.UserID] = &Job{Target: t, Status: StatusPending}
	r.order = append(r.order, t.UserID)
	return true
}

func (r *Report) update(userID string, fn func(j *Job)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[userID]; ok {
		fn(j)
	}
}

func (r *Report) addUpserts(u storage.UpsertReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upserts.Merge(u)
}

func (r *Report) abort(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.aborted == nil {
		r.aborted = err
	}
}

// Merge folds other into r; jobs already present in r are replaced.
func (r *Report) Merge(other *Report) {
	if other == nil || other == r {
		return
	}
	other.mu.Lock()
	jobs := make([]Job, 0, len(other.order))
	for _, id := range other.order {
		jobs = append(jobs, *other.jobs[id])
	}
	upserts, aborted := other.upserts, other.aborted
	other.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range jobs {
		j := jobs[i]
		if _, ok := r.jobs[j.UserID]; !ok {
			r.order = append(r.order, j.UserID)
		}
		r.jobs[j.UserID] = &j
	}
	r.upserts.Merge(upserts)
	if r.aborted == nil {
		r.aborted = aborted
	}
}

// Err returns the reason the run was aborted, if it was.
func (r *Report) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aborted
}

// Job returns a snapshot of one user's job.
func (r *Report) Job(userID string) (Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[userID]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// Jobs returns snapshots of all jobs in submission order.
func (r *Report) Jobs() []Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Job, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.jobs[id])
	}
	return out
}

// Failures lists failed users in submission order.
func (r *Report) Failures() []Failure {
	var out []Failure
	for _, j := range r.Jobs() {
		if j.Status == StatusFailed {
			out = append(out, Failure{UserID: j.UserID, Username: j.Username, Err: j.Err})
		}
	}
	return out
}

// Upserts returns the combined load report of all jobs.
func (r *Report) Upserts() storage.UpsertReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.upserts
}

// Totals summarises all jobs.
func (r *Report) Totals() Totals {
	var t Totals
	for _, j := range r.Jobs() {
		t.Users++
		switch j.Status {
		case StatusPending:
			t.Pending++
		case StatusCompleted:
			t.Completed++
			if j.Partial() {
				t.Partial++
			}
		case StatusFailed:
			t.Failed++
		}
		if j.Interrupted {
			t.Interrupted++
		}
		if j.StoppedEarly {
			t.StoppedEarly++
		}
		t.Fetched += j.Fetched
		t.Accepted += j.Accepted
		t.Rejected += j.Rejected
		t.Written += j.Written
		t.FailedRows += j.FailedRows
	}
	return t
}

// Evaluate fails when the run was aborted or when the failed share of users exceeds tolerance.
func (r *Report) Evaluate(tolerance float64) error {
	if err := r.Err(); err != nil {
		return err
	}
	t := r.Totals()
	if t.Users == 0 || t.Failed == 0 {
		return nil
	}
	if float64(t.Failed)/float64(t.Users) > tolerance {
		return fmt.Errorf("%w: %d of %d users failed (tolerance %.2f)", ErrToleranceExceeded, t.Failed, t.Users, tolerance)
	}
	return nil
}
