package ingest

import (
	"context"
	"net/http"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"manifold-etl/internal/fetcher"
	"manifold-etl/internal/fixtures"
)

func (h *harness) userStage(opts UserStageOptions) *UserStage {
	return NewUserStage(opts, h.client, h.loader, h.clock, zerolog.Nop())
}

func TestUserStageLoadsAllPages(t *testing.T) {
	api := newFakeAPI()
	api.users = fixtures.New(21).Users(1234)
	h := newHarness(t, api, newMemSink(), fetcher.Options{})

	report, err := h.userStage(UserStageOptions{PageSize: 500, ChunkSize: 200}).Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 3, report.Pages)
	assert.Equal(t, 1234, report.Fetched)
	assert.Equal(t, 1234, report.Accepted)
	assert.Equal(t, 1234, report.Upserts.Inserted)
	assert.Equal(t, 8, report.Upserts.Chunks)
	assert.Equal(t, 1234, h.sink.Count("users"))
	assert.Equal(t, 3, api.Calls("users"))
}

func TestUserStageHonoursLimit(t *testing.T) {
	api := newFakeAPI()
	api.users = fixtures.New(22).Users(1234)
	h := newHarness(t, api, newMemSink(), fetcher.Options{})

	report, err := h.userStage(UserStageOptions{PageSize: 500, Limit: 700, ChunkSize: 200}).Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 700, report.Fetched)
	assert.Equal(t, 2, api.Calls("users"))
	assert.Equal(t, 700, h.sink.Count("users"))
}

func TestUserStageCountsRejects(t *testing.T) {
	api := newFakeAPI()
	gen := fixtures.New(23)
	api.users = gen.Users(10)
	bad := gen.UserDoc("u-bad")
	delete(bad, "createdTime")
	api.users = append(api.users, fixtures.Raw(bad))
	h := newHarness(t, api, newMemSink(), fetcher.Options{})

	report, err := h.userStage(UserStageOptions{PageSize: 500, ChunkSize: 200}).Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 11, report.Fetched)
	assert.Equal(t, 10, report.Accepted)
	assert.Equal(t, 1, report.Rejected)
	assert.Equal(t, 10, h.sink.Count("users"))
}

func TestUserStageEarlyClientError(t *testing.T) {
	api := newFakeAPI()
	api.users = fixtures.New(24).Users(10)
	api.status = func(string, int) int { return http.StatusUnauthorized }
	h := newHarness(t, api, newMemSink(), fetcher.Options{})

	_, err := h.userStage(UserStageOptions{PageSize: 500, ChunkSize: 200}).Run(context.Background())

	assert.ErrorIs(t, err, ErrEarlyClientError)
	assert.Equal(t, 1, api.Calls("users"))
}

func TestUserStageKeepsLoadedPagesOnFailure(t *testing.T) {
	api := newFakeAPI()
	api.users = fixtures.New(25).Users(250)
	api.status = func(_ string, n int) int {
		if n >= 2 {
			return http.StatusBadGateway
		}
		return http.StatusOK
	}
	h := newHarness(t, api, newMemSink(), fetcher.Options{MaxAttempts: 2})

	report, err := h.userStage(UserStageOptions{PageSize: 100, ChunkSize: 200}).Run(context.Background())

	require.Error(t, err)
	assert.True(t, fetcher.IsKind(err, fetcher.KindExhausted))
	assert.NotErrorIs(t, err, ErrEarlyClientError)
	assert.Equal(t, 1, report.Pages)
	assert.Equal(t, 100, h.sink.Count("users"))
	assert.Equal(t, api.users[99].ID, report.Cursor.Before)
}

func TestUserStageStopsWhenCancelled(t *testing.T) {
	api := newFakeAPI()
	api.users = fixtures.New(26).Users(300)
	ctx, cancel := context.WithCancel(context.Background())
	api.onRequest = cancel
	h := newHarness(t, api, newMemSink(), fetcher.Options{})

	report, err := h.userStage(UserStageOptions{PageSize: 100, ChunkSize: 200}).Run(ctx)

	require.NoError(t, err)
	assert.True(t, report.Interrupted)
	assert.Equal(t, 1, report.Pages)
	assert.Equal(t, 100, h.sink.Count("users"))
}
