package history

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"chat-sync/internal/api"
	"chat-sync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRequester struct {
	paths  []string
	result *api.Result
	err    error
}

func (s *stubRequester) Get(_ context.Context, path string) (*api.Result, error) {
	s.paths = append(s.paths, path)
	return s.result, s.err
}

func envelope(t *testing.T, page models.Page) *api.Result {
	t.Helper()
	data, err := json.Marshal(page)
	require.NoError(t, err)
	return &api.Result{Success: true, Data: data}
}

func TestPagePath(t *testing.T) {
	before := time.Date(2024, 5, 1, 10, 0, 0, 123456789, time.FixedZone("KST", 9*3600))

	assert.Equal(t, "/rooms/r1/messages?limit=20", PagePath("r1", models.PageQuery{Limit: 20}))
	assert.Equal(t, "/rooms/r1/messages?limit=20&page=3", PagePath("r1", models.PageQuery{Limit: 20, Page: 3}))
	assert.Equal(t,
		"/rooms/r1/messages?before=2024-05-01T01%3A00%3A00.123456789Z&limit=20",
		PagePath("r1", models.PageQuery{Limit: 20, Page: 3, Before: before}))
	assert.Equal(t, "/rooms/a%2Fb/messages?limit=5", PagePath("a/b", models.PageQuery{Limit: 5}))
}

func TestFetchPageDecodes(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	stub := &stubRequester{result: envelope(t, models.Page{
		Messages: []models.Message{
			{ID: "m2", RoomID: "r1", Body: "second", Kind: models.KindPlain, CreatedAt: now},
			{ID: "m1", RoomID: "r1", Body: "first", Kind: models.KindResume, CreatedAt: now.Add(-time.Second)},
		},
		HasMore: true,
	})}

	page, err := NewFetcher(stub).FetchPage(context.Background(), "r1", models.PageQuery{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, "m2", page.Messages[0].ID)
	assert.Equal(t, models.KindResume, page.Messages[1].Kind)
	assert.Equal(t, []string{"/rooms/r1/messages?limit=2"}, stub.paths)
}

func TestFetchPageEmptyMessagesIsNonNil(t *testing.T) {
	stub := &stubRequester{result: &api.Result{Success: true, Data: json.RawMessage(`{"hasMore":false}`)}}

	page, err := NewFetcher(stub).FetchPage(context.Background(), "r1", models.PageQuery{Limit: 20})
	require.NoError(t, err)
	assert.NotNil(t, page.Messages)
	assert.False(t, page.HasMore)
}

func TestFetchPagePropagatesTaggedErrors(t *testing.T) {
	stub := &stubRequester{err: &api.ServerError{StatusCode: 500, Message: "boom"}}

	_, err := NewFetcher(stub).FetchPage(context.Background(), "r1", models.PageQuery{Limit: 20})
	require.Error(t, err)
	se, ok := api.AsServerError(err)
	require.True(t, ok)
	assert.Equal(t, 500, se.StatusCode)
	assert.Len(t, stub.paths, 1, "fetcher must not retry")

	stub = &stubRequester{err: api.ErrNetwork}
	_, err = NewFetcher(stub).FetchPage(context.Background(), "r1", models.PageQuery{Limit: 20})
	assert.True(t, api.IsTransient(err))
}

func TestFetchPageValidatesInput(t *testing.T) {
	stub := &stubRequester{}
	f := NewFetcher(stub)

	_, err := f.FetchPage(context.Background(), "", models.PageQuery{Limit: 20})
	assert.True(t, errors.Is(err, ErrInvalidRoom))
	_, err = f.FetchPage(context.Background(), "r1", models.PageQuery{})
	assert.True(t, errors.Is(err, ErrInvalidLimit))
	assert.Empty(t, stub.paths)
}
