// Package history fetches pages of a room's message history.
package history

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"chat-sync/internal/api"
	"chat-sync/internal/models"
)

var (
	ErrInvalidRoom  = errors.New("room id is required")
	ErrInvalidLimit = errors.New("page limit must be positive")
)

// Requester is the part of api.Client the fetcher needs.
type Requester interface {
	Get(ctx context.Context, path string) (*api.Result, error)
}

// Fetcher requests history pages. It holds no state and never retries.
type Fetcher struct {
	api Requester
}

func NewFetcher(r Requester) *Fetcher {
	return &Fetcher{api: r}
}

// FetchPage returns one newest-first page for roomID.
func (f *Fetcher) FetchPage(ctx context.Context, roomID string, q models.PageQuery) (models.Page, error) {
	if roomID == "" {
		return models.Page{}, ErrInvalidRoom
	}
	if q.Limit <= 0 {
		return models.Page{}, ErrInvalidLimit
	}

	result, err := f.api.Get(ctx, PagePath(roomID, q))
	if err != nil {
		return models.Page{}, fmt.Errorf("fetching messages for room %s: %w", roomID, err)
	}

	var page models.Page
	if err := api.Decode(result, &page); err != nil {
		return models.Page{}, fmt.Errorf("decoding messages for room %s: %w", roomID, err)
	}
	if page.Messages == nil {
		page.Messages = []models.Message{}
	}
	return page, nil
}

// PagePath builds the request path for q. Before wins over Page.
func PagePath(roomID string, q models.PageQuery) string {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(q.Limit))
	if q.UsesCursor() {
		params.Set("before", q.Before.UTC().Format(time.RFC3339Nano))
	} else if q.Page > 0 {
		params.Set("page", strconv.Itoa(q.Page))
	}
	return "/rooms/" + url.PathEscape(roomID) + "/messages?" + params.Encode()
}
