// Package readstate commits "read up to now" for a room. Commits are best
// effort: failures are logged and dropped, and the next mount or message
// arrival commits again.
package readstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"chat-sync/internal/api"
	"chat-sync/internal/metrics"

	"github.com/valyala/fasthttp"
)

// DefaultTimeout bounds one fire-and-forget commit.
const DefaultTimeout = 5 * time.Second

// Requester is the part of api.Client the committer needs.
type Requester interface {
	Request(ctx context.Context, method, path string, body any) (*api.Result, error)
}

// Config configures a Committer.
type Config struct {
	// Timeout bounds each background commit. Default: 5 seconds.
	Timeout time.Duration
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Committer issues PATCH /rooms/{roomId}/read calls.
type Committer struct {
	api     Requester
	timeout time.Duration
	log     *slog.Logger
	wg      sync.WaitGroup

	// onResult is called after every background commit (tests).
	onResult func(roomID string, err error)
}

func NewCommitter(r Requester, cfg Config) *Committer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Committer{
		api:     r,
		timeout: cfg.Timeout,
		log:     cfg.Logger.WithGroup("readstate"),
	}
}

// Commit marks roomID read and waits for the server's answer.
func (c *Committer) Commit(ctx context.Context, roomID string) error {
	if roomID == "" {
		return errors.New("room id is required")
	}
	path := "/rooms/" + url.PathEscape(roomID) + "/read"
	if _, err := c.api.Request(ctx, fasthttp.MethodPatch, path, nil); err != nil {
		return fmt.Errorf("marking room %s read: %w", roomID, err)
	}
	return nil
}

// MarkRead commits in the background and returns immediately. Failures are
// logged, never surfaced and never retried.
func (c *Committer) MarkRead(roomID string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()

		err := c.Commit(ctx, roomID)
		if err != nil {
			metrics.ReadCommits.WithLabelValues("error").Inc()
			c.log.Warn("read commit dropped", "room", roomID, "error", err)
		} else {
			metrics.ReadCommits.WithLabelValues("ok").Inc()
		}
		if c.onResult != nil {
			c.onResult(roomID, err)
		}
	}()
}

// Wait blocks until every background commit has finished.
func (c *Committer) Wait() {
	c.wg.Wait()
}
