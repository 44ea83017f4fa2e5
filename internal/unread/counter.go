// Package unread holds the session-wide total unread count.
package unread

import (
	"context"
	"fmt"
	"sync"

	"chat-sync/internal/api"
	"chat-sync/internal/models"
)

// Path is the endpoint that reports the total.
const Path = "/chat/unread-count"

// Requester is the part of api.Client the counter needs.
type Requester interface {
	Get(ctx context.Context, path string) (*api.Result, error)
}

// Source pushes new totals, e.g. *transport.Manager.
type Source interface {
	OnTotalUnreadCountUpdated(fn func(total int)) (unsubscribe func())
}

// Counter is a scalar with change notification. The zero value is not
// usable; call NewCounter.
type Counter struct {
	api Requester

	mu      sync.Mutex
	value   int
	nextID  uint64
	watches map[uint64]func(int)
}

func NewCounter(r Requester) *Counter {
	return &Counter{api: r, watches: make(map[uint64]func(int))}
}

// Value returns the last known total.
func (c *Counter) Value() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Set replaces the total. Negative totals are clamped to zero.
func (c *Counter) Set(total int) {
	if total < 0 {
		total = 0
	}
	c.mu.Lock()
	if c.value == total {
		c.mu.Unlock()
		return
	}
	c.value = total
	fns := make([]func(int), 0, len(c.watches))
	for _, fn := range c.watches {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(total)
	}
}

// Reset zeroes the counter, e.g. on logout.
func (c *Counter) Reset() {
	c.Set(0)
}

// OnChange registers fn for every change of the total.
func (c *Counter) OnChange(fn func(total int)) (dispose func()) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.watches[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.watches, id)
			c.mu.Unlock()
		})
	}
}

// Refresh fetches the authoritative total from the server.
func (c *Counter) Refresh(ctx context.Context) (int, error) {
	result, err := c.api.Get(ctx, Path)
	if err != nil {
		return c.Value(), fmt.Errorf("fetching unread count: %w", err)
	}
	var resp models.UnreadCountResponse
	if err := api.Decode(result, &resp); err != nil {
		return c.Value(), fmt.Errorf("fetching unread count: %w", err)
	}
	c.Set(resp.TotalUnreadCount)
	return resp.TotalUnreadCount, nil
}

// Bind keeps the counter in step with src until the disposer is called.
func (c *Counter) Bind(src Source) (dispose func()) {
	return src.OnTotalUnreadCountUpdated(c.Set)
}
