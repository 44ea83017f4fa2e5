// Package api implements the generic request(method, path, body) contract
// the chat client uses for every REST call.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
)

// DefaultTimeout bounds a request when Config.Timeout is unset.
const DefaultTimeout = 10 * time.Second

// Result is the {success, data, error} envelope every endpoint returns.
type Result struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Config holds the configuration for an API client.
type Config struct {
	// BaseURL is prefixed to every path, e.g. "http://localhost:3001/api".
	BaseURL string
	// Timeout is the fixed per-request timeout.
	Timeout time.Duration
	// HTTPClient overrides the fasthttp client. Mostly useful in tests.
	HTTPClient *fasthttp.Client
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Client performs authenticated JSON requests.
type Client struct {
	cfg  Config
	http *fasthttp.Client
	log  *slog.Logger

	mu    sync.RWMutex
	token string
}

// New creates an API client.
func New(cfg Config) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &fasthttp.Client{
			Name:                     "chat-sync",
			NoDefaultUserAgentHeader: true,
			MaxIdleConnDuration:      time.Minute,
		}
	}
	return &Client{
		cfg:  cfg,
		http: httpClient,
		log:  cfg.Logger.WithGroup("api"),
	}
}

// SetToken sets the bearer token sent with every request. Empty clears it.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Request sends method path with an optional JSON body and returns the
// decoded envelope. A *ServerError is returned together with the envelope
// when the server reports failure. Cancelling ctx returns at once with
// ErrNetwork; the request itself is left to finish in the background.
func (c *Client) Request(ctx context.Context, method, path string, body any) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	release := func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}
	detached := false
	defer func() {
		if !detached {
			release()
		}
	}()

	req.SetRequestURI(c.cfg.BaseURL + path)
	req.Header.SetMethod(method)
	req.Header.Set(fasthttp.HeaderAccept, "application/json")
	if token := c.Token(); token != "" {
		req.Header.Set(fasthttp.HeaderAuthorization, "Bearer "+token)
	}
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		req.Header.SetContentType("application/json")
		req.SetBodyRaw(payload)
	}

	deadline := time.Now().Add(c.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- c.http.DoDeadline(req, resp, deadline) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		// fasthttp cannot abort a request; its buffers are released once
		// it returns, at the latest by the deadline.
		detached = true
		go func() {
			<-done
			release()
		}()
		c.log.Debug("request abandoned", "method", method, "path", path, "error", ctx.Err())
		return nil, fmt.Errorf("%w: %s %s: %w", ErrNetwork, method, path, ctx.Err())
	}
	if err != nil {
		c.log.Debug("request failed", "method", method, "path", path, "error", err)
		return nil, fmt.Errorf("%w: %s %s: %w", ErrNetwork, method, path, err)
	}

	status := resp.StatusCode()
	c.log.Debug("request completed", "method", method, "path", path,
		"status", status, "duration", time.Since(start))

	var result Result
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		if status >= fasthttp.StatusBadRequest {
			return nil, &ServerError{StatusCode: status, Message: strings.TrimSpace(string(resp.Body()))}
		}
		return nil, fmt.Errorf("%w: %s %s: %w", ErrMalformedResponse, method, path, err)
	}

	if !result.Success || status >= fasthttp.StatusBadRequest {
		return &result, &ServerError{StatusCode: status, Message: result.Error}
	}
	return &result, nil
}

// Decode unmarshals the envelope's data into v.
func Decode(result *Result, v any) error {
	if result == nil || len(result.Data) == 0 {
		return fmt.Errorf("%w: missing data", ErrMalformedResponse)
	}
	if err := json.Unmarshal(result.Data, v); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	return nil
}

// Get is Request with GET and no body.
func (c *Client) Get(ctx context.Context, path string) (*Result, error) {
	return c.Request(ctx, fasthttp.MethodGet, path, nil)
}

// Do performs a request and decodes the data into out when out is non-nil.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	result, err := c.Request(ctx, method, path, body)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return Decode(result, out)
}
