package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/fasthttp/websocket"
)

// ErrUnauthorized is returned by a Dialer when the server rejects the token.
var ErrUnauthorized = errors.New("socket authentication rejected")

// Conn is the subset of a websocket connection the manager uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens one authenticated socket.
type Dialer interface {
	Dial(ctx context.Context, rawURL, token string) (Conn, error)
}

// Compile-time interface check.
var _ Dialer = WebsocketDialer{}

// WebsocketDialer dials with fasthttp/websocket and passes the token as the
// access_token query parameter.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
}

func (d WebsocketDialer) Dial(ctx context.Context, rawURL, token string) (Conn, error) {
	target, err := withToken(rawURL, token)
	if err != nil {
		return nil, err
	}

	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}

	conn, resp, err := dialer.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("dialing %s: %w", rawURL, err)
	}
	return conn, nil
}

func withToken(rawURL, token string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parsing socket url: %w", err)
	}
	if token != "" {
		q := u.Query()
		q.Set("access_token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
