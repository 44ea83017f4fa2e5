package api

import (
	"errors"
	"fmt"
)

var (
	// ErrNetwork wraps timeouts, refused connections and cancelled requests.
	// These are transient: state is left untouched and the call may be retried.
	ErrNetwork = errors.New("network failure")

	// ErrMalformedResponse means the server answered with something that is
	// not a {success, data, error} envelope.
	ErrMalformedResponse = errors.New("malformed response")
)

// ServerError is a request the server answered with success:false or a
// non-2xx status.
type ServerError struct {
	StatusCode int
	Message    string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server error (status %d)", e.StatusCode)
	}
	return fmt.Sprintf("server error (status %d): %s", e.StatusCode, e.Message)
}

// IsTransient reports whether err is a network-level failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNetwork)
}

// AsServerError unwraps a *ServerError from err.
func AsServerError(err error) (*ServerError, bool) {
	var se *ServerError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// IsUnauthorized reports whether the server rejected the credentials.
func IsUnauthorized(err error) bool {
	se, ok := AsServerError(err)
	return ok && se.StatusCode == 401
}
