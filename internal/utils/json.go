package utils

import (
	"encoding/json"
	"log/slog"

	"github.com/gofiber/websocket/v2"
)

// SafeJSONParse parses JSON safely
func SafeJSONParse(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// SendJSON sends a JSON payload to a WebSocket connection.
// Fiber's websocket implementation is not safe for concurrent writes; the
// caller must serialize writes per connection (see handlers.Client).
func SendJSON(c *websocket.Conn, payload interface{}) error {
	return c.WriteJSON(payload)
}

// LogError logs an error if it's not nil
func LogError(err error, context string) {
	if err != nil {
		slog.Error("operation failed", "context", context, "error", err)
	}
}
