package utils

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetEnvDefaults(t *testing.T) {
	assert.Equal(t, "fallback", GetEnv("CHAT_SYNC_TEST_UNSET", "fallback"))
	assert.Equal(t, 7, GetEnvInt("CHAT_SYNC_TEST_UNSET", 7))
	assert.Equal(t, 0.5, GetEnvFloat("CHAT_SYNC_TEST_UNSET", 0.5))
	assert.Equal(t, time.Second, GetEnvDuration("CHAT_SYNC_TEST_UNSET", time.Second))
}

func TestGetEnvParsesValues(t *testing.T) {
	t.Setenv("CHAT_SYNC_TEST_INT", "42")
	t.Setenv("CHAT_SYNC_TEST_FLOAT", "0.25")
	t.Setenv("CHAT_SYNC_TEST_DURATION", "1500ms")
	t.Setenv("CHAT_SYNC_TEST_MILLIS", "250")
	t.Setenv("CHAT_SYNC_TEST_BAD", "nope")

	assert.Equal(t, 42, GetEnvInt("CHAT_SYNC_TEST_INT", 0))
	assert.Equal(t, 0.25, GetEnvFloat("CHAT_SYNC_TEST_FLOAT", 0))
	assert.Equal(t, 1500*time.Millisecond, GetEnvDuration("CHAT_SYNC_TEST_DURATION", 0))
	assert.Equal(t, 250*time.Millisecond, GetEnvDuration("CHAT_SYNC_TEST_MILLIS", 0))
	assert.Equal(t, 3, GetEnvInt("CHAT_SYNC_TEST_BAD", 3))
	assert.Equal(t, time.Minute, GetEnvDuration("CHAT_SYNC_TEST_BAD", time.Minute))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("whatever"))
}

func TestSetupLoggerFormats(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	setupLogger(&buf, "production", "info").Info("hello", "k", "v")
	assert.Contains(t, buf.String(), `"msg":"hello"`)

	buf.Reset()
	setupLogger(&buf, "development", "info").Info("hello", "k", "v")
	assert.Contains(t, buf.String(), "msg=hello")
}
