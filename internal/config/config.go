// Package config collects the operational constants of the chat client and
// the development server. Values come from the environment (optionally a
// .env file) with defaults for everything.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"chat-sync/internal/utils"
)

const (
	DefaultAPIURL          = "http://localhost:3001/api"
	DefaultWSURL           = "ws://localhost:3001/ws"
	DefaultPageSize        = 20
	DefaultLoadThreshold   = 0.2
	DefaultRequestTimeout  = 10 * time.Second
	DefaultReconnectMin    = time.Second
	DefaultReconnectMax    = 30 * time.Second
	DefaultReadCommitAfter = 5 * time.Second
)

// Client holds everything the chat synchronization client consumes.
type Client struct {
	APIURL string
	WSURL  string

	// InitialPageSize and OlderPageSize bound each history request.
	InitialPageSize int
	OlderPageSize   int
	// LoadThreshold is the fraction of list height from the oldest end at
	// which a scroll triggers an older-page load.
	LoadThreshold float64

	RequestTimeout time.Duration
	ReconnectMin   time.Duration
	ReconnectMax   time.Duration
	// ReadCommitTimeout bounds one fire-and-forget read commit.
	ReadCommitTimeout time.Duration
}

// DefaultClient returns the built-in client configuration.
func DefaultClient() Client {
	return Client{
		APIURL:            DefaultAPIURL,
		WSURL:             DefaultWSURL,
		InitialPageSize:   DefaultPageSize,
		OlderPageSize:     DefaultPageSize,
		LoadThreshold:     DefaultLoadThreshold,
		RequestTimeout:    DefaultRequestTimeout,
		ReconnectMin:      DefaultReconnectMin,
		ReconnectMax:      DefaultReconnectMax,
		ReadCommitTimeout: DefaultReadCommitAfter,
	}
}

// LoadClient reads the client configuration from the environment.
func LoadClient() (Client, error) {
	_ = utils.LoadEnv()

	def := DefaultClient()
	cfg := Client{
		APIURL:            strings.TrimRight(utils.GetEnv("CHAT_API_URL", def.APIURL), "/"),
		WSURL:             utils.GetEnv("CHAT_WS_URL", def.WSURL),
		InitialPageSize:   utils.GetEnvInt("CHAT_INITIAL_PAGE_SIZE", def.InitialPageSize),
		OlderPageSize:     utils.GetEnvInt("CHAT_PAGE_SIZE", def.OlderPageSize),
		LoadThreshold:     utils.GetEnvFloat("CHAT_LOAD_THRESHOLD", def.LoadThreshold),
		RequestTimeout:    utils.GetEnvDuration("CHAT_REQUEST_TIMEOUT", def.RequestTimeout),
		ReconnectMin:      utils.GetEnvDuration("CHAT_RECONNECT_MIN", def.ReconnectMin),
		ReconnectMax:      utils.GetEnvDuration("CHAT_RECONNECT_MAX", def.ReconnectMax),
		ReadCommitTimeout: utils.GetEnvDuration("CHAT_READ_COMMIT_TIMEOUT", def.ReadCommitTimeout),
	}
	return cfg, cfg.Validate()
}

// Validate reports the first invalid field.
func (c Client) Validate() error {
	switch {
	case c.APIURL == "":
		return errors.New("api url is required")
	case c.WSURL == "":
		return errors.New("websocket url is required")
	case c.InitialPageSize <= 0 || c.OlderPageSize <= 0:
		return fmt.Errorf("page sizes must be positive (initial=%d, older=%d)", c.InitialPageSize, c.OlderPageSize)
	case c.LoadThreshold <= 0 || c.LoadThreshold >= 1:
		return fmt.Errorf("load threshold must be in (0, 1), got %v", c.LoadThreshold)
	case c.RequestTimeout <= 0:
		return errors.New("request timeout must be positive")
	case c.ReconnectMin <= 0 || c.ReconnectMax < c.ReconnectMin:
		return fmt.Errorf("invalid reconnect window %s..%s", c.ReconnectMin, c.ReconnectMax)
	}
	return nil
}

// Server configures the development server.
type Server struct {
	Port        string
	Env         string
	LogLevel    string
	Store       string
	DatabaseURL string
	JWTSecret   string
	TokenTTL    time.Duration
}

// LoadServer reads the dev server configuration from the environment.
func LoadServer() Server {
	_ = utils.LoadEnv()

	connString := utils.GetEnv("DATABASE_URL", "")
	if connString == "" {
		// Fallback to individual vars
		connString = "postgres://" + utils.GetEnv("POSTGRES_USER", "postgres") + ":" +
			utils.GetEnv("POSTGRES_PASSWORD", "postgres") + "@" +
			utils.GetEnv("POSTGRES_HOST", "localhost") + ":" +
			utils.GetEnv("POSTGRES_PORT", "5432") + "/" +
			utils.GetEnv("POSTGRES_DB", "chatdb") + "?sslmode=disable"
	}

	return Server{
		Port:        utils.GetEnv("PORT", "3001"),
		Env:         utils.GetEnv("APP_ENV", "development"),
		LogLevel:    utils.GetEnv("LOG_LEVEL", "info"),
		Store:       utils.GetEnv("STORE", "memory"),
		DatabaseURL: connString,
		JWTSecret:   utils.GetEnv("JWT_SECRET", "secret"),
		TokenTTL:    utils.GetEnvDuration("TOKEN_TTL", 72*time.Hour),
	}
}
