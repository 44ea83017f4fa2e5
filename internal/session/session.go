// Package session is the composition root of the chat client. A Session
// owns the API client, the single transport connection, the read-state
// committer and the unread counter, and hands them to every RoomView it
// opens.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"chat-sync/internal/api"
	"chat-sync/internal/config"
	"chat-sync/internal/history"
	"chat-sync/internal/models"
	"chat-sync/internal/readstate"
	"chat-sync/internal/roomlist"
	"chat-sync/internal/transport"
	"chat-sync/internal/unread"

	"github.com/valyala/fasthttp"
)

// Config configures a Session.
type Config struct {
	Client config.Client
	// Dialer overrides the websocket dialer.
	Dialer transport.Dialer
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Session is one authenticated user's client state.
type Session struct {
	cfg config.Client
	log *slog.Logger

	api       *api.Client
	transport *transport.Manager
	fetcher   *history.Fetcher
	committer *readstate.Committer
	unread    *unread.Counter
	rooms     *roomlist.Tracker

	mu       sync.RWMutex
	userID   string
	username string
}

// New builds a logged-out Session.
func New(cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := api.New(api.Config{
		BaseURL: cfg.Client.APIURL,
		Timeout: cfg.Client.RequestTimeout,
		Logger:  logger,
	})
	s := &Session{
		cfg:     cfg.Client,
		log:     logger.WithGroup("session"),
		api:     client,
		fetcher: history.NewFetcher(client),
		committer: readstate.NewCommitter(client, readstate.Config{
			Timeout: cfg.Client.ReadCommitTimeout,
			Logger:  logger,
		}),
		unread: unread.NewCounter(client),
		rooms:  roomlist.NewTracker(client),
		transport: transport.NewManager(transport.Config{
			URL:          cfg.Client.WSURL,
			Dialer:       cfg.Dialer,
			ReconnectMin: cfg.Client.ReconnectMin,
			ReconnectMax: cfg.Client.ReconnectMax,
			Logger:       logger,
		}),
	}

	// These live as long as the session.
	s.unread.Bind(s.transport)
	s.rooms.Bind(s.transport)
	return s
}

// Register creates an account. It does not log in.
func (s *Session) Register(ctx context.Context, username, password string) (models.User, error) {
	var user models.User
	req := models.RegisterRequest{Username: username, Password: password}
	if err := s.api.Do(ctx, fasthttp.MethodPost, "/register", req, &user); err != nil {
		return models.User{}, fmt.Errorf("registering %s: %w", username, err)
	}
	return user, nil
}

// Login obtains a token, connects the transport and refreshes the unread
// total. A failed refresh is logged; live pushes correct it later.
func (s *Session) Login(ctx context.Context, username, password string) (models.AuthResponse, error) {
	var auth models.AuthResponse
	req := models.LoginRequest{Username: username, Password: password}
	if err := s.api.Do(ctx, fasthttp.MethodPost, "/login", req, &auth); err != nil {
		return models.AuthResponse{}, fmt.Errorf("logging in as %s: %w", username, err)
	}

	s.mu.Lock()
	s.userID = auth.UserID
	s.username = auth.Username
	s.mu.Unlock()

	s.api.SetToken(auth.Token)
	s.transport.Connect(context.Background(), auth.Token)

	if _, err := s.unread.Refresh(ctx); err != nil {
		s.log.Warn("unread refresh failed", "error", err)
	}
	s.log.Info("logged in", "user", auth.Username)
	return auth, nil
}

// Logout closes the transport, zeroes the unread total and forgets the
// token. Pending read commits are left to finish on their own.
func (s *Session) Logout() {
	s.transport.Close()
	s.unread.Reset()
	s.api.SetToken("")

	s.mu.Lock()
	s.userID, s.username = "", ""
	s.mu.Unlock()
}

// UserID returns the logged-in user's id, empty when logged out.
func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// Username returns the logged-in user's name.
func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

func (s *Session) Transport() *transport.Manager { return s.transport }
func (s *Session) Unread() *unread.Counter { return s.unread }
func (s *Session) Rooms() *roomlist.Tracker { return s.rooms }

// OpenDirectRoom returns the direct room with recipientID, creating it.
func (s *Session) OpenDirectRoom(ctx context.Context, recipientID string) (models.RoomResponse, error) {
	var res models.RoomResponse
	req := models.CreateDirectRoomRequest{RecipientID: recipientID}
	if err := s.api.Do(ctx, fasthttp.MethodPost, "/rooms/direct", req, &res); err != nil {
		return models.RoomResponse{}, fmt.Errorf("opening direct room: %w", err)
	}
	return res, nil
}

// Send posts a message. The body is validated before any request is made.
func (s *Session) Send(ctx context.Context, roomID, body string, kind models.Kind) (models.Message, error) {
	if err := models.ValidateBody(body); err != nil {
		return models.Message{}, err
	}
	if kind == "" {
		kind = models.KindPlain
	}

	var msg models.Message
	path := "/rooms/" + url.PathEscape(roomID) + "/messages"
	req := models.SendMessageRequest{Body: body, Kind: kind}
	if err := s.api.Do(ctx, fasthttp.MethodPost, path, req, &msg); err != nil {
		return models.Message{}, fmt.Errorf("sending to room %s: %w", roomID, err)
	}
	if msg.RoomID == "" {
		msg.RoomID = roomID
	}
	return msg, nil
}
