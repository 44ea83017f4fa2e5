package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chat-sync/internal/models"
	"chat-sync/internal/store"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrMissingCredentials = errors.New("username and password are required")
	ErrUserExists         = store.ErrUserExists
)

// Claims is the identity carried by an access token.
type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

type UserService struct {
	store  store.Store
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewUserService(s store.Store, secret string, ttl time.Duration) *UserService {
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &UserService{store: s, secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (s *UserService) Register(ctx context.Context, req models.RegisterRequest) (*models.User, error) {
	username := strings.TrimSpace(req.Username)
	if username == "" || req.Password == "" {
		return nil, ErrMissingCredentials
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	user, err := s.store.CreateUser(ctx, username, string(hash))
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *UserService) Login(ctx context.Context, req models.LoginRequest) (*models.AuthResponse, error) {
	user, err := s.store.UserByUsername(ctx, strings.TrimSpace(req.Username))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	token, err := s.GenerateJWT(user.ID, user.Username)
	if err != nil {
		return nil, err
	}

	return &models.AuthResponse{
		Token:    token,
		Username: user.Username,
		UserID:   user.ID,
	}, nil
}

// GenerateJWT signs an HS256 access token for the user.
func (s *UserService) GenerateJWT(userID, username string) (string, error) {
	now := s.now()
	claims := Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// ValidateToken verifies signature and expiry and returns the claims.
func (s *UserService) ValidateToken(tokenString string) (*Claims, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}
