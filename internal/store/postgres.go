package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"chat-sync/internal/db"
	"chat-sync/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schema string

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// PostgresStore is the Store backed by PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to connString and applies the schema.
func OpenPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}
	s := NewPostgresStore(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates missing tables and indexes.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Conn().PgConn().Exec(ctx, schema).ReadAll(); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) CreateUser(ctx context.Context, username, passwordHash string) (models.User, error) {
	u := models.User{ID: uuid.NewString(), Username: username, PasswordHash: passwordHash}
	query := `INSERT INTO users (id, username, password_hash) VALUES ($1, $2, $3) RETURNING created_at`
	err := s.pool.QueryRow(ctx, query, u.ID, username, passwordHash).Scan(&u.CreatedAt)
	if err != nil {
		if pgCode(err) == pgUniqueViolation {
			return models.User{}, ErrUserExists
		}
		return models.User{}, fmt.Errorf("inserting user: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) UserByUsername(ctx context.Context, username string) (models.User, error) {
	return s.user(ctx, `WHERE lower(username) = lower($1)`, username)
}

func (s *PostgresStore) UserByID(ctx context.Context, id string) (models.User, error) {
	return s.user(ctx, `WHERE id = $1`, id)
}

func (s *PostgresStore) user(ctx context.Context, where string, arg string) (models.User, error) {
	var u models.User
	query := `SELECT id, username, password_hash, created_at FROM users ` + where
	err := s.pool.QueryRow(ctx, query, arg).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.User{}, ErrNotFound
	}
	if err != nil {
		return models.User{}, fmt.Errorf("loading user: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) GetOrCreateDirectRoom(ctx context.Context, userA, userB string) (models.RoomResponse, error) {
	if userA == userB {
		return models.RoomResponse{}, ErrSelfRoom
	}

	// Check if room exists
	query := `
		SELECT r.id
		FROM rooms r
		JOIN room_participants p1 ON r.id = p1.room_id
		JOIN room_participants p2 ON r.id = p2.room_id
		WHERE r.type = 'direct'
		AND p1.user_id = $1
		AND p2.user_id = $2
		LIMIT 1
	`
	var roomID string
	err := s.pool.QueryRow(ctx, query, userA, userB).Scan(&roomID)
	if err == nil {
		return models.RoomResponse{RoomID: roomID, IsNew: false}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.RoomResponse{}, fmt.Errorf("looking up direct room: %w", err)
	}

	// Create new room
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return models.RoomResponse{}, err
	}
	defer tx.Rollback(ctx)

	newRoomID := uuid.NewString()
	if _, err := tx.Exec(ctx, "INSERT INTO rooms (id, type) VALUES ($1, 'direct')", newRoomID); err != nil {
		return models.RoomResponse{}, fmt.Errorf("inserting room: %w", err)
	}
	_, err = tx.Exec(ctx, "INSERT INTO room_participants (room_id, user_id) VALUES ($1, $2), ($1, $3)", newRoomID, userA, userB)
	if err != nil {
		if pgCode(err) == pgForeignKeyViolation {
			return models.RoomResponse{}, ErrNotFound
		}
		return models.RoomResponse{}, fmt.Errorf("inserting participants: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.RoomResponse{}, err
	}
	return models.RoomResponse{RoomID: newRoomID, IsNew: true}, nil
}

func (s *PostgresStore) Participants(ctx context.Context, roomID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT user_id FROM room_participants WHERE room_id = $1 ORDER BY user_id`, roomID)
	if err != nil {
		return nil, fmt.Errorf("listing participants: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("listing participants: %w", err)
	}
	if len(ids) == 0 {
		return nil, ErrNotFound
	}
	return ids, nil
}

func (s *PostgresStore) SaveMessage(ctx context.Context, msg *models.Message) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := checkMember(ctx, tx, msg.RoomID, msg.SenderID); err != nil {
		return err
	}
	// Serializes inserts per room so created_at stays strictly increasing.
	if _, err := tx.Exec(ctx, `SELECT 1 FROM rooms WHERE id = $1 FOR UPDATE`, msg.RoomID); err != nil {
		return fmt.Errorf("locking room: %w", err)
	}

	msg.ID = uuid.NewString()
	msg.Kind = models.ParseKind(string(msg.Kind))
	msg.IsRead = false
	query := `
		INSERT INTO messages (id, room_id, sender_id, body, kind, created_at)
		VALUES ($1, $2, $3, $4, $5, GREATEST(
			date_trunc('microseconds', clock_timestamp()),
			(SELECT max(created_at) + interval '1 microsecond' FROM messages WHERE room_id = $2)
		))
		RETURNING created_at
	`
	err = tx.QueryRow(ctx, query, msg.ID, msg.RoomID, msg.SenderID, msg.Body, string(msg.Kind)).Scan(&msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	return tx.Commit(ctx)
}

func (s *PostgresStore) ListMessages(ctx context.Context, roomID, viewerID string, q models.PageQuery) (models.Page, error) {
	var watermark time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT last_read_at FROM room_participants WHERE room_id = $1 AND user_id = $2`,
		roomID, viewerID).Scan(&watermark)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Page{}, s.missingRoomOrMember(ctx, roomID)
	}
	if err != nil {
		return models.Page{}, fmt.Errorf("loading watermark: %w", err)
	}

	limit := clampLimit(q.Limit)
	var rows pgx.Rows
	const cols = `SELECT id, room_id, sender_id, body, kind, created_at FROM messages WHERE room_id = $1`
	if q.UsesCursor() {
		rows, err = s.pool.Query(ctx, cols+` AND created_at < $2 ORDER BY created_at DESC LIMIT $3`,
			roomID, q.Before, limit+1)
	} else {
		rows, err = s.pool.Query(ctx, cols+` ORDER BY created_at DESC OFFSET $2 LIMIT $3`,
			roomID, q.Page*limit, limit+1)
	}
	if err != nil {
		return models.Page{}, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	msgs := make([]models.Message, 0, limit+1)
	for rows.Next() {
		var m models.Message
		var kind string
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.Body, &kind, &m.CreatedAt); err != nil {
			return models.Page{}, fmt.Errorf("scanning message: %w", err)
		}
		m.Kind = models.ParseKind(kind)
		m.CreatedAt = m.CreatedAt.UTC()
		m.IsRead = m.SenderID == viewerID || !m.CreatedAt.After(watermark)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return models.Page{}, fmt.Errorf("listing messages: %w", err)
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	return models.Page{Messages: msgs, HasMore: hasMore}, nil
}

const unreadCountSQL = `
	SELECT count(*) FROM messages m
	WHERE m.room_id = p.room_id AND m.sender_id <> p.user_id AND m.created_at > p.last_read_at
`

func (s *PostgresStore) MarkRead(ctx context.Context, roomID, userID string) (int64, error) {
	query := `
		WITH prior AS (
			SELECT (` + unreadCountSQL + `) AS unread
			FROM room_participants p
			WHERE p.room_id = $1 AND p.user_id = $2
		)
		UPDATE room_participants
		SET last_read_at = GREATEST(last_read_at,
			COALESCE((SELECT max(created_at) FROM messages WHERE room_id = $1), last_read_at))
		WHERE room_id = $1 AND user_id = $2
		RETURNING (SELECT unread FROM prior)
	`
	var updated int64
	err := s.pool.QueryRow(ctx, query, roomID, userID).Scan(&updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, s.missingRoomOrMember(ctx, roomID)
	}
	if err != nil {
		return 0, fmt.Errorf("marking room read: %w", err)
	}
	return updated, nil
}

func (s *PostgresStore) summaries(ctx context.Context, userID, roomID string) ([]models.RoomSummary, error) {
	var where strings.Builder
	where.WriteString(`WHERE p.user_id = $1`)
	args := []any{userID}
	if roomID != "" {
		where.WriteString(` AND r.id = $2`)
		args = append(args, roomID)
	}

	query := `
		SELECT r.id, COALESCE(lm.body, ''), COALESCE(lm.created_at, r.created_at),
			(` + unreadCountSQL + `),
			ARRAY(SELECT rp.user_id FROM room_participants rp WHERE rp.room_id = r.id ORDER BY rp.user_id)
		FROM room_participants p
		JOIN rooms r ON r.id = p.room_id
		LEFT JOIN LATERAL (
			SELECT body, created_at FROM messages WHERE room_id = r.id ORDER BY created_at DESC LIMIT 1
		) lm ON true
		` + where.String() + `
		ORDER BY COALESCE(lm.created_at, r.created_at) DESC
	`
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing rooms: %w", err)
	}
	defer rows.Close()

	list := []models.RoomSummary{}
	for rows.Next() {
		var sum models.RoomSummary
		if err := rows.Scan(&sum.RoomID, &sum.LastMessage, &sum.LastMessageAt, &sum.UnreadCount, &sum.Participants); err != nil {
			return nil, fmt.Errorf("scanning room: %w", err)
		}
		sum.LastMessageAt = sum.LastMessageAt.UTC()
		list = append(list, sum)
	}
	return list, rows.Err()
}

func (s *PostgresStore) RoomSummary(ctx context.Context, roomID, userID string) (models.RoomSummary, error) {
	list, err := s.summaries(ctx, userID, roomID)
	if err != nil {
		return models.RoomSummary{}, err
	}
	if len(list) == 0 {
		return models.RoomSummary{}, s.missingRoomOrMember(ctx, roomID)
	}
	return list[0], nil
}

func (s *PostgresStore) RoomSummaries(ctx context.Context, userID string) ([]models.RoomSummary, error) {
	return s.summaries(ctx, userID, "")
}

func (s *PostgresStore) TotalUnread(ctx context.Context, userID string) (int, error) {
	query := `SELECT COALESCE(sum((` + unreadCountSQL + `)), 0) FROM room_participants p WHERE p.user_id = $1`
	var total int
	if err := s.pool.QueryRow(ctx, query, userID).Scan(&total); err != nil {
		return 0, fmt.Errorf("counting unread: %w", err)
	}
	return total, nil
}

func (s *PostgresStore) missingRoomOrMember(ctx context.Context, roomID string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM rooms WHERE id = $1)`, roomID).Scan(&exists); err != nil {
		return fmt.Errorf("checking room: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrNotMember
}

func checkMember(ctx context.Context, tx pgx.Tx, roomID, userID string) error {
	var member, exists bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM room_participants WHERE room_id = $1 AND user_id = $2),
		       EXISTS (SELECT 1 FROM rooms WHERE id = $1)
	`, roomID, userID).Scan(&member, &exists)
	switch {
	case err != nil:
		return fmt.Errorf("checking membership: %w", err)
	case !exists:
		return ErrNotFound
	case !member:
		return ErrNotMember
	}
	return nil
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
