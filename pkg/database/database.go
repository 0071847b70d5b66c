// Package database implements the StudyLink store on SQLite: users and
// their login sessions, two-participant chats, and chat messages.
package database

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var (
	// ErrUserNotFound indicates the user does not exist.
	ErrUserNotFound = errors.New("user not found")
	// ErrChatNotFound indicates the chat does not exist.
	ErrChatNotFound = errors.New("chat not found")
	// ErrMessageNotFound indicates the message does not exist.
	ErrMessageNotFound = errors.New("message not found")
	// ErrSessionNotFound indicates the session token is unknown or expired.
	ErrSessionNotFound = errors.New("session not found")
	// ErrUsernameTaken indicates the username is already registered.
	ErrUsernameTaken = errors.New("username already taken")
)

// User is a registered account.
type User struct {
	ID           string
	Username     string
	Major        string
	PasswordHash string
	CreatedAt    int64
}

// Chat is a conversation between exactly two participants.
type Chat struct {
	ID            string
	ParticipantA  string
	ParticipantB  string
	CreatedAt     int64
	LastMessageAt int64
}

// OtherParticipant returns the participant that is not userID.
func (c *Chat) OtherParticipant(userID string) string {
	if c.ParticipantA == userID {
		return c.ParticipantB
	}
	return c.ParticipantA
}

// HasParticipant reports whether userID is one of the chat's two members.
func (c *Chat) HasParticipant(userID string) bool {
	return c.ParticipantA == userID || c.ParticipantB == userID
}

// Message is a persisted chat message. ReadAt is nil until marked read.
type Message struct {
	ID          string
	ChatID      string
	SenderID    string
	Content     string
	MessageType string
	SentAt      int64
	ReadAt      *int64
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	username      TEXT NOT NULL UNIQUE,
	major         TEXT NOT NULL DEFAULT '',
	password_hash TEXT NOT NULL,
	created_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	token      TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS chats (
	id              TEXT PRIMARY KEY,
	participant_a   TEXT NOT NULL REFERENCES users(id),
	participant_b   TEXT NOT NULL REFERENCES users(id),
	created_at      INTEGER NOT NULL,
	last_message_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chats_participant_a ON chats(participant_a);
CREATE INDEX IF NOT EXISTS idx_chats_participant_b ON chats(participant_b);

CREATE TABLE IF NOT EXISTS messages (
	id           TEXT PRIMARY KEY,
	chat_id      TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
	sender_id    TEXT NOT NULL REFERENCES users(id),
	content      TEXT NOT NULL,
	message_type TEXT NOT NULL DEFAULT 'text',
	sent_at      INTEGER NOT NULL,
	read_at      INTEGER
);

CREATE INDEX IF NOT EXISTS idx_messages_chat_sent ON messages(chat_id, sent_at DESC);
`

// DB wraps the SQLite connection pool.
type DB struct {
	conn *sql.DB
}

// Open opens (creating if needed) the SQLite database at path and
// initializes the schema.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	// WAL allows readers to proceed while a write is in flight; the busy
	// timeout makes SQLite wait instead of failing with SQLITE_BUSY.
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &DB{conn: conn}, nil
}

// Close closes the underlying connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// ===== Users =====

// CreateUser registers a new user with a pre-hashed password.
func (db *DB) CreateUser(ctx context.Context, username, major, passwordHash string) (*User, error) {
	user := &User{
		ID:           uuid.NewString(),
		Username:     username,
		Major:        major,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UnixMilli(),
	}

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO users (id, username, major, password_hash, created_at) VALUES (?, ?, ?, ?, ?)`,
		user.ID, user.Username, user.Major, user.PasswordHash, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	return user, nil
}

// GetUser returns a user by ID.
func (db *DB) GetUser(ctx context.Context, id string) (*User, error) {
	return db.scanUser(db.conn.QueryRowContext(ctx,
		`SELECT id, username, major, password_hash, created_at FROM users WHERE id = ?`, id))
}

// GetUserByUsername returns a user by username.
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return db.scanUser(db.conn.QueryRowContext(ctx,
		`SELECT id, username, major, password_hash, created_at FROM users WHERE username = ?`, username))
}

// UserExists reports whether a user with the given ID exists.
func (db *DB) UserExists(ctx context.Context, id string) (bool, error) {
	var one int
	err := db.conn.QueryRowContext(ctx, `SELECT 1 FROM users WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check user existence: %w", err)
	}
	return true, nil
}

func (db *DB) scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.Major, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	return &u, nil
}

// ===== Sessions =====

// CreateSession mints an opaque session token for a logged-in user.
func (db *DB) CreateSession(ctx context.Context, userID string, ttl time.Duration) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate session token: %w", err)
	}
	tok := hex.EncodeToString(raw)

	now := time.Now()
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO sessions (token, user_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		tok, userID, now.UnixMilli(), now.Add(ttl).UnixMilli())
	if err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}

	return tok, nil
}

// SessionUser resolves a session token to its user ID, rejecting expired
// sessions.
func (db *DB) SessionUser(ctx context.Context, tok string) (string, error) {
	var userID string
	var expiresAt int64
	err := db.conn.QueryRowContext(ctx,
		`SELECT user_id, expires_at FROM sessions WHERE token = ?`, tok).Scan(&userID, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrSessionNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up session: %w", err)
	}

	if time.Now().UnixMilli() >= expiresAt {
		return "", ErrSessionNotFound
	}

	return userID, nil
}

// DeleteSession removes a session token (logout).
func (db *DB) DeleteSession(ctx context.Context, tok string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM sessions WHERE token = ?`, tok); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// CleanupExpiredSessions deletes sessions past their expiry and returns the
// number removed.
func (db *DB) CleanupExpiredSessions(ctx context.Context) (int64, error) {
	res, err := db.conn.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at <= ?`, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to clean up sessions: %w", err)
	}
	return res.RowsAffected()
}

// ===== Chats =====

// CreateChat creates a chat between two users.
func (db *DB) CreateChat(ctx context.Context, participantA, participantB string) (*Chat, error) {
	now := time.Now().UnixMilli()
	chat := &Chat{
		ID:            uuid.NewString(),
		ParticipantA:  participantA,
		ParticipantB:  participantB,
		CreatedAt:     now,
		LastMessageAt: now,
	}

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO chats (id, participant_a, participant_b, created_at, last_message_at) VALUES (?, ?, ?, ?, ?)`,
		chat.ID, chat.ParticipantA, chat.ParticipantB, chat.CreatedAt, chat.LastMessageAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat: %w", err)
	}

	return chat, nil
}

// GetChat returns a chat by ID.
func (db *DB) GetChat(ctx context.Context, id string) (*Chat, error) {
	var c Chat
	err := db.conn.QueryRowContext(ctx,
		`SELECT id, participant_a, participant_b, created_at, last_message_at FROM chats WHERE id = ?`, id).
		Scan(&c.ID, &c.ParticipantA, &c.ParticipantB, &c.CreatedAt, &c.LastMessageAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChatNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chat: %w", err)
	}
	return &c, nil
}

// UserChats returns all chats the user participates in, most recently
// active first.
func (db *DB) UserChats(ctx context.Context, userID string) ([]*Chat, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, participant_a, participant_b, created_at, last_message_at
		 FROM chats WHERE participant_a = ? OR participant_b = ?
		 ORDER BY last_message_at DESC`, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	defer rows.Close()

	var chats []*Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.ID, &c.ParticipantA, &c.ParticipantB, &c.CreatedAt, &c.LastMessageAt); err != nil {
			return nil, fmt.Errorf("failed to scan chat: %w", err)
		}
		chats = append(chats, &c)
	}
	return chats, rows.Err()
}

// IsMember reports whether userID is a participant of the chat.
func (db *DB) IsMember(ctx context.Context, chatID, userID string) (bool, error) {
	chat, err := db.GetChat(ctx, chatID)
	if errors.Is(err, ErrChatNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return chat.HasParticipant(userID), nil
}

// ===== Messages =====

// CreateMessage appends a message to a chat and advances the chat's
// last_message_at in the same transaction.
func (db *DB) CreateMessage(ctx context.Context, chatID, senderID, content, messageType string) (*Message, error) {
	msg := &Message{
		ID:          uuid.NewString(),
		ChatID:      chatID,
		SenderID:    senderID,
		Content:     content,
		MessageType: messageType,
		SentAt:      time.Now().UnixMilli(),
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, chat_id, sender_id, content, message_type, sent_at) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ChatID, msg.SenderID, msg.Content, msg.MessageType, msg.SentAt); err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE chats SET last_message_at = ? WHERE id = ?`, msg.SentAt, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to update chat activity: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, ErrChatNotFound
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit message: %w", err)
	}

	return msg, nil
}

// GetMessage returns a message by ID.
func (db *DB) GetMessage(ctx context.Context, id string) (*Message, error) {
	var m Message
	err := db.conn.QueryRowContext(ctx,
		`SELECT id, chat_id, sender_id, content, message_type, sent_at, read_at FROM messages WHERE id = ?`, id).
		Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Content, &m.MessageType, &m.SentAt, &m.ReadAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return &m, nil
}

// GetMessages returns a page of a chat's messages, newest first.
func (db *DB) GetMessages(ctx context.Context, chatID string, limit, offset int) ([]*Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, chat_id, sender_id, content, message_type, sent_at, read_at
		 FROM messages WHERE chat_id = ?
		 ORDER BY sent_at DESC, rowid DESC LIMIT ? OFFSET ?`, chatID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Content, &m.MessageType, &m.SentAt, &m.ReadAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, &m)
	}
	return messages, rows.Err()
}

// MarkRead marks a message as read by readerID. Marking a message the
// reader sent, or one already read, is a no-op; changed reports whether
// this call transitioned the message to read.
func (db *DB) MarkRead(ctx context.Context, messageID, readerID string) (msg *Message, changed bool, err error) {
	msg, err = db.GetMessage(ctx, messageID)
	if err != nil {
		return nil, false, err
	}

	if msg.SenderID == readerID || msg.ReadAt != nil {
		return msg, false, nil
	}

	readAt := time.Now().UnixMilli()
	res, err := db.conn.ExecContext(ctx,
		`UPDATE messages SET read_at = ? WHERE id = ? AND read_at IS NULL`, readAt, messageID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to mark message read: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to mark message read: %w", err)
	}
	if n == 0 {
		// Lost a race with another reader; treat as already read.
		return msg, false, nil
	}

	msg.ReadAt = &readAt
	return msg, true, nil
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite reports constraint failures in the error text;
	// there is no portable errno to switch on through database/sql.
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "constraint failed")
}
