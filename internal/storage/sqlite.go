// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/text/unicode/norm"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/jeranaias/rigrun-relay/internal/history"
	"github.com/jeranaias/rigrun-relay/internal/model"
)

// DefaultUser owns conversations written without a user in the context.
const DefaultUser = "local"

// DefaultMaxConversations is the per-user conversation limit.
const DefaultMaxConversations = 500

// =============================================================================
// ERRORS
// =============================================================================

// ErrConversationNotFound is returned when a conversation doesn't exist.
// It also matches history.ErrNotFound under errors.Is.
var ErrConversationNotFound = &ConversationError{Message: "conversation not found"}

// ErrStoreClosed is returned after Close.
var ErrStoreClosed = &ConversationError{Message: "conversation store closed"}

// ConversationError represents a conversation-related error.
type ConversationError struct {
	Message string
}

// Error implements the error interface.
func (e *ConversationError) Error() string {
	return e.Message
}

// Is implements errors.Is support for comparing conversation errors.
func (e *ConversationError) Is(target error) bool {
	if target == history.ErrNotFound {
		return e.Message == ErrConversationNotFound.Message
	}
	t, ok := target.(*ConversationError)
	if !ok {
		return false
	}
	return e.Message == t.Message
}

// =============================================================================
// SQLITE STORE
// =============================================================================

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	user_id       TEXT    NOT NULL,
	id            TEXT    NOT NULL,
	title         TEXT    NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL,
	message_count INTEGER NOT NULL DEFAULT 0,
	preview       TEXT    NOT NULL DEFAULT '',
	messages      TEXT    NOT NULL DEFAULT '[]',
	PRIMARY KEY (user_id, id)
);
CREATE INDEX IF NOT EXISTS idx_conversations_updated
	ON conversations(user_id, updated_at DESC);
`

// SQLiteStore keeps conversations in a SQLite database, scoped per user.
// It implements history.Backend; the user comes from history.UserFromContext.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	limit  int
	logger zerolog.Logger
}

// Options configures a SQLiteStore.
type Options struct {
	// Path is the database file. ":memory:" opens a private in-memory database.
	Path string
	// MaxConversations limits stored conversations per user (0 = default,
	// negative = unlimited).
	MaxConversations int
	Logger           *zerolog.Logger
}

// DefaultPath returns ~/.rigrun-relay/history.db.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".rigrun-relay", "history.db"), nil
}

// Open opens (creating if needed) the database at opts.Path.
func Open(ctx context.Context, opts Options) (*SQLiteStore, error) {
	if opts.Path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		opts.Path = p
	}
	if opts.MaxConversations == 0 {
		opts.MaxConversations = DefaultMaxConversations
	}
	if opts.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: pragmas apply to it and writers never contend.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", p, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("component", "storage").Logger()
	}
	logger.Debug().Str("path", opts.Path).Msg("history database opened")

	return &SQLiteStore{
		db:     db,
		path:   opts.Path,
		limit:  opts.MaxConversations,
		logger: logger,
	}, nil
}

// Path returns the database path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.wrap(s.db.PingContext(ctx))
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func userOf(ctx context.Context) string {
	if u := history.UserFromContext(ctx); u != "" {
		return u
	}
	return DefaultUser
}

// =============================================================================
// READ OPERATIONS
// =============================================================================

// List returns the user's conversations, most recently updated first.
func (s *SQLiteStore) List(ctx context.Context) ([]model.ConversationMeta, error) {
	return s.ListPage(ctx, 0, -1)
}

// ListPage returns up to limit conversations starting at offset. A negative
// limit returns everything after offset.
func (s *SQLiteStore) ListPage(ctx context.Context, offset, limit int) ([]model.ConversationMeta, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, created_at, updated_at, message_count, preview
		FROM conversations
		WHERE user_id = ?
		ORDER BY updated_at DESC, id
		LIMIT ? OFFSET ?`, userOf(ctx), limit, offset)
	if err != nil {
		return nil, s.wrap(err)
	}
	defer rows.Close()
	return scanMetas(rows)
}

// Search returns conversations whose title or preview contains query,
// case-insensitively.
func (s *SQLiteStore) Search(ctx context.Context, query string) ([]model.ConversationMeta, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return s.List(ctx)
	}
	pattern := "%" + escapeLike(strings.ToLower(norm.NFC.String(query))) + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, created_at, updated_at, message_count, preview
		FROM conversations
		WHERE user_id = ?
		  AND (lower(title) LIKE ? ESCAPE '\' OR lower(preview) LIKE ? ESCAPE '\')
		ORDER BY updated_at DESC, id`, userOf(ctx), pattern, pattern)
	if err != nil {
		return nil, s.wrap(err)
	}
	defer rows.Close()
	return scanMetas(rows)
}

// Read returns a conversation with its messages.
func (s *SQLiteStore) Read(ctx context.Context, id string) (*model.Conversation, error) {
	if id == "" {
		return nil, history.ErrInvalidRequest
	}
	conv, err := readConversation(ctx, s.db, userOf(ctx), id)
	if err != nil {
		return nil, s.wrap(err)
	}
	return conv, nil
}

// =============================================================================
// WRITE OPERATIONS
// =============================================================================

// UpdateMessages merges msgs into conversation id by message id. An empty or
// unknown id creates the conversation, keeping a non-empty id as given.
func (s *SQLiteStore) UpdateMessages(ctx context.Context, id string, msgs []model.Message) (*model.Conversation, error) {
	user := userOf(ctx)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, s.wrap(err)
	}
	defer tx.Rollback()

	var conv *model.Conversation
	if id != "" {
		conv, err = readConversation(ctx, tx, user, id)
		if err != nil && !errors.Is(err, ErrConversationNotFound) {
			return nil, s.wrap(err)
		}
	}
	created := conv == nil
	if created {
		conv = model.NewConversation()
		if id != "" {
			conv.ID = id
		}
	}
	for _, msg := range msgs {
		conv.UpsertMessage(msg)
	}

	if err := writeConversation(ctx, tx, user, conv); err != nil {
		return nil, s.wrap(err)
	}
	if created {
		if err := s.enforceLimit(ctx, tx, user); err != nil {
			return nil, s.wrap(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, s.wrap(err)
	}

	s.logger.Debug().
		Str("user", user).
		Str("conversation", conv.ID).
		Bool("created", created).
		Int("messages", len(msgs)).
		Msg("conversation updated")
	return conv, nil
}

// Save writes conv as a whole, replacing any stored version.
func (s *SQLiteStore) Save(ctx context.Context, conv *model.Conversation) error {
	if conv.ID == "" {
		return history.ErrInvalidRequest
	}
	return s.wrap(writeConversation(ctx, s.db, userOf(ctx), conv))
}

// Rename sets the conversation title.
func (s *SQLiteStore) Rename(ctx context.Context, id, title string) error {
	title = norm.NFC.String(strings.TrimSpace(title))
	if id == "" || title == "" {
		return history.ErrInvalidRequest
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET title = ?, updated_at = ?
		WHERE user_id = ? AND id = ?`,
		title, time.Now().UnixNano(), userOf(ctx), id)
	return s.checkAffected(res, err)
}

// Delete removes one conversation.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return history.ErrInvalidRequest
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM conversations WHERE user_id = ? AND id = ?`, userOf(ctx), id)
	return s.checkAffected(res, err)
}

// DeleteAll removes every conversation of the user.
func (s *SQLiteStore) DeleteAll(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE user_id = ?`, userOf(ctx))
	return s.wrap(err)
}

// enforceLimit removes the user's oldest conversations beyond the limit.
func (s *SQLiteStore) enforceLimit(ctx context.Context, tx *sql.Tx, user string) error {
	if s.limit < 0 {
		return nil
	}
	res, err := tx.ExecContext(ctx, `
		DELETE FROM conversations
		WHERE user_id = ? AND id IN (
			SELECT id FROM conversations WHERE user_id = ?
			ORDER BY updated_at DESC, id
			LIMIT -1 OFFSET ?
		)`, user, user, s.limit)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Info().Str("user", user).Int64("removed", n).Msg("pruned old conversations")
	}
	return nil
}

func (s *SQLiteStore) checkAffected(res sql.Result, err error) error {
	if err != nil {
		return s.wrap(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return s.wrap(err)
	}
	if n == 0 {
		return ErrConversationNotFound
	}
	return nil
}

func (s *SQLiteStore) wrap(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrConnDone), strings.Contains(err.Error(), "database is closed"):
		return ErrStoreClosed
	case errors.Is(err, ErrConversationNotFound), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("history database: %w", err)
	}
}

// =============================================================================
// ROW HELPERS
// =============================================================================

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func readConversation(ctx context.Context, q queryer, user, id string) (*model.Conversation, error) {
	var (
		conv             model.Conversation
		created, updated int64
		messages         string
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, title, created_at, updated_at, messages
		FROM conversations WHERE user_id = ? AND id = ?`, user, id).
		Scan(&conv.ID, &conv.Title, &created, &updated, &messages)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(messages), &conv.Messages); err != nil {
		return nil, fmt.Errorf("corrupt messages for %s: %w", id, err)
	}
	if conv.Messages == nil {
		conv.Messages = make([]model.Message, 0)
	}
	conv.CreatedAt = time.Unix(0, created)
	conv.UpdatedAt = time.Unix(0, updated)
	return &conv, nil
}

func writeConversation(ctx context.Context, q queryer, user string, conv *model.Conversation) error {
	messages, err := json.Marshal(conv.Messages)
	if err != nil {
		return fmt.Errorf("failed to encode messages: %w", err)
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = time.Now()
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = conv.UpdatedAt
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO conversations
			(user_id, id, title, created_at, updated_at, message_count, preview, messages)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, id) DO UPDATE SET
			title = excluded.title,
			updated_at = excluded.updated_at,
			message_count = excluded.message_count,
			preview = excluded.preview,
			messages = excluded.messages`,
		user, conv.ID, norm.NFC.String(conv.Title),
		conv.CreatedAt.UnixNano(), conv.UpdatedAt.UnixNano(),
		len(conv.Messages), norm.NFC.String(conv.Preview()), string(messages))
	return err
}

func scanMetas(rows *sql.Rows) ([]model.ConversationMeta, error) {
	metas := make([]model.ConversationMeta, 0)
	for rows.Next() {
		var (
			m                model.ConversationMeta
			created, updated int64
		)
		if err := rows.Scan(&m.ID, &m.Title, &created, &updated, &m.MessageCount, &m.Preview); err != nil {
			return nil, err
		}
		m.Title = (&model.Conversation{Title: m.Title}).GetTitle()
		m.CreatedAt = time.Unix(0, created)
		m.UpdatedAt = time.Unix(0, updated)
		metas = append(metas, m)
	}
	return metas, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
