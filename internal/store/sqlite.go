// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation, body association, and flag persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// An in-memory database lives per connection
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id                 TEXT PRIMARY KEY,
			thread_id          TEXT NOT NULL UNIQUE,
			requester_id       TEXT NOT NULL,
			guild_id           TEXT NOT NULL,
			chat_meta          TEXT,
			monitoring_stopped INTEGER NOT NULL DEFAULT 0,
			created_at         TEXT NOT NULL,
			updated_at         TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS conversation_store (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			filename        TEXT NOT NULL,
			created_at      TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_conversation_store_conversation
			ON conversation_store(conversation_id, created_at);

		CREATE TABLE IF NOT EXISTS echo_channels (
			channel_id TEXT PRIMARY KEY,
			guild_id   TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS reel_monitors (
			channel_id TEXT PRIMARY KEY,
			guild_id   TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// Databases created before monitoring state was persisted lack the column
	var exists int
	err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info('conversations') WHERE name = 'monitoring_stopped'`).Scan(&exists)
	if err == nil {
		return nil
	}
	if _, err := s.db.Exec(`ALTER TABLE conversations ADD COLUMN monitoring_stopped INTEGER NOT NULL DEFAULT 0`); err != nil {
		return fmt.Errorf("adding monitoring_stopped column to conversations: %w", err)
	}
	s.logger.Info("applied migration", "column", "monitoring_stopped", "table", "conversations")
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// InsertConversation creates a conversation record and returns its assigned ID.
// Returns ErrDuplicateConversation if the thread already has one.
func (s *SQLiteStore) InsertConversation(ctx context.Context, rec *ConversationRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}

	meta, err := encodeMeta(rec.Meta)
	if err != nil {
		return "", err
	}

	query := `
		INSERT INTO conversations (id, thread_id, requester_id, guild_id, chat_meta, monitoring_stopped, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		rec.ID,
		rec.ThreadID,
		rec.RequesterID,
		rec.GuildID,
		meta,
		boolToInt(rec.MonitoringStopped),
		rec.CreatedAt.UTC().Format(time.RFC3339),
		rec.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return "", ErrDuplicateConversation
		}
		return "", fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", rec.ID, "thread_id", rec.ThreadID)
	return rec.ID, nil
}

// GetConversationByThread retrieves the conversation record for a thread.
// Returns ErrNotFound if the thread has no record.
func (s *SQLiteStore) GetConversationByThread(ctx context.Context, threadID string) (*ConversationRecord, error) {
	query := `
		SELECT id, thread_id, requester_id, guild_id, chat_meta, monitoring_stopped, created_at, updated_at
		FROM conversations
		WHERE thread_id = ?
	`

	var rec ConversationRecord
	var meta sql.NullString
	var stopped int
	var createdAtStr, updatedAtStr string

	err := s.db.QueryRowContext(ctx, query, threadID).Scan(
		&rec.ID,
		&rec.ThreadID,
		&rec.RequesterID,
		&rec.GuildID,
		&meta,
		&stopped,
		&createdAtStr,
		&updatedAtStr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}

	rec.MonitoringStopped = stopped != 0
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &rec.Meta); err != nil {
			return nil, fmt.Errorf("decoding chat_meta: %w", err)
		}
	}

	rec.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	rec.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &rec, nil
}

// FindConversationIDByThread returns only the conversation ID for a thread.
func (s *SQLiteStore) FindConversationIDByThread(ctx context.Context, threadID string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM conversations WHERE thread_id = ?`, threadID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying conversation id: %w", err)
	}
	return id, nil
}

// ListConversationThreads returns every thread that has a conversation record.
func (s *SQLiteStore) ListConversationThreads(ctx context.Context) ([]ThreadState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT thread_id, monitoring_stopped FROM conversations ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("querying conversation threads: %w", err)
	}
	defer rows.Close()

	var threads []ThreadState
	for rows.Next() {
		var ts ThreadState
		var stopped int
		if err := rows.Scan(&ts.ThreadID, &stopped); err != nil {
			return nil, fmt.Errorf("scanning conversation thread: %w", err)
		}
		ts.MonitoringStopped = stopped != 0
		threads = append(threads, ts)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation threads: %w", err)
	}
	return threads, nil
}

// SetMonitoringStopped persists the monitoring flag for a thread.
// Returns ErrNotFound if the thread has no record.
func (s *SQLiteStore) SetMonitoringStopped(ctx context.Context, threadID string, stopped bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET monitoring_stopped = ?, updated_at = ? WHERE thread_id = ?`,
		boolToInt(stopped),
		time.Now().UTC().Format(time.RFC3339),
		threadID,
	)
	if err != nil {
		return fmt.Errorf("updating monitoring flag: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertStoreAssociation links a conversation to its body file and returns the association ID.
func (s *SQLiteStore) InsertStoreAssociation(ctx context.Context, conversationID, filename string) (string, error) {
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_store (id, conversation_id, filename, created_at) VALUES (?, ?, ?, ?)`,
		id,
		conversationID,
		filename,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("inserting conversation store: %w", err)
	}
	return id, nil
}

// GetStoreAssociation returns the most recent body association for a conversation.
func (s *SQLiteStore) GetStoreAssociation(ctx context.Context, conversationID string) (*StoreRecord, error) {
	query := `
		SELECT id, conversation_id, filename, created_at
		FROM conversation_store
		WHERE conversation_id = ?
		ORDER BY created_at DESC
		LIMIT 1
	`

	var rec StoreRecord
	var createdAtStr string
	err := s.db.QueryRowContext(ctx, query, conversationID).Scan(&rec.ID, &rec.ConversationID, &rec.Filename, &createdAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation store: %w", err)
	}

	rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &rec, nil
}

// EnableEcho records a channel as echo-enabled. Enabling twice is a no-op.
func (s *SQLiteStore) EnableEcho(ctx context.Context, channelID, guildID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO echo_channels (channel_id, guild_id, created_at) VALUES (?, ?, ?)`,
		channelID, guildID, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("enabling echo: %w", err)
	}
	return nil
}

// DisableEcho removes the echo flag from a channel.
// Returns ErrNotFound if echo was not enabled.
func (s *SQLiteStore) DisableEcho(ctx context.Context, channelID string) error {
	return s.deleteFlag(ctx, "echo_channels", channelID)
}

// ListEchoChannels returns all echo-enabled channels.
func (s *SQLiteStore) ListEchoChannels(ctx context.Context) ([]*EchoChannel, error) {
	rows, err := s.listFlags(ctx, "echo_channels")
	if err != nil {
		return nil, err
	}
	channels := make([]*EchoChannel, 0, len(rows))
	for _, r := range rows {
		channels = append(channels, &EchoChannel{ChannelID: r.channelID, GuildID: r.guildID, CreatedAt: r.createdAt})
	}
	return channels, nil
}

// AddReelMonitor marks a channel as reel-monitored. Adding twice is a no-op.
func (s *SQLiteStore) AddReelMonitor(ctx context.Context, channelID, guildID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO reel_monitors (channel_id, guild_id, created_at) VALUES (?, ?, ?)`,
		channelID, guildID, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("adding reel monitor: %w", err)
	}
	return nil
}

// RemoveReelMonitor clears the reel-monitor flag.
// Returns ErrNotFound if the channel was not monitored.
func (s *SQLiteStore) RemoveReelMonitor(ctx context.Context, channelID string) error {
	return s.deleteFlag(ctx, "reel_monitors", channelID)
}

// ListReelMonitors returns all reel-monitored channels.
func (s *SQLiteStore) ListReelMonitors(ctx context.Context) ([]*ReelMonitor, error) {
	rows, err := s.listFlags(ctx, "reel_monitors")
	if err != nil {
		return nil, err
	}
	monitors := make([]*ReelMonitor, 0, len(rows))
	for _, r := range rows {
		monitors = append(monitors, &ReelMonitor{ChannelID: r.channelID, GuildID: r.guildID, CreatedAt: r.createdAt})
	}
	return monitors, nil
}

type flagRow struct {
	channelID string
	guildID   string
	createdAt time.Time
}

// listFlags reads a channel flag table. table is always a package constant.
func (s *SQLiteStore) listFlags(ctx context.Context, table string) ([]flagRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT channel_id, guild_id, created_at FROM `+table+` ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", table, err)
	}
	defer rows.Close()

	var out []flagRow
	for rows.Next() {
		var r flagRow
		var createdAtStr string
		if err := rows.Scan(&r.channelID, &r.guildID, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning %s: %w", table, err)
		}
		r.createdAt, err = time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating %s: %w", table, err)
	}
	return out, nil
}

func (s *SQLiteStore) deleteFlag(ctx context.Context, table, channelID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE channel_id = ?`, channelID)
	if err != nil {
		return fmt.Errorf("deleting from %s: %w", table, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func encodeMeta(meta map[string]any) (any, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encoding chat_meta: %w", err)
	}
	return string(data), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
