package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zhouzirui/z-assistant/backend/internal/model/chat"

	_ "modernc.org/sqlite" // SQLite driver registration
)

const (
	schemaVersion      = 1
	defaultBusyTimeout = 5000
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		session_key TEXT PRIMARY KEY,
		updated_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`,

	`CREATE TABLE IF NOT EXISTS messages (
		session_key TEXT    NOT NULL,
		seq         INTEGER NOT NULL,
		type        TEXT    NOT NULL,
		content     TEXT    NOT NULL DEFAULT '',
		PRIMARY KEY (session_key, seq)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at)`,
}

// SQLiteStore keeps all sessions in a single database file.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLiteStore opens (and migrates) the database at path with WAL mode
// and a single connection.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: enable WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d", defaultBusyTimeout)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: set busy_timeout: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("sqlite: create schema_version: %w", err)
	}

	var current int
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("sqlite: read schema version: %w", err)
	}
	if current >= schemaVersion {
		return nil
	}

	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: migrate: %w\nstatement: %s", err, stmt)
		}
	}

	if _, err := db.ExecContext(ctx, "INSERT OR REPLACE INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("sqlite: record schema version: %w", err)
	}
	return nil
}

// Load returns the session's messages ordered by seq; failures yield an empty session.
func (s *SQLiteStore) Load(ctx context.Context, key string) ([]chat.Message, error) {
	if !chat.ValidKey(key) {
		logf("refusing to load invalid session key %q", key)
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT type, content FROM messages WHERE session_key = ? ORDER BY seq`, key)
	if err != nil {
		logf("failed to query session %s: %v", key, err)
		return nil, nil
	}
	defer func() { _ = rows.Close() }()

	var msgs []chat.Message
	for rows.Next() {
		var m chat.Message
		var typ string
		if err := rows.Scan(&typ, &m.Content); err != nil {
			logf("failed to scan session %s: %v", key, err)
			return nil, nil
		}
		m.Type = chat.Role(typ)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		logf("failed to read session %s: %v", key, err)
		return nil, nil
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return sanitize(key, msgs), nil
}

// Save replaces the session's rows in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, key string, messages []chat.Message) (err error) {
	if !chat.ValidKey(key) {
		return invalidKey(key)
	}
	messages = validContent(messages)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin save %s: %w", key, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (session_key, updated_at) VALUES (?, strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		ON CONFLICT(session_key) DO UPDATE SET updated_at = excluded.updated_at`, key); err != nil {
		return fmt.Errorf("sqlite: upsert session %s: %w", key, err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE session_key = ?`, key); err != nil {
		return fmt.Errorf("sqlite: clear session %s: %w", key, err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO messages (session_key, seq, type, content) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite: prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for i, m := range messages {
		if _, err = stmt.ExecContext(ctx, key, i+1, string(m.Type), m.Content); err != nil {
			return fmt.Errorf("sqlite: insert message %d of %s: %w", i+1, key, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit save %s: %w", key, err)
	}
	return nil
}

// List returns session keys ordered by last save, newest first.
func (s *SQLiteStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_key FROM sessions ORDER BY updated_at DESC, session_key DESC`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("sqlite: scan session key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list sessions rows: %w", err)
	}
	return keys, nil
}

// Exists reports whether the session has been saved.
func (s *SQLiteStore) Exists(ctx context.Context, key string) bool {
	if !chat.ValidKey(key) {
		return false
	}
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE session_key = ?`, key).Scan(&one)
	return err == nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
