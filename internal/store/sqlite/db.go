package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Open opens a SQLite database with the given DSN. Foreign keys and a busy
// timeout are applied to every pooled connection, and the pool is capped
// at a single connection so in-memory databases and writers stay consistent.
func Open(dsn string) (*sql.DB, error) {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_time_format=sqlite"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return db, nil
}

// Migrate creates the messaging schema. Statements are idempotent.
func Migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY,
			name VARCHAR(100) NOT NULL,
			email VARCHAR(255) UNIQUE NOT NULL,
			hashed_password VARCHAR(255) NOT NULL,
			avatar TEXT DEFAULT NULL,
			is_active BOOLEAN NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL,
			last_seen DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS user_push_tokens (
			user_id INTEGER NOT NULL,
			token VARCHAR(255) NOT NULL,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (user_id, token),
			FOREIGN KEY (user_id) REFERENCES users(id)
		);`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id INTEGER PRIMARY KEY,
			type VARCHAR(10) NOT NULL CHECK (type IN ('direct', 'group')),
			direct_key VARCHAR(64) UNIQUE,
			name VARCHAR(100),
			last_message_id INTEGER DEFAULT NULL,
			last_message_text TEXT DEFAULT NULL,
			last_message_sender_id INTEGER DEFAULT NULL,
			last_message_at DATETIME DEFAULT NULL,
			last_timestamp DATETIME NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS conversation_participants (
			conversation_id INTEGER NOT NULL,
			user_id INTEGER NOT NULL,
			unread_count INTEGER NOT NULL DEFAULT 0 CHECK (unread_count >= 0),
			last_read_at DATETIME DEFAULT NULL,
			joined_at DATETIME NOT NULL,
			PRIMARY KEY (conversation_id, user_id),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id),
			FOREIGN KEY (user_id) REFERENCES users(id)
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY,
			conversation_id INTEGER NOT NULL,
			sender_id INTEGER NOT NULL,
			text TEXT NOT NULL DEFAULT '',
			type VARCHAR(10) NOT NULL,
			media_url TEXT DEFAULT NULL,
			media_filename TEXT DEFAULT NULL,
			media_size INTEGER DEFAULT NULL,
			media_mime TEXT DEFAULT NULL,
			reply_to INTEGER DEFAULT NULL,
			delivered_at DATETIME DEFAULT NULL,
			read_at DATETIME DEFAULT NULL,
			is_edited BOOLEAN NOT NULL DEFAULT 0,
			edited_at DATETIME DEFAULT NULL,
			is_deleted BOOLEAN NOT NULL DEFAULT 0,
			deleted_at DATETIME DEFAULT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id),
			FOREIGN KEY (sender_id) REFERENCES users(id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_last_ts ON conversations(last_timestamp DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_conv_participants_user ON conversation_participants(user_id);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conv_created ON messages(conversation_id, created_at DESC, id DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	return nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func utcNow() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
