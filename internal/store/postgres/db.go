package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Open opens a PostgreSQL database using the pgx stdlib driver.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Migrate runs idempotent DDL migrations for the messaging schema.
func Migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id               BIGSERIAL PRIMARY KEY,
			name             VARCHAR(100) NOT NULL,
			email            VARCHAR(255) UNIQUE NOT NULL,
			hashed_password  VARCHAR(255) NOT NULL,
			avatar           TEXT,
			is_active        BOOLEAN NOT NULL DEFAULT TRUE,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_seen        TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,
		`CREATE TABLE IF NOT EXISTS user_push_tokens (
			user_id     BIGINT NOT NULL REFERENCES users(id),
			token       VARCHAR(255) NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (user_id, token)
		);`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id                      BIGSERIAL PRIMARY KEY,
			type                    VARCHAR(10) NOT NULL CHECK (type IN ('direct', 'group')),
			direct_key              VARCHAR(64) UNIQUE,
			name                    VARCHAR(100),
			last_message_id         BIGINT,
			last_message_text       TEXT,
			last_message_sender_id  BIGINT,
			last_message_at         TIMESTAMPTZ,
			last_timestamp          TIMESTAMPTZ NOT NULL,
			is_active               BOOLEAN NOT NULL DEFAULT TRUE,
			created_at              TIMESTAMPTZ NOT NULL,
			updated_at              TIMESTAMPTZ NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS conversation_participants (
			conversation_id  BIGINT NOT NULL REFERENCES conversations(id),
			user_id          BIGINT NOT NULL REFERENCES users(id),
			unread_count     INTEGER NOT NULL DEFAULT 0 CHECK (unread_count >= 0),
			last_read_at     TIMESTAMPTZ,
			joined_at        TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (conversation_id, user_id)
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id               BIGSERIAL PRIMARY KEY,
			conversation_id  BIGINT NOT NULL REFERENCES conversations(id),
			sender_id        BIGINT NOT NULL REFERENCES users(id),
			text             TEXT NOT NULL DEFAULT '',
			type             VARCHAR(10) NOT NULL,
			media_url        TEXT,
			media_filename   TEXT,
			media_size       BIGINT,
			media_mime       TEXT,
			reply_to         BIGINT,
			delivered_at     TIMESTAMPTZ,
			read_at          TIMESTAMPTZ,
			is_edited        BOOLEAN NOT NULL DEFAULT FALSE,
			edited_at        TIMESTAMPTZ,
			is_deleted       BOOLEAN NOT NULL DEFAULT FALSE,
			deleted_at       TIMESTAMPTZ,
			created_at       TIMESTAMPTZ NOT NULL,
			updated_at       TIMESTAMPTZ NOT NULL
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

type rowScanner interface {
	Scan(dest ...any) error
}

func utcNow() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
