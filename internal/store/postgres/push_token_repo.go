package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"hashview/internal/domain"
)

type PushTokenRepo struct {
	db *sql.DB
}

func NewPushTokenRepo(db *sql.DB) *PushTokenRepo {
	return &PushTokenRepo{db: db}
}

var _ domain.PushTokenRepository = (*PushTokenRepo)(nil)

func (r *PushTokenRepo) Add(ctx context.Context, userID int64, token string) error {
	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO user_push_tokens (user_id, token, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id, token) DO NOTHING
	`, userID, token); err != nil {
		return fmt.Errorf("add push token: %w", err)
	}
	return nil
}

func (r *PushTokenRepo) Remove(ctx context.Context, userID int64, token string) error {
	if _, err := r.db.ExecContext(ctx, `
		DELETE FROM user_push_tokens WHERE user_id = $1 AND token = $2
	`, userID, token); err != nil {
		return fmt.Errorf("remove push token: %w", err)
	}
	return nil
}

func (r *PushTokenRepo) ListForUser(ctx context.Context, userID int64) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT token FROM user_push_tokens WHERE user_id = $1 ORDER BY created_at, token
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list push tokens: %w", err)
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan push token: %w", err)
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}
