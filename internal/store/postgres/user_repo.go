package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"hashview/internal/domain"
)

type UserRepo struct {
	db *sql.DB
}

func NewUserRepo(db *sql.DB) *UserRepo {
	return &UserRepo{db: db}
}

var _ domain.UserRepository = (*UserRepo)(nil)

func (r *UserRepo) Create(ctx context.Context, u *domain.User) error {
	u.Email = normalizeEmail(u.Email)
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO users (name, email, hashed_password, avatar, is_active, created_at, last_seen)
		VALUES ($1, $2, $3, $4, TRUE, NOW(), NOW())
		RETURNING id, is_active, created_at, last_seen
	`, u.Name, u.Email, u.HashedPassword, u.Avatar).Scan(&u.ID, &u.IsActive, &u.CreatedAt, &u.LastSeen)
	if isUniqueViolation(err) {
		return domain.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (r *UserRepo) GetByID(ctx context.Context, id int64) (*domain.User, error) {
	return r.scanUser(ctx, `
		SELECT id, name, email, hashed_password, avatar, is_active, created_at, last_seen
		FROM users WHERE id = $1`, id)
}

func (r *UserRepo) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	return r.scanUser(ctx, `
		SELECT id, name, email, hashed_password, avatar, is_active, created_at, last_seen
		FROM users WHERE email = $1`, normalizeEmail(email))
}

func (r *UserRepo) TouchLastSeen(ctx context.Context, id int64, at time.Time) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE users SET last_seen = $1 WHERE id = $2`, at, id); err != nil {
		return fmt.Errorf("touch last seen: %w", err)
	}
	return nil
}

func (r *UserRepo) scanUser(ctx context.Context, query string, args ...any) (*domain.User, error) {
	u := &domain.User{}
	var avatar sql.NullString
	err := r.db.QueryRowContext(ctx, query, args...).Scan(
		&u.ID, &u.Name, &u.Email, &u.HashedPassword, &avatar, &u.IsActive, &u.CreatedAt, &u.LastSeen,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if avatar.Valid {
		u.Avatar = &avatar.String
	}
	return u, nil
}
