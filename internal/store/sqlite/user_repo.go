package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"hashview/internal/domain"
)

type UserRepo struct {
	db  *sql.DB
	now func() time.Time
}

func NewUserRepo(db *sql.DB) *UserRepo {
	return &UserRepo{db: db, now: utcNow}
}

var _ domain.UserRepository = (*UserRepo)(nil)

func (r *UserRepo) Create(ctx context.Context, u *domain.User) error {
	now := r.now()
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO users (name, email, hashed_password, avatar, is_active, created_at, last_seen)
		VALUES (?, ?, ?, ?, 1, ?, ?)
	`, u.Name, u.Email, u.HashedPassword, u.Avatar, now, now)
	if isUniqueViolation(err) {
		return domain.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	u.ID = id
	u.IsActive = true
	u.CreatedAt = now
	u.LastSeen = now
	return nil
}

func (r *UserRepo) GetByID(ctx context.Context, id int64) (*domain.User, error) {
	return r.scanUser(ctx, `
		SELECT id, name, email, hashed_password, avatar, is_active, created_at, last_seen
		FROM users WHERE id = ?`, id)
}

func (r *UserRepo) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	return r.scanUser(ctx, `
		SELECT id, name, email, hashed_password, avatar, is_active, created_at, last_seen
		FROM users WHERE email = ?`, strings.ToLower(strings.TrimSpace(email)))
}

func (r *UserRepo) TouchLastSeen(ctx context.Context, id int64, at time.Time) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE users SET last_seen = ? WHERE id = ?`, at.UTC(), id); err != nil {
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
