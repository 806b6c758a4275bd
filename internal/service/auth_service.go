package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"hashview/internal/domain"
	"hashview/internal/security"
)

// AuthService handles registration, login, logout and token checks.
type AuthService struct {
	users   domain.UserRepository
	tokens  *security.TokenService
	hash    *security.PasswordHasher
	revoker security.Revoker
	now     func() time.Time
}

func NewAuthService(users domain.UserRepository, tokens *security.TokenService, hash *security.PasswordHasher, revoker security.Revoker) *AuthService {
	if revoker == nil {
		revoker = security.NewMemoryRevoker()
	}
	return &AuthService{
		users:   users,
		tokens:  tokens,
		hash:    hash,
		revoker: revoker,
		now:     time.Now,
	}
}

type RegisterInput struct {
	Name     string
	Email    string
	Password string
}

type LoginInput struct {
	Email    string
	Password string
}

type TokenResponse struct {
	Token string       `json:"token"`
	User  *domain.User `json:"user"`
}

func (s *AuthService) Register(ctx context.Context, in RegisterInput) (*TokenResponse, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" || in.Email == "" || in.Password == "" {
		return nil, domain.NewValidationError("body", "name, email and password are required")
	}

	if _, err := s.users.GetByEmail(ctx, in.Email); err == nil {
		return nil, domain.ErrConflict
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("check email: %w", err)
	}

	hashed, err := s.hash.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := &domain.User{
		Name:           in.Name,
		Email:          in.Email,
		HashedPassword: hashed,
		IsActive:       true,
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, err
	}

	token, err := s.tokens.CreateForUser(user.ID)
	if err != nil {
		return nil, fmt.Errorf("create token: %w", err)
	}
	return &TokenResponse{Token: token, User: user}, nil
}

func (s *AuthService) Login(ctx context.Context, in LoginInput) (*TokenResponse, error) {
	user, err := s.users.GetByEmail(ctx, in.Email)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if !user.IsActive {
		return nil, domain.ErrUnauthorized
	}
	if err := s.hash.Verify(in.Password, user.HashedPassword); err != nil {
		return nil, domain.ErrUnauthorized
	}

	token, err := s.tokens.CreateForUser(user.ID)
	if err != nil {
		return nil, fmt.Errorf("create token: %w", err)
	}
	return &TokenResponse{Token: token, User: user}, nil
}

// Logout revokes the token for the rest of its lifetime.
func (s *AuthService) Logout(ctx context.Context, claims *security.Claims) error {
	ttl := claims.TTL(s.now())
	if ttl <= 0 {
		return nil
	}
	if err := s.revoker.Revoke(ctx, claims.ID, ttl); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

// Authenticate resolves a bearer token to an active user. It is shared by
// the HTTP middleware and the realtime handshake.
func (s *AuthService) Authenticate(ctx context.Context, token string) (*domain.User, *security.Claims, error) {
	claims, err := s.tokens.Parse(token)
	if err != nil {
		return nil, nil, domain.ErrUnauthorized
	}
	revoked, err := s.revoker.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("check revocation: %w", err)
	}
	if revoked {
		return nil, nil, domain.ErrUnauthorized
	}
	userID, err := claims.UserID()
	if err != nil {
		return nil, nil, domain.ErrUnauthorized
	}
	user, err := s.users.GetByID(ctx, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil, domain.ErrUnauthorized
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get user: %w", err)
	}
	if !user.IsActive {
		return nil, nil, domain.ErrUnauthorized
	}
	return user, claims, nil
}
