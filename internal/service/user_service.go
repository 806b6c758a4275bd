package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"hashview/internal/domain"
	"hashview/internal/push"
)

// UserService provides profile and push endpoint operations.
type UserService struct {
	users  domain.UserRepository
	tokens domain.PushTokenRepository
}

func NewUserService(users domain.UserRepository, tokens domain.PushTokenRepository) *UserService {
	return &UserService{users: users, tokens: tokens}
}

func (s *UserService) GetByID(ctx context.Context, id int64) (*domain.User, error) {
	return s.users.GetByID(ctx, id)
}

// Profile returns the public projection of a user.
func (s *UserService) Profile(ctx context.Context, id int64) (*UserSummary, error) {
	u, err := s.users.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	sum := summarize(u)
	return &sum, nil
}

func (s *UserService) TouchLastSeen(ctx context.Context, id int64, at time.Time) error {
	return s.users.TouchLastSeen(ctx, id, at)
}

func (s *UserService) RegisterPushToken(ctx context.Context, userID int64, token string) error {
	token = strings.TrimSpace(token)
	if !push.IsExpoPushToken(token) {
		return domain.NewValidationError("expoPushToken", "invalid Expo push token")
	}
	if err := s.tokens.Add(ctx, userID, token); err != nil {
		return fmt.Errorf("add push token: %w", err)
	}
	return nil
}

func (s *UserService) RemovePushToken(ctx context.Context, userID int64, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.NewValidationError("expoPushToken", "push token is required")
	}
	if err := s.tokens.Remove(ctx, userID, token); err != nil {
		return fmt.Errorf("remove push token: %w", err)
	}
	return nil
}
