package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"hashview/internal/domain"
	"hashview/internal/security"
	"hashview/internal/service"
)

type MockUserRepo struct {
	mock.Mock
}

func (m *MockUserRepo) Create(ctx context.Context, u *domain.User) error {
	args := m.Called(ctx, u)
	if args.Error(0) == nil {
		u.ID = 42
	}
	return args.Error(0)
}

func (m *MockUserRepo) GetByID(ctx context.Context, id int64) (*domain.User, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.User), args.Error(1)
}

func (m *MockUserRepo) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	args := m.Called(ctx, email)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.User), args.Error(1)
}

func (m *MockUserRepo) TouchLastSeen(ctx context.Context, id int64, at time.Time) error {
	args := m.Called(ctx, id, at)
	return args.Error(0)
}

func newAuth(repo domain.UserRepository) (*service.AuthService, *security.TokenService) {
	tokens := security.NewTokenService("secret", time.Hour)
	hasher := security.NewPasswordHasher(4)
	return service.NewAuthService(repo, tokens, hasher, security.NewMemoryRevoker()), tokens
}

func TestRegister(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		repo := new(MockUserRepo)
		svc, tokens := newAuth(repo)

		repo.On("GetByEmail", mock.Anything, "new@example.com").Return(nil, domain.ErrNotFound)
		repo.On("Create", mock.Anything, mock.MatchedBy(func(u *domain.User) bool {
			return u.Name == "New User" && u.HashedPassword != "Password1!"
		})).Return(nil)

		res, err := svc.Register(context.Background(), service.RegisterInput{
			Name:     "New User",
			Email:    "new@example.com",
			Password: "Password1!",
		})
		require.NoError(t, err)
		assert.Equal(t, int64(42), res.User.ID)

		claims, err := tokens.Parse(res.Token)
		require.NoError(t, err)
		id, err := claims.UserID()
		require.NoError(t, err)
		assert.Equal(t, int64(42), id)
		repo.AssertExpectations(t)
	})

	t.Run("EmailTaken", func(t *testing.T) {
		repo := new(MockUserRepo)
		svc, _ := newAuth(repo)

		repo.On("GetByEmail", mock.Anything, "taken@example.com").Return(&domain.User{ID: 1}, nil)

		res, err := svc.Register(context.Background(), service.RegisterInput{
			Name:     "Someone",
			Email:    "taken@example.com",
			Password: "Password1!",
		})
		assert.Nil(t, res)
		assert.ErrorIs(t, err, domain.ErrConflict)
		repo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	})

	t.Run("MissingFields", func(t *testing.T) {
		svc, _ := newAuth(new(MockUserRepo))
		_, err := svc.Register(context.Background(), service.RegisterInput{Email: "x@example.com"})
		var verr *domain.ValidationError
		assert.ErrorAs(t, err, &verr)
	})
}

func TestLoginAndLogout(t *testing.T) {
	repo := new(MockUserRepo)
	svc, _ := newAuth(repo)
	ctx := context.Background()

	hashed, err := security.NewPasswordHasher(4).Hash("Password1!")
	require.NoError(t, err)
	user := &domain.User{ID: 7, Name: "A", Email: "a@example.com", HashedPassword: hashed, IsActive: true}
	repo.On("GetByEmail", mock.Anything, "a@example.com").Return(user, nil)
	repo.On("GetByEmail", mock.Anything, "nobody@example.com").Return(nil, domain.ErrNotFound)
	repo.On("GetByID", mock.Anything, int64(7)).Return(user, nil)

	_, err = svc.Login(ctx, service.LoginInput{Email: "a@example.com", Password: "wrong"})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = svc.Login(ctx, service.LoginInput{Email: "nobody@example.com", Password: "Password1!"})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	res, err := svc.Login(ctx, service.LoginInput{Email: "a@example.com", Password: "Password1!"})
	require.NoError(t, err)

	got, claims, err := svc.Authenticate(ctx, res.Token)
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.ID)

	require.NoError(t, svc.Logout(ctx, claims))
	_, _, err = svc.Authenticate(ctx, res.Token)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestAuthenticateRejectsInactiveUser(t *testing.T) {
	repo := new(MockUserRepo)
	svc, tokens := newAuth(repo)

	repo.On("GetByID", mock.Anything, int64(9)).Return(&domain.User{ID: 9, IsActive: false}, nil)
	tok, err := tokens.CreateForUser(9)
	require.NoError(t, err)

	_, _, err = svc.Authenticate(context.Background(), tok)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	_, _, err = svc.Authenticate(context.Background(), "not-a-token")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}
