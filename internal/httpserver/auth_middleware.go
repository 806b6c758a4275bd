package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"hashview/internal/domain"
	"hashview/internal/security"
	"hashview/internal/service"
)

type contextKey string

const (
	userContextKey   contextKey = "currentUser"
	claimsContextKey contextKey = "tokenClaims"
)

// WithUser returns a new context carrying the current user.
func WithUser(ctx context.Context, user *domain.User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// CurrentUser extracts the current user from context, if any.
func CurrentUser(r *http.Request) *domain.User {
	if u, ok := r.Context().Value(userContextKey).(*domain.User); ok {
		return u
	}
	return nil
}

func currentClaims(r *http.Request) *security.Claims {
	if c, ok := r.Context().Value(claimsContextKey).(*security.Claims); ok {
		return c
	}
	return nil
}

// AuthMiddleware validates the Bearer token and attaches the user to the context.
func AuthMiddleware(auth *service.AuthService, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if len(authHeader) < 7 || !strings.EqualFold(authHeader[:7], "bearer ") {
				respondError(w, http.StatusUnauthorized, "No token, authorization denied", nil)
				return
			}
			tokenStr := strings.TrimSpace(authHeader[7:])

			user, claims, err := auth.Authenticate(r.Context(), tokenStr)
			if err != nil {
				if !errors.Is(err, domain.ErrUnauthorized) {
					logger.Error("authenticate request", "error", err)
				}
				respondError(w, http.StatusUnauthorized, "Token is not valid", nil)
				return
			}

			ctx := WithUser(r.Context(), user)
			ctx = context.WithValue(ctx, claimsContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
