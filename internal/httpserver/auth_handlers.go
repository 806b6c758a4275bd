package httpserver

import (
	"log/slog"
	"net/http"

	"hashview/internal/service"
)

type registerRequest struct {
	Name     string `json:"name" validate:"required,min=2,max=50"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// @Summary      Register a new user
// @Description  Register a new user and return an access token
// @Tags         auth
// @Accept       json
// @Produce      json
// @Param        input body registerRequest true "Register input"
// @Success      201  {object}  envelope
// @Failure      400  {object}  envelope
// @Router       /auth/register [post]
func handleRegister(authSvc *service.AuthService, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req registerRequest
		if err := decodeAndValidate(r, &req); err != nil {
			writeError(w, logger, err, "")
			return
		}

		res, err := authSvc.Register(r.Context(), service.RegisterInput{
			Name:     req.Name,
			Email:    req.Email,
			Password: req.Password,
		})
		if err != nil {
			writeError(w, logger, err, "")
			return
		}
		respond(w, http.StatusCreated, "User registered successfully", res)
	}
}

// @Summary      Login
// @Description  Login with email and password
// @Tags         auth
// @Accept       json
// @Produce      json
// @Param        input body loginRequest true "Login input"
// @Success      200  {object}  envelope
// @Failure      400  {object}  envelope
// @Failure      401  {object}  envelope
// @Router       /auth/login [post]
func handleLogin(authSvc *service.AuthService, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		if err := decodeAndValidate(r, &req); err != nil {
			writeError(w, logger, err, "")
			return
		}

		res, err := authSvc.Login(r.Context(), service.LoginInput{
			Email:    req.Email,
			Password: req.Password,
		})
		if err != nil {
			writeError(w, logger, err, "")
			return
		}
		respond(w, http.StatusOK, "Login successful", res)
	}
}

// @Summary      Logout
// @Description  Revoke the current access token
// @Tags         auth
// @Security     BearerAuth
// @Produce      json
// @Success      200  {object}  envelope
// @Failure      401  {object}  envelope
// @Router       /auth/logout [post]
func handleLogout(authSvc *service.AuthService, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims := currentClaims(r)
		if claims == nil {
			respondError(w, http.StatusUnauthorized, "Token is not valid", nil)
			return
		}
		if err := authSvc.Logout(r.Context(), claims); err != nil {
			writeError(w, logger, err, "")
			return
		}
		respond(w, http.StatusOK, "Logged out successfully", nil)
	}
}

// @Summary      Get Current User
// @Description  Get currently logged in user details
// @Tags         auth
// @Security     BearerAuth
// @Produce      json
// @Success      200  {object}  envelope
// @Failure      401  {object}  envelope
// @Router       /auth/me [get]
func handleMe() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusOK, "", map[string]any{"user": CurrentUser(r)})
	}
}
