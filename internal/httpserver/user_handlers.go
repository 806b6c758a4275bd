package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"hashview/internal/service"
)

type pushTokenRequest struct {
	ExpoPushToken string `json:"expoPushToken" validate:"required"`
}

func handleGetUser(userSvc *service.UserService, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := idParam(chi.URLParam(r, "userID"), "userId")
		if err != nil {
			writeError(w, logger, err, "")
			return
		}
		profile, err := userSvc.Profile(r.Context(), id)
		if err != nil {
			writeError(w, logger, err, "User not found")
			return
		}
		respond(w, http.StatusOK, "", map[string]any{"user": profile})
	}
}

// @Summary      Register push token
// @Description  Register an Expo push token for the current user
// @Tags         users
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        input body pushTokenRequest true "Push token"
// @Success      200  {object}  envelope
// @Failure      400  {object}  envelope
// @Router       /users/register-push-token [post]
func handleRegisterPushToken(userSvc *service.UserService, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req pushTokenRequest
		if err := decodeAndValidate(r, &req); err != nil {
			writeError(w, logger, err, "")
			return
		}
		if err := userSvc.RegisterPushToken(r.Context(), CurrentUser(r).ID, req.ExpoPushToken); err != nil {
			writeError(w, logger, err, "")
			return
		}
		respond(w, http.StatusOK, "Push token registered successfully", nil)
	}
}

func handleRemovePushToken(userSvc *service.UserService, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req pushTokenRequest
		if err := decodeAndValidate(r, &req); err != nil {
			writeError(w, logger, err, "")
			return
		}
		if err := userSvc.RemovePushToken(r.Context(), CurrentUser(r).ID, req.ExpoPushToken); err != nil {
			writeError(w, logger, err, "")
			return
		}
		respond(w, http.StatusOK, "Push token removed successfully", nil)
	}
}
