package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"hashview/internal/service"
)

const conversationNotFound = "Conversation not found"

type directConversationRequest struct {
	ParticipantID int64 `json:"participantId" validate:"required,gt=0"`
}

type groupConversationRequest struct {
	Name           string  `json:"name" validate:"required,max=100"`
	ParticipantIDs []int64 `json:"participantIds" validate:"required,min=1,dive,gt=0"`
}

// @Summary      List conversations
// @Description  Active conversations of the current user, most recent first
// @Tags         conversations
// @Security     BearerAuth
// @Produce      json
// @Param        page   query  int  false  "Page (>= 1)"
// @Param        limit  query  int  false  "Page size (1-50)"
// @Success      200  {object}  envelope
// @Failure      400  {object}  envelope
// @Router       /conversations [get]
func handleListConversations(convSvc *service.ConversationService, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, err := queryInt(r, "page", 1)
		if err != nil {
			writeError(w, logger, err, "")
			return
		}
		limit, err := queryInt(r, "limit", service.DefaultConversationLimit)
		if err != nil {
			writeError(w, logger, err, "")
			return
		}
		list, err := convSvc.List(r.Context(), CurrentUser(r).ID, page, limit)
		if err != nil {
			writeError(w, logger, err, "")
			return
		}
		respond(w, http.StatusOK, "", list)
	}
}

// @Summary      Start a direct conversation
// @Description  Returns the existing direct conversation with the participant or creates it
// @Tags         conversations
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        input body directConversationRequest true "Participant"
// @Success      201  {object}  envelope
// @Failure      404  {object}  envelope
// @Router       /conversations [post]
func handleCreateConversation(convSvc *service.ConversationService, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req directConversationRequest
		if err := decodeAndValidate(r, &req); err != nil {
			writeError(w, logger, err, "")
			return
		}
		conv, err := convSvc.FindOrCreateDirect(r.Context(), CurrentUser(r).ID, req.ParticipantID)
		if err != nil {
			writeError(w, logger, err, "Participant not found")
			return
		}
		respond(w, http.StatusCreated, "", map[string]any{"conversation": conv})
	}
}

func handleCreateGroup(convSvc *service.ConversationService, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req groupConversationRequest
		if err := decodeAndValidate(r, &req); err != nil {
			writeError(w, logger, err, "")
			return
		}
		conv, err := convSvc.CreateGroup(r.Context(), CurrentUser(r).ID, service.GroupCreateInput{
			Name:           req.Name,
			ParticipantIDs: req.ParticipantIDs,
		})
		if err != nil {
			writeError(w, logger, err, "Participant not found")
			return
		}
		respond(w, http.StatusCreated, "", map[string]any{"conversation": conv})
	}
}

func handleGetConversation(convSvc *service.ConversationService, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := idParam(chi.URLParam(r, "conversationID"), "conversationId")
		if err != nil {
			writeError(w, logger, err, "")
			return
		}
		conv, err := convSvc.Get(r.Context(), CurrentUser(r).ID, id)
		if err != nil {
			writeError(w, logger, err, conversationNotFound)
			return
		}
		respond(w, http.StatusOK, "", map[string]any{"conversation": conv})
	}
}

func handleMarkConversationRead(convSvc *service.ConversationService, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := idParam(chi.URLParam(r, "conversationID"), "conversationId")
		if err != nil {
			writeError(w, logger, err, "")
			return
		}
		if _, err := convSvc.MarkRead(r.Context(), CurrentUser(r).ID, id); err != nil {
			writeError(w, logger, err, conversationNotFound)
			return
		}
		respond(w, http.StatusOK, "Conversation marked as read", nil)
	}
}

func handleDeleteConversation(convSvc *service.ConversationService, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := idParam(chi.URLParam(r, "conversationID"), "conversationId")
		if err != nil {
			writeError(w, logger, err, "")
			return
		}
		if err := convSvc.Delete(r.Context(), CurrentUser(r).ID, id); err != nil {
			writeError(w, logger, err, conversationNotFound)
			return
		}
		respond(w, http.StatusOK, "Conversation deleted successfully", nil)
	}
}
