package httpserver

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"hashview/internal/domain"
	"hashview/internal/service"
)

const messageNotFound = "Message not found"

type sendMessageRequest struct {
	ConversationID int64                 `json:"conversationId" validate:"required,gt=0"`
	Text           string                `json:"text" validate:"max=1000"`
	Type           domain.MessageType    `json:"type" validate:"omitempty,oneof=text image file"`
	MediaURL       *string               `json:"mediaUrl" validate:"omitempty,url"`
	MediaMetadata  *domain.MediaMetadata `json:"mediaMetadata"`
	ReplyTo        *int64                `json:"replyTo" validate:"omitempty,gt=0"`
}

type editMessageRequest struct {
	Text string `json:"text" validate:"required,min=1,max=1000"`
}

// @Summary      List messages
// @Description  Message history of a conversation, oldest first within the page
// @Tags         messages
// @Security     BearerAuth
// @Produce      json
// @Param        conversationId  query  int  true   "Conversation id"
// @Param        page            query  int  false  "Page (>= 1)"
// @Param        limit           query  int  false  "Page size (1-100)"
// @Param        cursor          query  int  false  "Return messages older than this message id"
// @Success      200  {object}  envelope
// @Failure      400  {object}  envelope
// @Failure      404  {object}  envelope
// @Router       /messages [get]
func handleListMessages(msgSvc *service.MessageService, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		convID, err := idParam(r.URL.Query().Get("conversationId"), "conversationId")
		if err != nil {
			writeError(w, logger, err, "")
			return
		}
		page, err := queryInt(r, "page", 1)
		if err != nil {
			writeError(w, logger, err, "")
			return
		}
		limit, err := queryInt(r, "limit", service.DefaultMessageLimit)
		if err != nil {
			writeError(w, logger, err, "")
			return
		}
		in := service.ListInput{ConversationID: convID, Page: page, Limit: limit}
		if raw := r.URL.Query().Get("cursor"); raw != "" {
			cursor, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				writeError(w, logger, domain.NewValidationError("cursor", "cursor must be a valid message id"), "")
				return
			}
			in.Cursor = &cursor
		}
		// The service reads zero as "use the default", so explicit zeros stop here.
		if page < 1 {
			writeError(w, logger, domain.NewValidationError("page", "page must be a positive integer"), "")
			return
		}
		if limit < 1 {
			writeError(w, logger, domain.NewValidationError("limit", "limit must be between 1 and 100"), "")
			return
		}

		list, err := msgSvc.List(r.Context(), CurrentUser(r).ID, in)
		if err != nil {
			writeError(w, logger, err, conversationNotFound)
			return
		}
		respond(w, http.StatusOK, "", list)
	}
}

// @Summary      Send a message
// @Tags         messages
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        input body sendMessageRequest true "Message"
// @Success      201  {object}  envelope
// @Failure      400  {object}  envelope
// @Failure      404  {object}  envelope
// @Router       /messages [post]
func handleSendMessage(msgSvc *service.MessageService, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sendMessageRequest
		if err := decodeAndValidate(r, &req); err != nil {
			writeError(w, logger, err, "")
			return
		}
		msg, err := msgSvc.Send(r.Context(), CurrentUser(r).ID, service.SendInput{
			ConversationID: req.ConversationID,
			Text:           req.Text,
			Type:           req.Type,
			MediaURL:       req.MediaURL,
			MediaMetadata:  req.MediaMetadata,
			ReplyTo:        req.ReplyTo,
			Transport:      service.TransportREST,
		})
		if err != nil {
			writeError(w, logger, err, conversationNotFound)
			return
		}
		respond(w, http.StatusCreated, "Message sent successfully", map[string]any{"message": msg})
	}
}

func handleGetMessage(msgSvc *service.MessageService, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := idParam(chi.URLParam(r, "messageID"), "messageId")
		if err != nil {
			writeError(w, logger, err, "")
			return
		}
		msg, err := msgSvc.Get(r.Context(), CurrentUser(r).ID, id)
		if err != nil {
			writeError(w, logger, err, messageNotFound)
			return
		}
		respond(w, http.StatusOK, "", map[string]any{"message": msg})
	}
}

func handleEditMessage(msgSvc *service.MessageService, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := idParam(chi.URLParam(r, "messageID"), "messageId")
		if err != nil {
			writeError(w, logger, err, "")
			return
		}
		var req editMessageRequest
		if err := decodeAndValidate(r, &req); err != nil {
			writeError(w, logger, err, "")
			return
		}
		msg, err := msgSvc.Edit(r.Context(), CurrentUser(r).ID, id, req.Text)
		if err != nil {
			writeError(w, logger, err, messageNotFound)
			return
		}
		respond(w, http.StatusOK, "Message updated successfully", map[string]any{"message": msg})
	}
}

func handleDeleteMessage(msgSvc *service.MessageService, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := idParam(chi.URLParam(r, "messageID"), "messageId")
		if err != nil {
			writeError(w, logger, err, "")
			return
		}
		if _, err := msgSvc.Delete(r.Context(), CurrentUser(r).ID, id); err != nil {
			writeError(w, logger, err, messageNotFound)
			return
		}
		respond(w, http.StatusOK, "Message deleted successfully", nil)
	}
}

func handleMarkMessageRead(msgSvc *service.MessageService, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := idParam(chi.URLParam(r, "messageID"), "messageId")
		if err != nil {
			writeError(w, logger, err, "")
			return
		}
		if _, err := msgSvc.MarkRead(r.Context(), CurrentUser(r).ID, id); err != nil {
			writeError(w, logger, err, messageNotFound)
			return
		}
		respond(w, http.StatusOK, "Message marked as read", nil)
	}
}
