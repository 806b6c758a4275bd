package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"hashview/internal/domain"
)

type envelope struct {
	Success bool                `json:"success"`
	Message string              `json:"message,omitempty"`
	Data    any                 `json:"data,omitempty"`
	Errors  []domain.FieldError `json:"errors,omitempty"`
}

// writeJSON is a small helper to send JSON responses.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func respond(w http.ResponseWriter, status int, message string, data any) {
	writeJSON(w, status, envelope{Success: true, Message: message, Data: data})
}

func respondError(w http.ResponseWriter, status int, message string, fields []domain.FieldError) {
	writeJSON(w, status, envelope{Success: false, Message: message, Errors: fields})
}

// writeError maps service errors to a status code and error body.
// Participancy failures are reported as 404 so existence is not leaked.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error, notFound string) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		respondError(w, http.StatusBadRequest, "Validation failed", verr.Fields)
	case errors.Is(err, domain.ErrInvalidContent):
		respondError(w, http.StatusBadRequest, "Message must have text or media", nil)
	case errors.Is(err, domain.ErrConflict):
		respondError(w, http.StatusBadRequest, "User already exists with this email", nil)
	case errors.Is(err, domain.ErrUnauthorized):
		respondError(w, http.StatusUnauthorized, "Invalid credentials", nil)
	case errors.Is(err, domain.ErrNotOwner):
		respondError(w, http.StatusForbidden, "Access denied", nil)
	case errors.Is(err, domain.ErrNotParticipant),
		errors.Is(err, domain.ErrInactive),
		errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrAlreadyDeleted):
		respondError(w, http.StatusNotFound, notFound, nil)
	default:
		logger.Error("request failed", "error", err)
		respondError(w, http.StatusInternalServerError, "Server error", nil)
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "email":
		return "please enter a valid email"
	case "url":
		return fe.Field() + " must be a valid URL"
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s cannot be more than %s characters", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param())
	case "gt":
		return fe.Field() + " must be a positive id"
	}
	return fe.Error()
}

// decodeAndValidate reads a JSON body into dst and runs struct tags.
func decodeAndValidate(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return domain.NewValidationError("body", "invalid JSON body")
	}
	if err := validate.Struct(dst); err != nil {
		var ves validator.ValidationErrors
		if !errors.As(err, &ves) {
			return err
		}
		verr := &domain.ValidationError{}
		for _, fe := range ves {
			verr.Fields = append(verr.Fields, domain.FieldError{Field: fe.Field(), Message: fieldMessage(fe)})
		}
		return verr
	}
	return nil
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, domain.NewValidationError(name, name+" must be an integer")
	}
	return n, nil
}

func idParam(raw, name string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, domain.NewValidationError(name, "invalid "+name)
	}
	return id, nil
}
