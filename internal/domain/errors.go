package domain

import (
	"errors"
	"strings"
)

// Sentinel errors for the application.
var (
	ErrNotFound        = errors.New("resource not found")
	ErrUnauthorized    = errors.New("unauthorized access")
	ErrConflict        = errors.New("resource already exists")
	ErrNotParticipant  = errors.New("not a participant in this conversation")
	ErrNotOwner        = errors.New("only the sender can modify this message")
	ErrAlreadyDeleted  = errors.New("message is already deleted")
	ErrInvalidContent  = errors.New("message must have text or media")
	ErrInactive        = errors.New("conversation is not active")
	ErrTransient       = errors.New("dependency temporarily unavailable")
	ErrNoPushEndpoints = errors.New("no push endpoints registered")
)

// FieldError describes a single invalid input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError carries one or more malformed-input failures.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// NewValidationError builds a ValidationError for a single field.
func NewValidationError(field, msg string) *ValidationError {
	return &ValidationError{Fields: []FieldError{{Field: field, Message: msg}}}
}
