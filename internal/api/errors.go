package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/lalithlochan/notekeeper/internal/db"
)

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// ValidationError is a rejected request field. It maps to 400.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func invalid(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeServiceError maps validation, not-found and everything else to 400,
// 404 and 500.
func writeServiceError(w http.ResponseWriter, logger *zap.Logger, err error, notFoundTitle string) {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, "invalid_request", verr.Message, verr.Field)
	case errors.Is(err, db.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", notFoundTitle, "")
	default:
		logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "Internal server error", "")
	}
}
