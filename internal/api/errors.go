package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/avisitor/mail-service-sub000/internal/types"
)

// ErrorResponse is the problem+json error body.
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
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

// writeServiceError maps the service error kinds onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, types.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "Resource not found", err.Error())
	case errors.Is(err, types.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", "Access denied", err.Error())
	case errors.Is(err, types.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", "Resource already exists", err.Error())
	case errors.Is(err, types.ErrValidation):
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid input", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "Internal server error", "")
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
