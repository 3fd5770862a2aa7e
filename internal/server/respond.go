package server

import (
	"encoding/json"
	"net/http"

	"github.com/leonletto/chatcore/internal/apperr"
)

// writeJSON sends a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

type errorBody struct {
	Error   string      `json:"error"`
	Code    apperr.Code `json:"code,omitempty"`
	Details []string    `json:"details,omitempty"`
}

// writeError sends a JSON error response with the given status code.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message})
}

// writeFailure reports a service Failure with its mapped status.
func writeFailure(w http.ResponseWriter, f *apperr.Failure) {
	writeJSON(w, StatusFor(f.Code), errorBody{Error: f.Message, Code: f.Code, Details: f.Details})
}

// StatusFor maps a failure code to an HTTP status.
func StatusFor(code apperr.Code) int {
	switch code {
	case apperr.CodeValidationFailed:
		return http.StatusUnprocessableEntity
	case apperr.CodeNotFound, apperr.CodeNoMessagesFound:
		return http.StatusNotFound
	case apperr.CodeInvalidChannel:
		return http.StatusBadRequest
	case apperr.CodeThreadMismatch:
		return http.StatusConflict
	case apperr.CodeChannelClosed, apperr.CodeNotAllowed:
		return http.StatusForbidden
	case apperr.CodeTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
