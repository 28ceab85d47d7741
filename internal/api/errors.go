package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/avrbridge/internal/engine"
)

// ErrorBody wraps every non-2xx response:
//
//	{"error": {"code": "not_connected", "message": "..."}}
type ErrorBody struct {
	Error Error `json:"error"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes. Metrics use the same strings as the result label.
const (
	ErrCodeBadRequest        = "bad_request"
	ErrCodeNotFound          = "not_found"
	ErrCodeMethodNotAllowed  = "method_not_allowed"
	ErrCodeUnknownCommand    = "unknown_command"
	ErrCodeNotConnected      = "not_connected"
	ErrCodeDisconnected      = "disconnected"
	ErrCodeTimeout           = "timeout"
	ErrCodeUnavailable       = "unavailable"
	ErrCodeRefreshIncomplete = "refresh_incomplete"
	ErrCodeInternal          = "internal_error"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v) // client may be gone
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorBody{Error{Code: code, Message: message}})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeUnavailable reports a collaborator that was not configured.
func writeUnavailable(w http.ResponseWriter, message string) {
	writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, message)
}

func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

func writeEngineError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	writeError(w, status, code, err.Error())
}

// classify maps engine errors to an HTTP status and error code.
func classify(err error) (status int, code string) {
	switch {
	case errors.Is(err, engine.ErrUnknownCommand), errors.Is(err, engine.ErrUndeclaredProperty):
		return http.StatusNotFound, ErrCodeUnknownCommand
	case errors.Is(err, engine.ErrNotConnected):
		return http.StatusServiceUnavailable, ErrCodeNotConnected
	case errors.Is(err, engine.ErrDisconnected), errors.Is(err, engine.ErrClosed):
		return http.StatusServiceUnavailable, ErrCodeDisconnected
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, ErrCodeTimeout
	}
	return http.StatusInternalServerError, ErrCodeInternal
}
