package handler

// RESPONSE HELPERS:
// These functions standardise how we send JSON responses and errors.
//
// CONSISTENT ERROR FORMAT:
// Every error response from our API has the same shape:
//   {"error": "not_found", "message": "event not found with id abc123"}
//
// Validation errors also name the offending field:
//   {"error": "validation_error", "message": "must not be before start", "field": "end"}

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/sakif/calendar-auth-proxy/internal/apperror"
)

// upstreamRetryAfter is the Retry-After (seconds) sent with 502 responses.
const upstreamRetryAfter = "5"

// ErrorResponse is the standard error format returned by all API endpoints.
type ErrorResponse struct {
	Error   string `json:"error"`           // Machine-readable error type (e.g., "not_found")
	Message string `json:"message"`         // Human-readable description
	Field   string `json:"field,omitempty"` // Set for validation errors
}

// writeJSON sends a JSON response with the given status code.
//
// HEADER ORDER MATTERS:
// Headers and status must be set BEFORE the body. That includes Set-Cookie,
// which the session middleware adds at the first WriteHeader.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

// writeError maps a domain error to the appropriate HTTP status code and sends it.
//
// ERROR MAPPING:
//
//	auth flow (state, exchange, id token)   → 401 authentication_failed
//	not authenticated / refresh failed      → 401 unauthorized
//	validation                              → 400 validation_error
//	not found                               → 404 not_found
//	forbidden                               → 403 forbidden
//	provider unavailable                    → 502 upstream_unavailable + Retry-After
//	anything else                           → 500, no details
//
// The service layer never sees HTTP; this is the only place status codes are chosen.
func writeError(w http.ResponseWriter, err error) {
	var appErr *apperror.AppError
	if !errors.As(err, &appErr) {
		// NEVER expose internal error details to the client.
		slog.Error("unhandled error", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "An internal error occurred",
		})
		return
	}

	status := http.StatusInternalServerError
	errorType := "internal_error"
	message := appErr.Message

	switch {
	case apperror.IsAuthFlowFailure(err):
		status = http.StatusUnauthorized
		errorType = "authentication_failed"
	case apperror.IsReauthRequired(err):
		status = http.StatusUnauthorized
		errorType = "unauthorized"
	case errors.Is(err, apperror.ErrValidation):
		status = http.StatusBadRequest
		errorType = "validation_error"
	case errors.Is(err, apperror.ErrNotFound):
		status = http.StatusNotFound
		errorType = "not_found"
	case errors.Is(err, apperror.ErrForbidden):
		status = http.StatusForbidden
		errorType = "forbidden"
	case errors.Is(err, apperror.ErrUpstreamUnavailable):
		status = http.StatusBadGateway
		errorType = "upstream_unavailable"
		w.Header().Set("Retry-After", upstreamRetryAfter)
	default:
		message = "An internal error occurred"
	}

	writeJSON(w, status, ErrorResponse{
		Error:   errorType,
		Message: message,
		Field:   appErr.Field,
	})
}
