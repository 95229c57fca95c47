// Package apperror defines the typed errors shared by every layer.
//
// ERROR TAXONOMY:
// Each failure class has a sentinel (ErrXxx) and a constructor returning an
// *AppError. Callers test the class with errors.Is and read the human-readable
// message with errors.As. Only the HTTP layer turns these into status codes.
//
//	auth flow:    ErrStateMismatch, ErrTokenExchange, ErrInvalidToken, ErrUnauthenticated
//	session:      ErrNotAuthenticated, ErrRefreshFailed, ErrUnauthorized
//	validation:   ErrValidation (InvalidEvent), ErrNotFound, ErrForbidden
//	provider:     ErrUpstreamUnavailable (the only class worth retrying)
package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("Validation Error")
	ErrForbidden  = errors.New("forbidden")

	ErrInvalidToken        = errors.New("invalid identity token")
	ErrStateMismatch       = errors.New("oauth state mismatch")
	ErrTokenExchange       = errors.New("token exchange failed")
	ErrUnauthenticated     = errors.New("unauthenticated")
	ErrNotAuthenticated    = errors.New("not authenticated")
	ErrRefreshFailed       = errors.New("token refresh failed")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

type AppError struct {
	Err     error  // sentinel identifying the class
	Message string // Human-readable error message
	Field   string // Optional: field causing the error
	Cause   error  // Optional: underlying error (never shown to clients)
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap exposes both the sentinel and the cause, so errors.Is matches either.
func (e *AppError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
	}
}

// InvalidEvent is a ValidationFailed for calendar event payloads.
func InvalidEvent(field, message string) *AppError {
	return ValidationFailed(field, message)
}

// Forbidden returns an AppError indicating the caller lacks permission.
// HTTP handlers map this to 403 Forbidden.
func Forbidden(message string) *AppError {
	return &AppError{
		Err:     ErrForbidden,
		Message: message,
	}
}

// InvalidToken reports an identity token that failed signature, issuer,
// audience or expiry checks.
func InvalidToken(cause error) *AppError {
	return &AppError{
		Err:     ErrInvalidToken,
		Message: "identity token rejected",
		Cause:   cause,
	}
}

// StateMismatch reports a callback whose state does not match the one issued
// at login. The flow must be aborted.
func StateMismatch(message string) *AppError {
	return &AppError{
		Err:     ErrStateMismatch,
		Message: message,
	}
}

func TokenExchangeFailed(cause error) *AppError {
	return &AppError{
		Err:     ErrTokenExchange,
		Message: "authorization code exchange failed",
		Cause:   cause,
	}
}

// Unauthenticated reports a login that could not establish an identity.
// cause is normally an InvalidToken error.
func Unauthenticated(cause error) *AppError {
	return &AppError{
		Err:     ErrUnauthenticated,
		Message: "authentication failed",
		Cause:   cause,
	}
}

func NotAuthenticated() *AppError {
	return &AppError{
		Err:     ErrNotAuthenticated,
		Message: "no authenticated session",
	}
}

func RefreshFailed(cause error) *AppError {
	return &AppError{
		Err:     ErrRefreshFailed,
		Message: "session expired, please log in again",
		Cause:   cause,
	}
}

// Unauthorized is the access gate's rejection of a request without an
// authenticated session.
func Unauthorized() *AppError {
	return &AppError{
		Err:     ErrUnauthorized,
		Message: "valid authentication required",
	}
}

// UpstreamUnavailable wraps a transport or provider-side failure for op.
func UpstreamUnavailable(op string, cause error) *AppError {
	return &AppError{
		Err:     ErrUpstreamUnavailable,
		Message: fmt.Sprintf("calendar provider unavailable during %s", op),
		Cause:   cause,
	}
}

// IsReauthRequired reports whether err means the user must log in again.
func IsReauthRequired(err error) bool {
	return errors.Is(err, ErrNotAuthenticated) ||
		errors.Is(err, ErrRefreshFailed) ||
		errors.Is(err, ErrUnauthorized)
}

// IsAuthFlowFailure reports whether err aborted a login in progress.
func IsAuthFlowFailure(err error) bool {
	return errors.Is(err, ErrStateMismatch) ||
		errors.Is(err, ErrTokenExchange) ||
		errors.Is(err, ErrInvalidToken) ||
		errors.Is(err, ErrUnauthenticated)
}
