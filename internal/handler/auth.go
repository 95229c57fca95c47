package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/sakif/calendar-auth-proxy/internal/apperror"
	"github.com/sakif/calendar-auth-proxy/internal/auth"
	"github.com/sakif/calendar-auth-proxy/internal/model"
)

// LoginFlow is the login protocol. *auth.Controller implements it.
type LoginFlow interface {
	Initiate(ctx context.Context) (string, error)
	Callback(ctx context.Context, receivedState, code string) (*auth.Identity, error)
	Abort(ctx context.Context, reason string)
	Logout(ctx context.Context)
}

// UserLookup reads local user records. *service.UserDirectory implements it.
type UserLookup interface {
	GetByID(ctx context.Context, id string) (*model.User, error)
}

// AuthHandler manages the Google OAuth login flow and session management.
//
// HANDLER RESPONSIBILITIES:
//   - HandleGoogleLogin    → start a login, redirect the browser to Google
//   - HandleGoogleCallback → finish the login, redirect to the app
//   - HandleLogout         → clear the session
//   - HandleMe             → return the currently logged-in user
//
// The handler never touches cookies: the flow mutates the *auth.Session in the
// request context, and the session middleware writes it back.
type AuthHandler struct {
	flow              LoginFlow
	users             UserLookup
	postLoginRedirect string
	logger            *slog.Logger
}

// NewAuthHandler creates an AuthHandler.
func NewAuthHandler(flow LoginFlow, users UserLookup, postLoginRedirect string, logger *slog.Logger) *AuthHandler {
	if postLoginRedirect == "" {
		postLoginRedirect = "/"
	}
	return &AuthHandler{
		flow:              flow,
		users:             users,
		postLoginRedirect: postLoginRedirect,
		logger:            logger,
	}
}

// HandleGoogleLogin redirects the user to Google's consent page.
//
// HTTP: GET /auth/google/login
func (h *AuthHandler) HandleGoogleLogin(w http.ResponseWriter, r *http.Request) {
	redirectURL, err := h.flow.Initiate(r.Context())
	if err != nil {
		h.logger.Error("auth login: initiate failed", slog.String("error", err.Error()))
		writeError(w, err)
		return
	}
	http.Redirect(w, r, redirectURL, http.StatusTemporaryRedirect)
}

// HandleGoogleCallback completes the OAuth login flow.
//
// HTTP: GET /auth/google/callback?code=xxx&state=yyy
//
// If Google reports an error (the user denied consent), the pending login is
// dropped and the browser goes back to the app with ?auth=denied.
func (h *AuthHandler) HandleGoogleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if errParam := q.Get("error"); errParam != "" {
		h.flow.Abort(r.Context(), errParam)
		http.Redirect(w, r, "/?auth=denied", http.StatusSeeOther)
		return
	}

	if _, err := h.flow.Callback(r.Context(), q.Get("state"), q.Get("code")); err != nil {
		writeError(w, err)
		return
	}
	http.Redirect(w, r, h.postLoginRedirect, http.StatusSeeOther)
}

// HandleLogout clears the session.
//
// HTTP: POST /auth/logout
//
// WHY POST AND NOT GET?
// Logout is a state-changing operation. Using GET would be vulnerable to
// CSRF and to browsers pre-fetching the URL. Logging out twice is fine.
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	h.flow.Logout(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

// meResponse is the body of GET /api/me.
type meResponse struct {
	UserID      string    `json:"userId"`
	SubjectID   string    `json:"subjectId"`
	DisplayName string    `json:"displayName"`
	CreatedAt   time.Time `json:"createdAt"`
}

// HandleMe returns the currently authenticated user.
//
// HTTP: GET /api/me
// Auth: Required (RequireSession)
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		// Unreachable behind RequireSession.
		writeError(w, apperror.Unauthorized())
		return
	}

	user, err := h.users.GetByID(r.Context(), principal.UserID)
	if err != nil {
		h.logger.Error("HandleMe: user lookup failed",
			slog.String("userID", principal.UserID),
			slog.String("error", err.Error()),
		)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, meResponse{
		UserID:      user.ID,
		SubjectID:   user.SubjectID,
		DisplayName: user.DisplayName,
		CreatedAt:   user.CreatedAt,
	})
}
