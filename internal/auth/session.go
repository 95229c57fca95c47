package auth

import (
	"context"
	"time"

	"golang.org/x/oauth2"
)

// SessionState is the position of a session in the login state machine.
//
//	Anonymous ──Initiate──► PendingCallback ──Callback──► Authenticated
//	    ▲                          │                            │
//	    └──────── failure ─────────┘◄────────── Logout ─────────┘
type SessionState int

const (
	Anonymous SessionState = iota
	PendingCallback
	Authenticated
)

func (s SessionState) String() string {
	switch s {
	case PendingCallback:
		return "pending_callback"
	case Authenticated:
		return "authenticated"
	default:
		return "anonymous"
	}
}

// Session is the per-client login state.
//
// It travels to the browser as an encrypted cookie (see SessionCodec) and is
// rebuilt on every request. All fields are unexported and only four methods
// change them: beginLogin, authenticate, rotateTokens and Clear. Each of them
// leaves the session either fully anonymous, pending, or fully authenticated,
// so "tokens present if and only if subject present" holds at every return.
type Session struct {
	subjectID   string
	displayName string
	userID      string

	accessToken  string
	refreshToken string
	expiry       time.Time

	csrfState    string
	pkceVerifier string
	pendingSince time.Time

	// dirty marks that the cookie must be rewritten on the way out.
	dirty bool
}

// NewSession returns an empty, anonymous session.
func NewSession() *Session {
	return &Session{}
}

// State reports where the session is in the login state machine.
func (s *Session) State() SessionState {
	switch {
	case s.subjectID != "":
		return Authenticated
	case s.csrfState != "":
		return PendingCallback
	default:
		return Anonymous
	}
}

// SubjectID returns the provider subject of an authenticated session, or "".
func (s *Session) SubjectID() string { return s.subjectID }

// DisplayName returns the provider display name, or "".
func (s *Session) DisplayName() string { return s.displayName }

// UserID returns the local user record id, or "".
func (s *Session) UserID() string { return s.userID }

// Dirty reports whether the session changed during this request.
func (s *Session) Dirty() bool { return s.dirty }

// Clear drops everything. Idempotent: clearing an anonymous session is a no-op
// and does not mark it dirty unless it held something.
func (s *Session) Clear() {
	if *s == (Session{dirty: s.dirty}) {
		return
	}
	*s = Session{dirty: true}
}

// beginLogin discards any previous contents and enters PendingCallback.
func (s *Session) beginLogin(state, verifier string, now time.Time) {
	*s = Session{
		csrfState:    state,
		pkceVerifier: verifier,
		pendingSince: now,
		dirty:        true,
	}
}

// authenticate commits a verified identity and its tokens in one step and
// drops the one-time login state.
func (s *Session) authenticate(id *Identity, userID string, tok *oauth2.Token) {
	*s = Session{
		subjectID:    id.SubjectID,
		displayName:  id.DisplayName,
		userID:       userID,
		accessToken:  tok.AccessToken,
		refreshToken: tok.RefreshToken,
		expiry:       tok.Expiry,
		dirty:        true,
	}
}

// rotateTokens replaces the credential of an authenticated session. A refresh
// response without a refresh token keeps the old one.
func (s *Session) rotateTokens(tok *oauth2.Token) {
	s.accessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		s.refreshToken = tok.RefreshToken
	}
	s.expiry = tok.Expiry
	s.dirty = true
}

// credential rebuilds the Credential held by the session.
func (s *Session) credential() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  s.accessToken,
		RefreshToken: s.refreshToken,
		Expiry:       s.expiry,
		TokenType:    "Bearer",
	}
}

func (s *Session) hasTokens() bool {
	return s.accessToken != "" && s.refreshToken != ""
}

// contextKey is an unexported type used for context keys in this package.
// Only this package can create a key of type contextKey, so only this package
// can read or write session values in the context.
type contextKey string

const sessionKey contextKey = "session"

// ContextWithSession stores sess in ctx. The session middleware does this for
// every request; tests use it directly.
func ContextWithSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, sessionKey, sess)
}

// SessionFromContext returns the request's session, or nil outside the
// session middleware.
func SessionFromContext(ctx context.Context) *Session {
	sess, _ := ctx.Value(sessionKey).(*Session)
	return sess
}

// Principal is what collaborators learn about an authenticated caller.
type Principal struct {
	UserID      string `json:"userId"`
	SubjectID   string `json:"subjectId"`
	DisplayName string `json:"displayName"`
}

// PrincipalFromContext answers "is this request authenticated, and as whom?".
// Returns (nil, false) for anonymous or pending sessions.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	sess := SessionFromContext(ctx)
	if sess == nil || sess.State() != Authenticated {
		return nil, false
	}
	return &Principal{
		UserID:      sess.userID,
		SubjectID:   sess.subjectID,
		DisplayName: sess.displayName,
	}, true
}

// SubjectFromContext returns the provider subject of an authenticated request.
func SubjectFromContext(ctx context.Context) (string, bool) {
	p, ok := PrincipalFromContext(ctx)
	if !ok {
		return "", false
	}
	return p.SubjectID, true
}
