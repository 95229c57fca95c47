package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/sakif/calendar-auth-proxy/internal/apperror"
)

// SessionCookieName is the cookie that carries the encrypted session.
const SessionCookieName = "session"

// SessionManager loads the session cookie into the request context and
// writes it back when the request changed the session.
type SessionManager struct {
	codec  *SessionCodec
	secure bool
	logger *slog.Logger
}

// NewSessionManager creates a SessionManager. secure sets the cookie's Secure
// flag (HTTPS deployments).
func NewSessionManager(codec *SessionCodec, secure bool, logger *slog.Logger) *SessionManager {
	return &SessionManager{codec: codec, secure: secure, logger: logger}
}

// Middleware puts a *Session in every request context.
//
// COOKIE WRITE-BACK:
// Handlers never touch the cookie. Instead the ResponseWriter is wrapped, and
// the first time the handler writes the status line (WriteHeader, Write, or
// http.Redirect), a dirty session is encoded into Set-Cookie. Headers cannot
// change after that point, so this is the last moment the cookie can be set;
// it is also the only place it is set.
//
// An unreadable cookie (tampered, expired, from an old key) yields an empty
// session marked dirty, so the stale cookie is deleted on the way out.
func (m *SessionManager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess := m.load(r)

		sw := &sessionWriter{ResponseWriter: w, manager: m, session: sess}
		next.ServeHTTP(sw, r.WithContext(ContextWithSession(r.Context(), sess)))
		sw.commit()
	})
}

func (m *SessionManager) load(r *http.Request) *Session {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		// http.ErrNoCookie: first contact, start anonymous
		return NewSession()
	}

	sess, err := m.codec.Decode(cookie.Value)
	if err != nil {
		m.logger.Debug("discarding unreadable session cookie", slog.String("error", err.Error()))
		sess = NewSession()
		sess.dirty = true
	}
	return sess
}

// cookieFor builds the Set-Cookie for sess. An anonymous session deletes the
// cookie instead of storing an empty one.
func (m *SessionManager) cookieFor(sess *Session) (*http.Cookie, error) {
	c := &http.Cookie{
		Name:     SessionCookieName,
		Path:     "/",
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	}
	if sess.State() == Anonymous {
		c.MaxAge = -1
		return c, nil
	}

	value, err := m.codec.Encode(sess)
	if err != nil {
		return nil, err
	}
	c.Value = value
	c.MaxAge = int(m.codec.MaxAge().Seconds())
	return c, nil
}

// sessionWriter wraps http.ResponseWriter to set the session cookie just
// before the headers go out.
type sessionWriter struct {
	http.ResponseWriter
	manager   *SessionManager
	session   *Session
	committed bool
}

func (sw *sessionWriter) WriteHeader(code int) {
	sw.commit()
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *sessionWriter) Write(b []byte) (int, error) {
	sw.commit()
	return sw.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (sw *sessionWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

func (sw *sessionWriter) commit() {
	if sw.committed {
		return
	}
	sw.committed = true
	if !sw.session.Dirty() {
		return
	}

	cookie, err := sw.manager.cookieFor(sw.session)
	if err != nil {
		// Dropping the cookie is safe: the browser keeps its previous one.
		sw.manager.logger.Error("failed to encode session", slog.String("error", err.Error()))
		return
	}
	http.SetCookie(sw.ResponseWriter, cookie)
}

// RequireSession is the access gate for routes that need an identity.
//
// It is a pure predicate on the session already in the context: anonymous
// and pending sessions get 401 Unauthorized and the handler never runs.
func RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := PrincipalFromContext(r.Context()); !ok {
			writeUnauthorized(w, apperror.Unauthorized())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeUnauthorized renders an ErrUnauthorized rejection in the same shape as
// the handler package's error responses.
func writeUnauthorized(w http.ResponseWriter, err *apperror.AppError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}{Error: "unauthorized", Message: err.Message})
}
