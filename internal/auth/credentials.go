package auth

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"github.com/sakif/calendar-auth-proxy/internal/apperror"
	"github.com/sakif/calendar-auth-proxy/internal/metrics"
)

// TokenRefresher calls the provider's refresh endpoint.
// *GoogleProvider implements it.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// CredentialStore hands out the session's Google credential, refreshing it
// first when needed.
//
// SINGLE OWNER OF TOKEN MUTATION:
// After login, this is the only place that writes tokens into the session.
// Callers never refresh on their own, so there is exactly one answer to
// "what is the current token".
//
// REFRESH MARGIN:
// A token that expires within `margin` is refreshed now, so whatever Current
// returns survives at least one downstream call.
type CredentialStore struct {
	refresher TokenRefresher
	margin    time.Duration
	now       func() time.Time
	metrics   metrics.Recorder
	logger    *slog.Logger
}

// NewCredentialStore creates a CredentialStore.
func NewCredentialStore(refresher TokenRefresher, margin time.Duration, rec metrics.Recorder, logger *slog.Logger) *CredentialStore {
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &CredentialStore{
		refresher: refresher,
		margin:    margin,
		now:       time.Now,
		metrics:   rec,
		logger:    logger,
	}
}

// Current returns a valid credential for the session in ctx.
//
// Errors:
//   - apperror.ErrNotAuthenticated: no session, or no tokens in it
//   - apperror.ErrRefreshFailed:    the token was stale and refreshing failed;
//     the session is cleared, so the user must log in again
func (s *CredentialStore) Current(ctx context.Context) (*oauth2.Token, error) {
	sess := SessionFromContext(ctx)
	if sess == nil || sess.State() != Authenticated || !sess.hasTokens() {
		return nil, apperror.NotAuthenticated()
	}

	cred := sess.credential()
	if !s.needsRefresh(cred) {
		return cred, nil
	}

	fresh, err := s.refresher.Refresh(ctx, cred.RefreshToken)
	if err == nil && fresh.AccessToken == "" {
		err = errEmptyAccessToken
	}
	if err != nil {
		s.metrics.RecordRefresh(metrics.OutcomeFailure)
		s.logger.Warn("token refresh failed, clearing session",
			slog.String("subjectID", sess.SubjectID()),
			slog.String("error", err.Error()),
		)
		sess.Clear()
		return nil, apperror.RefreshFailed(err)
	}

	s.metrics.RecordRefresh(metrics.OutcomeSuccess)
	sess.rotateTokens(fresh)
	s.logger.Debug("access token refreshed",
		slog.String("subjectID", sess.SubjectID()),
		slog.Time("expiry", fresh.Expiry),
	)
	return sess.credential(), nil
}

// needsRefresh follows x/oauth2's convention that a zero expiry never expires.
func (s *CredentialStore) needsRefresh(tok *oauth2.Token) bool {
	if tok.Expiry.IsZero() {
		return false
	}
	return !s.now().Add(s.margin).Before(tok.Expiry)
}

type credentialError string

func (e credentialError) Error() string { return string(e) }

const errEmptyAccessToken = credentialError("refresh response carried no access token")

// Invalidate drops the session's credential after the provider rejected it
// (HTTP 401 on a call made with a token we believed valid, e.g. revoked
// access). The user has to log in again.
func (s *CredentialStore) Invalidate(ctx context.Context) {
	sess := SessionFromContext(ctx)
	if sess == nil || sess.State() != Authenticated {
		return
	}
	s.logger.Warn("provider rejected credential, clearing session", slog.String("subjectID", sess.SubjectID()))
	sess.Clear()
}
