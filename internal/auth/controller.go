package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"github.com/sakif/calendar-auth-proxy/internal/apperror"
	"github.com/sakif/calendar-auth-proxy/internal/metrics"
	"github.com/sakif/calendar-auth-proxy/internal/model"
)

// CodeExchanger is the provider side of the login flow.
// *GoogleProvider implements it.
type CodeExchanger interface {
	ClientID() string
	AuthURL(state, verifier string) string
	Exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error)
}

// TokenVerifier validates ID tokens. *IdentityVerifier implements it.
type TokenVerifier interface {
	Verify(ctx context.Context, rawIDToken, expectedAudience string) (*Identity, error)
}

// UserEnsurer maps a subject to a local user, creating it on first sight.
// *service.UserDirectory implements it.
type UserEnsurer interface {
	Ensure(ctx context.Context, subjectID, displayName string) (*model.User, error)
}

// stateBytes is the entropy of the CSRF state (256 bits).
const stateBytes = 32

// Controller drives the three-phase login protocol: Initiate, Callback, Logout.
//
// It reads and writes only the *Session found in the request context, plus
// the users table through UserEnsurer. Every failing Callback clears the
// session, so no error path commits a partial login.
type Controller struct {
	provider CodeExchanger
	verifier TokenVerifier
	users    UserEnsurer
	loginTTL time.Duration
	now      func() time.Time
	metrics  metrics.Recorder
	logger   *slog.Logger
}

// NewController creates a Controller. loginTTL bounds the time between
// Initiate and Callback.
func NewController(
	provider CodeExchanger,
	verifier TokenVerifier,
	users UserEnsurer,
	loginTTL time.Duration,
	rec metrics.Recorder,
	logger *slog.Logger,
) *Controller {
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Controller{
		provider: provider,
		verifier: verifier,
		users:    users,
		loginTTL: loginTTL,
		now:      time.Now,
		metrics:  rec,
		logger:   logger,
	}
}

// Initiate starts a login: Anonymous (or anything) → PendingCallback.
//
// It generates a random, single-use state and a PKCE verifier, records both in
// the session (dropping whatever the session held before) and returns the
// provider URL to redirect the browser to.
func (c *Controller) Initiate(ctx context.Context) (string, error) {
	sess := SessionFromContext(ctx)
	if sess == nil {
		return "", errors.New("auth: no session in context")
	}

	state, err := randomState()
	if err != nil {
		return "", fmt.Errorf("auth: generating state: %w", err)
	}
	verifier := oauth2.GenerateVerifier()

	sess.beginLogin(state, verifier, c.now())
	return c.provider.AuthURL(state, verifier), nil
}

// Callback completes a login: PendingCallback → Authenticated.
//
// FLOW:
//  1. Compare receivedState with the stored one (constant time) → StateMismatch
//  2. Exchange the code (with the PKCE verifier)               → TokenExchangeFailed
//  3. Verify the ID token for our client ID                    → Unauthenticated
//  4. Ensure the local user
//  5. Commit identity + tokens to the session in one step
func (c *Controller) Callback(ctx context.Context, receivedState, code string) (id *Identity, err error) {
	sess := SessionFromContext(ctx)
	if sess == nil {
		return nil, errors.New("auth: no session in context")
	}

	// Whatever happens below, a failed callback leaves the session anonymous.
	defer func() {
		if err != nil {
			sess.Clear()
			c.metrics.RecordLogin(metrics.OutcomeFailure)
			return
		}
		c.metrics.RecordLogin(metrics.OutcomeSuccess)
	}()

	// --- Step 1: CSRF state ---
	if err := c.checkState(sess, receivedState); err != nil {
		c.logger.Warn("auth callback: state rejected", slog.String("reason", err.Error()))
		return nil, err
	}
	verifier := sess.pkceVerifier

	if code == "" {
		return nil, apperror.TokenExchangeFailed(errors.New("missing authorization code"))
	}

	// --- Step 2: code → tokens ---
	tok, err := c.provider.Exchange(ctx, code, verifier)
	if err != nil {
		c.logger.Error("auth callback: code exchange failed", slog.String("error", err.Error()))
		return nil, apperror.TokenExchangeFailed(err)
	}
	rawIDToken, _ := tok.Extra("id_token").(string)
	if rawIDToken == "" {
		return nil, apperror.TokenExchangeFailed(errors.New("token response has no id_token"))
	}
	if tok.AccessToken == "" || tok.RefreshToken == "" {
		// Without a refresh token the session could not outlive the access token.
		return nil, apperror.TokenExchangeFailed(errors.New("token response lacks access or refresh token"))
	}

	// --- Step 3: ID token ---
	identity, err := c.verifier.Verify(ctx, rawIDToken, c.provider.ClientID())
	if err != nil {
		c.logger.Warn("auth callback: identity token rejected", slog.String("error", err.Error()))
		return nil, apperror.Unauthenticated(err)
	}

	// --- Step 4: local user ---
	user, err := c.users.Ensure(ctx, identity.SubjectID, identity.DisplayName)
	if err != nil {
		return nil, fmt.Errorf("auth: ensuring user: %w", err)
	}

	// --- Step 5: commit ---
	sess.authenticate(identity, user.ID, tok)

	c.logger.Info("user authenticated",
		slog.String("userID", user.ID),
		slog.String("subjectID", identity.SubjectID),
	)
	return identity, nil
}

// checkState enforces that the callback answers a login this session started.
func (c *Controller) checkState(sess *Session, received string) error {
	if sess.State() != PendingCallback {
		return apperror.StateMismatch("no login in progress")
	}
	if received == "" || subtle.ConstantTimeCompare([]byte(received), []byte(sess.csrfState)) != 1 {
		return apperror.StateMismatch("invalid OAuth state")
	}
	if c.loginTTL > 0 && c.now().Sub(sess.pendingSince) > c.loginTTL {
		return apperror.StateMismatch("login attempt expired")
	}
	return nil
}

// Abort ends a pending login the provider refused (e.g. the user denied
// consent). The session goes back to Anonymous.
func (c *Controller) Abort(ctx context.Context, reason string) {
	if sess := SessionFromContext(ctx); sess != nil {
		sess.Clear()
	}
	c.metrics.RecordLogin(metrics.OutcomeFailure)
	c.logger.Info("auth callback: provider refused authorization", slog.String("reason", reason))
}

// Logout clears the session. Always succeeds; calling it on an anonymous
// session changes nothing.
func (c *Controller) Logout(ctx context.Context) {
	if sess := SessionFromContext(ctx); sess != nil {
		sess.Clear()
	}
}

// randomState returns stateBytes of crypto/rand as unpadded base64url.
func randomState() (string, error) {
	b := make([]byte, stateBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
