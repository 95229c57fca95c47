package auth

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/sakif/calendar-auth-proxy/internal/apperror"
	"github.com/sakif/calendar-auth-proxy/internal/metrics"
	"github.com/sakif/calendar-auth-proxy/internal/model"
)

// =====================================================
// Fakes
// =====================================================

type fakeProvider struct {
	tok          *oauth2.Token
	err          error
	gotCode      string
	gotVerifier  string
	exchangeCall int
}

func (p *fakeProvider) ClientID() string { return testClientID }

func (p *fakeProvider) AuthURL(state, verifier string) string {
	q := url.Values{"state": {state}, "code_challenge": {"challenge-of-" + verifier}}
	return "https://accounts.example.com/o/oauth2/auth?" + q.Encode()
}

func (p *fakeProvider) Exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	p.exchangeCall++
	p.gotCode = code
	p.gotVerifier = verifier
	if p.err != nil {
		return nil, p.err
	}
	return p.tok, nil
}

type fakeUsers struct {
	mu    sync.Mutex
	err   error
	calls []string
}

func (u *fakeUsers) Ensure(ctx context.Context, subjectID, displayName string) (*model.User, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls = append(u.calls, subjectID)
	if u.err != nil {
		return nil, u.err
	}
	return &model.User{ID: "user-" + subjectID, SubjectID: subjectID, DisplayName: displayName}, nil
}

// tokenResponse builds what Google's token endpoint returns after a good login.
func tokenResponse(idToken string) *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(time.Hour),
	}
	if idToken == "" {
		return tok
	}
	return tok.WithExtra(map[string]any{"id_token": idToken})
}

type controllerFixture struct {
	ctrl     *Controller
	provider *fakeProvider
	users    *fakeUsers
	metrics  *recordingMetrics
	key      *signingKey
}

func newControllerFixture(t *testing.T) *controllerFixture {
	t.Helper()
	k := newSigningKey(t)
	f := &controllerFixture{
		provider: &fakeProvider{},
		users:    &fakeUsers{},
		metrics:  newRecordingMetrics(),
		key:      k,
	}
	f.provider.tok = tokenResponse(k.sign(t, idTokenClaims("u1")))
	f.ctrl = NewController(f.provider, newTestVerifier(t, k), f.users, 10*time.Minute, f.metrics, testLogger())
	return f
}

// initiate runs Initiate and returns the state Google would echo back.
func initiate(t *testing.T, c *Controller, ctx context.Context) string {
	t.Helper()
	redirect, err := c.Initiate(ctx)
	require.NoError(t, err)
	u, err := url.Parse(redirect)
	require.NoError(t, err)
	state := u.Query().Get("state")
	require.NotEmpty(t, state)
	return state
}

func assertCleared(t *testing.T, sess *Session) {
	t.Helper()
	assert.Equal(t, Anonymous, sess.State())
	assert.False(t, sess.hasTokens())
	assert.Empty(t, sess.SubjectID())
	assert.Empty(t, sess.csrfState)
	assert.Empty(t, sess.pkceVerifier)
}

// =====================================================
// Initiate
// =====================================================

func TestInitiate_EntersPendingCallback(t *testing.T) {
	f := newControllerFixture(t)
	ctx, sess := withSession(nil)

	state := initiate(t, f.ctrl, ctx)

	assert.Equal(t, PendingCallback, sess.State())
	assert.Equal(t, state, sess.csrfState)
	assert.NotEmpty(t, sess.pkceVerifier)
	assert.True(t, sess.Dirty())
}

func TestInitiate_StatesAreUnique(t *testing.T) {
	f := newControllerFixture(t)
	seen := map[string]bool{}
	for range 20 {
		ctx, _ := withSession(nil)
		state := initiate(t, f.ctrl, ctx)
		assert.False(t, seen[state], "state reused")
		assert.GreaterOrEqual(t, len(state), 43, "256 bits of base64url")
		seen[state] = true
	}
}

func TestInitiate_DropsPreviousLogin(t *testing.T) {
	f := newControllerFixture(t)
	ctx, sess := withSession(authenticatedSession(time.Now().Add(time.Hour)))

	initiate(t, f.ctrl, ctx)

	assert.Equal(t, PendingCallback, sess.State())
	assert.False(t, sess.hasTokens())
}

func TestInitiate_NoSession(t *testing.T) {
	f := newControllerFixture(t)
	_, err := f.ctrl.Initiate(context.Background())
	assert.Error(t, err)
}

// =====================================================
// Callback
// =====================================================

func TestCallback_Success(t *testing.T) {
	f := newControllerFixture(t)
	ctx, sess := withSession(nil)
	state := initiate(t, f.ctrl, ctx)
	verifier := sess.pkceVerifier

	id, err := f.ctrl.Callback(ctx, state, "auth-code")
	require.NoError(t, err)

	assert.Equal(t, "u1", id.SubjectID)
	assert.Equal(t, "auth-code", f.provider.gotCode)
	assert.Equal(t, verifier, f.provider.gotVerifier)
	assert.Equal(t, []string{"u1"}, f.users.calls)

	assert.Equal(t, Authenticated, sess.State())
	assert.Equal(t, "user-u1", sess.UserID())
	assert.Equal(t, "access-1", sess.accessToken)
	assert.Equal(t, "refresh-1", sess.refreshToken)
	assert.Empty(t, sess.csrfState, "login state is single-use")
	assert.Empty(t, sess.pkceVerifier)
	assert.Equal(t, 1, f.metrics.logins[metrics.OutcomeSuccess])

	p, ok := PrincipalFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "user-u1", p.UserID)
}

func TestCallback_StateMismatch(t *testing.T) {
	tests := []struct {
		name     string
		received func(stored string) string
	}{
		{"different state", func(string) string { return "attacker-state" }},
		{"empty state", func(string) string { return "" }},
		{"truncated state", func(s string) string { return s[:len(s)-1] }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newControllerFixture(t)
			ctx, sess := withSession(nil)
			stored := initiate(t, f.ctrl, ctx)

			id, err := f.ctrl.Callback(ctx, tt.received(stored), "auth-code")
			assert.Nil(t, id)
			assert.True(t, errors.Is(err, apperror.ErrStateMismatch), "got %v", err)
			assertCleared(t, sess)
			assert.Zero(t, f.provider.exchangeCall, "no exchange after a state mismatch")
			assert.Equal(t, 1, f.metrics.logins[metrics.OutcomeFailure])
		})
	}
}

func TestCallback_StateIsSingleUse(t *testing.T) {
	f := newControllerFixture(t)
	ctx, sess := withSession(nil)
	state := initiate(t, f.ctrl, ctx)

	_, err := f.ctrl.Callback(ctx, state, "code-1")
	require.NoError(t, err)

	// Replaying the same callback must not start a second login.
	_, err = f.ctrl.Callback(ctx, state, "code-2")
	assert.True(t, errors.Is(err, apperror.ErrStateMismatch))
	assertCleared(t, sess)
}

func TestCallback_NoLoginInProgress(t *testing.T) {
	f := newControllerFixture(t)
	ctx, sess := withSession(nil)

	_, err := f.ctrl.Callback(ctx, "some-state", "code")
	assert.True(t, errors.Is(err, apperror.ErrStateMismatch))
	assertCleared(t, sess)
}

func TestCallback_LoginExpired(t *testing.T) {
	f := newControllerFixture(t)
	start := time.Now()
	f.ctrl.now = func() time.Time { return start }

	ctx, sess := withSession(nil)
	state := initiate(t, f.ctrl, ctx)

	f.ctrl.now = func() time.Time { return start.Add(11 * time.Minute) }
	_, err := f.ctrl.Callback(ctx, state, "code")
	assert.True(t, errors.Is(err, apperror.ErrStateMismatch))
	assertCleared(t, sess)
}

func TestCallback_ExchangeFailures(t *testing.T) {
	k := newSigningKey(t)

	tests := []struct {
		name string
		code string
		tok  *oauth2.Token
		err  error
	}{
		{name: "missing code", code: ""},
		{name: "provider error", code: "c", err: errors.New("invalid_grant")},
		{name: "no id token", code: "c", tok: tokenResponse("")},
		{name: "no refresh token", code: "c", tok: func() *oauth2.Token {
			tok := tokenResponse(k.sign(t, idTokenClaims("u1")))
			tok.RefreshToken = ""
			return tok
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newControllerFixture(t)
			f.provider.tok = tt.tok
			f.provider.err = tt.err
			ctx, sess := withSession(nil)
			state := initiate(t, f.ctrl, ctx)

			_, err := f.ctrl.Callback(ctx, state, tt.code)
			assert.True(t, errors.Is(err, apperror.ErrTokenExchange), "got %v", err)
			assert.True(t, apperror.IsAuthFlowFailure(err))
			assertCleared(t, sess)
			assert.Empty(t, f.users.calls)
		})
	}
}

func TestCallback_InvalidIdentityToken(t *testing.T) {
	f := newControllerFixture(t)
	claims := idTokenClaims("u1")
	claims["aud"] = "another-client"
	f.provider.tok = tokenResponse(f.key.sign(t, claims))

	ctx, sess := withSession(nil)
	state := initiate(t, f.ctrl, ctx)

	_, err := f.ctrl.Callback(ctx, state, "code")
	assert.True(t, errors.Is(err, apperror.ErrUnauthenticated), "got %v", err)
	assert.True(t, errors.Is(err, apperror.ErrInvalidToken), "cause is preserved")
	assertCleared(t, sess)
	assert.Empty(t, f.users.calls, "no user is created for a rejected identity")
}

func TestCallback_UserDirectoryFailure(t *testing.T) {
	f := newControllerFixture(t)
	f.users.err = errors.New("database is locked")

	ctx, sess := withSession(nil)
	state := initiate(t, f.ctrl, ctx)

	_, err := f.ctrl.Callback(ctx, state, "code")
	assert.Error(t, err)
	assertCleared(t, sess)
}

// =====================================================
// Abort / Logout
// =====================================================

func TestAbort_ClearsPendingLogin(t *testing.T) {
	f := newControllerFixture(t)
	ctx, sess := withSession(nil)
	initiate(t, f.ctrl, ctx)

	f.ctrl.Abort(ctx, "access_denied")

	assertCleared(t, sess)
	assert.Equal(t, 1, f.metrics.logins[metrics.OutcomeFailure])
}

func TestLogout_Idempotent(t *testing.T) {
	f := newControllerFixture(t)
	ctx, sess := withSession(authenticatedSession(time.Now().Add(time.Hour)))

	f.ctrl.Logout(ctx)
	assertCleared(t, sess)
	assert.True(t, sess.Dirty())

	f.ctrl.Logout(ctx)
	assertCleared(t, sess)

	// Anonymous logout changes nothing.
	anonCtx, anon := withSession(nil)
	f.ctrl.Logout(anonCtx)
	assert.False(t, anon.Dirty())

	// No session at all is fine too.
	f.ctrl.Logout(context.Background())
}
