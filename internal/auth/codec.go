// Package auth owns the login flow, the session and the user's Google credential.
//
// AUTHENTICATION FLOW OVERVIEW:
//  1. User visits /auth/google/login → Controller.Initiate stores a random state
//     (and PKCE verifier) in the session and redirects to Google
//  2. Google calls back /auth/google/callback with state + code
//  3. Controller.Callback checks the state, exchanges the code, verifies the
//     ID token (IdentityVerifier), ensures a local user, and commits the
//     identity + tokens to the session in one step
//  4. On every later request the session middleware decodes the cookie into a
//     *Session in the request context; RequireSession gates protected routes
//  5. CredentialStore hands out the access token, refreshing it first if it is
//     about to expire
//
// SESSION TRANSPORT:
// The session lives in the browser as a cookie, but it carries the user's
// Google access and refresh tokens, so it must be both tamper-evident and
// unreadable by the client:
//
//	cookie = JWE( A256GCM, JWT( HS256, sessionClaims ) )
//
// The inner JWT (golang-jwt) gives us issuer/expiry validation for free; the
// outer JWE (go-jose) encrypts it. Both keys are derived from one secret with
// HKDF so they are independent.
package auth

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

const (
	sessionIssuer = "calendar-auth-proxy"
	// minSecretLen is the floor for the HKDF input secret.
	minSecretLen = 32
)

// SessionCodec turns a Session into an opaque cookie value and back.
type SessionCodec struct {
	signKey []byte
	encKey  []byte
	maxAge  time.Duration
	now     func() time.Time
}

// NewSessionCodec derives the signing and encryption keys from secret.
// maxAge bounds how long an issued cookie stays valid.
func NewSessionCodec(secret string, maxAge time.Duration) (*SessionCodec, error) {
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("auth: session secret must be at least %d characters", minSecretLen)
	}
	if maxAge <= 0 {
		return nil, errors.New("auth: session max age must be positive")
	}

	signKey, err := deriveKey(secret, "session-sign")
	if err != nil {
		return nil, err
	}
	encKey, err := deriveKey(secret, "session-encrypt")
	if err != nil {
		return nil, err
	}

	return &SessionCodec{
		signKey: signKey,
		encKey:  encKey,
		maxAge:  maxAge,
		now:     time.Now,
	}, nil
}

func deriveKey(secret, info string) ([]byte, error) {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, []byte(secret), []byte(sessionIssuer), []byte(info))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("auth: deriving %s key: %w", info, err)
	}
	return key, nil
}

// MaxAge is the lifetime of an encoded session.
func (c *SessionCodec) MaxAge() time.Duration { return c.maxAge }

// sessionClaims is the JWT payload. "sub" carries the provider subject.
type sessionClaims struct {
	jwt.RegisteredClaims
	Name         string `json:"name,omitempty"`
	UserID       string `json:"uid,omitempty"`
	AccessToken  string `json:"at,omitempty"`
	RefreshToken string `json:"rt,omitempty"`
	TokenExpiry  int64  `json:"tex,omitempty"`
	State        string `json:"st,omitempty"`
	Verifier     string `json:"pv,omitempty"`
	PendingSince int64  `json:"ps,omitempty"`
}

// Encode seals sess into a cookie value.
func (c *SessionCodec) Encode(sess *Session) (string, error) {
	now := c.now()

	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    sessionIssuer,
			Subject:   sess.subjectID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.maxAge)),
		},
		Name:         sess.displayName,
		UserID:       sess.userID,
		AccessToken:  sess.accessToken,
		RefreshToken: sess.refreshToken,
		State:        sess.csrfState,
		Verifier:     sess.pkceVerifier,
	}
	if !sess.expiry.IsZero() {
		claims.TokenExpiry = sess.expiry.Unix()
	}
	if !sess.pendingSince.IsZero() {
		claims.PendingSince = sess.pendingSince.Unix()
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.signKey)
	if err != nil {
		return "", fmt.Errorf("auth: signing session: %w", err)
	}

	enc, err := jose.NewEncrypter(
		jose.A256GCM,
		jose.Recipient{Algorithm: jose.DIRECT, Key: c.encKey},
		(&jose.EncrypterOptions{}).WithContentType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("auth: creating encrypter: %w", err)
	}
	obj, err := enc.Encrypt([]byte(signed))
	if err != nil {
		return "", fmt.Errorf("auth: encrypting session: %w", err)
	}
	return obj.CompactSerialize()
}

// Decode opens a cookie value. Any failure (tampering, wrong key, expiry)
// is an error; callers treat it as "no session".
//
// A decoded session that violates the tokens⇔subject invariant is rejected
// too, so a partially-written state can never be resurrected.
func (c *SessionCodec) Decode(value string) (*Session, error) {
	obj, err := jose.ParseEncrypted(value,
		[]jose.KeyAlgorithm{jose.DIRECT},
		[]jose.ContentEncryption{jose.A256GCM},
	)
	if err != nil {
		return nil, fmt.Errorf("auth: parsing session: %w", err)
	}
	signed, err := obj.Decrypt(c.encKey)
	if err != nil {
		return nil, fmt.Errorf("auth: decrypting session: %w", err)
	}

	var claims sessionClaims
	_, err = jwt.ParseWithClaims(
		string(signed),
		&claims,
		func(token *jwt.Token) (any, error) {
			return c.signKey, nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(sessionIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, errors.New("auth: session expired")
		}
		return nil, fmt.Errorf("auth: invalid session: %w", err)
	}

	sess := &Session{
		subjectID:    claims.Subject,
		displayName:  claims.Name,
		userID:       claims.UserID,
		accessToken:  claims.AccessToken,
		refreshToken: claims.RefreshToken,
		csrfState:    claims.State,
		pkceVerifier: claims.Verifier,
	}
	if claims.TokenExpiry != 0 {
		sess.expiry = time.Unix(claims.TokenExpiry, 0)
	}
	if claims.PendingSince != 0 {
		sess.pendingSince = time.Unix(claims.PendingSince, 0)
	}

	authenticated := sess.subjectID != ""
	if authenticated != sess.hasTokens() || (authenticated && sess.csrfState != "") {
		return nil, errors.New("auth: inconsistent session")
	}
	return sess, nil
}
