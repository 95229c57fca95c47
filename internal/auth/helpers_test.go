package auth

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

const (
	testIssuer   = "https://accounts.google.com"
	testClientID = "client-123.apps.googleusercontent.com"
	testSecret   = "test-secret-that-is-at-least-32-characters!"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// signingKey is an RSA key pair standing in for Google's ID token key.
type signingKey struct {
	pk  *rsa.PrivateKey
	kid string
}

func newSigningKey(t *testing.T) *signingKey {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating RSA key: %v", err)
	}
	return &signingKey{pk: pk, kid: "test-key"}
}

func (k *signingKey) keySet() *oidc.StaticKeySet {
	return &oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&k.pk.PublicKey}}
}

// jwks renders the public key as a JSON Web Key Set document.
func (k *signingKey) jwks(t *testing.T) []byte {
	t.Helper()
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &k.pk.PublicKey,
		KeyID:     k.kid,
		Algorithm: "RS256",
		Use:       "sig",
	}}}
	b, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	return b
}

func (k *signingKey) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = k.kid
	s, err := tok.SignedString(k.pk)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

// idTokenClaims returns valid Google-style claims for sub.
func idTokenClaims(sub string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":   testIssuer,
		"aud":   testClientID,
		"sub":   sub,
		"name":  "Test User",
		"email": sub + "@example.com",
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}
}

func newTestVerifier(t *testing.T, k *signingKey) *IdentityVerifier {
	t.Helper()
	v, err := NewIdentityVerifier(k.keySet(), GoogleIssuers...)
	if err != nil {
		t.Fatalf("NewIdentityVerifier: %v", err)
	}
	return v
}

// withSession returns a context carrying sess (a fresh one when nil).
func withSession(sess *Session) (context.Context, *Session) {
	if sess == nil {
		sess = NewSession()
	}
	return ContextWithSession(context.Background(), sess), sess
}

// authenticatedSession returns a logged-in session whose token expires at expiry.
func authenticatedSession(expiry time.Time) *Session {
	return &Session{
		subjectID:    "u1",
		displayName:  "Test User",
		userID:       "user-1",
		accessToken:  "access-old",
		refreshToken: "refresh-old",
		expiry:       expiry,
	}
}
