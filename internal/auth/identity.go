package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/sakif/calendar-auth-proxy/internal/apperror"
)

// GoogleIssuers are the two spellings Google uses in the "iss" claim.
var GoogleIssuers = []string{"https://accounts.google.com", "accounts.google.com"}

// Identity is what a verified ID token tells us about the user.
type Identity struct {
	SubjectID   string
	DisplayName string
	Email       string
}

// IdentityVerifier validates provider-issued ID tokens.
//
// This is the single security gate of the login flow: every later trust
// decision is derived from its result. It checks, via go-oidc:
//   - signature against the provider's published keys (JWKS)
//   - expiry
//   - audience == the expected client ID
//
// and, itself, that "iss" is one of the accepted issuers. Any failure is
// apperror.ErrInvalidToken; there is no "anonymous" fallback. The raw token is
// never logged.
type IdentityVerifier struct {
	keySet  oidc.KeySet
	issuers []string
}

// NewIdentityVerifier builds a verifier from an explicit key set.
// Tests pass an *oidc.StaticKeySet.
func NewIdentityVerifier(keySet oidc.KeySet, issuers ...string) (*IdentityVerifier, error) {
	if keySet == nil {
		return nil, errors.New("auth: key set is required")
	}
	if len(issuers) == 0 {
		return nil, errors.New("auth: at least one issuer is required")
	}
	return &IdentityVerifier{keySet: keySet, issuers: slices.Clone(issuers)}, nil
}

// NewIdentityVerifierFromDiscovery reads issuerURL's OpenID configuration to
// find jwks_uri and returns a verifier backed by an auto-refreshing remote key
// set. ctx bounds discovery only; key refreshes run on a background context.
func NewIdentityVerifierFromDiscovery(ctx context.Context, issuerURL string, extraIssuers ...string) (*IdentityVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("auth: oidc discovery failed: %w", err)
	}

	var meta struct {
		JWKSURL string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("auth: invalid discovery metadata: %w", err)
	}
	if meta.JWKSURL == "" {
		return nil, errors.New("auth: discovery incomplete: missing jwks_uri")
	}

	keySet := oidc.NewRemoteKeySet(context.Background(), meta.JWKSURL)
	issuers := append([]string{issuerURL}, extraIssuers...)
	return NewIdentityVerifier(keySet, issuers...)
}

// idClaims are the profile claims we read from a verified token.
type idClaims struct {
	Name          string `json:"name"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
}

// Verify validates rawIDToken for expectedAudience.
func (v *IdentityVerifier) Verify(ctx context.Context, rawIDToken, expectedAudience string) (*Identity, error) {
	if rawIDToken == "" {
		return nil, apperror.InvalidToken(errors.New("empty token"))
	}
	if expectedAudience == "" {
		return nil, apperror.InvalidToken(errors.New("no expected audience configured"))
	}

	// The issuer is checked below against several accepted spellings, which
	// go-oidc's single-issuer check cannot express. Audience, signature and
	// expiry stay with go-oidc.
	verifier := oidc.NewVerifier("", v.keySet, &oidc.Config{
		ClientID:        expectedAudience,
		SkipIssuerCheck: true,
	})

	tok, err := verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, apperror.InvalidToken(err)
	}
	if !slices.Contains(v.issuers, tok.Issuer) {
		return nil, apperror.InvalidToken(fmt.Errorf("issuer %q not accepted", tok.Issuer))
	}
	if tok.Subject == "" {
		return nil, apperror.InvalidToken(errors.New("missing sub"))
	}

	var claims idClaims
	if err := tok.Claims(&claims); err != nil {
		return nil, apperror.InvalidToken(fmt.Errorf("malformed claims: %w", err))
	}

	name := claims.Name
	if name == "" {
		name = claims.Email
	}
	return &Identity{
		SubjectID:   tok.Subject,
		DisplayName: name,
		Email:       claims.Email,
	}, nil
}
