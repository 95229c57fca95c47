package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// Scopes requested at login: identity (openid, profile, email) plus
// read/write access to the user's calendars.
var Scopes = []string{
	"openid",
	"https://www.googleapis.com/auth/userinfo.profile",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/calendar",
	"https://www.googleapis.com/auth/calendar.events",
}

// GoogleConfig holds the OAuth client registration.
//
// AuthURL and TokenURL default to Google's endpoints; tests point them at an
// httptest server.
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	AuthURL      string
	TokenURL     string
	Timeout      time.Duration
}

// GoogleProvider wraps golang.org/x/oauth2 for Google's Authorization Code flow.
//
// OAUTH 2.0 AUTHORIZATION CODE FLOW (with PKCE):
//  1. We redirect the user to Google with our client ID, scopes, a random
//     state and a PKCE code challenge.
//  2. The user consents on Google.
//  3. Google redirects back to RedirectURL with a short-lived code.
//  4. We exchange code + PKCE verifier for tokens (server-to-server, using
//     ClientSecret). The response includes an access token, a refresh token
//     (because we asked for offline access) and an OpenID Connect ID token.
//
// The access token never reaches the browser in cleartext: it goes straight
// into the encrypted session.
type GoogleProvider struct {
	config  *oauth2.Config
	client  *http.Client
	timeout time.Duration
}

// NewGoogleProvider creates a GoogleProvider.
//
// Every outbound call shares one *http.Client with a hard timeout, and an
// OpenTelemetry transport so provider latency shows up in traces.
func NewGoogleProvider(cfg GoogleConfig) (*GoogleProvider, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, errors.New("auth: google client id and secret are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	endpoint := google.Endpoint
	if cfg.AuthURL != "" {
		endpoint.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}

	return &GoogleProvider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       Scopes,
			Endpoint:     endpoint,
		},
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		timeout: cfg.Timeout,
	}, nil
}

// ClientID is the audience every ID token must carry.
func (p *GoogleProvider) ClientID() string { return p.config.ClientID }

// HTTPClient is the shared outbound client, reused by the calendar proxy as
// the base transport under its bearer-token client.
func (p *GoogleProvider) HTTPClient() *http.Client { return p.client }

// AuthURL returns the URL to redirect the user to for authorization.
//
//   - access_type=offline → Google issues a refresh token
//   - prompt=consent      → ...on every login, not only the first one
//   - S256 code challenge → the code is useless without our verifier
func (p *GoogleProvider) AuthURL(state, verifier string) string {
	return p.config.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.S256ChallengeOption(verifier),
	)
}

// Exchange trades the authorization code for a token set.
// The ID token is available as tok.Extra("id_token").
func (p *GoogleProvider) Exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	tok, err := p.config.Exchange(p.withClient(ctx), code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("auth: exchanging OAuth code: %w", err)
	}
	return tok, nil
}

// Refresh obtains a new access token with refreshToken.
//
// Google usually omits refresh_token from refresh responses; x/oauth2 then
// carries the old one over, so the returned token always has one.
func (p *GoogleProvider) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	// An empty access token forces the token source to hit the token endpoint.
	src := p.config.TokenSource(p.withClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("auth: refreshing token: %w", err)
	}
	return tok, nil
}

// withClient makes x/oauth2 use our client for token endpoint calls.
func (p *GoogleProvider) withClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.client)
}
