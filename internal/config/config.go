// Package config loads process configuration from environment variables.
//
// Values are read once at startup into an immutable Config. Struct tags
// (github.com/caarlos0/env) declare the variable name and default; Load adds
// the cross-field checks the tags cannot express.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every tunable of the server.
type Config struct {
	// Server
	Port    int    `env:"PORT"     envDefault:"8080"`
	BaseURL string `env:"BASE_URL" envDefault:"http://localhost:8080"`
	DBPath  string `env:"DB_PATH"  envDefault:"data/calendar.db"`

	// Google OAuth / OpenID Connect
	GoogleClientID     string `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `env:"GOOGLE_CLIENT_SECRET"`
	GoogleRedirectURL  string `env:"GOOGLE_REDIRECT_URL"`
	GoogleIssuer       string `env:"GOOGLE_ISSUER" envDefault:"https://accounts.google.com"`

	// Session
	SessionSecret     string        `env:"SESSION_SECRET"`
	SessionMaxAge     time.Duration `env:"SESSION_MAX_AGE"     envDefault:"24h"`
	LoginTTL          time.Duration `env:"LOGIN_TTL"           envDefault:"10m"`
	PostLoginRedirect string        `env:"POST_LOGIN_REDIRECT" envDefault:"/"`

	// Provider calls
	ProviderTimeout    time.Duration `env:"PROVIDER_TIMEOUT"     envDefault:"10s"`
	TokenRefreshMargin time.Duration `env:"TOKEN_REFRESH_MARGIN" envDefault:"30s"`
	DefaultTimeZone    string        `env:"DEFAULT_TIME_ZONE"    envDefault:"UTC"`
	MaxEvents          int           `env:"MAX_EVENTS"           envDefault:"50"`

	// Rate limit for /auth/* per client IP
	AuthRatePerMinute int `env:"AUTH_RATE_PER_MINUTE" envDefault:"30"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	// CookieSecure is derived from BaseURL, not read from the environment.
	CookieSecure bool `env:"-"`
}

// minSessionSecretLen matches the HMAC key floor of the session codec.
const minSessionSecretLen = 32

// Load reads the environment into a Config and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	if cfg.GoogleRedirectURL == "" {
		cfg.GoogleRedirectURL = strings.TrimSuffix(cfg.BaseURL, "/") + "/auth/google/callback"
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.GoogleClientID == "" {
		missing = append(missing, "GOOGLE_CLIENT_ID")
	}
	if c.GoogleClientSecret == "" {
		missing = append(missing, "GOOGLE_CLIENT_SECRET")
	}
	if c.SessionSecret == "" {
		missing = append(missing, "SESSION_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: required environment variables are not set: %v", missing)
	}

	var errs []error
	if len(c.SessionSecret) < minSessionSecretLen {
		errs = append(errs, fmt.Errorf("SESSION_SECRET must be at least %d characters", minSessionSecretLen))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT %d out of range", c.Port))
	}
	if c.ProviderTimeout <= 0 {
		errs = append(errs, errors.New("PROVIDER_TIMEOUT must be positive"))
	}
	if c.SessionMaxAge <= 0 || c.LoginTTL <= 0 {
		errs = append(errs, errors.New("SESSION_MAX_AGE and LOGIN_TTL must be positive"))
	}
	if c.MaxEvents <= 0 {
		errs = append(errs, errors.New("MAX_EVENTS must be positive"))
	}
	if c.AuthRatePerMinute <= 0 {
		errs = append(errs, errors.New("AUTH_RATE_PER_MINUTE must be positive"))
	}
	if _, err := time.LoadLocation(c.DefaultTimeZone); err != nil {
		errs = append(errs, fmt.Errorf("DEFAULT_TIME_ZONE: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// SlogLevel maps LOG_LEVEL to a slog.Level, defaulting to Info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
