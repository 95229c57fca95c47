// Package server sets up the HTTP server, router, and all route definitions.
//
// SERVER ARCHITECTURE:
// This package is the "wiring" layer: it connects handlers, middleware, and
// routes, and decides how the server starts and stops.
//
// DEPENDENCY INJECTION FLOW:
//
//	config.Config → Server.New() creates:
//	  sqlite.DB → service.UserDirectory ─────────────┐
//	  GoogleProvider + IdentityVerifier ─→ auth.Controller → AuthHandler
//	  GoogleProvider (refresher) → auth.CredentialStore → calendar.Proxy → CalendarHandler
//	  prometheus.Registry → metrics.Collector (shared by controller, store, proxy)
//
// This is the "composition root" pattern: all dependencies are wired in one
// place, rather than scattered across the codebase.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/sakif/calendar-auth-proxy/internal/auth"
	"github.com/sakif/calendar-auth-proxy/internal/calendar"
	"github.com/sakif/calendar-auth-proxy/internal/config"
	"github.com/sakif/calendar-auth-proxy/internal/handler"
	"github.com/sakif/calendar-auth-proxy/internal/metrics"
	"github.com/sakif/calendar-auth-proxy/internal/middleware"
	sqliteRepo "github.com/sakif/calendar-auth-proxy/internal/repository/sqlite"
	"github.com/sakif/calendar-auth-proxy/internal/service"
)

// discoveryTimeout bounds the OpenID discovery request made at startup.
const discoveryTimeout = 15 * time.Second

// options are the seams tests use to point the server at fakes.
type options struct {
	verifier         auth.TokenVerifier
	googleAuthURL    string
	googleTokenURL   string
	calendarEndpoint string
}

// Option customises New.
type Option func(*options)

// WithVerifier skips OpenID discovery and verifies ID tokens with v.
func WithVerifier(v auth.TokenVerifier) Option {
	return func(o *options) { o.verifier = v }
}

// WithGoogleEndpoints overrides Google's authorization and token URLs.
func WithGoogleEndpoints(authURL, tokenURL string) Option {
	return func(o *options) {
		o.googleAuthURL = authURL
		o.googleTokenURL = tokenURL
	}
}

// WithCalendarEndpoint overrides the Calendar API base URL.
func WithCalendarEndpoint(endpoint string) Option {
	return func(o *options) { o.calendarEndpoint = endpoint }
}

// Server represents the HTTP server and all its dependencies.
//
// RESOURCE MANAGEMENT:
// The Server owns the database connection and the rate limiter's cleanup
// goroutine. Close releases both; Start calls it during graceful shutdown.
type Server struct {
	router   *chi.Mux
	config   *config.Config
	logger   *slog.Logger
	db       *sqliteRepo.DB
	limiter  *middleware.RateLimiter
	registry *prometheus.Registry
}

// New creates a Server from cfg.
//
// WIRING ORDER:
//  1. Storage: sqlite.DB and the user directory on top of it
//  2. Metrics: a private Prometheus registry and the Collector
//  3. Sessions: codec (encryption + signing) and the cookie middleware
//  4. Google: OAuth client, ID token verifier, login controller
//  5. Credentials and the calendar proxy
//  6. Handlers and routes
//
// If any step fails, everything opened so far is closed again.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	// === 1. STORAGE ===
	db, err := sqliteRepo.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Server{
		router:   chi.NewRouter(),
		config:   cfg,
		logger:   logger,
		db:       db,
		limiter:  middleware.NewRateLimiter(middleware.PerMinute(cfg.AuthRatePerMinute), logger),
		registry: prometheus.NewRegistry(),
	}

	if err := s.setupRoutes(ctx, o); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// setupRoutes builds the component graph and registers every route.
//
// ROUTE STRUCTURE:
//
//	GET    /healthz                        → liveness (database ping)
//	GET    /metrics                        → Prometheus exposition
//	GET    /auth/google/login              → redirect to Google
//	GET    /auth/google/callback           → finish login
//	POST   /auth/logout                    → clear session
//	GET    /api/me                         → current user            [session]
//	GET    /api/calendar/timezone          → user's default zone     [session]
//	GET    /api/calendar/events            → list events             [session]
//	GET    /api/calendar/events/today      → today's events          [session]
//	POST   /api/calendar/events            → create event            [session]
//	PUT    /api/calendar/events/{id}       → update event            [session]
//	PATCH  /api/calendar/events/{id}       → update event            [session]
//	DELETE /api/calendar/events/{id}       → delete event            [session]
//
// MIDDLEWARE ORDER MATTERS:
//  1. RequestID: every log line of a request shares one ID
//  2. RealIP: the rate limiter keys on the client, not the proxy
//  3. Recoverer: a panic becomes a 500 instead of a dead process
//  4. Logger
//  5. Session (only on /auth and /api): load the cookie, write it back if changed
func (s *Server) setupRoutes(ctx context.Context, o options) error {
	cfg := s.config

	// === 2. METRICS ===
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	rec := metrics.NewCollector(s.registry)

	// === 3. SESSIONS ===
	codec, err := auth.NewSessionCodec(cfg.SessionSecret, cfg.SessionMaxAge)
	if err != nil {
		return fmt.Errorf("creating session codec: %w", err)
	}
	sessions := auth.NewSessionManager(codec, cfg.CookieSecure, s.logger)

	// === 4. GOOGLE ===
	provider, err := auth.NewGoogleProvider(auth.GoogleConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
		AuthURL:      o.googleAuthURL,
		TokenURL:     o.googleTokenURL,
		Timeout:      cfg.ProviderTimeout,
	})
	if err != nil {
		return fmt.Errorf("creating google provider: %w", err)
	}

	verifier := o.verifier
	if verifier == nil {
		verifier, err = s.discoverVerifier(ctx)
		if err != nil {
			return err
		}
	}

	users := service.NewUserDirectory(s.db, s.logger)
	controller := auth.NewController(provider, verifier, users, cfg.LoginTTL, rec, s.logger)

	// === 5. CREDENTIALS + CALENDAR ===
	creds := auth.NewCredentialStore(provider, cfg.TokenRefreshMargin, rec, s.logger)
	proxy, err := calendar.NewProxy(creds, calendar.Config{
		BaseClient:      provider.HTTPClient(),
		Endpoint:        o.calendarEndpoint,
		Timeout:         cfg.ProviderTimeout,
		DefaultTimeZone: cfg.DefaultTimeZone,
		MaxEvents:       cfg.MaxEvents,
	}, rec, s.logger)
	if err != nil {
		return fmt.Errorf("creating calendar proxy: %w", err)
	}

	// === 6. HANDLERS ===
	healthHandler := handler.NewHealthHandler(s.db, s.logger)
	authHandler := handler.NewAuthHandler(controller, users, cfg.PostLoginRedirect, s.logger)
	calendarHandler := handler.NewCalendarHandler(proxy, s.logger)

	// === Global Middleware ===
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(middleware.Logger(s.logger))

	s.router.Get("/healthz", healthHandler.HandleHealth)
	s.router.Handle("/metrics", metrics.Handler(s.registry))

	s.router.Group(func(r chi.Router) {
		r.Use(sessions.Middleware)

		// Login endpoints are unauthenticated by nature, so they are the
		// ones worth throttling.
		r.Route("/auth", func(r chi.Router) {
			r.Use(s.limiter.Middleware)
			r.Get("/google/login", authHandler.HandleGoogleLogin)
			r.Get("/google/callback", authHandler.HandleGoogleCallback)
			r.Post("/logout", authHandler.HandleLogout)
		})

		r.Route("/api", func(r chi.Router) {
			r.Use(auth.RequireSession)
			r.Get("/me", authHandler.HandleMe)

			r.Route("/calendar", func(r chi.Router) {
				r.Get("/timezone", calendarHandler.HandleTimeZone)
				r.Get("/events", calendarHandler.HandleList)
				r.Get("/events/today", calendarHandler.HandleToday)
				r.Post("/events", calendarHandler.HandleCreate)
				r.Put("/events/{id}", calendarHandler.HandleUpdate)
				r.Patch("/events/{id}", calendarHandler.HandleUpdate)
				r.Delete("/events/{id}", calendarHandler.HandleDelete)
			})
		})
	})

	return nil
}

// discoverVerifier fetches the issuer's signing keys via OpenID discovery.
// Google's tokens may carry the issuer with or without the scheme.
func (s *Server) discoverVerifier(ctx context.Context) (*auth.IdentityVerifier, error) {
	ctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	var extra []string
	if s.config.GoogleIssuer == auth.GoogleIssuers[0] {
		extra = auth.GoogleIssuers[1:]
	}
	v, err := auth.NewIdentityVerifierFromDiscovery(ctx, s.config.GoogleIssuer, extra...)
	if err != nil {
		return nil, fmt.Errorf("creating identity verifier: %w", err)
	}
	return v, nil
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close stops the rate limiter and closes the database. It is safe to call
// more than once.
func (s *Server) Close() error {
	s.limiter.Stop()
	return s.db.Close()
}

// Start starts the HTTP server and handles graceful shutdown.
//
// GRACEFUL SHUTDOWN:
//  1. Stop accepting new HTTP connections
//  2. Wait for in-flight requests to finish (30s timeout)
//  3. Close the database and stop background goroutines
func (s *Server) Start() error {
	defer s.Close()

	// WriteTimeout must outlast the slowest calendar call, which may include
	// a token refresh before it.
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2*s.config.ProviderTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.config.Port),
			slog.String("url", s.config.BaseURL),
			slog.String("database", s.config.DBPath),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-quit:
		s.logger.Info("shutdown signal received", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
	}

	return nil
}
