// Package api exposes the management HTTP surface: tenant credential
// administration, rotation control, audit queries, health, and metrics.
// The OAuth flow artifacts themselves are consumed in-process by the
// oauthflow package, not over this API.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/internal/audit"
	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/internal/rotation"
	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/internal/vault"
)

// Config holds server configuration.
type Config struct {
	ListenAddr string
	AdminToken string
}

// Server is the management API server.
type Server struct {
	vault   *vault.Vault
	rotator *rotation.Rotator
	auditor *audit.Recorder
	cfg     Config
	httpSrv *http.Server
}

// NewServer creates a fully wired Server.
func NewServer(v *vault.Vault, rot *rotation.Rotator, auditor *audit.Recorder, cfg Config) *Server {
	return &Server{
		vault:   v,
		rotator: rot,
		auditor: auditor,
		cfg:     cfg,
	}
}

// BuildRouter wires up all routes and returns a chi router.
func (s *Server) BuildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(metricsMiddleware)
	r.Use(newRateLimiter(100, 200).middleware)

	// Prometheus metrics (unauthenticated)
	r.Handle("/metrics", MetricsHandler())

	// Public routes
	r.Get("/v1/sys/health", s.HealthHandler)

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(adminAuthMiddleware(s.cfg.AdminToken, s.auditor))

		r.Get("/v1/sys/audit-log", s.AuditLogHandler)

		r.Get("/v1/sys/rotation/status", s.RotationStatusHandler)
		r.Post("/v1/sys/rotation/rotate", s.RotateHandler)

		r.Post("/v1/tenants/{tenant}/oauth/{provider}", s.TenantOAuthPutHandler)
		r.Get("/v1/tenants/{tenant}/oauth/{provider}", s.TenantOAuthGetHandler)
		r.Delete("/v1/tenants/{tenant}/oauth/{provider}", s.TenantOAuthDeleteHandler)

		r.Delete("/v1/tenants/{tenant}/users/{user}/tokens/{provider}", s.UserTokenDeleteHandler)
		r.Delete("/v1/tenants/{tenant}/users/{user}/tokens", s.UserTokensDeleteHandler)
	})

	return r
}

// Start begins listening on the configured address.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.BuildRouter(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTP server")
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
