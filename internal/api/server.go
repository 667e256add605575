package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-trust/shrike/internal/detect"
	"github.com/opensource-trust/shrike/internal/domain"
	"github.com/opensource-trust/shrike/internal/feedback"
	"github.com/opensource-trust/shrike/internal/ruleset"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, repo domain.Repository, cache domain.Cache, bus domain.EventBus, detector *detect.Detector, store *ruleset.Store, reconciler *feedback.Reconciler, version string) *Server {
	handler := NewHandler(repo, cache, bus, detector, store, reconciler, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints (no tenant required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// API routes (tenant required)
	router.Route("/", func(r chi.Router) {
		r.Use(TenantMiddleware)

		// Synchronous detection
		r.Post("/detect", handler.Detect)

		// Events and verdicts
		r.Get("/events/{id}", handler.GetEvent)
		r.Get("/events/{id}/verdicts", handler.ListEventVerdicts)
		r.Post("/events/{id}/reevaluate", handler.Reevaluate)
		r.Get("/verdicts/{id}", handler.GetVerdict)

		// Ruleset versions
		r.Get("/rulesets", handler.ListRulesets)
		r.Post("/rulesets", handler.PublishRuleset)
		r.Get("/rulesets/current", handler.GetCurrentRuleset)
		r.Get("/rulesets/{version}", handler.GetRuleset)

		// Feedback and reconciliation
		r.Post("/feedback", handler.SubmitFeedback)
		r.Get("/events/{id}/feedback", handler.ListEventFeedback)
		r.Get("/discrepancies", handler.ListDiscrepancies)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
