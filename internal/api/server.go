// Package api exposes the vault over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/medrex/healthchain/internal/access"
	"github.com/medrex/healthchain/internal/audit"
	"github.com/medrex/healthchain/internal/registry"
	"github.com/medrex/healthchain/internal/vault"
	"github.com/medrex/healthchain/pkg/logger"
	"github.com/medrex/healthchain/pkg/monitoring"
)

// Config holds HTTP server settings
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// MaxAuditEntries caps one audit response.
	MaxAuditEntries int
	// AllowedOrigins lists browser origins allowed to call the API. "*"
	// allows any origin.
	AllowedOrigins []string
}

// Dependencies are the services the handlers call
type Dependencies struct {
	Vault    *vault.Vault
	Registry *registry.Registry
	Access   *access.Engine
	Audit    *audit.Log
	Tokens   *TokenValidator
	// Limiter is optional; without it requests are not rate limited.
	Limiter  RateLimiter
	Health   *monitoring.HealthManager
	Metrics  *monitoring.MetricsCollector
	Tracing  *monitoring.TracingManager
	Logger   *logger.Logger
}

// Server is the agent's HTTP front end
type Server struct {
	config     Config
	router     *mux.Router
	httpServer *http.Server

	vault    *vault.Vault
	registry *registry.Registry
	access   *access.Engine
	audit    *audit.Log
	tokens   *TokenValidator
	limiter  RateLimiter
	health   *monitoring.HealthManager
	metrics  *monitoring.MetricsCollector
	tracing  *monitoring.TracingManager
	logger   *logger.Logger
}

// NewServer creates a server and registers its routes
func NewServer(cfg Config, deps Dependencies) *Server {
	if cfg.MaxAuditEntries <= 0 {
		cfg.MaxAuditEntries = 1000
	}
	if deps.Logger == nil {
		deps.Logger = logger.Discard()
	}
	if deps.Tracing == nil {
		deps.Tracing = monitoring.NewNoopTracingManager()
	}
	if deps.Health == nil {
		deps.Health = monitoring.NewHealthManager("healthchain-agent", "dev")
	}

	s := &Server{
		config:   cfg,
		router:   mux.NewRouter(),
		vault:    deps.Vault,
		registry: deps.Registry,
		access:   deps.Access,
		audit:    deps.Audit,
		tokens:   deps.Tokens,
		limiter:  deps.Limiter,
		health:   deps.Health,
		metrics:  deps.Metrics,
		tracing:  deps.Tracing,
		logger:   deps.Logger,
	}
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Handler returns the root handler, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	mw := monitoring.NewMonitoringMiddleware(s.metrics, s.tracing, s.logger, withRequestID)
	s.router.Use(mw.HTTPMiddleware, s.corsMiddleware, s.securityHeadersMiddleware)

	s.router.HandleFunc("/health", s.health.HTTPHandler()).Methods(http.MethodGet)
	s.router.HandleFunc("/health/live", s.health.LivenessHandler()).Methods(http.MethodGet)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.Use(s.authMiddleware, s.rateLimitMiddleware)
	// Preflights from allowed origins are answered by corsMiddleware first.
	v1.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	v1.HandleFunc("/records", s.handleStoreRecord).Methods(http.MethodPost)
	v1.HandleFunc("/records", s.handleListOwnRecords).Methods(http.MethodGet)
	v1.HandleFunc("/records/{recordID}", s.handleOpenOwnRecord).Methods(http.MethodGet)
	v1.HandleFunc("/records/{recordID}", s.handleReviseRecord).Methods(http.MethodPut)
	v1.HandleFunc("/records/{recordID}/status", s.handleSetStatus).Methods(http.MethodPatch)
	v1.HandleFunc("/records/{recordID}/history", s.handleRecordHistory).Methods(http.MethodGet)

	v1.HandleFunc("/patients/{patient}/records", s.handleListPatientRecords).Methods(http.MethodGet)
	v1.HandleFunc("/patients/{patient}/records/{recordID}/read", s.handleReadAsProvider).Methods(http.MethodPost)

	v1.HandleFunc("/grants", s.handleRequestAccess).Methods(http.MethodPost)
	v1.HandleFunc("/grants/received", s.handleListReceived).Methods(http.MethodGet)
	v1.HandleFunc("/grants/requested", s.handleListRequested).Methods(http.MethodGet)
	v1.HandleFunc("/grants/{patient}/{provider}", s.handleGetGrant).Methods(http.MethodGet)
	v1.HandleFunc("/grants/{patient}/{provider}/history", s.handleGrantHistory).Methods(http.MethodGet)
	v1.HandleFunc("/grants/{patient}/{provider}/decision", s.handleDecide).Methods(http.MethodPost)
	v1.HandleFunc("/grants/{patient}/{provider}/revoke", s.handleRevoke).Methods(http.MethodPost)
	v1.HandleFunc("/access/{patient}/{provider}", s.handleCheckAccess).Methods(http.MethodGet)

	v1.HandleFunc("/audit/subject", s.handleAuditBySubject).Methods(http.MethodGet)
	v1.HandleFunc("/audit/actor", s.handleAuditByActor).Methods(http.MethodGet)
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.config.Addr).Info("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
