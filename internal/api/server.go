// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/token-custody/internal/logging"
	"github.com/token-custody/internal/models"
	"github.com/token-custody/internal/reconcile"
	"github.com/token-custody/internal/types"
	"github.com/token-custody/internal/worker"
)

// Service interfaces for dependency injection and testing

// ProvisionerInterface defines the interface for account provisioning
type ProvisionerInterface interface {
	EnsureProcess(ctx context.Context, userID string) (*models.UserAccount, error)
}

// ReconcilerInterface defines the interface for balance reconciliation
type ReconcilerInterface interface {
	Reconcile(ctx context.Context, userID string) (*reconcile.Summary, error)
}

// SettlerInterface defines the interface for settlement operations
type SettlerInterface interface {
	Transfer(ctx context.Context, senderID, receiverID string, amount types.Amount) (*types.SettlementOutcome, error)
	Withdraw(ctx context.Context, userID string, amount types.Amount, destination string) (*types.SettlementOutcome, error)
}

// Server represents the HTTP API server.
type Server struct {
	router      *mux.Router
	httpServer  *http.Server
	provisioner ProvisionerInterface
	reconciler  ReconcilerInterface
	settler     SettlerInterface
	background  *worker.Runner
	logger      *logging.Logger
	config      *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	RequestsPerSec  int // Per-caller request rate
}

// NewServer creates a new API server instance. background may be nil, in
// which case post-reply reconciliation is skipped.
func NewServer(
	config *ServerConfig,
	provisioner ProvisionerInterface,
	reconciler ReconcilerInterface,
	settler SettlerInterface,
	background *worker.Runner,
	logger *logging.Logger,
) *Server {
	s := &Server{
		router:      mux.NewRouter(),
		provisioner: provisioner,
		reconciler:  reconciler,
		settler:     settler,
		background:  background,
		logger:      logger,
		config:      config,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.RequestsPerSec)

	// Middleware order matters
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(RecoveryMiddleware(s.logger))
	s.router.Use(CORSMiddleware)
	s.router.Use(RateLimitMiddleware(rateLimiter))

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	// Health check endpoint
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	// API v1 routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Account endpoints
	api.HandleFunc("/users/{id}/deposit-address", s.handleDepositAddress).Methods("GET")
	api.HandleFunc("/users/{id}/balance", s.handleBalance).Methods("GET")
	api.HandleFunc("/users/{id}/reconcile", s.handleReconcile).Methods("POST")

	// Settlement endpoints
	api.HandleFunc("/tips", s.handleTip).Methods("POST")
	api.HandleFunc("/withdrawals", s.handleWithdrawal).Methods("POST")
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "token-custody",
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the configured router, used by tests
func (s *Server) Handler() http.Handler {
	return s.router
}
