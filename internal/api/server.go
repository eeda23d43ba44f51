// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/eigensurance/internal/auth"
	"github.com/eigensurance/internal/logging"
	"github.com/eigensurance/internal/models"
	"github.com/eigensurance/internal/service"
	"github.com/gorilla/mux"
)

// Service interfaces for dependency injection and testing

// AuthServiceInterface defines the interface for wallet sign-in operations
type AuthServiceInterface interface {
	Authenticator
	IssueNonce(ctx context.Context, address string) (*models.Nonce, error)
	Login(ctx context.Context, in service.LoginInput) (*service.LoginResult, error)
	Logout(ctx context.Context, claims *auth.SessionClaims) error
	CurrentUser(ctx context.Context, address string) (*models.User, error)
}

// ChatServiceInterface defines the interface for chat operations
type ChatServiceInterface interface {
	Chat(ctx context.Context, in service.ChatInput) (*service.ChatResult, error)
	ListChats(ctx context.Context, address string) ([]models.ChatSummary, error)
	GetChat(ctx context.Context, address, id string) (*models.Chat, error)
	ClearChats(ctx context.Context, address string) (int64, error)
}

// DocumentServiceInterface defines the interface for chat attachment operations
type DocumentServiceInterface interface {
	Upload(ctx context.Context, in service.UploadInput) (*models.Document, error)
	List(ctx context.Context, user, chatID string) ([]*models.Document, error)
	ParsePDF(ctx context.Context, name string, data []byte) (string, error)
}

// ClaimServiceInterface defines the interface for claim lookups
type ClaimServiceInterface interface {
	Get(ctx context.Context, user, id string) (*models.Claim, error)
	List(ctx context.Context, user string) ([]*models.Claim, error)
}

// PurchaseServiceInterface defines the interface for purchase operations
type PurchaseServiceInterface interface {
	Get(ctx context.Context, user, id string) (*models.Purchase, error)
	List(ctx context.Context, user string) ([]*models.Purchase, error)
	Confirm(ctx context.Context, user, purchaseID, txHash string) (*models.Purchase, error)
}

// MetricsServiceInterface defines the interface for insurance metrics
type MetricsServiceInterface interface {
	Summary(ctx context.Context, address string) (*models.InsuranceMetrics, error)
}

// AuditServiceInterface defines the interface for reading the tool-call audit log
type AuditServiceInterface interface {
	List(ctx context.Context, userID string, limit int) ([]*models.AuditEvent, error)
}

// HealthCheckerInterface reports the reachability of backing stores
type HealthCheckerInterface interface {
	Check(ctx context.Context) (map[string]string, bool)
}

// Services bundles the services the API serves
type Services struct {
	Auth      AuthServiceInterface
	Chats     ChatServiceInterface
	Documents DocumentServiceInterface
	Claims    ClaimServiceInterface
	Purchases PurchaseServiceInterface
	Metrics   MetricsServiceInterface
	Audit     AuditServiceInterface
	Health    HealthCheckerInterface // optional
}

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	services   Services
	config     *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	Origin          string
	SecureCookie    bool
	SessionTTL      time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	AnonymousRPS    int
	AuthedRPS       int
}

// NewServer creates a new API server instance.
func NewServer(config *ServerConfig, services Services) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		services: services,
		config:   config,
	}

	s.setupRouter()

	return s
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.AnonymousRPS, s.config.AuthedRPS)

	// Set up middleware (order matters!)
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware(s.config.Origin))
	s.router.Use(SessionMiddleware(s.services.Auth))
	s.router.Use(RateLimitMiddleware(rateLimiter))
	s.router.Use(CompressionMiddleware)

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
	// Preflight requests only need the CORS middleware
	s.router.PathPrefix("/").Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()

	// Sign-in endpoints
	api.HandleFunc("/auth/nonce", s.handleNonce).Methods("GET")
	api.HandleFunc("/auth/login", s.handleLogin).Methods("POST")
	api.HandleFunc("/auth/logout", s.handleLogout).Methods("POST")
	api.Handle("/me", requireSession(s.handleMe)).Methods("GET")

	// Chat endpoints
	api.Handle("/chat", requireSession(s.handleChat)).Methods("POST")
	api.Handle("/chats", requireSession(s.handleListChats)).Methods("GET")
	api.Handle("/chats", requireSession(s.handleClearChats)).Methods("DELETE")
	api.Handle("/chats/{id}", requireSession(s.handleGetChat)).Methods("GET")
	api.Handle("/chats/{id}/documents", requireSession(s.handleUploadDocument)).Methods("POST")
	api.Handle("/chats/{id}/documents", requireSession(s.handleListDocuments)).Methods("GET")
	api.Handle("/parse-pdf", requireSession(s.handleParsePDF)).Methods("POST")

	// Insurance endpoints
	api.Handle("/claims", requireSession(s.handleListClaims)).Methods("GET")
	api.Handle("/claims/{id}", requireSession(s.handleGetClaim)).Methods("GET")
	api.Handle("/purchases", requireSession(s.handleListPurchases)).Methods("GET")
	api.Handle("/purchases/{id}", requireSession(s.handleGetPurchase)).Methods("GET")
	api.Handle("/purchases/{id}/confirm", requireSession(s.handleConfirmPurchase)).Methods("POST")
	api.Handle("/insurance/metrics", requireSession(s.handleMetrics)).Methods("GET")
	api.Handle("/audit", requireSession(s.handleAudit)).Methods("GET")
}

// handleHealth handles health check requests. It answers 503 while any
// backing store is unreachable.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":  "healthy",
		"service": "eigensurance",
	}
	if s.services.Health == nil {
		respondJSON(w, http.StatusOK, resp)
		return
	}

	stores, healthy := s.services.Health.Check(r.Context())
	resp["stores"] = stores
	if !healthy {
		resp["status"] = "degraded"
		respondJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	logging.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}
