// Package api provides the HTTP surface of the exchange oracle: the inbound
// webhook endpoint and the health check. There is deliberately no CRUD API;
// all state changes flow through webhooks and reconciliation.
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/exchange-oracle/internal/config"
	"github.com/exchange-oracle/internal/logging"
	"github.com/exchange-oracle/internal/types"
)

// WebhookReceiver processes one raw inbound webhook, satisfied by
// webhook.Receiver.
type WebhookReceiver interface {
	Handle(ctx context.Context, body []byte, signature string) error
}

// QueueStats reports outgoing queue depth for the health endpoint, satisfied
// by storage.WebhookRepository.
type QueueStats interface {
	CountOutgoingByStatus(ctx context.Context, status types.OutgoingWebhookStatus) (int, error)
}

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	receiver   WebhookReceiver
	platform   WebhookReceiver
	queue      QueueStats
	config     *config.ServerConfig
	logger     *logging.Logger
}

// NewServer creates a new API server instance. receiver takes signed oracle
// events; platform takes HMAC-authenticated annotation platform events.
func NewServer(cfg *config.ServerConfig, receiver, platform WebhookReceiver, queue QueueStats, logger *logging.Logger) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		receiver: receiver,
		platform: platform,
		queue:    queue,
		config:   cfg,
		logger:   logger.WithField("component", "api"),
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.WebhookRPS)

	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(RecoveryMiddleware(s.logger))
	s.router.Use(RateLimitMiddleware(rateLimiter))

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/oracle-webhook", s.handleWebhook).Methods("POST")
	s.router.HandleFunc("/platform-webhook", s.handlePlatformWebhook).Methods("POST")
}

// handleHealth handles health check requests, reporting the outgoing queue
// depth so operators can see a stuck dispatcher.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	pending, err := s.queue.CountOutgoingByStatus(r.Context(), types.OutgoingPending)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "UNHEALTHY", "event store unavailable", nil)
		return
	}
	failed, err := s.queue.CountOutgoingByStatus(r.Context(), types.OutgoingFailed)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "UNHEALTHY", "event store unavailable", nil)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "healthy",
		"service":          "exchange-oracle",
		"webhooks_pending": pending,
		"webhooks_failed":  failed,
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}
