package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jobledger/core/internal/config"
	"github.com/jobledger/core/pkg/handlers/health"
	jobshandler "github.com/jobledger/core/pkg/handlers/jobs"
	"github.com/jobledger/core/pkg/handlers/runs"
	"github.com/jobledger/core/pkg/jobs"
	"github.com/jobledger/core/pkg/logger"
	"github.com/jobledger/core/pkg/middleware"
	"github.com/jobledger/core/pkg/runstore"
)

// Server represents the admin API server
type Server struct {
	router     *http.ServeMux
	port       string
	logger     *logger.Logger
	httpServer *http.Server
	handlers   struct {
		health *health.Handler
		jobs   *jobshandler.Handler
		runs   *runs.Handler
	}
}

// New creates a new server instance. The server does not own the run
// store or the orchestrator, it only exposes them over HTTP.
func New(cfg *config.Config, log *logger.Logger, orch *jobs.Orchestrator, store runstore.RunStore) *Server {
	// Get port from environment or use default
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server := &Server{
		router: http.NewServeMux(),
		port:   port,
		logger: log,
	}

	// Initialize handlers
	server.handlers.health = health.NewHandler(cfg.Instance.Name, log)
	server.handlers.jobs = jobshandler.NewHandler(orch, log)
	server.handlers.runs = runs.NewHandler(store, log)

	// Setup routes
	server.setupRoutes()

	server.httpServer = &http.Server{
		Addr:              ":" + port,
		Handler:           server.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return server
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	// Health check endpoint
	s.router.HandleFunc("/health", middleware.CORS(s.handlers.health.HealthCheck))

	// Simple root endpoint
	s.router.HandleFunc("/", middleware.CORS(func(w http.ResponseWriter, r *http.Request) {
		if _, err := fmt.Fprintf(w, "JobLedger Admin API - OK"); err != nil {
			http.Error(w, "Failed to write response", http.StatusInternalServerError)
		}
	}))

	// Job endpoints
	s.router.HandleFunc("/api/jobs", middleware.CORS(s.handlers.jobs.List))
	s.router.HandleFunc("/api/jobs/", middleware.CORS(s.handlers.jobs.Dispatch)) // handles /api/jobs/{group}/{name}[/{action}]

	// Run history endpoints
	s.router.HandleFunc("/api/runs", middleware.CORS(s.handlers.runs.List))
	s.router.HandleFunc("/api/runs/stats", middleware.CORS(s.handlers.runs.Stats))
	s.router.HandleFunc("/api/runs/purge", middleware.CORS(s.handlers.runs.Purge))
}

// Start starts the HTTP server and blocks until it is shut down
func (s *Server) Start() error {
	s.logger.Info().
		Str("action", "server_start").
		Str("port", s.port).
		Msg("Starting admin API server")

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed on port %s: %w", s.port, err)
	}

	return nil
}

// Shutdown stops accepting new requests and drains in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
