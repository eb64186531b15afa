// Package api provides the REST API and event stream server for codexd.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/randalmurphal/codexd/internal/events"
	"github.com/randalmurphal/codexd/internal/store"
	"github.com/randalmurphal/codexd/internal/worktree"
)

// Server is the codexd control-plane server.
type Server struct {
	addr   string
	mux    *http.ServeMux
	logger *slog.Logger

	store     *store.Store
	worktrees *worktree.Manager
	publisher events.Publisher
	wsHandler *WSHandler

	httpServer *http.Server
}

// Config holds server configuration.
type Config struct {
	Addr   string
	Logger *slog.Logger
}

// New creates an API server over the given store and worktree manager.
// The publisher must be the same one the store publishes to, or the
// event stream will stay silent.
func New(cfg Config, st *store.Store, wt *worktree.Manager, pub events.Publisher) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if pub == nil {
		pub = events.NewNopPublisher()
	}

	s := &Server{
		addr:      cfg.Addr,
		mux:       http.NewServeMux(),
		logger:    logger,
		store:     st,
		worktrees: wt,
		publisher: pub,
	}
	s.wsHandler = NewWSHandler(pub, logger)
	s.registerRoutes()
	return s
}

// Handler returns the server's root handler, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// registerRoutes sets up all API routes.
func (s *Server) registerRoutes() {
	// CORS middleware wrapper
	cors := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			h(w, r)
		}
	}

	s.mux.HandleFunc("GET /healthz", cors(s.handleHealth))

	// Jobs
	s.mux.HandleFunc("POST /jobs", cors(s.handleCreateJob))
	s.mux.HandleFunc("GET /jobs", cors(s.handleListJobs))
	s.mux.HandleFunc("GET /jobs/{id}", cors(s.handleGetJob))
	s.mux.HandleFunc("DELETE /jobs/{id}", cors(s.handleDeleteJob))
	s.mux.HandleFunc("GET /jobs/{id}/logs", cors(s.handleGetLogs))
	s.mux.HandleFunc("POST /jobs/{id}/logs", cors(s.handleAppendLog))
	s.mux.HandleFunc("GET /jobs/{id}/dependencies", cors(s.handleGetDependencies))
	s.mux.HandleFunc("POST /jobs/claim", cors(s.handleClaimJob))
	s.mux.HandleFunc("POST /jobs/{id}/complete", cors(s.handleCompleteJob))
	s.mux.HandleFunc("POST /jobs/cleanup", cors(s.handleCleanupJobs))

	// Worktrees
	s.mux.HandleFunc("GET /worktrees", cors(s.handleListWorktrees))
	s.mux.HandleFunc("DELETE /worktrees/cleanup", cors(s.handleCleanupWorktrees))
	s.mux.HandleFunc("DELETE /worktrees/{path...}", cors(s.handleDeleteWorktree))

	// Event streams
	s.mux.HandleFunc("GET /events", cors(s.handleEvents))
	s.mux.HandleFunc("GET /ws", s.wsHandler.ServeHTTP)
}

// Start runs the server until the listener fails.
func (s *Server) Start() error {
	s.logger.Info("starting API server", "addr", s.addr)
	return http.ListenAndServe(s.addr, s.mux)
}

// StartContext runs the server and shuts it down gracefully when the
// context is cancelled.
func (s *Server) StartContext(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: s.mux,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting API server", "addr", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// handleHealth handles GET /healthz.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, map[string]string{"status": "ok"})
}
