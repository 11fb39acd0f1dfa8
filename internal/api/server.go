// Package api exposes a small HTTP surface over one Runner for "cmakerun
// serve". The Runner itself assumes a single caller; the server's mutex is
// the external serialization that assumption requires, so a handler that
// waits on a job blocks the other endpoints until the status line arrives.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/cmakerun/internal/ledger"
	"github.com/mattjoyce/cmakerun/internal/log"
)

// JobRunner is the slice of the runner the API needs.
type JobRunner interface {
	IsRunning() bool
	SessionID() string
	Enqueue(args string) (int, error)
	Wait(id int) (*int, error)
	Jobs() []ledger.Job
	NumJobs(kind string) (int, error)
	FailedJob() (ledger.Job, bool)
	Stop(timeout time.Duration)
}

// Config holds API server configuration.
type Config struct {
	Listen string
	APIKey string
}

// Server serves the runner API.
type Server struct {
	config    Config
	runner    JobRunner
	mu        sync.Mutex
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance.
func New(config Config, r JobRunner) *Server {
	return &Server{
		config:    config,
		runner:    r,
		logger:    log.WithComponent("api"),
		startedAt: time.Now(),
	}
}

// Start starts the HTTP server and blocks until ctx is cancelled or the
// server fails.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:    s.config.Listen,
		Handler: s.Routes(),
		// No WriteTimeout: wait-style endpoints block for as long as the
		// underlying build step takes, and the handlers clear their own
		// write deadline.
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Routes configures the HTTP router.
func (s *Server) Routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	// Protected API.
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/v1/status", s.handleStatus)
		r.Get("/v1/jobs", s.handleListJobs)
		r.Post("/v1/jobs", s.handleEnqueue)
		r.Post("/v1/jobs/{jobID}/wait", s.handleWait)
		r.Post("/v1/stop", s.handleStop)
	})

	return r
}
