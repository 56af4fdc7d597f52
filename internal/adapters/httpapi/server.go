// Package httpapi exposes job submission, status and message mutations over
// HTTP.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/mikey/llm-mail-triage/internal/core"
	"github.com/mikey/llm-mail-triage/internal/ports"
)

// UserHeader carries the caller's user id
const UserHeader = "X-User-ID"

// Config configures the HTTP listener
type Config struct {
	ListenAddress string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
}

// Server is the trigger API
type Server struct {
	cfg     Config
	jobs    ports.JobService
	mailbox ports.Mailbox
	limiter *core.RateLimiter
	logger  *zap.Logger
	router  chi.Router
	server  *http.Server
}

// NewServer creates the API server and its routes
func NewServer(cfg Config, jobs ports.JobService, mailbox ports.Mailbox, limiter *core.RateLimiter, logger *zap.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		jobs:    jobs,
		mailbox: mailbox,
		limiter: limiter,
		logger:  logger,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", healthHandler)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.identify)
		r.Post("/jobs", s.createJob)
		r.Get("/jobs/{id}", s.getJob)
		r.Delete("/jobs/{id}", s.cancelJob)
		r.Get("/users/{user}/jobs", s.listJobs)
		r.Get("/users/{user}/messages", s.listMessages)
		r.Patch("/users/{user}/messages/{provider}/{id}", s.updateMessage)
	})

	r.With(s.limit(core.ProfileWebhook)).Post("/webhooks/{provider}", s.webhook)
	return r
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts listening in the background
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.ListenAddress,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.logger.Info("HTTP API starting", zap.String("address", s.cfg.ListenAddress))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop drains in-flight requests for up to ten seconds
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
