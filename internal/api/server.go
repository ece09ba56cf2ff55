// Package api exposes the frame log over HTTP: append, read, follow (SSE
// and WebSocket), single-frame lookups, raw payload access, and generator
// status.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/weir/internal/generator"
	"github.com/mattjoyce/weir/internal/log"
	"github.com/mattjoyce/weir/internal/store"
)

// GeneratorLister reports the live generators. *generator.Registry
// satisfies it; a Server without one serves an empty list.
type GeneratorLister interface {
	List() []generator.Status
}

// Config holds API server configuration.
type Config struct {
	Listen string
}

// Server is the HTTP front of a single store.
type Server struct {
	config     Config
	store      *store.Store
	generators GeneratorLister
	logger     *slog.Logger
	server     *http.Server
	startedAt  time.Time
}

// New creates an API server over the given store. generators may be nil.
func New(config Config, st *store.Store, generators GeneratorLister) *Server {
	return &Server{
		config:     config,
		store:      st,
		generators: generators,
		logger:     log.WithComponent("api"),
		startedAt:  time.Now(),
	}
}

// Start runs the HTTP server until ctx is cancelled, then shuts it down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.Routes(),
		ReadTimeout: 10 * time.Second,
		// No write timeout: follow connections are long-lived streams.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("api server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("api server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Routes builds the router. Exposed for tests.
func (s *Server) Routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/generators", s.handleGenerators)
	r.Get("/frame/{id}", s.handleFrame)
	r.Get("/head/{topic}", s.handleHead)
	r.Get("/cas/{hash}", s.handleCAS)
	r.Post("/{topic}", s.handleAppend)
	r.Get("/{topic}", s.handleRead)

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
