// Package api provides the HTTP boundary for the simulated-patient
// dialogue service.
//
// It exposes RESTful endpoints for submitting caregiver turns, selecting
// the canonical patient reply, and managing sessions.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/SBPLab-LDV/llm-quest-copilot-sub001/internal/character"
	"github.com/SBPLab-LDV/llm-quest-copilot-sub001/internal/dialogue"
)

// Default server configuration.
const (
	// DefaultAddr is the listen address used when none is configured.
	DefaultAddr = ":8080"
	// DefaultShutdownTimeout bounds graceful shutdown on exit.
	DefaultShutdownTimeout = 10 * time.Second
	// maxAudioUploadBytes caps multipart audio uploads.
	maxAudioUploadBytes = 25 << 20
)

// Opts holds configuration options for the API server.
type Opts struct {
	// Addr is the listen address (e.g. ":8080").
	Addr string
}

// Option defines a functional option for server configuration.
type Option func(*Opts)

// WithAddr overrides the default listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// Server hosts the dialogue HTTP API.
type Server struct {
	processor *dialogue.Processor
	catalog   *character.Catalog
	addr      string
	startedAt time.Time
}

// NewServer creates an API server around a wired processor.
func NewServer(processor *dialogue.Processor, catalog *character.Catalog, opts ...Option) *Server {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	return &Server{
		processor: processor,
		catalog:   catalog,
		addr:      cfg.Addr,
		startedAt: time.Now(),
	}
}

// Router builds the chi router with all dialogue endpoints registered.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Route("/dialogue", func(r chi.Router) {
			r.Post("/text", s.textTurnHandler)
			r.Post("/audio", s.audioTurnHandler)
			r.Post("/select", s.selectHandler)
			r.Route("/sessions/{sessionID}", func(r chi.Router) {
				r.Post("/reset", s.resetHandler)
				r.Get("/history", s.historyHandler)
			})
		})
		r.Get("/characters", s.charactersHandler)
		r.Get("/health", s.healthHandler)
	})
	return r
}

// Run starts the HTTP server and blocks until ctx is canceled or the
// listener fails. Shutdown is graceful within DefaultShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: API server listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("Server.Run: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	}
}
