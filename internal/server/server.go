// Package server contains HTTP handlers and server bootstrap code for the
// orchestrator API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/garnizeh/trainflow/internal/config"
	"github.com/garnizeh/trainflow/internal/jobs"
	"github.com/garnizeh/trainflow/internal/registry"
	"github.com/garnizeh/trainflow/internal/store"
)

// Server is the HTTP server for the orchestrator API.
type Server struct {
	cfg      *config.Config
	store    *store.Store
	ctrl     *jobs.Controller
	registry *registry.Registry
	log      zerolog.Logger

	router     *chi.Mux
	httpServer *http.Server
	mu         sync.Mutex
	conns      map[net.Conn]struct{}
}

// New constructs a Server. Routes must be registered with RegisterRoutes
// before calling Start.
func New(cfg *config.Config, st *store.Store, ctrl *jobs.Controller, reg *registry.Registry, log zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		store:    st,
		ctrl:     ctrl,
		registry: reg,
		log:      log,
		router:   chi.NewRouter(),
		conns:    make(map[net.Conn]struct{}),
	}
}

// Start runs the HTTP server and blocks until context cancellation or server
// error.
func (s *Server) Start(ctx context.Context) error {
	addr := ":" + s.cfg.Port

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Track connections so we can force-close them if graceful shutdown
	// exceeds the configured timeout.
	s.httpServer.ConnState = func(c net.Conn, state http.ConnState) {
		s.mu.Lock()
		defer s.mu.Unlock()
		switch state {
		case http.StateNew, http.StateActive:
			s.conns[c] = struct{}{}
		case http.StateClosed, http.StateHijacked:
			delete(s.conns, c)
		case http.StateIdle:
			// keep in map until closed/hijacked
		}
	}

	// Create the listener first so we reliably know the server is bound
	// before returning from Start.
	lc := &net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.log.Info().Str("addr", addr).Msg("api server listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http serve: %w", err)
		} else {
			errCh <- nil
		}
	}()

	select {
	case <-ctx.Done():
		timeout := 30 * time.Second
		if s.cfg.ShutdownTimeout > 0 {
			timeout = s.cfg.ShutdownTimeout
		}
		s.log.Info().Dur("timeout", timeout).Msg("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				s.log.Warn().Msg("shutdown timed out, force-closing active connections")
				s.mu.Lock()
				for c := range s.conns {
					_ = c.Close()
				}
				s.mu.Unlock()
			}
			return fmt.Errorf("server shutdown: %w", err)
		}
		s.log.Info().Msg("shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}
