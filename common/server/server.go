// Package server runs a named HTTP listener with signal-aware graceful
// shutdown.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/foundryhq/foundry/common/logger"
)

const drainTimeout = 30 * time.Second

// Server drains in-flight requests on SIGINT/SIGTERM. Streams that outlive
// the drain window are severed by the hard close that follows it.
type Server struct {
	httpServer *http.Server
	log        *logger.Logger
	name       string
}

// New wraps the handler in a listener on the given port. WriteTimeout stays
// unset: SSE and WebSocket responses are open-ended, so per-write deadlines
// are the handlers' business.
func New(name string, port int, handler http.Handler, log *logger.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		log:  log,
		name: name,
	}
}

// Start serves until the listener fails or a shutdown signal arrives, then
// drains.
func (s *Server) Start() error {
	errs := make(chan error, 1)
	go func() {
		s.log.Info(fmt.Sprintf("%s listening", s.name), "addr", s.httpServer.Addr)
		errs <- s.httpServer.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errs:
		return fmt.Errorf("listener failed: %w", err)
	case sig := <-shutdown:
		s.log.Info("shutdown signal received", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.log.Error("graceful shutdown incomplete, closing", "error", err)
		return s.httpServer.Close()
	}
	s.log.Info("shutdown complete")
	return nil
}
