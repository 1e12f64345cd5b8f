// Package pprof exposes the runtime profiling endpoints on a separate
// listener so they are never reachable through the public socket port.
package pprof

import (
	"context"
	"fmt"
	"net/http"
	netpprof "net/http/pprof"
	"time"

	"github.com/codebox-cloud/codebox/internal/logger"
)

// Server serves the net/http/pprof handlers.
type Server struct {
	httpServer *http.Server
	log        *logger.Logger
}

// NewServer creates a profiling server for the given address, e.g.
// "localhost:6060".
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", netpprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", netpprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", netpprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", netpprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", netpprof.Trace)

	return &Server{
		httpServer: &http.Server{Addr: addr, Handler: mux},
		log:        logger.Global().WithPrefix("pprof"),
	}
}

// Start begins serving in the background.
func (s *Server) Start() {
	go func() {
		s.log.Info("Profiling server listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("Profiling server error: %v", err)
		}
	}()
}

// Stop shuts the profiling server down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown profiling server: %w", err)
	}
	return nil
}
