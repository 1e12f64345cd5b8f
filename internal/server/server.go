// Package server carries the socket protocol: it authenticates
// connections, tracks per-sandbox sessions and routes events to the
// file, terminal and deployment managers.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/codebox-cloud/codebox/internal/logger"
	"github.com/codebox-cloud/codebox/internal/ratelimit"
)

// pruneInterval is how often idle rate-limit buckets are swept.
const pruneInterval = 10 * time.Minute

// Server is the HTTP surface: the WebSocket upgrade endpoint plus
// health and stats.
type Server struct {
	addr       string
	httpServer *http.Server
	router     *Router
	registry   *Registry
	hub        *Hub
	rates      *ratelimit.Limits
	log        *logger.Logger
	quit       chan struct{}
}

// NewServer creates a server listening on the given port.
func NewServer(port int, router *Router, registry *Registry, hub *Hub, rates *ratelimit.Limits) *Server {
	return &Server{
		addr:     fmt.Sprintf(":%d", port),
		router:   router,
		registry: registry,
		hub:      hub,
		rates:    rates,
		log:      logger.Global().WithPrefix("server"),
		quit:     make(chan struct{}),
	}
}

// Start starts the HTTP server in the background.
func (s *Server) Start() error {
	mux := httprouter.New()
	mux.HandlerFunc(http.MethodGet, "/ws", s.router.HandleWebSocket)
	mux.GET("/healthz", s.handleHealth)
	mux.GET("/stats", s.handleStats)

	s.httpServer = &http.Server{
		Addr:        s.addr,
		Handler:     mux,
		ReadTimeout: 60 * time.Second,
	}

	go s.pruneLoop()

	go func() {
		s.log.Info("Server listening on %s", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("HTTP server error: %v", err)
		}
	}()

	return nil
}

// Stop shuts the server down.
func (s *Server) Stop() error {
	s.log.Info("Stopping server...")
	close(s.quit)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// pruneLoop sweeps idle rate-limit buckets so the per-user maps do not
// grow without bound.
func (s *Server) pruneLoop() {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.rates.PruneAll(pruneInterval)
		case <-s.quit:
			return
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	stats := s.registry.Snapshot()
	payload := struct {
		Stats
		Clients int `json:"clients"`
	}{Stats: stats, Clients: s.hub.ClientCount()}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to encode stats: %v", err)
	}
}
