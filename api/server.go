// Package api provides the HTTP surface for engram.
//
// Two things are served from one listener: a small REST health API for
// monitoring, and the MCP streamable HTTP transport for clients that
// connect over the network instead of stdio.
//
//	GET  /api/health           →  summary health check
//	GET  /api/health/detailed  →  full health report with store statistics
//	*    /mcp                  →  MCP streamable HTTP transport
//
// File structure:
//   - server.go: HTTP server setup and lifecycle
//   - middleware.go: HTTP middleware (logging, recovery, CORS)
//   - health.go: Health check endpoints
//   - response.go: JSON response helpers
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/engram0/engram/internal/app"
)

const (
	// DefaultAddr is the default address for the HTTP server.
	DefaultAddr = "127.0.0.1:8443"

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout = 10 * time.Second

	// ReadHeaderTimeout is the timeout for reading request headers.
	// This prevents Slowloris attacks (CWE-400).
	ReadHeaderTimeout = 10 * time.Second

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout = 30 * time.Second

	// WriteTimeout is the maximum duration for writing the response.
	WriteTimeout = 60 * time.Second

	// IdleTimeout is the maximum time to wait for the next request on keep-alive connections.
	IdleTimeout = 120 * time.Second
)

// Server is the HTTP server for engram's REST API and network MCP
// transport.
type Server struct {
	mux *http.ServeMux

	health      *HealthHandler
	corsOrigins []string
}

// NewServer creates a new HTTP server with all routes registered.
// mcpHandler, when non-nil, is mounted at /mcp for the streamable HTTP
// transport.
func NewServer(a *app.App, mcpHandler http.Handler) *Server {
	mux := http.NewServeMux()

	s := &Server{
		mux:         mux,
		health:      NewHealthHandler(a),
		corsOrigins: a.Config.CORSOrigins,
	}

	s.health.RegisterRoutes(mux)
	if mcpHandler != nil {
		mux.Handle("/mcp", mcpHandler)
	}

	return s
}

// Handler returns the HTTP handler with middleware applied.
// Middleware order: recovery → logging → CORS → handler
func (s *Server) Handler() http.Handler {
	return chain(s.mux, recoveryMiddleware, loggingMiddleware, corsMiddleware(s.corsOrigins))
}

// Run starts the HTTP server and blocks until the context is cancelled.
// It handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: ReadHeaderTimeout,
		ReadTimeout:       ReadTimeout,
		WriteTimeout:      WriteTimeout,
		IdleTimeout:       IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting HTTP server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
