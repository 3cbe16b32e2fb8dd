// Package mcp exposes the memory service over the Model Context Protocol
// using the official Go SDK. Tool handlers build responses inline, in the
// manner of net/http.Handler; there is no conversion layer.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/engram0/engram/internal/app"
	"github.com/engram0/engram/internal/log"
)

// Server wraps the MCP SDK server and the application container.
type Server struct {
	mcpServer *mcp.Server
	app       *app.App
	logger    log.Logger
	name      string
	version   string
}

// Config holds MCP server configuration.
type Config struct {
	Name    string
	Version string
	App     *app.App
}

// NewServer creates a new MCP server and registers the memory tools.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("server name is required")
	}
	if cfg.Version == "" {
		return nil, fmt.Errorf("server version is required")
	}
	if cfg.App == nil {
		return nil, fmt.Errorf("application container is required")
	}

	mcpServer := mcp.NewServer(&mcp.Implementation{
		Name:    cfg.Name,
		Version: cfg.Version,
	}, nil)

	s := &Server{
		mcpServer: mcpServer,
		app:       cfg.App,
		logger:    cfg.App.Logger.With("component", "mcp"),
		name:      cfg.Name,
		version:   cfg.Version,
	}

	if err := s.registerTools(); err != nil {
		return nil, fmt.Errorf("registering tools: %w", err)
	}
	return s, nil
}

// Run starts the MCP server on the given transport. This is a blocking
// call that handles all MCP protocol communication.
func (s *Server) Run(ctx context.Context, transport mcp.Transport) error {
	return s.mcpServer.Run(ctx, transport)
}

// Handler returns an HTTP handler serving the MCP streamable transport,
// for mounting alongside the REST API.
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.mcpServer
	}, nil)
}

func (s *Server) registerTools() error {
	if err := s.registerMemoryTools(); err != nil {
		return fmt.Errorf("memory tools: %w", err)
	}
	if err := s.registerHealthTools(); err != nil {
		return fmt.Errorf("health tools: %w", err)
	}
	return nil
}

// textResult builds a successful text response from a JSON-encodable
// value.
func textResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, nil
}

// errorResult builds an error response visible to the model but not
// treated as a protocol failure.
func errorResult(format string, args ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf(format, args...)}},
		IsError: true,
	}
}
