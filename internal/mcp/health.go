package mcp

import (
	"context"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// CheckDatabaseHealthInput is the input for the check_database_health
// tool. The tool takes no arguments.
type CheckDatabaseHealthInput struct{}

// RateLimitStatusInput is the input for the rate_limit_status tool. The
// tool takes no arguments.
type RateLimitStatusInput struct{}

// registerHealthTools registers the diagnostic tools.
// Tools: check_database_health, rate_limit_status
func (s *Server) registerHealthTools() error {
	healthSchema, err := jsonschema.For[CheckDatabaseHealthInput](nil)
	if err != nil {
		return fmt.Errorf("schema for check_database_health: %w", err)
	}
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "check_database_health",
		Description: "Report storage backend health: active backend, fallback status, dimension guard state and store statistics.",
		InputSchema: healthSchema,
	}, s.CheckDatabaseHealth)

	statusSchema, err := jsonschema.For[RateLimitStatusInput](nil)
	if err != nil {
		return fmt.Errorf("schema for rate_limit_status: %w", err)
	}
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "rate_limit_status",
		Description: "Report the write rate limiter state: cooldown, hourly and daily usage, and whether a store is currently allowed.",
		InputSchema: statusSchema,
	}, s.RateLimitStatus)

	return nil
}

// CheckDatabaseHealth handles the check_database_health MCP tool call.
func (s *Server) CheckDatabaseHealth(ctx context.Context, req *mcp.CallToolRequest, input CheckDatabaseHealthInput) (*mcp.CallToolResult, any, error) {
	result, err := textResult(s.app.Health(ctx))
	return result, nil, err
}

// RateLimitStatus handles the rate_limit_status MCP tool call.
func (s *Server) RateLimitStatus(ctx context.Context, req *mcp.CallToolRequest, input RateLimitStatusInput) (*mcp.CallToolResult, any, error) {
	result, err := textResult(s.app.Limiter.Status())
	return result, nil, err
}
