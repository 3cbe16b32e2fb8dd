package mcp

import (
	"context"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/engram0/engram/internal/memory"
	"github.com/engram0/engram/internal/storage"
)

// StoreMemoryInput is the input for the store_memory tool.
type StoreMemoryInput struct {
	Content    string   `json:"content" jsonschema:"the memory content to store"`
	Tags       []string `json:"tags,omitempty" jsonschema:"optional tags for categorizing the memory"`
	MemoryType string   `json:"memory_type,omitempty" jsonschema:"optional memory type such as note, decision or reference"`
	Force      bool     `json:"force,omitempty" jsonschema:"bypass rate limiting for this store"`
}

// StoreMemoryOutput reports the outcome of a store operation.
type StoreMemoryOutput struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	ContentHash string `json:"content_hash,omitempty"`
	Truncated   bool   `json:"truncated,omitempty"`
}

// RetrieveMemoryInput is the input for the retrieve_memory tool.
type RetrieveMemoryInput struct {
	Query string `json:"query" jsonschema:"natural language query to search memories"`
	N     int    `json:"n,omitempty" jsonschema:"maximum number of results, defaults to 5"`
}

// RetrieveMemoryOutput carries semantic search results.
type RetrieveMemoryOutput struct {
	Query   string                `json:"query"`
	Results []storage.QueryResult `json:"results"`
}

// SearchByTagInput is the input for the search_by_tag tool.
type SearchByTagInput struct {
	Tags []string `json:"tags" jsonschema:"tags to match, a memory matches when it carries any of them"`
}

// SearchByTagOutput carries tag search results.
type SearchByTagOutput struct {
	Tags    []string        `json:"tags"`
	Results []memory.Memory `json:"results"`
}

// DeleteMemoryInput is the input for the delete_memory tool.
type DeleteMemoryInput struct {
	ContentHash string `json:"content_hash" jsonschema:"content hash identifying the memory to delete"`
}

// DeleteMemoryOutput reports the outcome of a delete.
type DeleteMemoryOutput struct {
	Success     bool   `json:"success"`
	ContentHash string `json:"content_hash"`
}

// registerMemoryTools registers the memory operation tools.
// Tools: store_memory, retrieve_memory, search_by_tag, delete_memory
func (s *Server) registerMemoryTools() error {
	storeSchema, err := jsonschema.For[StoreMemoryInput](nil)
	if err != nil {
		return fmt.Errorf("schema for store_memory: %w", err)
	}
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "store_memory",
		Description: "Store a memory with optional tags and type. Writes are rate limited; set force to bypass the limiter.",
		InputSchema: storeSchema,
	}, s.StoreMemory)

	retrieveSchema, err := jsonschema.For[RetrieveMemoryInput](nil)
	if err != nil {
		return fmt.Errorf("schema for retrieve_memory: %w", err)
	}
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "retrieve_memory",
		Description: "Retrieve memories by semantic similarity to a query.",
		InputSchema: retrieveSchema,
	}, s.RetrieveMemory)

	searchSchema, err := jsonschema.For[SearchByTagInput](nil)
	if err != nil {
		return fmt.Errorf("schema for search_by_tag: %w", err)
	}
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "search_by_tag",
		Description: "Find memories carrying any of the given tags.",
		InputSchema: searchSchema,
	}, s.SearchByTag)

	deleteSchema, err := jsonschema.For[DeleteMemoryInput](nil)
	if err != nil {
		return fmt.Errorf("schema for delete_memory: %w", err)
	}
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "delete_memory",
		Description: "Delete a memory by its content hash.",
		InputSchema: deleteSchema,
	}, s.DeleteMemory)

	return nil
}

// StoreMemory handles the store_memory MCP tool call. Writes pass
// through the rate limiter before reaching the backend; a limiter
// denial is reported to the model, not raised as a protocol error.
func (s *Server) StoreMemory(ctx context.Context, req *mcp.CallToolRequest, input StoreMemoryInput) (*mcp.CallToolResult, any, error) {
	if input.Content == "" {
		return errorResult("content is required"), nil, nil
	}

	allowed, reason, stored := s.app.Limiter.Admit(input.Content, input.Force)
	if !allowed {
		return errorResult("rate limited: %s", reason), nil, nil
	}

	mem := memory.New(stored, input.Tags, input.MemoryType)
	ok, msg, err := s.app.Backend.Store(ctx, mem)
	if err != nil {
		return nil, nil, fmt.Errorf("store_memory failed: %w", err)
	}
	if !ok {
		return errorResult("%s", msg), nil, nil
	}

	result, err := textResult(StoreMemoryOutput{
		Success:     true,
		Message:     msg,
		ContentHash: mem.ContentHash,
		Truncated:   len(stored) < len(input.Content),
	})
	return result, nil, err
}

// RetrieveMemory handles the retrieve_memory MCP tool call. Read errors
// degrade to an empty result set; the error goes to the log.
func (s *Server) RetrieveMemory(ctx context.Context, req *mcp.CallToolRequest, input RetrieveMemoryInput) (*mcp.CallToolResult, any, error) {
	if input.Query == "" {
		return errorResult("query is required"), nil, nil
	}
	n := input.N
	if n <= 0 {
		n = 5
	}

	results, err := s.app.Backend.Retrieve(ctx, input.Query, n)
	if err != nil {
		s.logger.Warn("retrieve failed, returning empty results",
			"query", input.Query, "error", err)
		results = nil
	}
	if results == nil {
		results = []storage.QueryResult{}
	}

	result, err := textResult(RetrieveMemoryOutput{Query: input.Query, Results: results})
	return result, nil, err
}

// SearchByTag handles the search_by_tag MCP tool call.
func (s *Server) SearchByTag(ctx context.Context, req *mcp.CallToolRequest, input SearchByTagInput) (*mcp.CallToolResult, any, error) {
	if len(input.Tags) == 0 {
		return errorResult("at least one tag is required"), nil, nil
	}

	results, err := s.app.Backend.SearchByTag(ctx, input.Tags)
	if err != nil {
		s.logger.Warn("tag search failed, returning empty results",
			"tags", input.Tags, "error", err)
		results = nil
	}
	if results == nil {
		results = []memory.Memory{}
	}

	result, err := textResult(SearchByTagOutput{Tags: input.Tags, Results: results})
	return result, nil, err
}

// DeleteMemory handles the delete_memory MCP tool call.
func (s *Server) DeleteMemory(ctx context.Context, req *mcp.CallToolRequest, input DeleteMemoryInput) (*mcp.CallToolResult, any, error) {
	if input.ContentHash == "" {
		return errorResult("content_hash is required"), nil, nil
	}

	if err := s.app.Backend.Delete(ctx, input.ContentHash); err != nil {
		return nil, nil, fmt.Errorf("delete_memory failed: %w", err)
	}

	result, err := textResult(DeleteMemoryOutput{Success: true, ContentHash: input.ContentHash})
	return result, nil, err
}
