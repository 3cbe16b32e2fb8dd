package mcp

import (
	"context"
	"encoding/json"
	"sort"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// connectServer creates an engram MCP server over the given backend and
// an SDK client connected via in-memory transports. Returns the client
// session for making protocol calls. Both sessions are cleaned up via
// t.Cleanup.
func connectServer(t *testing.T) *mcp.ClientSession {
	t.Helper()

	server := newTestServer(t, newStubBackend())
	ctx := context.Background()
	serverTransport, clientTransport := mcp.NewInMemoryTransports()

	serverSession, err := server.mcpServer.Connect(ctx, serverTransport, nil)
	if err != nil {
		t.Fatalf("server.Connect() unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = serverSession.Close() })

	client := mcp.NewClient(&mcp.Implementation{
		Name:    "test-client",
		Version: "1.0.0",
	}, nil)

	clientSession, err := client.Connect(ctx, clientTransport, nil)
	if err != nil {
		t.Fatalf("client.Connect() unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = clientSession.Close() })

	return clientSession
}

// TestProtocol_ListTools verifies that tools/list returns all
// registered tools with correct names.
func TestProtocol_ListTools(t *testing.T) {
	session := connectServer(t)

	result, err := session.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatalf("ListTools() unexpected error: %v", err)
	}

	var names []string
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
	}
	sort.Strings(names)

	wantNames := []string{
		"check_database_health",
		"delete_memory",
		"rate_limit_status",
		"retrieve_memory",
		"search_by_tag",
		"store_memory",
	}

	if len(names) != len(wantNames) {
		t.Fatalf("ListTools() returned %d tools, want %d\ngot:  %v\nwant: %v", len(names), len(wantNames), names, wantNames)
	}
	for i, got := range names {
		if got != wantNames[i] {
			t.Errorf("ListTools() tool[%d] = %q, want %q", i, got, wantNames[i])
		}
	}
}

// TestProtocol_ListTools_HaveDescriptions verifies that all tools
// include non-empty descriptions.
func TestProtocol_ListTools_HaveDescriptions(t *testing.T) {
	session := connectServer(t)

	result, err := session.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatalf("ListTools() unexpected error: %v", err)
	}
	for _, tool := range result.Tools {
		if tool.Description == "" {
			t.Errorf("ListTools() tool %q has empty description", tool.Name)
		}
	}
}

// TestProtocol_CallTool_StoreAndRetrieve verifies a store followed by a
// retrieve through the JSON-RPC tools/call endpoint.
func TestProtocol_CallTool_StoreAndRetrieve(t *testing.T) {
	session := connectServer(t)
	ctx := context.Background()

	storeResult, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name: "store_memory",
		Arguments: map[string]any{
			"content": "service discovery runs on consul",
			"tags":    []string{"infra"},
		},
	})
	if err != nil {
		t.Fatalf("CallTool(store_memory) unexpected error: %v", err)
	}
	if storeResult.IsError {
		t.Fatalf("store_memory returned error result: %v", storeResult.Content)
	}

	retrieveResult, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name: "retrieve_memory",
		Arguments: map[string]any{
			"query": "consul",
		},
	})
	if err != nil {
		t.Fatalf("CallTool(retrieve_memory) unexpected error: %v", err)
	}
	if retrieveResult.IsError {
		t.Fatalf("retrieve_memory returned error result: %v", retrieveResult.Content)
	}

	text, ok := retrieveResult.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("content is %T, want *mcp.TextContent", retrieveResult.Content[0])
	}
	var out RetrieveMemoryOutput
	if err := json.Unmarshal([]byte(text.Text), &out); err != nil {
		t.Fatalf("decoding retrieve output: %v", err)
	}
	if len(out.Results) != 1 {
		t.Fatalf("got %d results, want 1", len(out.Results))
	}
}

// TestProtocol_CallTool_UnknownTool verifies the error path for a tool
// name the server never registered.
func TestProtocol_CallTool_UnknownTool(t *testing.T) {
	session := connectServer(t)

	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name: "no_such_tool",
	})
	if err == nil && !result.IsError {
		t.Error("CallTool(no_such_tool) should fail")
	}
}
