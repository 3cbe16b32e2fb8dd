package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	mcpSdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/engram0/engram/internal/app"
	"github.com/engram0/engram/internal/config"
	"github.com/engram0/engram/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start the MCP server on stdio",
	Long: `Start the MCP server on standard input/output. This is the transport
MCP clients spawn as a subprocess. All logging goes to stderr; stdout
carries JSON-RPC only.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

// runMCP initializes the application and serves MCP on stdio until the
// client disconnects or the process is signalled.
func runMCP(parent context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.Setup(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			a.Logger.Warn("shutdown error", "error", closeErr)
		}
	}()
	slog.SetDefault(a.Logger)

	server, err := mcp.NewServer(mcp.Config{
		Name:    "engram",
		Version: Version,
		App:     a,
	})
	if err != nil {
		return fmt.Errorf("creating MCP server: %w", err)
	}

	a.Logger.Info("MCP server ready",
		"name", "engram",
		"version", Version,
		"transport", "stdio",
		"backend", a.Backend.Name(),
	)

	if err := server.Run(ctx, &mcpSdk.StdioTransport{}); err != nil {
		return fmt.Errorf("MCP server error: %w", err)
	}

	a.Logger.Info("MCP server shut down gracefully")
	return nil
}
