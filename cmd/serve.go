package cmd

import (
	"fmt"
	"log/slog"
	"net"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/engram0/engram/api"
	"github.com/engram0/engram/internal/app"
	"github.com/engram0/engram/internal/config"
	"github.com/engram0/engram/internal/mcp"
)

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server (REST health API + network MCP)",
	Long: `Start the HTTP server. The listener carries both the REST health
endpoints under /api and the MCP streamable HTTP transport at /mcp,
for clients that connect over the network instead of spawning a
subprocess.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "listen host (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if serveHost != "" {
		cfg.HTTPHost = serveHost
	}
	if servePort != 0 {
		cfg.HTTPPort = servePort
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
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

	mcpServer, err := mcp.NewServer(mcp.Config{
		Name:    "engram",
		Version: Version,
		App:     a,
	})
	if err != nil {
		return fmt.Errorf("creating MCP server: %w", err)
	}

	addr := net.JoinHostPort(cfg.HTTPHost, strconv.Itoa(cfg.HTTPPort))
	a.Logger.Info("HTTP server ready",
		"addr", addr,
		"health", "/api/health, /api/health/detailed",
		"mcp", "/mcp",
		"backend", a.Backend.Name(),
	)

	return api.NewServer(a, mcpServer.Handler()).Run(ctx, addr)
}
