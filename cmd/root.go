// Package cmd wires the engram commands. All application logic lives in
// the internal packages; this package parses flags, loads configuration,
// and runs the chosen server mode.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "engram",
	Short: "engram - semantic memory service over MCP",
	Long: `engram is a semantic memory service for AI assistants, exposed over
the Model Context Protocol. Memories are embedded and stored in a
pluggable vector backend (sqlite-vec by default; chromem, Cloudflare,
pgvector and a hybrid local-plus-cloud mode are available).

Running engram without a subcommand starts the MCP server on stdio,
which is what MCP clients such as Claude Desktop expect.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		// No subcommand means stdio MCP mode.
		return runMCP(cmd.Context())
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
