// Sealerbench MCP server.
// Exposes harness tools over MCP stdio transport.
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	mcptools "github.com/gateway-fm/sealerbench/internal/mcp"
)

func main() {
	baseURL := os.Getenv("SEALERBENCH_URL")
	if baseURL == "" {
		baseURL = "http://localhost:3002"
	}

	s := server.NewMCPServer(
		"sealerbench",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	mcptools.RegisterTools(s, mcptools.NewClient(baseURL))

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}
