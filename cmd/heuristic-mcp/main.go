// Command heuristic-mcp is the entry point for the heuristic-mcp CLI and
// MCP server.
package main

import (
	"os"

	"github.com/softerist/heuristic-mcp-sub001/cmd/heuristic-mcp/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
