// Package cmd provides the CLI commands for heuristic-mcp.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/softerist/heuristic-mcp-sub001/pkg/version"
)

// NewRootCmd creates the root command. With no subcommand it runs the MCP
// server over stdio against the current directory, the
// "just run it in your project" entry point.
func NewRootCmd() *cobra.Command {
	var workspace string
	var force bool

	root := &cobra.Command{
		Use:     "heuristic-mcp",
		Short:   "Per-workspace semantic code search, exposed over MCP",
		Version: version.Version,
		Long: `heuristic-mcp indexes a codebase's chunks into a hybrid
lexical/semantic search engine and exposes it to AI coding assistants over
the Model Context Protocol.

Run with no subcommand to start the MCP stdio server for the current
directory; it indexes on first run and incrementally afterward.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), workspace, force)
		},
	}

	root.SetVersionTemplate("heuristic-mcp version {{.Version}}\n")
	root.PersistentFlags().StringVar(&workspace, "workspace", ".", "workspace root to index and search")
	root.Flags().BoolVar(&force, "reindex", false, "force a full reindex before serving")

	root.AddCommand(newIndexCmd())
	root.AddCommand(newVersionCmd())
	root.AddCommand(newEmbedWorkerCmd())

	return root
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
