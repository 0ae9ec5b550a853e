package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/softerist/heuristic-mcp-sub001/internal/embed"
)

// newEmbedWorkerCmd creates the hidden "embed-worker" subcommand: the child
// side of the subprocess-per-batch embedding mode. The parent process spawns
// it with one batch framed over stdin, reads the vectors back over stdout,
// and the worker exits. Never invoked by users directly.
func newEmbedWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "embed-worker",
		Short:  "Run a single embedding batch streamed over stdio (internal)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return embed.RunWorker(cmd.Context(), os.Stdin, os.Stdout)
		},
	}
}
