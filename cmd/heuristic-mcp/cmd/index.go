package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/softerist/heuristic-mcp-sub001/internal/config"
	"github.com/softerist/heuristic-mcp-sub001/internal/engine"
)

// newIndexCmd creates the one-shot "index" subcommand, for building or
// refreshing a workspace's cache without starting the MCP server.
func newIndexCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "index [path]",
		Short: "Build or refresh the search index for a workspace",
		Long: `Runs a single indexAll pass against the workspace and exits,
without starting the MCP server. Useful for warming the cache ahead of
time, or in CI.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "."
			if len(args) > 0 {
				path = args[0]
			}
			return runIndex(cmd.Context(), path, force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "reindex every file even if unchanged")
	return cmd
}

func runIndex(ctx context.Context, workspace string, force bool) error {
	root, err := filepath.Abs(workspace)
	if err != nil {
		return err
	}

	cfg, err := config.Load(root)
	if err != nil {
		return err
	}
	cfg.SearchDirectory = root
	cfg.WatchFiles = false

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := engine.New(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer eng.Close()

	result, err := eng.Reindex(ctx, force)
	if err != nil {
		return err
	}

	if result.Skipped {
		fmt.Printf("index skipped: %s\n", result.SkipReason)
		return nil
	}
	fmt.Printf("indexed %d files, %d chunks added (%s) in %s\n",
		result.FilesIndexed, result.ChunksAdded, result.Mode, result.Duration)
	return nil
}
