package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/softerist/heuristic-mcp-sub001/internal/config"
	"github.com/softerist/heuristic-mcp-sub001/internal/engine"
	eerrors "github.com/softerist/heuristic-mcp-sub001/internal/errors"
	"github.com/softerist/heuristic-mcp-sub001/internal/logging"
	mcpserver "github.com/softerist/heuristic-mcp-sub001/internal/mcp"
)

// runServe loads config for workspace, builds the Engine, and serves the
// MCP stdio protocol until the process receives SIGINT/SIGTERM.
func runServe(ctx context.Context, workspace string, force bool) error {
	root, err := filepath.Abs(workspace)
	if err != nil {
		return err
	}

	cfg, err := config.Load(root)
	if err != nil {
		return err
	}
	cfg.SearchDirectory = root

	// The MCP JSON-RPC stream owns stdout; nothing before Serve may write
	// to it. All diagnostics go to the rotating file logger instead.
	eng, err := engine.New(ctx, cfg, slog.Default())
	if err != nil {
		var ee *eerrors.EngineError
		if errors.As(err, &ee) && ee.Kind == eerrors.WorkspaceLocked {
			// Another process already owns this workspace's cache
			// directory: exit quietly rather than treat it as fatal.
			slog.Warn("workspace already locked by another process, exiting", slog.String("error", ee.Error()))
			return nil
		}
		return err
	}

	cleanup, err := logging.SetupMCPMode(eng.Cfg.CacheDirectory, logLevel(eng.Cfg.Verbose))
	if err != nil {
		_ = eng.Close()
		return err
	}
	defer cleanup()

	if force {
		if _, err := eng.Reindex(ctx, true); err != nil {
			slog.Error("initial forced reindex failed", slog.String("error", err.Error()))
		}
	}

	srv, err := mcpserver.NewServer(eng, slog.Default())
	if err != nil {
		_ = eng.Close()
		return err
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := srv.Serve(runCtx)
	closeErr := srv.Close()
	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return serveErr
	}
	return closeErr
}

func logLevel(verbose bool) string {
	if verbose {
		return "debug"
	}
	return "info"
}
