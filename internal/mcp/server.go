package mcp

import (
	"context"
	"log/slog"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/softerist/heuristic-mcp-sub001/internal/engine"
	eerrors "github.com/softerist/heuristic-mcp-sub001/internal/errors"
	"github.com/softerist/heuristic-mcp-sub001/internal/search"
	"github.com/softerist/heuristic-mcp-sub001/internal/store"
	"github.com/softerist/heuristic-mcp-sub001/pkg/version"
)

// Server is the MCP server for heuristic-mcp. It bridges AI clients (Claude
// Code, Cursor) with one workspace's search engine, held as an *engine.Engine
// that f_set_workspace can atomically swap out.
type Server struct {
	mcp    *mcp.Server
	logger *slog.Logger

	mu       sync.RWMutex
	eng      *engine.Engine
	indexing bool
}

// NewServer creates a new MCP server wrapping an already-built Engine.
func NewServer(eng *engine.Engine, logger *slog.Logger) (*Server, error) {
	if eng == nil {
		return nil, eerrors.New(eerrors.ConfigInvalid, "engine is required", nil)
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{eng: eng, logger: logger}

	s.mcp = mcp.NewServer(
		&mcp.Implementation{
			Name:    "heuristic-mcp",
			Version: version.Version,
		},
		nil,
	)

	s.registerTools()
	return s, nil
}

// MCPServer returns the underlying MCP server instance.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcp
}

// Serve starts the server over stdio.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info("starting MCP server", slog.String("transport", "stdio"))
	err := s.mcp.Run(ctx, &mcp.StdioTransport{})
	if err != nil && err != context.Canceled {
		s.logger.Error("MCP server stopped with error", slog.String("error", err.Error()))
	} else {
		s.logger.Info("MCP server stopped gracefully")
	}
	return err
}

// Close releases the server's active Engine.
func (s *Server) Close() error {
	s.mu.Lock()
	eng := s.eng
	s.mu.Unlock()
	if eng == nil {
		return nil
	}
	return eng.Close()
}

func (s *Server) currentEngine() *engine.Engine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.eng
}

// registerTools registers the 7-tool MCP surface.
func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "a_semantic_search",
		Description: "Search the indexed workspace by meaning. Combines dense vector similarity with lexical term overlap, recency, and call-graph proximity boosts. Use for most code-understanding searches.",
	}, s.handleSemanticSearch)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "b_index_codebase",
		Description: "(Re)build the workspace's search index. Pass force=true to rebuild from scratch even if nothing changed; otherwise only modified files are reprocessed.",
	}, s.handleIndexCodebase)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "c_clear_cache",
		Description: "Erase the workspace's persisted index. Refused while an index or save is in progress.",
	}, s.handleClearCache)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "d_find_similar_code",
		Description: "Given a code snippet, find the most semantically similar chunks already indexed in the workspace.",
	}, s.handleFindSimilarCode)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "e_check_package_version",
		Description: "Check a package's latest published version against an external registry. Out of scope for this server; always reports unsupported.",
	}, s.handleCheckPackageVersion)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "f_set_workspace",
		Description: "Point the server at a different workspace root, building a fresh engine for it. The previous workspace's engine is only released once the new one starts successfully.",
	}, s.handleSetWorkspace)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "ann_config",
		Description: "Inspect or adjust the approximate-nearest-neighbor index: action=stats reports its state, set_ef_search adjusts query-time breadth, rebuild forces a synchronous full rebuild.",
	}, s.handleAnnConfig)

	s.logger.Info("MCP tools registered", slog.Int("count", 7))
}

func (s *Server) handleSemanticSearch(ctx context.Context, _ *mcp.CallToolRequest, input SemanticSearchInput) (
	*mcp.CallToolResult, TextOutput, error,
) {
	if input.Query == "" {
		return nil, TextOutput{}, NewInvalidParamsError("query parameter is required")
	}

	eng := s.currentEngine()
	opts := search.Options{
		MaxResults:    clampLimit(input.MaxResults, 10, 1, 100),
		MinSimilarity: input.MinSimilarity,
	}

	resp, err := eng.Search.Search(ctx, input.Query, opts)
	if err != nil {
		return nil, TextOutput{}, MapError(err)
	}
	return nil, TextOutput{Text: FormatSearchResults(input.Query, resp)}, nil
}

func (s *Server) handleIndexCodebase(ctx context.Context, _ *mcp.CallToolRequest, input IndexCodebaseInput) (
	*mcp.CallToolResult, IndexCodebaseOutput, error,
) {
	s.mu.Lock()
	if s.indexing {
		s.mu.Unlock()
		return nil, IndexCodebaseOutput{Skipped: true, SkipReason: "indexing already in progress"}, nil
	}
	s.indexing = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.indexing = false
		s.mu.Unlock()
	}()

	eng := s.currentEngine()
	result, err := eng.Reindex(ctx, input.Force)
	if err != nil {
		return nil, IndexCodebaseOutput{}, MapError(err)
	}

	return nil, IndexCodebaseOutput{
		Skipped:      result.Skipped,
		SkipReason:   result.SkipReason,
		FilesIndexed: result.FilesIndexed,
		ChunksAdded:  result.ChunksAdded,
		Mode:         string(result.Mode),
		DurationMs:   result.Duration.Milliseconds(),
	}, nil
}

func (s *Server) handleClearCache(_ context.Context, _ *mcp.CallToolRequest, _ ClearCacheInput) (
	*mcp.CallToolResult, ClearCacheOutput, error,
) {
	eng := s.currentEngine()
	if err := eng.Cache.Clear(); err != nil {
		return nil, ClearCacheOutput{}, MapError(err)
	}
	return nil, ClearCacheOutput{Cleared: true}, nil
}

func (s *Server) handleFindSimilarCode(ctx context.Context, _ *mcp.CallToolRequest, input FindSimilarCodeInput) (
	*mcp.CallToolResult, TextOutput, error,
) {
	if input.Code == "" {
		return nil, TextOutput{}, NewInvalidParamsError("code parameter is required")
	}

	eng := s.currentEngine()
	opts := search.Options{
		MaxResults:    clampLimit(input.MaxResults, 10, 1, 100),
		MinSimilarity: input.MinSimilarity,
	}

	resp, err := eng.Search.SearchSimilar(ctx, input.Code, opts)
	if err != nil {
		return nil, TextOutput{}, MapError(err)
	}
	return nil, TextOutput{Text: FormatSimilarResults(resp)}, nil
}

// handleCheckPackageVersion is a stub: resolving package registries is an
// external collaborator this server doesn't implement. The tool
// stays on the surface so clients that expect it get a clear answer rather
// than a missing-tool error.
func (s *Server) handleCheckPackageVersion(_ context.Context, _ *mcp.CallToolRequest, input CheckPackageVersionInput) (
	*mcp.CallToolResult, CheckPackageVersionOutput, error,
) {
	if input.Package == "" {
		return nil, CheckPackageVersionOutput{}, NewInvalidParamsError("package parameter is required")
	}
	return nil, CheckPackageVersionOutput{
		Supported: false,
		Message:   "package version lookup is not implemented by this server",
	}, nil
}

// handleSetWorkspace builds a fresh Engine for the requested workspace and
// only swaps it into s once construction succeeds -- rollback on failure,
// so a failed switch leaves the old workspace serving.
func (s *Server) handleSetWorkspace(ctx context.Context, _ *mcp.CallToolRequest, input SetWorkspaceInput) (
	*mcp.CallToolResult, SetWorkspaceOutput, error,
) {
	if input.WorkspacePath == "" {
		return nil, SetWorkspaceOutput{}, NewInvalidParamsError("workspacePath parameter is required")
	}

	s.mu.Lock()
	oldEng := s.eng
	baseCfg := oldEng.Cfg
	s.mu.Unlock()

	newCfg := *baseCfg
	newCfg.SearchDirectory = input.WorkspacePath
	newCfg.CacheDirectory = oldEng.CacheRoot

	newEng, err := engine.New(ctx, &newCfg, s.logger)
	if err != nil {
		return nil, SetWorkspaceOutput{}, MapError(err)
	}

	s.mu.Lock()
	s.eng = newEng
	s.mu.Unlock()

	if err := oldEng.Close(); err != nil {
		s.logger.Warn("closing previous workspace engine", slog.String("error", err.Error()))
	}

	reindexed := false
	if input.Reindex {
		if _, err := newEng.Reindex(ctx, true); err != nil {
			s.logger.Warn("reindex after workspace switch failed", slog.String("error", err.Error()))
		} else {
			reindexed = true
		}
	}

	return nil, SetWorkspaceOutput{
		WorkspacePath: newEng.WorkspacePath(),
		CacheDir:      newCfg.CacheDirectory,
		Reindexed:     reindexed,
	}, nil
}

func (s *Server) handleAnnConfig(_ context.Context, _ *mcp.CallToolRequest, input AnnConfigInput) (
	*mcp.CallToolResult, AnnConfigOutput, error,
) {
	eng := s.currentEngine()

	switch input.Action {
	case "stats":
		return nil, toAnnConfigOutput(eng.Cache.AnnStats()), nil
	case "set_ef_search":
		if input.EfSearch <= 0 {
			return nil, AnnConfigOutput{}, NewInvalidParamsError("efSearch must be a positive integer for set_ef_search")
		}
		eng.Cache.SetAnnEfSearch(input.EfSearch)
		return nil, toAnnConfigOutput(eng.Cache.AnnStats()), nil
	case "rebuild":
		if err := eng.Cache.RebuildAnnIndex(); err != nil {
			return nil, AnnConfigOutput{}, MapError(err)
		}
		out := toAnnConfigOutput(eng.Cache.AnnStats())
		out.Rebuilt = true
		return nil, out, nil
	default:
		return nil, AnnConfigOutput{}, NewInvalidParamsError("action must be one of: stats, set_ef_search, rebuild")
	}
}

func toAnnConfigOutput(st store.AnnStats) AnnConfigOutput {
	return AnnConfigOutput{
		Enabled:  st.Enabled,
		Eligible: st.Eligible,
		Built:    st.Built,
		Dirty:    st.Dirty,
		Len:      st.Len,
		EfSearch: st.EfSearch,
		M:        st.M,
	}
}
