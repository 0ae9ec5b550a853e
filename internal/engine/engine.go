// Package engine wires one workspace's Cache, Indexer, WorkerPool, Embedder,
// search.Engine, FileWatcher, and WorkspaceLock into a single unit the MCP
// server drives, including the coalescing of watcher events that arrive
// while an indexing pass is still running.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/softerist/heuristic-mcp-sub001/internal/config"
	"github.com/softerist/heuristic-mcp-sub001/internal/embed"
	eerrors "github.com/softerist/heuristic-mcp-sub001/internal/errors"
	"github.com/softerist/heuristic-mcp-sub001/internal/index"
	"github.com/softerist/heuristic-mcp-sub001/internal/lock"
	"github.com/softerist/heuristic-mcp-sub001/internal/scanner"
	"github.com/softerist/heuristic-mcp-sub001/internal/search"
	"github.com/softerist/heuristic-mcp-sub001/internal/store"
	"github.com/softerist/heuristic-mcp-sub001/internal/watcher"
	"github.com/softerist/heuristic-mcp-sub001/internal/workerpool"
	"github.com/softerist/heuristic-mcp-sub001/internal/workspace"
)

// Engine is the live, workspace-bound set of components behind the MCP
// tool surface. Exactly one Engine may hold a given cache directory at a
// time (enforced by the embedded WorkspaceLock).
type Engine struct {
	Cfg      *config.Config
	Cache    *store.Cache
	Indexer  *index.Indexer
	Search   *search.Engine
	Embedder embed.Embedder

	// CacheRoot is the application-level cache root (cfg.CacheDirectory as
	// given to New, before it was rewritten to the workspace-scoped
	// subdirectory). f_set_workspace reuses it to rebase the next engine.
	CacheRoot string

	// primaryCacheDir and legacyCacheDir track a read-only compatibility-path
	// hit: when set, Close migrates the legacy directory to the
	// primary key.
	primaryCacheDir string
	legacyCacheDir  bool

	pool   *workerpool.Pool
	lock   *lock.Lock
	watch  *watcher.HybridWatcher
	logger *slog.Logger

	mu          sync.Mutex
	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

// New builds and starts an Engine for cfg.SearchDirectory. It acquires the
// workspace lock, loads the cache, constructs the embedding pool and search
// engine, and -- if cfg.WatchFiles -- starts the file watcher loop.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cacheRoot := cfg.CacheDirectory
	primaryCacheDir, err := workspace.CacheDir(cacheRoot, cfg.SearchDirectory)
	if err != nil {
		return nil, fmt.Errorf("engine: resolve workspace cache dir: %w", err)
	}
	wsCacheDir, usedLegacyCacheDir, err := workspace.ResolveExistingCacheDir(cacheRoot, cfg.SearchDirectory)
	if err != nil {
		return nil, fmt.Errorf("engine: resolve workspace cache dir: %w", err)
	}
	if usedLegacyCacheDir {
		logger.Info("using legacy workspace cache directory, will migrate on close",
			"legacyDir", wsCacheDir, "primaryDir", primaryCacheDir)
	}
	cfg.CacheDirectory = wsCacheDir

	l, err := lock.Acquire(cfg.CacheDirectory, cfg.SearchDirectory)
	if err != nil {
		return nil, err
	}

	embedder, err := embed.NewEmbedder(ctx, embed.ParseProvider(""), cfg.EmbeddingModel)
	if err != nil {
		_ = l.Release()
		return nil, eerrors.Wrap(eerrors.ModelLoadFailed, err)
	}

	if cfg.EmbeddingProcessPerBatch {
		info := embed.GetInfo(ctx, embedder)
		sub, serr := embed.NewSubprocessEmbedder(embed.SubprocessConfig{
			Provider: info.Provider,
			Model:    info.Model,
			Dims:     info.Dimensions,
		})
		if serr != nil {
			logger.Warn("subprocess-per-batch embedding unavailable, staying in-process", "error", serr)
		} else {
			_ = embedder.Close()
			embedder = sub
		}
	}

	cache := store.New(store.Config{
		CacheDirectory:    cfg.CacheDirectory,
		EmbeddingModel:    embedder.ModelName(),
		Dim:               embedder.Dimensions(),
		VectorStoreFormat: cfg.VectorStoreFormat,
		AnnEnabled:        cfg.AnnEnabled,
		AnnMinChunks:      cfg.AnnMinChunks,
		AnnM:              cfg.AnnM,
		AnnEfConstruction: cfg.AnnEfConstruction,
		AnnEfSearch:       cfg.AnnEfSearch,
	})
	if err := cache.Load(); err != nil {
		logger.Warn("cache load reset to empty", "error", err)
	}

	sc, err := scanner.New()
	if err != nil {
		_ = embedder.Close()
		_ = l.Release()
		return nil, fmt.Errorf("engine: build scanner: %w", err)
	}

	var pool *workerpool.Pool
	if cfg.WorkerCount() > 0 {
		pool = workerpool.New(workerpool.Config{Workers: cfg.WorkerCount()}, embedder, func(open bool, until time.Time) {
			if open {
				logger.Warn("embedding circuit opened", "disabledUntil", until)
			} else {
				logger.Info("embedding circuit closed")
			}
		})
	}

	ix := index.New(cfg, cache, sc, pool, embedder)

	se := search.New(cache, embedder, search.Config{
		SemanticWeight:         cfg.SemanticWeight,
		ExactMatchBoost:        cfg.ExactMatchBoost,
		RecencyBoost:           cfg.RecencyBoost,
		RecencyDecayDays:       cfg.RecencyDecayDays,
		CallGraphEnabled:       cfg.CallGraphEnabled,
		CallGraphBoost:         cfg.CallGraphBoost,
		CallGraphMaxHops:       cfg.CallGraphMaxHops,
		AnnEnabled:             cfg.AnnEnabled,
		AnnMinCandidates:       cfg.AnnMinCandidates,
		AnnMaxCandidates:       cfg.AnnMaxCandidates,
		AnnCandidateMultiplier: cfg.AnnCandidateMultiplier,
		MaxResults:             cfg.MaxResults,
	})

	e := &Engine{
		Cfg: cfg, Cache: cache, Indexer: ix, Search: se, Embedder: embedder,
		CacheRoot:       cacheRoot,
		primaryCacheDir: primaryCacheDir,
		legacyCacheDir:  usedLegacyCacheDir,
		pool:            pool, lock: l, logger: logger,
	}

	if cfg.PreloadEmbeddingModel {
		go embedder.Available(context.Background()) // background warmup, never blocks request handling
	}

	if cfg.WatchFiles {
		if err := e.startWatcher(); err != nil {
			logger.Warn("file watcher failed to start", "error", err)
		}
	}

	return e, nil
}

// startWatcher launches the HybridWatcher and a goroutine that coalesces
// its batched events into Indexer.ApplyChangedFiles calls, deferring to a
// queue while an indexAll run is already in progress.
func (e *Engine) startWatcher() error {
	w, err := watcher.NewHybridWatcher(watcher.DefaultOptions())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.watch = w
	e.watchCancel = cancel
	e.watchDone = make(chan struct{})
	e.mu.Unlock()

	go func() {
		if err := w.Start(ctx, e.Cfg.SearchDirectory); err != nil && ctx.Err() == nil {
			e.logger.Warn("watcher stopped", "error", err)
		}
	}()

	go e.watchLoop(ctx, w)
	return nil
}

// watchLoop drains the watcher's batched events and, once indexing is not
// in progress, translates them into an incremental ApplyChangedFiles pass.
// Unlinks override any queued add/change for the same
// path; while isIndexing the queue simply accumulates until the next drain.
func (e *Engine) watchLoop(ctx context.Context, w *watcher.HybridWatcher) {
	defer close(e.watchDone)

	pending := make(map[string]bool) // path -> removed?
	var mu sync.Mutex

	flush := func() {
		mu.Lock()
		if len(pending) == 0 {
			mu.Unlock()
			return
		}
		changed := make([]string, 0, len(pending))
		removed := make([]string, 0)
		for path, isRemoved := range pending {
			if isRemoved {
				removed = append(removed, path)
			} else {
				changed = append(changed, path)
			}
		}
		pending = make(map[string]bool)
		mu.Unlock()

		if e.Indexer.State() != index.StateIdle {
			// indexAll is running; re-queue for the next tick rather than
			// dropping the events.
			mu.Lock()
			for _, p := range changed {
				pending[p] = false
			}
			for _, p := range removed {
				pending[p] = true
			}
			mu.Unlock()
			return
		}

		if err := e.Indexer.ApplyChangedFiles(context.Background(), changed, removed); err != nil {
			e.logger.Warn("incremental watcher re-index failed", "error", err)
		}
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-w.Events():
			if !ok {
				return
			}
			mu.Lock()
			for _, ev := range batch {
				if ev.IsDir {
					continue
				}
				switch ev.Operation {
				case watcher.OpDelete:
					pending[ev.Path] = true
				case watcher.OpCreate, watcher.OpModify, watcher.OpRename:
					pending[ev.Path] = false
				}
			}
			mu.Unlock()
		case err, ok := <-w.Errors():
			if !ok {
				return
			}
			e.logger.Warn("watcher error", "error", err)
		case <-ticker.C:
			flush()
		}
	}
}

// Close performs the graceful shutdown sequence: stop
// the watcher, terminate the worker pool, final save, release the lock.
func (e *Engine) Close() error {
	e.mu.Lock()
	w, cancel, done := e.watch, e.watchCancel, e.watchDone
	e.mu.Unlock()

	if w != nil {
		_ = w.Stop()
	}
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	if e.pool != nil {
		e.pool.Terminate()
	}

	saveErr := e.Cache.Save(true)
	closeErr := e.Embedder.Close()
	lockErr := e.lock.Release()

	if e.legacyCacheDir {
		e.migrateLegacyCacheDir()
	}

	if saveErr != nil {
		return saveErr
	}
	if closeErr != nil {
		return closeErr
	}
	return lockErr
}

// migrateLegacyCacheDir moves a read-only compatibility-path cache
// directory onto the primary workspaceKey. Best-effort: a
// failure just means the workspace keeps resolving through the legacy path
// next run.
func (e *Engine) migrateLegacyCacheDir() {
	if e.Cfg.CacheDirectory == e.primaryCacheDir {
		return
	}
	if _, err := os.Stat(e.primaryCacheDir); err == nil {
		return
	}
	if err := os.Rename(e.Cfg.CacheDirectory, e.primaryCacheDir); err != nil {
		e.logger.Warn("legacy cache directory migration failed", "error", err)
		return
	}
	e.logger.Info("migrated legacy cache directory", "to", e.primaryCacheDir)
}

// Reindex triggers a fresh IndexAll(force) pass, used by b_index_codebase.
func (e *Engine) Reindex(ctx context.Context, force bool) (index.Result, error) {
	return e.Indexer.IndexAll(ctx, force)
}

// WorkspacePath returns the canonicalized search directory the Engine was
// built for, for workspaceKey bookkeeping during f_set_workspace.
func (e *Engine) WorkspacePath() string {
	abs, err := filepath.Abs(e.Cfg.SearchDirectory)
	if err != nil {
		return e.Cfg.SearchDirectory
	}
	return abs
}

// ResolveCacheDir computes the workspace-scoped cache directory under
// globalCacheRoot for workspacePath.
func ResolveCacheDir(globalCacheRoot, workspacePath string) (string, error) {
	return workspace.CacheDir(globalCacheRoot, workspacePath)
}
