package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/softerist/heuristic-mcp-sub001/internal/gitignore"
)

// HybridWatcher is the production Watcher: fsnotify when the platform
// supports it, the polling backend otherwise. Raw events from either
// backend pass through the same ignore filter, special-file routing, and
// debouncer before reaching consumers as batches.
type HybridWatcher struct {
	fsWatcher   *fsnotify.Watcher
	pollWatcher *PollingWatcher
	useFsnotify bool

	debouncer *Debouncer
	rootPath  string
	opts      Options

	mu        sync.RWMutex
	gitignore *gitignore.Matcher
	stopped   bool

	events         chan []FileEvent
	errors         chan error
	stopCh         chan struct{}
	droppedBatches atomic.Uint64
}

// Events() batches due to debouncing, so HybridWatcher satisfies the
// Watcher shape with []FileEvent instead of FileEvent.
var _ interface {
	Start(ctx context.Context, path string) error
	Stop() error
	Events() <-chan []FileEvent
	Errors() <-chan error
} = (*HybridWatcher)(nil)

// NewHybridWatcher picks the backend: fsnotify if a watcher can be
// created, polling otherwise.
func NewHybridWatcher(opts Options) (*HybridWatcher, error) {
	opts = opts.WithDefaults()

	h := &HybridWatcher{
		debouncer: NewDebouncer(opts.DebounceWindow),
		gitignore: newIgnoreMatcher(opts.IgnorePatterns),
		events:    make(chan []FileEvent, opts.EventBufferSize),
		errors:    make(chan error, 10),
		stopCh:    make(chan struct{}),
		opts:      opts,
	}

	if fsw, err := fsnotify.NewWatcher(); err == nil {
		h.fsWatcher = fsw
		h.useFsnotify = true
	} else {
		h.pollWatcher = NewPollingWatcher(opts.PollInterval)
	}
	return h, nil
}

// newIgnoreMatcher seeds a matcher with the caller's extra patterns plus
// the cache directory, which must never feed back into indexing.
func newIgnoreMatcher(extra []string) *gitignore.Matcher {
	m := gitignore.New()
	for _, pattern := range extra {
		m.AddPattern(pattern)
	}
	m.AddPattern(".heuristic-mcp/")
	m.AddPattern(".heuristic-mcp/**")
	return m
}

// Start watches path until Stop or context cancellation.
func (h *HybridWatcher) Start(ctx context.Context, path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve absolute path: %w", err)
	}
	h.rootPath = absPath

	h.reloadGitignore()
	go h.forwardBatches(ctx)

	if h.useFsnotify {
		return h.runFsnotify(ctx)
	}
	return h.runPolling(ctx)
}

// runFsnotify registers every directory under the root, then pumps raw
// fsnotify events through routeEvent.
func (h *HybridWatcher) runFsnotify(ctx context.Context) error {
	if err := h.watchTree(h.rootPath); err != nil {
		return fmt.Errorf("add directories to watcher: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			_ = h.Stop()
			return ctx.Err()
		case <-h.stopCh:
			return nil
		case event, ok := <-h.fsWatcher.Events:
			if !ok {
				return nil
			}
			h.handleFsnotifyEvent(event)
		case err, ok := <-h.fsWatcher.Errors:
			if !ok {
				return nil
			}
			h.emitError(err)
		}
	}
}

// runPolling pumps the polling backend's events through the same routing
// as fsnotify's.
func (h *HybridWatcher) runPolling(ctx context.Context) error {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-h.stopCh:
				return
			case event, ok := <-h.pollWatcher.Events():
				if !ok {
					return
				}
				h.routeEvent(event)
			case err, ok := <-h.pollWatcher.Errors():
				if !ok {
					return
				}
				h.emitError(err)
			}
		}
	}()

	return h.pollWatcher.Start(ctx, h.rootPath)
}

// handleFsnotifyEvent translates one raw fsnotify event into a FileEvent
// and routes it. New directories are added to the watch set immediately so
// files created inside them aren't missed.
func (h *HybridWatcher) handleFsnotifyEvent(event fsnotify.Event) {
	relPath, err := filepath.Rel(h.rootPath, event.Name)
	if err != nil {
		relPath = event.Name
	}

	isDir := false
	if info, err := os.Stat(event.Name); err == nil {
		isDir = info.IsDir()
	}

	var op Operation
	switch {
	case event.Op&fsnotify.Create != 0:
		op = OpCreate
		if isDir {
			_ = h.fsWatcher.Add(event.Name)
		}
	case event.Op&fsnotify.Write != 0:
		op = OpModify
	case event.Op&fsnotify.Remove != 0:
		op = OpDelete
	case event.Op&fsnotify.Rename != 0:
		op = OpRename
	default:
		return // chmod and friends carry no content change
	}

	h.routeEvent(FileEvent{Path: relPath, Operation: op, IsDir: isDir, Timestamp: time.Now()})
}

// routeEvent applies the ignore filter and special-file handling shared by
// both backends, then hands the event to the debouncer. A .gitignore edit
// reloads the matcher and surfaces as OpGitignoreChange so the indexer can
// reconcile; a project-config edit surfaces as OpConfigChange.
func (h *HybridWatcher) routeEvent(event FileEvent) {
	if h.shouldIgnore(event.Path, event.IsDir) {
		return
	}

	switch filepath.Base(event.Path) {
	case ".gitignore":
		h.reloadGitignore()
		h.debouncer.Add(FileEvent{Path: event.Path, Operation: OpGitignoreChange, Timestamp: time.Now()})
	case ".heuristic-mcp.yaml", ".heuristic-mcp.yml":
		h.debouncer.Add(FileEvent{Path: event.Path, Operation: OpConfigChange, Timestamp: time.Now()})
	default:
		h.debouncer.Add(event)
	}
}

// forwardBatches relays debounced batches to the public Events channel.
func (h *HybridWatcher) forwardBatches(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		case batch, ok := <-h.debouncer.Output():
			if !ok {
				return
			}
			if len(batch) > 0 {
				h.emitBatch(batch)
			}
		}
	}
}

// watchTree registers root and every non-ignored directory below it.
func (h *HybridWatcher) watchTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil && path == root {
			return err
		}
		if err != nil || !d.IsDir() {
			return nil
		}

		relPath, _ := filepath.Rel(h.rootPath, path)
		if relPath == "." {
			return h.fsWatcher.Add(path)
		}
		if h.shouldIgnore(relPath, true) {
			return filepath.SkipDir
		}
		return h.fsWatcher.Add(path)
	})
}

// shouldIgnore filters the version-control dir, the cache dir, and
// anything the gitignore matcher excludes.
func (h *HybridWatcher) shouldIgnore(relPath string, isDir bool) bool {
	if relPath == "." || relPath == "" {
		return true
	}
	if relPath == ".git" || strings.HasPrefix(relPath, ".git/") {
		return true
	}
	if relPath == ".heuristic-mcp" || strings.HasPrefix(relPath, ".heuristic-mcp/") {
		return true
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.gitignore.Match(relPath, isDir)
}

// reloadGitignore rebuilds the matcher from the root .gitignore plus every
// nested one, re-seeding the always-on patterns first.
func (h *HybridWatcher) reloadGitignore() {
	matcher := newIgnoreMatcher(h.opts.IgnorePatterns)

	rootFile := filepath.Join(h.rootPath, ".gitignore")
	if err := matcher.AddFromFile(rootFile, ""); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to load root .gitignore",
			slog.String("path", rootFile),
			slog.String("error", err.Error()))
	}

	_ = filepath.WalkDir(h.rootPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			slog.Warn("skipping directory in gitignore scan",
				slog.String("path", path),
				slog.String("error", err.Error()))
			return nil
		}
		if d.IsDir() || d.Name() != ".gitignore" || path == rootFile {
			return nil
		}
		base, _ := filepath.Rel(h.rootPath, filepath.Dir(path))
		if err := matcher.AddFromFile(path, base); err != nil {
			slog.Warn("failed to read nested .gitignore",
				slog.String("path", path),
				slog.String("error", err.Error()))
		}
		return nil
	})

	h.mu.Lock()
	h.gitignore = matcher
	h.mu.Unlock()
}

// emitBatch sends without blocking; a full buffer drops the batch and
// bumps the drop counter.
func (h *HybridWatcher) emitBatch(batch []FileEvent) {
	h.mu.RLock()
	stopped := h.stopped
	h.mu.RUnlock()
	if stopped {
		return
	}

	select {
	case h.events <- batch:
	default:
		count := h.droppedBatches.Add(1)
		slog.Warn("event buffer full, dropping batch",
			slog.Int("batch_size", len(batch)),
			slog.Uint64("total_dropped_batches", count))
	}
}

// DroppedBatches reports how many batches were lost to buffer overflow.
func (h *HybridWatcher) DroppedBatches() uint64 {
	return h.droppedBatches.Load()
}

func (h *HybridWatcher) emitError(err error) {
	h.mu.RLock()
	stopped := h.stopped
	h.mu.RUnlock()
	if stopped {
		return
	}
	select {
	case h.errors <- err:
	default:
	}
}

// Stop halts the backend and debouncer and closes the public channels.
// Safe to call more than once.
func (h *HybridWatcher) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopped {
		return nil
	}
	h.stopped = true
	close(h.stopCh)

	h.debouncer.Stop()
	if h.useFsnotify && h.fsWatcher != nil {
		_ = h.fsWatcher.Close()
	}
	if h.pollWatcher != nil {
		_ = h.pollWatcher.Stop()
	}

	close(h.events)
	close(h.errors)
	return nil
}

// Events streams debounced batches.
func (h *HybridWatcher) Events() <-chan []FileEvent {
	return h.events
}

// Errors streams non-fatal backend errors.
func (h *HybridWatcher) Errors() <-chan error {
	return h.errors
}

// IsHealthy reports whether the watcher is still running.
func (h *HybridWatcher) IsHealthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return !h.stopped
}

// WatcherType names the active backend, for status reporting.
func (h *HybridWatcher) WatcherType() string {
	if h.useFsnotify {
		return "fsnotify"
	}
	return "polling"
}

// RootPath returns the watched root.
func (h *HybridWatcher) RootPath() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rootPath
}
