package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// fileSnapshot is what one poll sweep remembers about a path; a change in
// either field counts as a modification.
type fileSnapshot struct {
	modTime time.Time
	size    int64
	isDir   bool
}

// PollingWatcher detects changes by periodically re-walking the tree and
// diffing against the previous sweep. It is the fallback backend for
// filesystems without inotify/FSEvents support (network mounts, some
// containers).
type PollingWatcher struct {
	interval time.Duration
	rootPath string

	mu      sync.RWMutex
	known   map[string]fileSnapshot
	stopped bool

	events chan FileEvent
	errors chan error
	stopCh chan struct{}
}

// NewPollingWatcher creates a polling watcher sweeping every interval.
func NewPollingWatcher(interval time.Duration) *PollingWatcher {
	return &PollingWatcher{
		interval: interval,
		known:    make(map[string]fileSnapshot),
		events:   make(chan FileEvent, 100),
		errors:   make(chan error, 10),
		stopCh:   make(chan struct{}),
	}
}

// Start records a baseline sweep of path, then diffs on every tick until
// Stop or context cancellation.
func (p *PollingWatcher) Start(ctx context.Context, path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve absolute path: %w", err)
	}
	p.rootPath = absPath
	if _, err := os.Stat(absPath); err != nil {
		return fmt.Errorf("perform initial scan: %w", err)
	}

	p.mu.Lock()
	p.known, err = p.sweep(nil)
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("perform initial scan: %w", err)
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = p.Stop()
			return ctx.Err()
		case <-p.stopCh:
			return nil
		case <-ticker.C:
			if err := p.diffAndEmit(); err != nil {
				select {
				case p.errors <- err:
				default:
				}
			}
		}
	}
}

// Stop halts polling and closes both channels. Safe to call more than
// once.
func (p *PollingWatcher) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return nil
	}
	p.stopped = true
	close(p.stopCh)
	close(p.events)
	close(p.errors)
	return nil
}

func (p *PollingWatcher) Events() <-chan FileEvent {
	return p.events
}

func (p *PollingWatcher) Errors() <-chan error {
	return p.errors
}

// sweep walks the root, snapshotting every reachable entry. Unreadable
// entries are skipped silently, matching how the fsnotify backend treats
// them. When visit is non-nil it is called per entry, letting diffAndEmit
// compare against the previous sweep in the same pass.
func (p *PollingWatcher) sweep(visit func(relPath string, snap fileSnapshot)) (map[string]fileSnapshot, error) {
	seen := make(map[string]fileSnapshot, len(p.known))

	err := filepath.WalkDir(p.rootPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		relPath, err := filepath.Rel(p.rootPath, path)
		if err != nil || relPath == "." {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}

		snap := fileSnapshot{modTime: info.ModTime(), size: info.Size(), isDir: d.IsDir()}
		seen[relPath] = snap
		if visit != nil {
			visit(relPath, snap)
		}
		return nil
	})
	if err != nil {
		return seen, fmt.Errorf("walk directory for changes: %w", err)
	}
	return seen, nil
}

// diffAndEmit re-sweeps the tree, emitting creates and modifies inline and
// deletes for anything the previous sweep knew that this one didn't find.
func (p *PollingWatcher) diffAndEmit() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	current, err := p.sweep(func(relPath string, snap fileSnapshot) {
		prev, existed := p.known[relPath]
		switch {
		case !existed:
			p.emit(FileEvent{Path: relPath, Operation: OpCreate, IsDir: snap.isDir, Timestamp: time.Now()})
		case prev.modTime != snap.modTime || prev.size != snap.size:
			p.emit(FileEvent{Path: relPath, Operation: OpModify, IsDir: snap.isDir, Timestamp: time.Now()})
		}
	})
	if err != nil {
		return err
	}

	for relPath, snap := range p.known {
		if _, stillThere := current[relPath]; !stillThere {
			p.emit(FileEvent{Path: relPath, Operation: OpDelete, IsDir: snap.isDir, Timestamp: time.Now()})
		}
	}

	p.known = current
	return nil
}

// emit sends without blocking; a full buffer drops the event. Caller holds
// the lock.
func (p *PollingWatcher) emit(event FileEvent) {
	if p.stopped {
		return
	}
	select {
	case p.events <- event:
	default:
		slog.Warn("polling watcher buffer full, dropping event",
			slog.String("path", event.Path),
			slog.String("op", event.Operation.String()))
	}
}
