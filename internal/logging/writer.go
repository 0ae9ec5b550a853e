package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// RotatingWriter is an io.Writer over a log file with size-based rotation:
// server.log -> server.log.1 -> server.log.2 -> deleted past maxFiles.
type RotatingWriter struct {
	path     string
	maxSize  int64
	maxFiles int

	mu            sync.Mutex
	file          *os.File
	written       int64
	immediateSync bool
}

// NewRotatingWriter opens (or creates) path, rotating once the file would
// exceed maxSizeMB and keeping at most maxFiles rotated generations.
// Immediate sync starts enabled so a tail -f of the log sees lines as
// they happen.
func NewRotatingWriter(path string, maxSizeMB, maxFiles int) (*RotatingWriter, error) {
	w := &RotatingWriter{
		path:          path,
		maxSize:       int64(maxSizeMB) * 1024 * 1024,
		maxFiles:      maxFiles,
		immediateSync: true,
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

// SetImmediateSync toggles the per-write fsync. Disabling trades tail
// latency for throughput.
func (w *RotatingWriter) SetImmediateSync(enabled bool) {
	w.mu.Lock()
	w.immediateSync = enabled
	w.mu.Unlock()
}

// Write appends p, rotating first if it would push the file past maxSize.
// A failed rotation is reported to stderr and the write proceeds against
// the current file rather than losing the log line.
func (w *RotatingWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.written+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			fmt.Fprintf(os.Stderr, "log rotation failed: %v\n", err)
			if w.file == nil {
				if oerr := w.open(); oerr != nil {
					return 0, oerr
				}
			}
		}
	}

	n, err = w.file.Write(p)
	w.written += int64(n)
	if w.immediateSync && err == nil {
		_ = w.file.Sync()
	}
	return
}

// Close closes the underlying file.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	return w.file.Close()
}

// Sync flushes buffered writes to disk.
func (w *RotatingWriter) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	return w.file.Sync()
}

func (w *RotatingWriter) open() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	w.file = f
	w.written = info.Size()
	return nil
}

// rotatedGenerations finds the existing <path>.N files, numbered
// generations only, sorted highest first so renames cascade safely.
func (w *RotatingWriter) rotatedGenerations() ([]struct {
	path string
	num  int
}, error) {
	matches, err := filepath.Glob(w.path + ".*")
	if err != nil {
		return nil, fmt.Errorf("failed to find rotated files: %w", err)
	}

	base := filepath.Base(w.path)
	var gens []struct {
		path string
		num  int
	}
	for _, m := range matches {
		suffix := strings.TrimPrefix(filepath.Base(m), base+".")
		num, err := strconv.Atoi(suffix)
		if err != nil {
			continue
		}
		gens = append(gens, struct {
			path string
			num  int
		}{m, num})
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i].num > gens[j].num })
	return gens, nil
}

// rotate shifts every generation up by one, dropping those at or past
// maxFiles, then reopens a fresh current file.
func (w *RotatingWriter) rotate() error {
	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return fmt.Errorf("failed to close log file: %w", err)
		}
		w.file = nil
	}

	gens, err := w.rotatedGenerations()
	if err != nil {
		return err
	}
	for _, g := range gens {
		if g.num >= w.maxFiles {
			_ = os.Remove(g.path)
		} else {
			_ = os.Rename(g.path, fmt.Sprintf("%s.%d", w.path, g.num+1))
		}
	}

	if _, err := os.Stat(w.path); err == nil {
		if err := os.Rename(w.path, w.path+".1"); err != nil {
			return fmt.Errorf("failed to rotate log file: %w", err)
		}
	}

	w.written = 0
	return w.open()
}
