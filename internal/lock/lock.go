// Package lock implements the per-workspace single-owner lock: one engine
// process may hold a given cache directory at a time. Stale-PID detection
// goes through os.FindProcess + signal 0; the cross-process advisory lock
// itself is gofrs/flock.
package lock

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	eerrors "github.com/softerist/heuristic-mcp-sub001/internal/errors"
)

// Info is the payload written to server.lock.json while a Lock is held.
type Info struct {
	PID        int       `json:"pid"`
	Workspace  string    `json:"workspace"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// Lock represents a held workspace lock. Release must be called exactly
// once to free both the flock and the lock file.
type Lock struct {
	path string
	fl   *flock.Flock
}

func lockFilePath(cacheDir string) string {
	return filepath.Join(cacheDir, "server.lock.json")
}

// Acquire attempts to take ownership of cacheDir for workspace. If a prior
// lock file exists and its recorded PID is no longer alive, it is treated
// as stale and swept before the new attempt. A lock held by a live process
// is reported as eerrors.WorkspaceLocked.
func Acquire(cacheDir, workspace string) (*Lock, error) {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("lock: mkdir cache dir: %w", err)
	}

	path := lockFilePath(cacheDir)
	sweepStale(path)

	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock: try lock: %w", err)
	}
	if !ok {
		info, _ := readInfo(path)
		return nil, eerrors.New(eerrors.WorkspaceLocked,
			fmt.Sprintf("workspace %s is already locked by pid %d", workspace, info.PID), nil)
	}

	info := Info{PID: os.Getpid(), Workspace: workspace, AcquiredAt: time.Now()}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		fl.Unlock()
		return nil, fmt.Errorf("lock: marshal info: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		fl.Unlock()
		return nil, fmt.Errorf("lock: write info: %w", err)
	}

	return &Lock{path: path, fl: fl}, nil
}

// Release frees the lock and removes server.lock.json.
func (l *Lock) Release() error {
	err := l.fl.Unlock()
	_ = os.Remove(l.path)
	return err
}

func readInfo(path string) (Info, error) {
	var info Info
	data, err := os.ReadFile(path)
	if err != nil {
		return info, err
	}
	err = json.Unmarshal(data, &info)
	return info, err
}

// sweepStale removes path if it names a PID that is no longer running.
// A missing or unparsable lock file is left alone; flock.TryLock will
// succeed or fail on its own terms in that case.
func sweepStale(path string) {
	info, err := readInfo(path)
	if err != nil {
		return
	}
	if info.PID <= 0 || processAlive(info.PID) {
		return
	}
	_ = os.Remove(path)
}

// processAlive reports whether pid names a live process, using the
// find-then-signal-0 idiom (no permission check beyond existence on
// POSIX; os.FindProcess always succeeds on Unix so the signal is what
// actually probes liveness).
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil
}
