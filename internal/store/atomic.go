package store

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Telemetry counts atomic-replace activity across every cache artifact,
// persisted to binary-store-telemetry.json. It is the implementation of
// the cache's durability bookkeeping and is exercised by every call to
// atomicWrite/writeJSONAtomic.
type Telemetry struct {
	AtomicReplaceAttempts int64     `json:"atomicReplaceAttempts"`
	AtomicReplaceFailures int64     `json:"atomicReplaceFailures"`
	Retries               int64     `json:"retries"`
	FallbackCopies        int64     `json:"fallbackCopies"`
	RollbackCount         int64     `json:"rollbackCount"`
	CorruptionAutoClears  int64     `json:"corruptionAutoClears"`
	TempSweepCount        int64     `json:"tempSweepCount"`
	LastUpdated           time.Time `json:"lastUpdated"`
}

// The note* helpers are nil-safe so call sites with no telemetry to
// report into (the ANN index's own save, telemetry's self-save) can pass
// nil.
func (t *Telemetry) noteRetry() {
	if t != nil {
		t.Retries++
	}
}

func (t *Telemetry) noteFallbackCopy() {
	if t != nil {
		t.FallbackCopies++
	}
}

func telemetryPath(cacheDir string) string {
	return filepath.Join(cacheDir, "binary-store-telemetry.json")
}

func loadTelemetry(cacheDir string) *Telemetry {
	var t Telemetry
	if err := readJSON(telemetryPath(cacheDir), &t); err != nil {
		return &Telemetry{}
	}
	return &t
}

func (t *Telemetry) save(cacheDir string) {
	t.LastUpdated = time.Now()
	// Best-effort: telemetry is diagnostic, never blocks a save. Writes
	// with nil telemetry so a failing self-save doesn't count itself.
	_ = writeJSONAtomic(telemetryPath(cacheDir), nil, t)
}

// atomicWrite implements the atomic-replace idiom: write to
// <name>.tmp.<uuid>, fsync, rename over the final path. A refused rename
// is retried once, then degraded to copying the payload over the final
// path (losing atomicity, not durability); both escalations are recorded
// in tel. On a failure before the copy fallback the prior artifact at path
// is left untouched; a copy that fails partway can leave path truncated.
// The temp file is removed on every failure.
func atomicWrite(path string, tel *Telemetry, write func(f *os.File) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	tmp := fmt.Sprintf("%s.tmp.%s", path, uuid.NewString())
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp %s: %w", tmp, err)
	}

	if err := write(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("fsync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}

	renameErr := os.Rename(tmp, path)
	if renameErr == nil {
		return nil
	}
	tel.noteRetry()
	if os.Rename(tmp, path) == nil {
		return nil
	}

	tel.noteFallbackCopy()
	if err := copyOver(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s -> %s: %w", tmp, path, renameErr)
	}
	os.Remove(tmp)
	return nil
}

// copyOver rewrites dst in place with src's content and fsyncs it, the
// non-atomic last resort when the filesystem refuses to rename.
func copyOver(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func writeJSONAtomic(path string, tel *Telemetry, v any) error {
	return atomicWrite(path, tel, func(f *os.File) error {
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	})
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// sweepStaleTemps scans dir for <name>.tmp.<uuid> leftovers, removing
// those older than grace. found counts every temp present regardless of
// age -- any temp at load time is evidence of a save that died between
// temp write and rename.
func sweepStaleTemps(dir string, grace time.Duration) (found, removed int) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, 0
	}
	cutoff := time.Now().Add(-grace)
	for _, e := range entries {
		if e.IsDir() || !isTempArtifact(e.Name()) {
			continue
		}
		found++
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if os.Remove(filepath.Join(dir, e.Name())) == nil {
			removed++
		}
	}
	return found, removed
}

func isTempArtifact(name string) bool {
	return strings.Contains(name, ".tmp.")
}

// sortedKeys returns the sorted keys of a string set, used to make
// call-graph JSON output deterministic across saves.
func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
