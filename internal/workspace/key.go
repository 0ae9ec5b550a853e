// Package workspace computes the stable cache-directory key for a
// workspace path: workspaceKey = first 12 hex chars of
// md5(canonicalize(workspacePath)).
package workspace

import (
	"crypto/md5"
	"encoding/hex"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Canonicalize resolves symlinks and absolutizes path; on Windows it also
// lowercases the result.
func Canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// A workspace that doesn't exist yet (or a broken symlink) still
		// needs a stable key; fall back to the absolutized form.
		resolved = abs
	}
	resolved = filepath.Clean(resolved)
	if runtime.GOOS == "windows" {
		resolved = strings.ToLower(resolved)
	}
	return resolved, nil
}

// Key computes the 12-hex-char workspaceKey for path.
func Key(path string) (string, error) {
	canon, err := Canonicalize(path)
	if err != nil {
		return "", err
	}
	sum := md5.Sum([]byte(canon))
	return hex.EncodeToString(sum[:])[:12], nil
}

// CacheDir joins appCacheRoot/<workspaceKey>, the directory every
// persisted cache artifact lives under. appCacheRoot is the application's own cache
// root (e.g. config.Config.CacheDirectory, which already defaults to
// ~/.cache/heuristic-mcp) -- one subdirectory per workspace underneath it.
func CacheDir(appCacheRoot, workspacePath string) (string, error) {
	key, err := Key(workspacePath)
	if err != nil {
		return "", err
	}
	return filepath.Join(appCacheRoot, key), nil
}

// legacyCanonicalize reproduces the canonical form used before case-folding
// was added: absolutize and resolve symlinks, but never lowercase, even on
// Windows. Workspaces indexed by an older build may have a cache directory
// keyed off this form.
func legacyCanonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		resolved = abs
	}
	return filepath.Clean(resolved), nil
}

// driveLetterCaseVariant flips the case of a Windows drive-letter prefix
// ("C:\foo" <-> "c:\foo"); ok is false for paths without one.
func driveLetterCaseVariant(path string) (variant string, ok bool) {
	if len(path) < 2 || path[1] != ':' {
		return "", false
	}
	switch letter := path[0]; {
	case letter >= 'a' && letter <= 'z':
		return string(letter-('a'-'A')) + path[1:], true
	case letter >= 'A' && letter <= 'Z':
		return string(letter+('a'-'A')) + path[1:], true
	default:
		return "", false
	}
}

// LegacyKeys returns the workspaceKey variants an earlier build of this
// tool could have produced for path: the legacy (no case-fold) canonical
// form, and -- for paths carrying a Windows drive letter -- the
// drive-letter-case-only variant of both the current and legacy forms.
// These are accepted as read-only compatibility paths and
// migrated to the primary key on next save.
func LegacyKeys(path string) ([]string, error) {
	seen := make(map[string]struct{})
	var keys []string
	add := func(canon string) {
		sum := md5.Sum([]byte(canon))
		k := hex.EncodeToString(sum[:])[:12]
		if _, ok := seen[k]; ok {
			return
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}

	legacyCanon, err := legacyCanonicalize(path)
	if err != nil {
		return nil, err
	}
	add(legacyCanon)
	if variant, ok := driveLetterCaseVariant(legacyCanon); ok {
		add(variant)
	}

	canon, err := Canonicalize(path)
	if err != nil {
		return nil, err
	}
	if variant, ok := driveLetterCaseVariant(canon); ok {
		add(variant)
	}

	return keys, nil
}

// ResolveExistingCacheDir finds appCacheRoot's cache directory for
// workspacePath, preferring the primary key but falling back to a
// drive-letter-case-only or legacy (no case-fold) variant when only that
// one already exists on disk. legacy reports whether a fallback variant was
// used, so the caller can migrate it to the primary key on next save.
func ResolveExistingCacheDir(appCacheRoot, workspacePath string) (dir string, legacy bool, err error) {
	primary, err := CacheDir(appCacheRoot, workspacePath)
	if err != nil {
		return "", false, err
	}
	if _, statErr := os.Stat(primary); statErr == nil {
		return primary, false, nil
	}

	legacyKeys, err := LegacyKeys(workspacePath)
	if err != nil {
		return "", false, err
	}
	for _, key := range legacyKeys {
		candidate := filepath.Join(appCacheRoot, key)
		if _, statErr := os.Stat(candidate); statErr == nil {
			return candidate, true, nil
		}
	}

	return primary, false, nil
}
