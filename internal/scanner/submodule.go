package scanner

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/softerist/heuristic-mcp-sub001/internal/config"
)

// SubmoduleInfo describes one git submodule discovered under a project.
type SubmoduleInfo struct {
	Name        string // from .gitmodules [submodule "name"]
	Path        string // relative to the parent repo
	URL         string // remote URL, internal use only
	Branch      string // tracked branch, if pinned
	CommitHash  string
	Initialized bool
}

// gitmodulesSectionPrefix opens a [submodule "name"] section line.
const gitmodulesSectionPrefix = "[submodule"

// ParseGitmodules parses the raw content of a .gitmodules file into its
// submodule entries, in file order.
func ParseGitmodules(content []byte) ([]SubmoduleInfo, error) {
	var entries []SubmoduleInfo
	var current *SubmoduleInfo

	flush := func() {
		if current != nil && current.Path != "" {
			entries = append(entries, *current)
		}
	}

	scanner := bufio.NewScanner(bytes.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(line, gitmodulesSectionPrefix) {
			flush()
			current = &SubmoduleInfo{Name: quotedValue(line)}
			continue
		}

		if current == nil {
			continue
		}

		switch key, value := splitAssignment(line); key {
		case "path":
			current.Path = value
		case "url":
			current.URL = value
		case "branch":
			current.Branch = value
		}
	}
	flush()

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanner: read .gitmodules: %w", err)
	}
	return entries, nil
}

// quotedValue extracts the content between the first and last double quotes
// on a line, e.g. `[submodule "vendor/lib"]` -> "vendor/lib".
func quotedValue(line string) string {
	start := strings.IndexByte(line, '"')
	if start == -1 {
		return ""
	}
	end := strings.LastIndexByte(line, '"')
	if end <= start {
		return ""
	}
	return line[start+1 : end]
}

// splitAssignment splits a "key = value" line, returning empty strings if
// the line has no '='.
func splitAssignment(line string) (key, value string) {
	before, after, ok := strings.Cut(line, "=")
	if !ok {
		return "", ""
	}
	return strings.TrimSpace(before), strings.TrimSpace(after)
}

// IsInitialized reports whether a submodule's working directory holds
// anything besides a bare ".git" pointer file -- i.e. whether `git
// submodule update --init` has actually run for it.
func IsInitialized(submodulePath string) bool {
	info, err := os.Stat(submodulePath)
	if err != nil || !info.IsDir() {
		return false
	}

	entries, err := os.ReadDir(submodulePath)
	if err != nil {
		return false
	}
	for _, entry := range entries {
		if entry.Name() != ".git" {
			return true
		}
	}
	return false
}

// GetCommitHash resolves the commit a submodule's working tree is checked
// out at, following its .git file (worktree) or falling back to the parent
// repo's .git/modules/<path>/HEAD, where <path> is the submodule's path
// relative to rootPath.
func GetCommitHash(rootPath, submodulePath string) (string, error) {
	gitFile := filepath.Join(submodulePath, ".git")
	content, err := os.ReadFile(gitFile)
	if err != nil {
		relPath, relErr := filepath.Rel(rootPath, submodulePath)
		if relErr != nil {
			return "", fmt.Errorf("scanner: relative submodule path: %w", relErr)
		}
		return readCommitFromHEAD(filepath.Join(rootPath, ".git", "modules", relPath, "HEAD"))
	}

	gitdir := gitdirFromPointerFile(string(content))
	if gitdir == "" {
		return "", fmt.Errorf("scanner: malformed .git pointer file in %s", submodulePath)
	}

	headPath := filepath.Join(gitdir, "HEAD")
	if !filepath.IsAbs(gitdir) {
		headPath = filepath.Join(submodulePath, gitdir, "HEAD")
	}
	return readCommitFromHEAD(headPath)
}

// gitdirFromPointerFile extracts the gitdir target from a submodule's .git
// pointer file, whose content looks like "gitdir: ../.git/modules/name".
func gitdirFromPointerFile(content string) string {
	content = strings.TrimSpace(content)
	gitdir, ok := strings.CutPrefix(content, "gitdir:")
	if !ok {
		return ""
	}
	return strings.TrimSpace(gitdir)
}

// readCommitFromHEAD reads a commit hash out of a HEAD file. A symbolic
// HEAD ("ref: refs/heads/main") isn't resolved here and is reported as an
// error rather than silently returning the ref string as if it were a hash.
func readCommitFromHEAD(path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("scanner: read HEAD: %w", err)
	}

	hash := strings.TrimSpace(string(content))
	if strings.HasPrefix(hash, "ref:") {
		return "", fmt.Errorf("scanner: HEAD is a symbolic ref, not a commit hash")
	}
	return hash, nil
}

// MatchesPattern reports whether a submodule (by name and path) should be
// included, given a project's include/exclude glob lists: exclude wins,
// then an empty include list accepts everything else, otherwise the
// submodule must satisfy at least one include pattern.
func MatchesPattern(name, path string, include, exclude []string) bool {
	for _, pattern := range exclude {
		if submodulePathMatches(name, pattern) || submodulePathMatches(path, pattern) {
			return false
		}
	}
	if len(include) == 0 {
		return true
	}
	for _, pattern := range include {
		if submodulePathMatches(name, pattern) || submodulePathMatches(path, pattern) {
			return true
		}
	}
	return false
}

// submodulePathMatches implements the small glob vocabulary submodule
// include/exclude lists use: exact match, "prefix/*", "*/suffix", and
// "*contains*".
func submodulePathMatches(s, pattern string) bool {
	switch {
	case s == pattern:
		return true
	case strings.HasSuffix(pattern, "/*"):
		prefix := strings.TrimSuffix(pattern, "/*")
		return s == prefix || strings.HasPrefix(s, prefix+"/")
	case strings.HasPrefix(pattern, "*/"):
		suffix := strings.TrimPrefix(pattern, "*/")
		return s == suffix || strings.HasSuffix(s, "/"+suffix)
	case strings.HasPrefix(pattern, "*") && strings.HasSuffix(pattern, "*") && len(pattern) > 1:
		return strings.Contains(s, pattern[1:len(pattern)-1])
	default:
		return false
	}
}

// DiscoverSubmodules walks a project looking for .gitmodules files,
// returning every submodule that satisfies cfg's include/exclude filters,
// recursing into nested submodules when cfg.Recursive is set.
func DiscoverSubmodules(rootPath string, cfg config.SubmoduleConfig) ([]SubmoduleInfo, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	return (&submoduleWalker{rootPath: rootPath, cfg: cfg, visited: map[string]bool{}}).discover(rootPath, "")
}

// submoduleWalker carries the state one DiscoverSubmodules call threads
// through its recursion: the project root (for commit-hash resolution) and
// a visited set guarding against a submodule cycle.
type submoduleWalker struct {
	rootPath string
	cfg      config.SubmoduleConfig
	visited  map[string]bool
}

func (w *submoduleWalker) discover(dir, pathPrefix string) ([]SubmoduleInfo, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if w.visited[abs] {
		return nil, nil
	}
	w.visited[abs] = true

	content, err := os.ReadFile(filepath.Join(dir, ".gitmodules"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanner: read .gitmodules: %w", err)
	}

	declared, err := ParseGitmodules(content)
	if err != nil {
		return nil, err
	}

	var found []SubmoduleInfo
	for _, sm := range declared {
		fullPath := sm.Path
		if pathPrefix != "" {
			fullPath = filepath.Join(pathPrefix, sm.Path)
		}
		if !MatchesPattern(sm.Name, fullPath, w.cfg.Include, w.cfg.Exclude) {
			continue
		}

		smAbs := filepath.Join(dir, sm.Path)
		sm.Initialized = IsInitialized(smAbs)
		if sm.Initialized {
			if hash, err := GetCommitHash(w.rootPath, smAbs); err == nil {
				sm.CommitHash = hash
			}
		}
		sm.Path = fullPath
		found = append(found, sm)

		if w.cfg.Recursive && sm.Initialized {
			nested, err := w.discover(smAbs, fullPath)
			if err == nil {
				found = append(found, nested...)
			}
		}
	}

	return found, nil
}
