package scanner

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/softerist/heuristic-mcp-sub001/internal/config"
	"github.com/softerist/heuristic-mcp-sub001/internal/gitignore"
)

// gitignoreCacheSize bounds how many per-directory gitignore matchers the
// Scanner keeps around, so a long-lived process scanning many directories
// doesn't grow this cache without limit.
const gitignoreCacheSize = 1000

// Scanner discovers indexable files under a project directory.
type Scanner struct {
	gitignoreCache *lru.Cache[string, *gitignore.Matcher]
	cacheMu        sync.RWMutex
}

// New builds a Scanner. The only failure mode is the LRU cache allocation.
func New() (*Scanner, error) {
	cache, err := lru.New[string, *gitignore.Matcher](gitignoreCacheSize)
	if err != nil {
		return nil, fmt.Errorf("scanner: create gitignore cache: %w", err)
	}
	return &Scanner{gitignoreCache: cache}, nil
}

// walkSpec describes one traversal: where to start, how to derive the path
// used for exclude/include/gitignore decisions ("match path"), how to turn
// that into the path reported on FileInfo, and which gitignore root scopes
// nested .gitignore lookups. Scan, ScanSubtree, and submodule scanning are
// all the same tree-walk with three different answers to those questions,
// so they share one implementation instead of three copies of it.
type walkSpec struct {
	walkRoot      string
	gitignoreRoot string
	skipSelf      bool // true: the walkRoot entry itself is never reported
	skipGitDir    bool // true: descend past nested ".git" dirs by skipping them
	matchPath     func(path string) (string, error)
	reportPath    func(matchPath string) string
}

// Scan discovers every indexable file under opts.RootDir and streams them on
// the returned channel, which closes once the walk (and any configured
// submodule walks) finish.
func (s *Scanner) Scan(ctx context.Context, opts *ScanOptions) (<-chan ScanResult, error) {
	if opts == nil {
		opts = &ScanOptions{}
	}

	absRoot, info, err := resolveDir(opts.RootDir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("scanner: root path is not a directory: %s", absRoot)
	}

	maxFileSize := effectiveMaxFileSize(opts.MaxFileSize)
	results := make(chan ScanResult, channelCapacity(opts.Workers))

	var submodulePaths []string
	if opts.Submodules != nil && opts.Submodules.Enabled {
		submodulePaths = s.discoverEnabledSubmodules(absRoot, *opts.Submodules)
	}

	go func() {
		defer close(results)
		s.run(ctx, walkSpec{
			walkRoot:      absRoot,
			gitignoreRoot: absRoot,
			skipSelf:      true,
			matchPath:     relativeTo(absRoot),
			reportPath:    identityPath,
		}, opts, maxFileSize, results)

		for _, smPath := range submodulePaths {
			s.runSubmodule(ctx, absRoot, smPath, opts, maxFileSize, results)
		}
	}()

	return results, nil
}

// ScanSubtree scans only the given subtree of the project, reporting paths
// relative to the project root rather than the subtree -- used for
// differential gitignore reconciliation, where only one directory needs
// re-scanning after its .gitignore changed.
func (s *Scanner) ScanSubtree(ctx context.Context, opts *ScanOptions, subtreePath string) (<-chan ScanResult, error) {
	if opts == nil {
		opts = &ScanOptions{}
	}

	absRoot, _, err := resolveDir(opts.RootDir)
	if err != nil {
		return nil, err
	}

	subtreePath = strings.Trim(subtreePath, "/")
	if subtreePath == "" {
		return s.Scan(ctx, opts)
	}

	absSubtree := filepath.Join(absRoot, subtreePath)
	if !strings.HasPrefix(absSubtree, absRoot) {
		return nil, fmt.Errorf("scanner: subtree path outside root: %s", subtreePath)
	}

	info, err := os.Stat(absSubtree)
	if err != nil {
		if os.IsNotExist(err) {
			results := make(chan ScanResult)
			close(results)
			return results, nil
		}
		return nil, fmt.Errorf("scanner: stat subtree: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("scanner: subtree path is not a directory: %s", absSubtree)
	}

	maxFileSize := effectiveMaxFileSize(opts.MaxFileSize)
	results := make(chan ScanResult, channelCapacity(opts.Workers))

	go func() {
		defer close(results)
		s.run(ctx, walkSpec{
			walkRoot:      absSubtree,
			gitignoreRoot: absRoot,
			matchPath:     relativeTo(absRoot),
			reportPath:    identityPath,
		}, opts, maxFileSize, results)
	}()

	return results, nil
}

// runSubmodule walks one submodule's working tree. Files are reported with
// their path relative to the project root (e.g. "vendor/lib/file.go"), even
// though exclude/include/gitignore decisions are made relative to the
// submodule's own root.
func (s *Scanner) runSubmodule(ctx context.Context, absRoot, submodulePath string, opts *ScanOptions, maxFileSize int64, results chan<- ScanResult) {
	submoduleAbs := filepath.Join(absRoot, submodulePath)
	err := s.run(ctx, walkSpec{
		walkRoot:      submoduleAbs,
		gitignoreRoot: submoduleAbs,
		skipSelf:      true,
		skipGitDir:    true,
		matchPath:     relativeTo(submoduleAbs),
		reportPath:    func(rel string) string { return filepath.Join(submodulePath, rel) },
	}, opts, maxFileSize, results)

	if err != nil && err != context.Canceled {
		slog.Warn("scanner: error walking submodule",
			slog.String("submodule", submodulePath), slog.String("error", err.Error()))
	}
}

// run performs one tree walk per walkSpec, emitting a ScanResult per discovered
// file and a final error result if the walk itself failed.
func (s *Scanner) run(ctx context.Context, spec walkSpec, opts *ScanOptions, maxFileSize int64, results chan<- ScanResult) error {
	err := filepath.WalkDir(spec.walkRoot, func(path string, d fs.DirEntry, walkErr error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if walkErr != nil {
			return nil
		}

		matchPath, relErr := spec.matchPath(path)
		if relErr != nil {
			return nil
		}
		if spec.skipSelf && matchPath == "." {
			return nil
		}

		if d.IsDir() {
			if spec.skipGitDir && d.Name() == ".git" {
				return filepath.SkipDir
			}
			if s.excludesDir(matchPath, opts) {
				return filepath.SkipDir
			}
			return nil
		}

		if d.Type()&fs.ModeSymlink != 0 && !opts.FollowSymlinks {
			return nil
		}
		if s.excludesFile(matchPath, spec.gitignoreRoot, opts) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.Size() > maxFileSize {
			return nil
		}
		if looksBinary(path) {
			return nil
		}
		if len(opts.IncludePatterns) > 0 && !matchesAnyPattern(matchPath, opts.IncludePatterns) {
			return nil
		}

		reportPath := spec.reportPath(matchPath)
		language := DetectLanguage(matchPath)

		select {
		case results <- ScanResult{File: &FileInfo{
			Path:        reportPath,
			AbsPath:     path,
			Size:        info.Size(),
			ModTime:     info.ModTime(),
			ContentType: DetectContentType(language),
			Language:    language,
			IsGenerated: looksGenerated(path),
		}}:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	})

	if err != nil && err != context.Canceled {
		select {
		case results <- ScanResult{Error: err}:
		case <-ctx.Done():
		}
	}
	return err
}

// discoverEnabledSubmodules resolves the initialized, configured submodules
// under root, logging (but not failing the scan over) anything that goes
// wrong or is skipped.
func (s *Scanner) discoverEnabledSubmodules(root string, cfg config.SubmoduleConfig) []string {
	submodules, err := DiscoverSubmodules(root, cfg)
	if err != nil {
		slog.Warn("scanner: submodule discovery failed", slog.String("error", err.Error()))
		return nil
	}

	paths := make([]string, 0, len(submodules))
	for _, sm := range submodules {
		if !sm.Initialized {
			slog.Warn("scanner: skipping uninitialized submodule", slog.String("name", sm.Name), slog.String("path", sm.Path))
			continue
		}
		paths = append(paths, sm.Path)
		slog.Debug("scanner: discovered submodule", slog.String("name", sm.Name), slog.String("path", sm.Path))
	}
	return paths
}

// excludesDir reports whether a directory (by its match path) should be
// pruned from the walk, checking the scanner's own defaults before the
// caller's custom patterns.
func (s *Scanner) excludesDir(matchPath string, opts *ScanOptions) bool {
	for _, pattern := range defaultExcludeDirs {
		if matchDirPattern(matchPath, pattern) {
			return true
		}
	}
	for _, pattern := range opts.ExcludePatterns {
		if matchDirPattern(matchPath, pattern) {
			return true
		}
	}
	return false
}

// excludesFile reports whether a file should be skipped: sensitive
// credentials, the scanner's default noise patterns, the caller's own
// patterns, or -- when enabled -- anything gitignore excludes relative to
// gitignoreRoot.
func (s *Scanner) excludesFile(matchPath, gitignoreRoot string, opts *ScanOptions) bool {
	base := filepath.Base(matchPath)

	for _, group := range [][]string{sensitiveFilePatterns, defaultExcludeFiles, opts.ExcludePatterns} {
		for _, pattern := range group {
			if matchFilePattern(base, matchPath, pattern) {
				return true
			}
		}
	}

	return opts.RespectGitignore && s.isGitignored(matchPath, gitignoreRoot)
}

// matchesAnyPattern reports whether matchPath satisfies at least one of
// patterns.
func matchesAnyPattern(matchPath string, patterns []string) bool {
	base := filepath.Base(matchPath)
	for _, pattern := range patterns {
		if matchFilePattern(base, matchPath, pattern) {
			return true
		}
	}
	return false
}

// matchDirPattern reports whether relPath, a directory's match path, is
// covered by one of the scanner's "**/name/**"-shaped directory patterns.
func matchDirPattern(relPath, pattern string) bool {
	switch {
	case strings.HasPrefix(pattern, "**/"):
		target := strings.TrimSuffix(strings.TrimPrefix(pattern, "**/"), "/**")
		for _, part := range strings.Split(relPath, string(filepath.Separator)) {
			if part == target {
				return true
			}
		}
		return false

	case strings.HasSuffix(pattern, "/**"):
		prefix := strings.TrimSuffix(pattern, "/**")
		return relPath == prefix || strings.HasPrefix(relPath, prefix+string(filepath.Separator))

	default:
		return relPath == pattern || strings.HasPrefix(relPath, pattern+string(filepath.Separator))
	}
}

// matchFilePattern reports whether a file -- identified by its basename and
// full match path -- satisfies one gitignore-flavored glob pattern. Each
// pattern shape gets its own branch below rather than one general glob
// engine, mirroring the small, fixed vocabulary of patterns the scanner's
// own default lists and config actually use.
func matchFilePattern(baseName, relPath, pattern string) bool {
	sep := string(filepath.Separator)

	switch {
	case strings.HasSuffix(pattern, "/**") && !strings.HasPrefix(pattern, "**/"):
		prefix := strings.TrimSuffix(pattern, "/**")
		return strings.HasPrefix(relPath, prefix+sep)

	case strings.Contains(pattern, sep) && strings.Contains(pattern, "*") && !strings.HasPrefix(pattern, "**/"):
		dir, filePattern := filepath.Dir(pattern), filepath.Base(pattern)
		if filepath.Dir(relPath) != dir {
			return false
		}
		matched, err := filepath.Match(filePattern, baseName)
		return err == nil && matched

	case strings.HasPrefix(pattern, "**/"):
		suffix := strings.TrimPrefix(pattern, "**/")
		if strings.HasPrefix(suffix, "*.") {
			return strings.HasSuffix(baseName, strings.TrimPrefix(suffix, "*"))
		}
		parts := strings.Split(relPath, sep)
		for i, part := range parts {
			if part == suffix {
				return true
			}
			if i < len(parts)-1 && matchDirPattern(strings.Join(parts[:i+1], sep), pattern) {
				return true
			}
		}
		return false

	case strings.HasPrefix(pattern, "*") && strings.HasSuffix(pattern, "*") && len(pattern) > 1:
		middle := pattern[1 : len(pattern)-1]
		return strings.Contains(strings.ToLower(baseName), strings.ToLower(middle))

	case strings.HasPrefix(pattern, ".") && strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(baseName, strings.TrimSuffix(pattern, "*"))

	case strings.HasPrefix(pattern, "*"):
		return strings.HasSuffix(baseName, strings.TrimPrefix(pattern, "*"))

	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(baseName, strings.TrimSuffix(pattern, "*"))

	default:
		return baseName == pattern
	}
}

// looksBinary reports whether the file at path contains a NUL byte in its
// first 512 bytes, the same cheap heuristic git itself uses.
func looksBinary(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, 512)
	n, err := f.Read(buf)
	if err != nil {
		return false
	}
	return bytes.Contains(buf[:n], []byte{0})
}

// generatedFileMarkers are strings that, if present in a file's first
// kilobyte, mark it as machine-generated.
var generatedFileMarkers = []string{
	"// Code generated",
	"// DO NOT EDIT",
	"/* DO NOT EDIT",
	"# Generated by",
	"<!-- AUTO-GENERATED -->",
	"// Generated by",
	"/* Generated by",
}

// looksGenerated reports whether the file at path contains a recognized
// generated-file marker anywhere in its first kilobyte.
func looksGenerated(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, 1024)
	n, err := f.Read(buf)
	if err != nil {
		return false
	}
	content := string(buf[:n])

	for _, marker := range generatedFileMarkers {
		if strings.Contains(content, marker) {
			return true
		}
	}
	return false
}

// isGitignored checks matchPath against the root .gitignore under
// gitignoreRoot and every nested .gitignore between gitignoreRoot and the
// file, each matcher cached and scoped to its own directory.
func (s *Scanner) isGitignored(matchPath, gitignoreRoot string) bool {
	if m := s.getGitignoreMatcher(gitignoreRoot, ""); m != nil && m.Match(matchPath, false) {
		return true
	}

	dir := gitignoreRoot
	base := ""
	for _, part := range strings.Split(filepath.Dir(matchPath), string(filepath.Separator)) {
		if part == "." {
			continue
		}
		dir = filepath.Join(dir, part)
		if base == "" {
			base = part
		} else {
			base = filepath.Join(base, part)
		}
		if m := s.getGitignoreMatcher(dir, base); m != nil && m.Match(matchPath, false) {
			return true
		}
	}
	return false
}

// getGitignoreMatcher returns the cached Matcher for dir, parsing
// dir/.gitignore (scoped to base) on a cache miss. A directory with no
// .gitignore yields a nil Matcher, which is not cached.
func (s *Scanner) getGitignoreMatcher(dir, base string) *gitignore.Matcher {
	s.cacheMu.RLock()
	matcher, ok := s.gitignoreCache.Get(dir)
	s.cacheMu.RUnlock()
	if ok {
		return matcher
	}

	path := filepath.Join(dir, ".gitignore")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	matcher = gitignore.New()
	if err := matcher.AddFromFile(path, base); err != nil {
		return nil
	}

	s.cacheMu.Lock()
	s.gitignoreCache.Add(dir, matcher)
	s.cacheMu.Unlock()
	return matcher
}

// InvalidateGitignoreCache drops every cached gitignore Matcher, forcing the
// next lookup in each directory to re-read .gitignore from disk. Safe to
// call concurrently with Scan.
func (s *Scanner) InvalidateGitignoreCache() {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.gitignoreCache.Purge()
}

func resolveDir(rootDir string) (string, os.FileInfo, error) {
	if rootDir == "" {
		rootDir = "."
	}
	abs, err := filepath.Abs(rootDir)
	if err != nil {
		return "", nil, fmt.Errorf("scanner: resolve root path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", nil, fmt.Errorf("scanner: stat root directory: %w", err)
	}
	return abs, info, nil
}

func effectiveMaxFileSize(configured int64) int64 {
	if configured <= 0 {
		return DefaultMaxFileSize
	}
	return configured
}

func channelCapacity(workers int) int {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return workers * 10
}

func relativeTo(root string) func(string) (string, error) {
	return func(path string) (string, error) {
		return filepath.Rel(root, path)
	}
}

func identityPath(matchPath string) string { return matchPath }

// defaultExcludeDirs are directory trees the scanner always prunes,
// regardless of gitignore or caller-supplied patterns.
var defaultExcludeDirs = []string{
	"**/node_modules/**",
	"**/.git/**",
	"**/vendor/**",
	"**/__pycache__/**",
	"**/dist/**",
	"**/build/**",
	"**/.aws/**",
	"**/.gcp/**",
	"**/.azure/**",
	"**/.ssh/**",
}

// defaultExcludeFiles are noisy, low-value files the scanner always skips.
var defaultExcludeFiles = []string{
	"**/*.min.js",
	"**/*.min.css",
	"**/package-lock.json",
	"**/yarn.lock",
	"**/pnpm-lock.yaml",
	"**/go.sum",
}

// sensitiveFilePatterns are never indexed, gitignore or not: credentials,
// keys, and shell history-adjacent dotfiles have no business in a search
// index.
var sensitiveFilePatterns = []string{
	".env",
	".env.*",
	"*.pem",
	"*.key",
	"*.p12",
	"*.pfx",
	"*credentials*",
	"*secrets*",
	"*password*",
	".netrc",
	".npmrc",
	".pypirc",
	"id_rsa",
	"id_dsa",
	"id_ecdsa",
	"id_ed25519",
}
