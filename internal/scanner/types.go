package scanner

import (
	"time"

	"github.com/softerist/heuristic-mcp-sub001/internal/config"
)

// ContentType classifies a discovered file for downstream chunking.
type ContentType string

const (
	ContentTypeCode     ContentType = "code"
	ContentTypeMarkdown ContentType = "markdown"
	ContentTypeText     ContentType = "text"
	ContentTypeConfig   ContentType = "config"
)

// FileInfo describes one file the scanner found.
type FileInfo struct {
	Path        string // relative to the scan root
	AbsPath     string
	Size        int64
	ModTime     time.Time
	ContentType ContentType
	Language    string
	IsGenerated bool
}

// ScanOptions configures one Scan call.
type ScanOptions struct {
	RootDir string

	IncludePatterns []string
	ExcludePatterns []string

	RespectGitignore bool

	Workers int // 0 = runtime.NumCPU()

	MaxFileSize int64 // 0 = DefaultMaxFileSize

	FollowSymlinks bool

	ProgressFunc func(scanned, total int)

	// Submodules configures git submodule discovery. A nil value, or one
	// with Enabled false, skips submodules entirely.
	Submodules *config.SubmoduleConfig
}

// ScanResult is one item off the channel Scanner.Scan returns.
type ScanResult struct {
	File  *FileInfo
	Error error
}

// DefaultMaxFileSize bounds files the scanner will read when ScanOptions
// doesn't override it.
const DefaultMaxFileSize = 10 * 1024 * 1024

// languageGroup names one family of file extensions/filenames sharing a
// language tag, used to build languageByExt below in readable clusters
// instead of one flat thousand-entry map literal.
type languageGroup struct {
	language string
	matches  []string // extensions (with leading dot) or exact filenames
}

var languageGroups = []languageGroup{
	{"go", []string{".go"}},
	{"javascript", []string{".js", ".jsx", ".mjs"}},
	{"typescript", []string{".ts", ".tsx"}},
	{"python", []string{".py", ".pyw", ".pyi"}},
	{"html", []string{".html", ".htm"}},
	{"css", []string{".css"}},
	{"scss", []string{".scss"}},
	{"sass", []string{".sass"}},
	{"less", []string{".less"}},
	{"json", []string{".json"}},
	{"yaml", []string{".yaml", ".yml"}},
	{"toml", []string{".toml"}},
	{"xml", []string{".xml"}},
	{"ini", []string{".ini"}},
	{"config", []string{".conf"}},
	{"properties", []string{".properties"}},
	{"markdown", []string{".md", ".mdx", ".markdown"}},
	{"rst", []string{".rst"}},
	{"text", []string{".txt"}},
	{"shell", []string{".sh", ".bash", ".zsh"}},
	{"fish", []string{".fish"}},
	{"ruby", []string{".rb", ".rake"}},
	{"erb", []string{".erb"}},
	{"rust", []string{".rs"}},
	{"java", []string{".java"}},
	{"kotlin", []string{".kt", ".kts"}},
	{"c", []string{".c", ".h"}},
	{"cpp", []string{".cpp", ".hpp", ".cc", ".cxx"}},
	{"csharp", []string{".cs"}},
	{"swift", []string{".swift"}},
	{"php", []string{".php"}},
	{"scala", []string{".scala"}},
	{"elixir", []string{".ex", ".exs"}},
	{"erlang", []string{".erl"}},
	{"haskell", []string{".hs"}},
	{"lua", []string{".lua"}},
	{"r", []string{".r", ".R"}},
	{"sql", []string{".sql"}},
	{"dockerfile", []string{"Dockerfile"}},
	{"makefile", []string{"Makefile", "makefile", "GNUmakefile"}},
	{"vue", []string{".vue"}},
	{"svelte", []string{".svelte"}},
	{"graphql", []string{".graphql", ".gql"}},
	{"protobuf", []string{".proto"}},
}

// contentTypeByLanguage buckets each language tag into the broad content
// category the chunking pipeline branches on. A language absent from this
// map defaults to ContentTypeText.
var contentTypeByLanguage = map[string]ContentType{
	"markdown": ContentTypeMarkdown,
	"rst":      ContentTypeMarkdown,

	"json": ContentTypeConfig, "yaml": ContentTypeConfig, "toml": ContentTypeConfig,
	"xml": ContentTypeConfig, "ini": ContentTypeConfig, "config": ContentTypeConfig,
	"properties": ContentTypeConfig, "dockerfile": ContentTypeConfig, "makefile": ContentTypeConfig,

	"text": ContentTypeText,
}

// codeLanguages lists every language tag from languageGroups that counts as
// source code rather than config/markup/text -- everything not explicitly
// routed by contentTypeByLanguage above, minus "text" itself, falls here.
var codeLanguages = buildCodeLanguageSet()

func buildCodeLanguageSet() map[string]bool {
	set := make(map[string]bool, len(languageGroups))
	for _, g := range languageGroups {
		if _, classified := contentTypeByLanguage[g.language]; !classified {
			set[g.language] = true
		}
	}
	return set
}

var languageByExt = buildLanguageIndex()

func buildLanguageIndex() map[string]string {
	idx := make(map[string]string)
	for _, g := range languageGroups {
		for _, m := range g.matches {
			idx[m] = g.language
		}
	}
	return idx
}

// DetectLanguage maps a file path to a language tag by exact filename
// (Dockerfile, Makefile, ...) first, then by extension; unrecognized files
// get "".
func DetectLanguage(path string) string {
	if lang, ok := languageByExt[fileName(path)]; ok {
		return lang
	}
	if lang, ok := languageByExt[fileExt(path)]; ok {
		return lang
	}
	return ""
}

// DetectContentType maps a language tag (from DetectLanguage) to the
// broad content category the chunking pipeline dispatches on.
func DetectContentType(language string) ContentType {
	if ct, ok := contentTypeByLanguage[language]; ok {
		return ct
	}
	if codeLanguages[language] {
		return ContentTypeCode
	}
	return ContentTypeText
}

// fileName returns the final path component, accepting both '/' and '\\'
// separators since scanned paths may originate from either platform.
func fileName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' || path[i] == '\\' {
			return path[i+1:]
		}
	}
	return path
}

// fileExt returns path's extension including the leading dot, or "" if it
// has none.
func fileExt(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		switch path[i] {
		case '.':
			return path[i:]
		case '/', '\\':
			return ""
		}
	}
	return ""
}
