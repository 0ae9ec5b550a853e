package mcp

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/softerist/heuristic-mcp-sub001/internal/search"
)

// clampLimit clamps v to [lo, hi], substituting def when v <= 0.
func clampLimit(v, def, lo, hi int) int {
	if v <= 0 {
		v = def
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// FormatSearchResults renders a search.Response as the markdown block
// a_semantic_search returns to the client.
func FormatSearchResults(query string, resp search.Response) string {
	if len(resp.Results) == 0 {
		if resp.Message != "" {
			return resp.Message
		}
		return fmt.Sprintf("No results found for query: %q", query)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## Search results for %q\n\n", query)
	if resp.Message != "" {
		fmt.Fprintf(&b, "_%s_\n\n", resp.Message)
	}
	for i, r := range resp.Results {
		writeResult(&b, i+1, r)
	}
	return b.String()
}

// FormatSimilarResults renders d_find_similar_code's results.
func FormatSimilarResults(resp search.Response) string {
	if len(resp.Results) == 0 {
		if resp.Message != "" {
			return resp.Message
		}
		return "No similar code found."
	}

	var b strings.Builder
	b.WriteString("## Similar code\n\n")
	if resp.Message != "" {
		fmt.Fprintf(&b, "_%s_\n\n", resp.Message)
	}
	for i, r := range resp.Results {
		writeResult(&b, i+1, r)
	}
	return b.String()
}

func writeResult(b *strings.Builder, rank int, r search.Result) {
	fmt.Fprintf(b, "### Result %d: %s:%d-%d (score %.3f)\n\n", rank, r.File, r.StartLine, r.EndLine, r.Score)
	fmt.Fprintf(b, "```%s\n%s\n```\n\n", languageForPath(r.File), strings.TrimRight(r.Content, "\n"))
}

// languageForPath returns a markdown fence language hint from a file's
// extension; unknown extensions fall back to no hint.
func languageForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		return "go"
	case ".ts", ".tsx":
		return "typescript"
	case ".js", ".jsx":
		return "javascript"
	case ".py":
		return "python"
	case ".rs":
		return "rust"
	case ".java":
		return "java"
	case ".c", ".h":
		return "c"
	case ".cpp", ".cc", ".hpp":
		return "cpp"
	case ".md", ".markdown":
		return "markdown"
	case ".yaml", ".yml":
		return "yaml"
	case ".json":
		return "json"
	default:
		return ""
	}
}
