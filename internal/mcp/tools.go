package mcp

// SemanticSearchInput is a_semantic_search's input schema.
type SemanticSearchInput struct {
	Query         string  `json:"query" jsonschema:"the search query to execute"`
	MaxResults    int     `json:"maxResults,omitempty" jsonschema:"maximum number of results, default 10"`
	MinSimilarity float64 `json:"minSimilarity,omitempty" jsonschema:"minimum cosine similarity threshold, 0-1"`
}

// TextOutput is the shared output shape for tools that return a single
// markdown-formatted text block.
type TextOutput struct {
	Text string `json:"text"`
}

// IndexCodebaseInput is b_index_codebase's input schema.
type IndexCodebaseInput struct {
	Force bool `json:"force,omitempty" jsonschema:"force a full re-index even if nothing changed"`
}

// IndexCodebaseOutput is b_index_codebase's output schema.
type IndexCodebaseOutput struct {
	Skipped      bool   `json:"skipped,omitempty"`
	SkipReason   string `json:"skipReason,omitempty"`
	FilesIndexed int    `json:"filesIndexed"`
	ChunksAdded  int    `json:"chunksAdded"`
	Mode         string `json:"mode,omitempty"`
	DurationMs   int64  `json:"durationMs"`
}

// ClearCacheInput is c_clear_cache's input schema (no parameters).
type ClearCacheInput struct{}

// ClearCacheOutput is c_clear_cache's output schema.
type ClearCacheOutput struct {
	Cleared bool `json:"cleared"`
}

// FindSimilarCodeInput is d_find_similar_code's input schema.
type FindSimilarCodeInput struct {
	Code          string  `json:"code" jsonschema:"the code snippet to find similar chunks for"`
	MaxResults    int     `json:"maxResults,omitempty" jsonschema:"maximum number of results, default 10"`
	MinSimilarity float64 `json:"minSimilarity,omitempty" jsonschema:"minimum cosine similarity threshold, 0-1"`
}

// CheckPackageVersionInput is e_check_package_version's input schema.
type CheckPackageVersionInput struct {
	Package string `json:"package" jsonschema:"the package name to check"`
}

// CheckPackageVersionOutput is e_check_package_version's output schema.
// Resolving an external registry is not implemented here;
// the tool exists on the surface but always reports unsupported.
type CheckPackageVersionOutput struct {
	Supported bool   `json:"supported"`
	Message   string `json:"message"`
}

// SetWorkspaceInput is f_set_workspace's input schema.
type SetWorkspaceInput struct {
	WorkspacePath string `json:"workspacePath" jsonschema:"absolute or relative path to the new workspace root"`
	Reindex       bool   `json:"reindex,omitempty" jsonschema:"trigger a full index of the new workspace immediately"`
}

// SetWorkspaceOutput is f_set_workspace's output schema.
type SetWorkspaceOutput struct {
	WorkspacePath string `json:"workspacePath"`
	CacheDir      string `json:"cacheDir"`
	Reindexed     bool   `json:"reindexed"`
}

// AnnConfigInput is ann_config's input schema. Action selects which of the
// three sub-operations runs; EfSearch is only consulted for set_ef_search.
type AnnConfigInput struct {
	Action   string `json:"action" jsonschema:"one of: stats, set_ef_search, rebuild"`
	EfSearch int    `json:"efSearch,omitempty" jsonschema:"new search-time candidate width, required for set_ef_search"`
}

// AnnConfigOutput is ann_config's output schema. Every action reports the
// full index stats; Rebuilt is set only by the rebuild action.
type AnnConfigOutput struct {
	Enabled  bool `json:"enabled"`
	Eligible bool `json:"eligible"`
	Built    bool `json:"built"`
	Dirty    bool `json:"dirty"`
	Len      int  `json:"len"`
	EfSearch int  `json:"efSearch"`
	M        int  `json:"m"`
	Rebuilt  bool `json:"rebuilt,omitempty"`
}
