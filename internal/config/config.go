// Package config loads and validates engine configuration, following a
// layered-precedence design: hardcoded defaults, then a user-global file,
// then a per-workspace project file, then environment variables, highest
// precedence last.
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the full set of recognized configuration keys.
type Config struct {
	Version int `yaml:"version" json:"version"`

	SearchDirectory string   `yaml:"search_directory" json:"search_directory"`
	FileExtensions  []string `yaml:"file_extensions" json:"file_extensions"`
	ExcludePatterns []string `yaml:"exclude_patterns" json:"exclude_patterns"`

	ChunkSize    int   `yaml:"chunk_size" json:"chunk_size"`
	ChunkOverlap int   `yaml:"chunk_overlap" json:"chunk_overlap"`
	BatchSize    int   `yaml:"batch_size" json:"batch_size"`
	MaxFileSize  int64 `yaml:"max_file_size" json:"max_file_size"`
	MaxResults   int   `yaml:"max_results" json:"max_results"`

	EnableCache    bool   `yaml:"enable_cache" json:"enable_cache"`
	CacheDirectory string `yaml:"cache_directory" json:"cache_directory"`
	WatchFiles     bool   `yaml:"watch_files" json:"watch_files"`
	Verbose        bool   `yaml:"verbose" json:"verbose"`
	WorkerThreads  string `yaml:"worker_threads" json:"worker_threads"` // "auto" | "0".."32"
	EmbeddingModel string `yaml:"embedding_model" json:"embedding_model"`

	SemanticWeight   float64 `yaml:"semantic_weight" json:"semantic_weight"`
	ExactMatchBoost  float64 `yaml:"exact_match_boost" json:"exact_match_boost"`
	RecencyBoost     float64 `yaml:"recency_boost" json:"recency_boost"`
	RecencyDecayDays int     `yaml:"recency_decay_days" json:"recency_decay_days"`
	SmartIndexing    bool    `yaml:"smart_indexing" json:"smart_indexing"`

	CallGraphEnabled bool    `yaml:"call_graph_enabled" json:"call_graph_enabled"`
	CallGraphBoost   float64 `yaml:"call_graph_boost" json:"call_graph_boost"`
	CallGraphMaxHops int     `yaml:"call_graph_max_hops" json:"call_graph_max_hops"`

	AnnEnabled             bool    `yaml:"ann_enabled" json:"ann_enabled"`
	AnnMinChunks           int     `yaml:"ann_min_chunks" json:"ann_min_chunks"`
	AnnMinCandidates       int     `yaml:"ann_min_candidates" json:"ann_min_candidates"`
	AnnMaxCandidates       int     `yaml:"ann_max_candidates" json:"ann_max_candidates"`
	AnnCandidateMultiplier float64 `yaml:"ann_candidate_multiplier" json:"ann_candidate_multiplier"`
	AnnEfConstruction      int     `yaml:"ann_ef_construction" json:"ann_ef_construction"`
	AnnEfSearch            int     `yaml:"ann_ef_search" json:"ann_ef_search"`
	AnnM                   int     `yaml:"ann_m" json:"ann_m"`
	AnnIndexCache          bool    `yaml:"ann_index_cache" json:"ann_index_cache"`
	AnnMetric              string  `yaml:"ann_metric" json:"ann_metric"` // locked to "cosine"

	PreloadEmbeddingModel    bool   `yaml:"preload_embedding_model" json:"preload_embedding_model"`
	UnloadModelAfterSearch   bool   `yaml:"unload_model_after_search" json:"unload_model_after_search"`
	EmbeddingProcessPerBatch bool   `yaml:"embedding_process_per_batch" json:"embedding_process_per_batch"`
	VectorStoreFormat        string `yaml:"vector_store_format" json:"vector_store_format"` // "json"|"binary"
}

// SubmoduleConfig controls git submodule discovery during a scan.
type SubmoduleConfig struct {
	Enabled   bool     `yaml:"enabled" json:"enabled"`
	Recursive bool     `yaml:"recursive" json:"recursive"`
	Include   []string `yaml:"include" json:"include"`
	Exclude   []string `yaml:"exclude" json:"exclude"`
}

// defaultExcludePatterns mirror the common noise directories any source
// tree accumulates; always excluded regardless of project config.
var defaultExcludePatterns = []string{
	"**/node_modules/**",
	"**/.git/**",
	"**/vendor/**",
	"**/__pycache__/**",
	"**/dist/**",
	"**/build/**",
	"**/*.min.js",
	"**/go.sum",
}

// NewConfig returns a Config populated with the engine's defaults.
func NewConfig() *Config {
	return &Config{
		Version:         1,
		FileExtensions:  []string{".go", ".ts", ".tsx", ".js", ".jsx", ".py", ".md"},
		ExcludePatterns: append([]string(nil), defaultExcludePatterns...),

		ChunkSize:    512,
		ChunkOverlap: 64,
		BatchSize:    100,
		MaxFileSize:  10 * 1024 * 1024,
		MaxResults:   20,

		EnableCache:    true,
		WatchFiles:     true,
		WorkerThreads:  "auto",
		EmbeddingModel: "",

		SemanticWeight:   0.6,
		ExactMatchBoost:  1.0,
		RecencyBoost:     0.1,
		RecencyDecayDays: 30,
		SmartIndexing:    true,

		CallGraphEnabled: false,
		CallGraphBoost:   0.05,
		CallGraphMaxHops: 2,

		AnnEnabled:             true,
		AnnMinChunks:           5000,
		AnnMinCandidates:       50,
		AnnMaxCandidates:       500,
		AnnCandidateMultiplier: 4.0,
		AnnEfConstruction:      200,
		AnnEfSearch:            20,
		AnnM:                   16,
		AnnIndexCache:          true,
		AnnMetric:              "cosine",

		PreloadEmbeddingModel:    false,
		UnloadModelAfterSearch:   false,
		EmbeddingProcessPerBatch: false,
		VectorStoreFormat:        "binary",
	}
}

// WorkerCount resolves WorkerThreads ("auto" | "0".."32") to a concrete
// worker count.
func (c *Config) WorkerCount() int {
	if c.WorkerThreads == "" || c.WorkerThreads == "auto" {
		n := runtime.NumCPU() - 1
		if n > 4 {
			n = 4
		}
		if n < 1 {
			n = 1
		}
		return n
	}
	n, err := strconv.Atoi(c.WorkerThreads)
	if err != nil || n < 0 {
		return 1
	}
	return n
}

func defaultGlobalCacheRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "heuristic-mcp")
	}
	return filepath.Join(home, ".cache", "heuristic-mcp")
}

// GetUserConfigPath returns ~/.config/heuristic-mcp/config.yaml, honoring
// XDG_CONFIG_HOME.
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "heuristic-mcp", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "heuristic-mcp", "config.yaml")
	}
	return filepath.Join(home, ".config", "heuristic-mcp", "config.yaml")
}

// GetUserConfigDir returns the directory containing the user-global config file.
func GetUserConfigDir() string {
	return filepath.Dir(GetUserConfigPath())
}

// UserConfigExists reports whether the user-global config file exists.
func UserConfigExists() bool {
	return fileExists(GetUserConfigPath())
}

func loadUserConfig() (*Config, error) {
	path := GetUserConfigPath()
	if !fileExists(path) {
		return nil, nil
	}
	cfg := NewConfig()
	if err := cfg.loadYAML(path); err != nil {
		return nil, fmt.Errorf("failed to load user config from %s: %w", path, err)
	}
	return cfg, nil
}

// LoadUserConfig loads the user-global configuration file, if present.
func LoadUserConfig() (*Config, error) {
	return loadUserConfig()
}

// Load loads configuration for workspace directory dir, applying (in
// increasing precedence): hardcoded defaults, user-global config,
// project config (.heuristic-mcp.yaml), environment variables.
func Load(dir string) (*Config, error) {
	cfg := NewConfig()

	if userCfg, err := loadUserConfig(); err != nil {
		return nil, fmt.Errorf("failed to load user config: %w", err)
	} else if userCfg != nil {
		cfg.mergeWith(userCfg)
	}

	if err := cfg.loadFromFile(dir); err != nil {
		return nil, err
	}

	cfg.applyEnvOverrides()

	if cfg.SearchDirectory == "" {
		cfg.SearchDirectory = dir
	}
	if cfg.CacheDirectory == "" {
		cfg.CacheDirectory = defaultGlobalCacheRoot()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFromFile(dir string) error {
	for _, name := range []string{".heuristic-mcp.yaml", ".heuristic-mcp.yml"} {
		p := filepath.Join(dir, name)
		if fileExists(p) {
			return c.loadYAML(p)
		}
	}
	return nil
}

func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	c.mergeWith(&parsed)
	return nil
}

// mergeWith copies into c every non-zero numeric or string field of other,
// replaces FileExtensions when other lists any, and appends other's
// ExcludePatterns to c's. Boolean fields and AnnMetric are not merged; c
// keeps its own values for them.
func (c *Config) mergeWith(other *Config) {
	if other.Version != 0 {
		c.Version = other.Version
	}
	if other.SearchDirectory != "" {
		c.SearchDirectory = other.SearchDirectory
	}
	if len(other.FileExtensions) > 0 {
		c.FileExtensions = other.FileExtensions
	}
	if len(other.ExcludePatterns) > 0 {
		c.ExcludePatterns = append(c.ExcludePatterns, other.ExcludePatterns...)
	}
	if other.ChunkSize != 0 {
		c.ChunkSize = other.ChunkSize
	}
	if other.ChunkOverlap != 0 {
		c.ChunkOverlap = other.ChunkOverlap
	}
	if other.BatchSize != 0 {
		c.BatchSize = other.BatchSize
	}
	if other.MaxFileSize != 0 {
		c.MaxFileSize = other.MaxFileSize
	}
	if other.MaxResults != 0 {
		c.MaxResults = other.MaxResults
	}
	if other.CacheDirectory != "" {
		c.CacheDirectory = other.CacheDirectory
	}
	if other.WorkerThreads != "" {
		c.WorkerThreads = other.WorkerThreads
	}
	if other.EmbeddingModel != "" {
		c.EmbeddingModel = other.EmbeddingModel
	}
	if other.SemanticWeight != 0 {
		c.SemanticWeight = other.SemanticWeight
	}
	if other.ExactMatchBoost != 0 {
		c.ExactMatchBoost = other.ExactMatchBoost
	}
	if other.RecencyBoost != 0 {
		c.RecencyBoost = other.RecencyBoost
	}
	if other.RecencyDecayDays != 0 {
		c.RecencyDecayDays = other.RecencyDecayDays
	}
	if other.CallGraphBoost != 0 {
		c.CallGraphBoost = other.CallGraphBoost
	}
	if other.CallGraphMaxHops != 0 {
		c.CallGraphMaxHops = other.CallGraphMaxHops
	}
	if other.AnnMinChunks != 0 {
		c.AnnMinChunks = other.AnnMinChunks
	}
	if other.AnnMinCandidates != 0 {
		c.AnnMinCandidates = other.AnnMinCandidates
	}
	if other.AnnMaxCandidates != 0 {
		c.AnnMaxCandidates = other.AnnMaxCandidates
	}
	if other.AnnCandidateMultiplier != 0 {
		c.AnnCandidateMultiplier = other.AnnCandidateMultiplier
	}
	if other.AnnEfConstruction != 0 {
		c.AnnEfConstruction = other.AnnEfConstruction
	}
	if other.AnnEfSearch != 0 {
		c.AnnEfSearch = other.AnnEfSearch
	}
	if other.AnnM != 0 {
		c.AnnM = other.AnnM
	}
	if other.VectorStoreFormat != "" {
		c.VectorStoreFormat = other.VectorStoreFormat
	}
}

// applyEnvOverrides applies HEURISTIC_MCP_* environment overrides, the
// highest-precedence layer.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("HEURISTIC_MCP_SEMANTIC_WEIGHT"); v != "" {
		if w, err := strconv.ParseFloat(v, 64); err == nil && w >= 0 && w <= 1 {
			c.SemanticWeight = w
		}
	}
	if v := os.Getenv("HEURISTIC_MCP_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.BatchSize = n
		}
	}
	if v := os.Getenv("HEURISTIC_MCP_WORKER_THREADS"); v != "" {
		c.WorkerThreads = v
	}
	if v := os.Getenv("HEURISTIC_MCP_CACHE_DIRECTORY"); v != "" {
		c.CacheDirectory = v
	}
	if v := os.Getenv("HEURISTIC_MCP_EMBEDDING_MODEL"); v != "" {
		c.EmbeddingModel = v
	}
	if v := os.Getenv("HEURISTIC_MCP_VERBOSE"); v != "" {
		c.Verbose = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("HEURISTIC_MCP_WATCH_FILES"); v != "" {
		c.WatchFiles = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("HEURISTIC_MCP_ANN_ENABLED"); v != "" {
		c.AnnEnabled = strings.EqualFold(v, "true") || v == "1"
	}
}

// Validate checks invariants on the final merged configuration.
func (c *Config) Validate() error {
	if c.SemanticWeight < 0 || c.SemanticWeight > 1 {
		return fmt.Errorf("semantic_weight must be between 0 and 1, got %f", c.SemanticWeight)
	}
	if c.ExactMatchBoost < 0 {
		return fmt.Errorf("exact_match_boost must be non-negative, got %f", c.ExactMatchBoost)
	}
	if c.RecencyBoost < 0 || c.RecencyBoost > 1 {
		return fmt.Errorf("recency_boost must be between 0 and 1, got %f", c.RecencyBoost)
	}
	if c.RecencyDecayDays < 1 || c.RecencyDecayDays > 365 {
		return fmt.Errorf("recency_decay_days must be between 1 and 365, got %d", c.RecencyDecayDays)
	}
	if c.AnnM < 1 || c.AnnM > 64 {
		return fmt.Errorf("ann_m must be between 1 and 64, got %d", c.AnnM)
	}
	if c.AnnMetric != "" && c.AnnMetric != "cosine" {
		return fmt.Errorf("ann_metric is locked to 'cosine', got %s", c.AnnMetric)
	}
	if c.VectorStoreFormat != "json" && c.VectorStoreFormat != "binary" {
		return fmt.Errorf("vector_store_format must be 'json' or 'binary', got %s", c.VectorStoreFormat)
	}
	if c.MaxResults < 0 {
		return fmt.Errorf("max_results must be non-negative, got %d", c.MaxResults)
	}
	if c.ChunkSize < 0 {
		return fmt.Errorf("chunk_size must be non-negative, got %d", c.ChunkSize)
	}
	if math.IsNaN(c.SemanticWeight) {
		return fmt.Errorf("semantic_weight is NaN")
	}
	return nil
}

// WriteYAML writes the configuration to path as YAML.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
