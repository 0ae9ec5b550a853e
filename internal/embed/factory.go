package embed

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// ProviderType names an embedding backend.
type ProviderType string

const (
	// ProviderOllama is the cross-platform default.
	ProviderOllama ProviderType = "ollama"

	// ProviderMLX is the opt-in Apple Silicon fast path; faster than
	// Ollama but holds more resident memory.
	ProviderMLX ProviderType = "mlx"

	// ProviderStatic is the deterministic hashed fallback; works with no
	// server or model at all.
	ProviderStatic ProviderType = "static"

	// ProviderNative dlopens a user-supplied shared library exposing a C
	// ABI embed entry point.
	ProviderNative ProviderType = "native"
)

// NewEmbedder builds the embedder for provider/model. The
// HEURISTIC_MCP_EMBEDDER environment variable overrides provider outright;
// a provider that fails to come up is an error rather than a silent
// switch to a different one. Unless disabled via HEURISTIC_MCP_EMBED_CACHE,
// the result is wrapped in an LRU cache that short-circuits repeated
// query embeddings.
func NewEmbedder(ctx context.Context, provider ProviderType, model string) (Embedder, error) {
	if env := os.Getenv("HEURISTIC_MCP_EMBEDDER"); IsValidProvider(env) {
		provider = ProviderType(strings.ToLower(env))
	}

	var embedder Embedder
	var err error
	switch provider {
	case ProviderMLX:
		embedder, err = newMLXEmbedder(ctx)
	case ProviderStatic:
		embedder = NewStaticEmbedder768()
	case ProviderNative:
		embedder, err = newNativeEmbedder()
	default:
		embedder, err = newOllamaEmbedder(ctx, model)
	}
	if err != nil {
		return nil, err
	}

	if !isCacheDisabled() {
		embedder = NewCachedEmbedderWithDefaults(embedder)
	}
	return embedder, nil
}

func isCacheDisabled() bool {
	switch strings.ToLower(os.Getenv("HEURISTIC_MCP_EMBED_CACHE")) {
	case "false", "0", "off", "disabled":
		return true
	}
	return false
}

// newMLXEmbedder layers endpoint/model resolution: built-in defaults,
// then SetMLXConfig values from the config file, then environment
// variables.
func newMLXEmbedder(ctx context.Context) (Embedder, error) {
	cfg := DefaultMLXConfig()
	if globalMLXConfig.Endpoint != "" {
		cfg.Endpoint = globalMLXConfig.Endpoint
	}
	if globalMLXConfig.Model != "" {
		cfg.Model = globalMLXConfig.Model
	}
	if endpoint := os.Getenv("HEURISTIC_MCP_MLX_ENDPOINT"); endpoint != "" {
		cfg.Endpoint = endpoint
	}
	if model := os.Getenv("HEURISTIC_MCP_MLX_MODEL"); model != "" {
		cfg.Model = model
	}

	embedder, err := NewMLXEmbedder(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("mlx unavailable: %w\n\nTo fix:\n  1. Start an MLX embedding server\n  2. Or set HEURISTIC_MCP_EMBEDDER=ollama\n  3. Or set HEURISTIC_MCP_EMBEDDER=static for lexical-only search", err)
	}
	return embedder, nil
}

// newOllamaEmbedder layers the Ollama config the same way: defaults, then
// SetThermalConfig values, then environment variables.
func newOllamaEmbedder(ctx context.Context, model string) (Embedder, error) {
	cfg := DefaultOllamaConfig()

	// A model name from config only applies if it is Ollama-shaped;
	// GGUF-style names (nomic-embed-text-v1.5) belong to other backends.
	if model != "" && isOllamaModelName(model) {
		cfg.Model = model
	}
	if host := os.Getenv("HEURISTIC_MCP_OLLAMA_HOST"); host != "" {
		cfg.Host = host
	}
	if model := os.Getenv("HEURISTIC_MCP_OLLAMA_MODEL"); model != "" {
		cfg.Model = model
	}
	if s := os.Getenv("HEURISTIC_MCP_OLLAMA_TIMEOUT"); s != "" {
		if timeout, err := time.ParseDuration(s); err == nil {
			cfg.Timeout = timeout
		}
	}
	applyThermalSettings(&cfg)

	embedder, err := NewOllamaEmbedder(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("ollama unavailable: %w\n\nTo fix:\n  1. Start Ollama: ollama serve\n  2. Or set HEURISTIC_MCP_EMBEDDER=static for lexical-only search", err)
	}
	return embedder, nil
}

// applyThermalSettings folds SetThermalConfig values, then environment
// overrides, into cfg, clamping each knob to its working range.
func applyThermalSettings(cfg *OllamaConfig) {
	if globalThermalConfig.InterBatchDelay > 0 {
		cfg.InterBatchDelay = minDuration(globalThermalConfig.InterBatchDelay, MaxInterBatchDelay)
	}
	if globalThermalConfig.TimeoutProgression >= 1.0 {
		cfg.TimeoutProgression = clampFloat(globalThermalConfig.TimeoutProgression, 1.0, MaxTimeoutProgression)
	}
	if globalThermalConfig.RetryTimeoutMultiplier >= 1.0 {
		cfg.RetryTimeoutMultiplier = clampFloat(globalThermalConfig.RetryTimeoutMultiplier, 1.0, MaxRetryTimeoutMultiplier)
	}

	if s := os.Getenv("HEURISTIC_MCP_INTER_BATCH_DELAY"); s != "" {
		if delay, err := time.ParseDuration(s); err == nil && delay >= 0 {
			cfg.InterBatchDelay = minDuration(delay, MaxInterBatchDelay)
		}
	}
	if s := os.Getenv("HEURISTIC_MCP_TIMEOUT_PROGRESSION"); s != "" {
		if v, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil && v >= 1.0 {
			cfg.TimeoutProgression = clampFloat(v, 1.0, MaxTimeoutProgression)
		}
	}
	if s := os.Getenv("HEURISTIC_MCP_RETRY_TIMEOUT_MULTIPLIER"); s != "" {
		if v, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil && v >= 1.0 {
			cfg.RetryTimeoutMultiplier = clampFloat(v, 1.0, MaxRetryTimeoutMultiplier)
		}
	}
}

func minDuration(d, max time.Duration) time.Duration {
	if d > max {
		return max
	}
	return d
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// newNativeEmbedder reads the purego backend's configuration from its
// environment variables; there is no sensible auto-detection for an
// arbitrary shared library.
func newNativeEmbedder() (Embedder, error) {
	model := os.Getenv("HEURISTIC_MCP_NATIVE_MODEL")
	if model == "" {
		model = "native"
	}
	dims := DefaultDimensions
	if s := os.Getenv("HEURISTIC_MCP_NATIVE_DIMS"); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v > 0 {
			dims = v
		}
	}

	embedder, err := NewNativeEmbedder(os.Getenv("HEURISTIC_MCP_NATIVE_LIB"), model, dims)
	if err != nil {
		return nil, fmt.Errorf("native embedder unavailable: %w\n\nTo fix:\n  1. Set HEURISTIC_MCP_NATIVE_LIB to a shared library exporting heuristic_mcp_embed\n  2. Or set HEURISTIC_MCP_EMBEDDER=ollama or =static", err)
	}
	return embedder, nil
}

// ThermalConfig carries the thermal-management knobs read from the config
// file. Environment variables still override these.
type ThermalConfig struct {
	InterBatchDelay        time.Duration
	TimeoutProgression     float64
	RetryTimeoutMultiplier float64
}

var globalThermalConfig ThermalConfig

// SetThermalConfig stores config-file thermal settings for subsequent
// NewEmbedder calls.
func SetThermalConfig(cfg ThermalConfig) {
	globalThermalConfig = cfg
	if cfg.InterBatchDelay > 0 || cfg.TimeoutProgression != 0 || cfg.RetryTimeoutMultiplier != 0 {
		slog.Debug("thermal_config_set",
			slog.Duration("inter_batch_delay", cfg.InterBatchDelay),
			slog.Float64("timeout_progression", cfg.TimeoutProgression),
			slog.Float64("retry_timeout_multiplier", cfg.RetryTimeoutMultiplier))
	}
}

// MLXServerConfig carries the MLX endpoint/model read from the config
// file. Environment variables still override these.
type MLXServerConfig struct {
	Endpoint string
	Model    string
}

var globalMLXConfig MLXServerConfig

// SetMLXConfig stores config-file MLX settings for subsequent NewEmbedder
// calls.
func SetMLXConfig(cfg MLXServerConfig) {
	globalMLXConfig = cfg
	if cfg.Endpoint != "" || cfg.Model != "" {
		slog.Debug("mlx_config_set",
			slog.String("endpoint", cfg.Endpoint),
			slog.String("model", cfg.Model))
	}
}

// ParseProvider maps a config string to a ProviderType, defaulting to
// Ollama for anything unrecognized.
func ParseProvider(s string) ProviderType {
	switch strings.ToLower(s) {
	case "mlx":
		return ProviderMLX
	case "ollama", "llama": // "llama" accepted for older configs
		return ProviderOllama
	case "static":
		return ProviderStatic
	case "native":
		return ProviderNative
	default:
		return ProviderOllama
	}
}

func (p ProviderType) String() string { return string(p) }

// isOllamaModelName distinguishes Ollama registry names ("name:tag") from
// GGUF-style names ("nomic-embed-text-v1.5", "model.gguf"), which belong
// to other backends and must not be sent to Ollama.
func isOllamaModelName(model string) bool {
	if strings.Contains(model, ":") {
		return true
	}
	if strings.Contains(model, "-v") &&
		(strings.Contains(model, ".") || strings.HasSuffix(model, "-v1") || strings.HasSuffix(model, "-v2")) {
		return false
	}
	return false
}

// ValidProviders lists every recognized provider name.
func ValidProviders() []string {
	return []string{
		string(ProviderMLX),
		string(ProviderOllama),
		string(ProviderStatic),
		string(ProviderNative),
	}
}

// IsValidProvider reports whether s names a recognized provider.
func IsValidProvider(s string) bool {
	lower := strings.ToLower(s)
	for _, p := range ValidProviders() {
		if lower == p {
			return true
		}
	}
	return false
}

// EmbedderInfo is a point-in-time description of a live embedder.
type EmbedderInfo struct {
	Provider   ProviderType
	Model      string
	Dimensions int
	Available  bool
}

// GetInfo inspects an embedder (unwrapping the cache layer) and reports
// its provider, model, width, and availability.
func GetInfo(ctx context.Context, embedder Embedder) EmbedderInfo {
	info := EmbedderInfo{
		Model:      embedder.ModelName(),
		Dimensions: embedder.Dimensions(),
		Available:  embedder.Available(ctx),
	}

	inner := embedder
	if cached, ok := embedder.(*CachedEmbedder); ok {
		inner = cached.inner
	}
	switch inner.(type) {
	case *MLXEmbedder:
		info.Provider = ProviderMLX
	case *OllamaEmbedder:
		info.Provider = ProviderOllama
	case *NativeEmbedder:
		info.Provider = ProviderNative
	default:
		info.Provider = ProviderStatic
	}
	return info
}
