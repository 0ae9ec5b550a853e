package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Vector widths of the MLX server's model sizes.
const (
	MLXSmallDimensions  = 1024 // Qwen3-Embedding-0.6B
	MLXMediumDimensions = 2560 // Qwen3-Embedding-4B
	MLXLargeDimensions  = 4096 // Qwen3-Embedding-8B
)

const (
	// DefaultMLXEndpoint avoids the commonly-taken :8000.
	DefaultMLXEndpoint = "http://localhost:9659"

	// DefaultMLXModel is "small": close to large-model quality at a
	// fraction of the resident memory.
	DefaultMLXModel = "small"

	mlxBaseTimeout = 60 * time.Second
	mlxMaxRetries  = 2
	mlxBatchSize   = 32 // assumed server batch, used only for timeout scaling
)

// MLXConfig configures the MLX-server-backed embedder.
type MLXConfig struct {
	// Endpoint is the MLX server URL.
	Endpoint string

	// Model selects the server-side model size: "small", "medium", "large".
	Model string

	// SkipHealthCheck suppresses the startup availability probe.
	SkipHealthCheck bool
}

// DefaultMLXConfig returns the defaults NewMLXEmbedder fills in for
// zero-valued fields.
func DefaultMLXConfig() MLXConfig {
	return MLXConfig{Endpoint: DefaultMLXEndpoint, Model: DefaultMLXModel}
}

// mlxDimensions maps a model size to its vector width when the server
// doesn't report one.
func mlxDimensions(model string) int {
	switch model {
	case "small":
		return MLXSmallDimensions
	case "medium":
		return MLXMediumDimensions
	default:
		return MLXLargeDimensions
	}
}

// MLX wire shapes.
type mlxEmbedRequest struct {
	Text  string `json:"text"`
	Model string `json:"model"`
}

type mlxEmbedResponse struct {
	Embedding []float64 `json:"embedding"`
}

type mlxEmbedBatchRequest struct {
	Texts []string `json:"texts"`
	Model string   `json:"model"`
}

type mlxEmbedBatchResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
}

type mlxHealthResponse struct {
	Status string `json:"status"`
}

type mlxModelsResponse struct {
	Models map[string]struct {
		Dimensions int `json:"dimensions"`
	} `json:"models"`
}

// MLXEmbedder generates embeddings through a local MLX inference server,
// the opt-in fast path on Apple Silicon. Like the Ollama backend it carries
// no static client timeout; each request's deadline scales with how deep
// into an indexing run the caller is.
type MLXEmbedder struct {
	client *http.Client
	cfg    MLXConfig
	dims   int

	mu         sync.Mutex
	closed     bool
	batchIndex int
	finalBatch bool
}

var _ Embedder = (*MLXEmbedder)(nil)

// NewMLXEmbedder probes the configured server (unless cfg.SkipHealthCheck)
// and resolves the model's vector width, preferring the server's own
// report over the static table.
func NewMLXEmbedder(ctx context.Context, cfg MLXConfig) (*MLXEmbedder, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultMLXEndpoint
	}
	if cfg.Model == "" {
		cfg.Model = DefaultMLXModel
	}

	e := &MLXEmbedder{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		cfg:  cfg,
		dims: mlxDimensions(cfg.Model),
	}

	if !cfg.SkipHealthCheck {
		probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		if err := e.healthCheck(probeCtx); err != nil {
			return nil, fmt.Errorf("MLX health check failed: %w", err)
		}
		if dims, err := e.serverDimensions(probeCtx); err == nil {
			e.dims = dims
		}
	}

	slog.Debug("mlx_embedder_created",
		slog.String("endpoint", cfg.Endpoint),
		slog.String("model", cfg.Model),
		slog.Int("dimensions", e.dims))
	return e, nil
}

func (e *MLXEmbedder) healthCheck(ctx context.Context) error {
	var health mlxHealthResponse
	if err := e.getJSON(ctx, "/health", &health); err != nil {
		return err
	}
	if health.Status != "healthy" {
		return fmt.Errorf("MLX server status: %s", health.Status)
	}
	return nil
}

func (e *MLXEmbedder) serverDimensions(ctx context.Context) (int, error) {
	var models mlxModelsResponse
	if err := e.getJSON(ctx, "/models", &models); err != nil {
		return 0, err
	}
	if m, ok := models.Models[e.cfg.Model]; ok {
		return m.Dimensions, nil
	}
	return 0, fmt.Errorf("model %s not found", e.cfg.Model)
}

func (e *MLXEmbedder) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.cfg.Endpoint+path, nil)
	if err != nil {
		return err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to MLX server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("MLX request %s failed (status %d): %s", path, resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (e *MLXEmbedder) postJSON(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("MLX request %s failed (status %d): %s", path, resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Embed generates one embedding.
func (e *MLXEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}

	var result mlxEmbedResponse
	err := e.postJSON(ctx, "/embed", mlxEmbedRequest{Text: text, Model: e.cfg.Model}, &result)
	if err != nil {
		return nil, fmt.Errorf("failed to get embedding: %w", err)
	}
	return toFloat32(result.Embedding), nil
}

// EmbedBatch embeds texts through the server's batch endpoint, with
// bounded retries and a thermally-scaled deadline per attempt.
func (e *MLXEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	var lastErr error
	for attempt := 0; attempt < mlxMaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(500<<attempt) * time.Millisecond
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		timeout := e.deadline()
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		slog.Debug("mlx_embed_attempt",
			slog.Int("attempt", attempt+1),
			slog.Duration("timeout", timeout),
			slog.Int("texts", len(texts)))

		var result mlxEmbedBatchResponse
		err := e.postJSON(attemptCtx, "/embed_batch", mlxEmbedBatchRequest{Texts: texts, Model: e.cfg.Model}, &result)
		cancel()

		if err == nil {
			vecs := make([][]float32, len(result.Embeddings))
			for i, emb := range result.Embeddings {
				vecs[i] = toFloat32(emb)
			}
			return vecs, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("failed after %d attempts: %w", mlxMaxRetries, lastErr)
}

// deadline scales the base timeout with batch progress (thermal throttling
// makes later batches slower) and grants the final batch extra headroom.
func (e *MLXEmbedder) deadline() time.Duration {
	e.mu.Lock()
	batchIdx := e.batchIndex
	final := e.finalBatch
	e.mu.Unlock()

	scale := 1.0 + float64(batchIdx*mlxBatchSize)/2000.0
	if scale > 2.0 {
		scale = 2.0
	}
	if final {
		scale *= 1.5
	}
	return time.Duration(float64(mlxBaseTimeout) * scale)
}

func (e *MLXEmbedder) checkOpen() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("embedder is closed")
	}
	return nil
}

func toFloat32(xs []float64) []float32 {
	out := make([]float32, len(xs))
	for i, x := range xs {
		out[i] = float32(x)
	}
	return out
}

func (e *MLXEmbedder) Dimensions() int { return e.dims }

func (e *MLXEmbedder) ModelName() string {
	return fmt.Sprintf("mlx-qwen3-embedding-%s", e.cfg.Model)
}

// Available reports whether the server answers its health endpoint.
func (e *MLXEmbedder) Available(ctx context.Context) bool {
	if e.checkOpen() != nil {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return e.healthCheck(probeCtx) == nil
}

// Close marks the embedder unusable and drops pooled connections.
func (e *MLXEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if t, ok := e.client.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
	return nil
}

// SetBatchIndex seeds the thermal-progression counter when resuming a run
// partway through.
func (e *MLXEmbedder) SetBatchIndex(idx int) {
	e.mu.Lock()
	e.batchIndex = idx
	e.mu.Unlock()
}

// SetFinalBatch grants the next call the final-batch deadline boost.
func (e *MLXEmbedder) SetFinalBatch(isFinal bool) {
	e.mu.Lock()
	e.finalBatch = isFinal
	e.mu.Unlock()
}
