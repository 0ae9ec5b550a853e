package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultOllamaHost is the local Ollama API endpoint.
	DefaultOllamaHost = "http://localhost:11434"

	// DefaultOllamaModel is the default embedding model. The 0.6b variant
	// keeps resident memory low enough for laptop use.
	DefaultOllamaModel = "qwen3-embedding:0.6b"

	ollamaConnectTimeout = 5 * time.Second
	ollamaPoolSize       = 4
)

// fallbackOllamaModels are tried in order when the configured model is not
// installed. General-purpose text embedders are listed last; they work but
// rank code worse than code-tuned models.
var fallbackOllamaModels = []string{
	"embeddinggemma",
	"mxbai-embed-large",
}

// OllamaConfig configures the Ollama-backed embedder.
type OllamaConfig struct {
	Host           string
	Model          string
	FallbackModels []string

	// Dimensions overrides auto-detection when non-zero.
	Dimensions int

	BatchSize      int
	Timeout        time.Duration
	ConnectTimeout time.Duration
	MaxRetries     int
	PoolSize       int

	// SkipHealthCheck suppresses the startup availability probe.
	SkipHealthCheck bool

	// Thermal tuning for sustained GPU workloads. InterBatchDelay pauses
	// between batches; TimeoutProgression grows the per-request deadline as
	// a run progresses; RetryTimeoutMultiplier grows it per retry attempt.
	// 0 / 1.0 disable each respectively.
	InterBatchDelay        time.Duration
	TimeoutProgression     float64
	RetryTimeoutMultiplier float64
}

// DefaultOllamaConfig returns the defaults NewOllamaEmbedder fills in for
// zero-valued fields.
func DefaultOllamaConfig() OllamaConfig {
	return OllamaConfig{
		Host:                   DefaultOllamaHost,
		Model:                  DefaultOllamaModel,
		FallbackModels:         fallbackOllamaModels,
		BatchSize:              DefaultBatchSize,
		Timeout:                DefaultTimeout,
		ConnectTimeout:         ollamaConnectTimeout,
		MaxRetries:             DefaultMaxRetries,
		PoolSize:               ollamaPoolSize,
		InterBatchDelay:        DefaultInterBatchDelay,
		TimeoutProgression:     DefaultTimeoutProgression,
		RetryTimeoutMultiplier: DefaultRetryTimeoutMultiplier,
	}
}

// Ollama wire shapes for /api/embed and /api/tags.
type ollamaEmbedRequest struct {
	Model string `json:"model"`
	Input any    `json:"input"` // string, or []string for a batch
}

type ollamaEmbedResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float64 `json:"embeddings"`
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// OllamaEmbedder generates embeddings through a local Ollama server's HTTP
// API. Requests carry per-call deadlines that scale with thermal state
// rather than a static client timeout, so a long indexing run on a
// throttling GPU degrades to slower batches instead of hard failures.
type OllamaEmbedder struct {
	client    *http.Client
	transport *http.Transport
	cfg       OllamaConfig
	modelName string
	dims      int

	mu         sync.Mutex
	closed     bool
	lastCall   time.Time
	batchIndex int
	finalBatch bool
}

var _ Embedder = (*OllamaEmbedder)(nil)

// NewOllamaEmbedder connects to the configured Ollama server, resolves the
// model (falling back through cfg.FallbackModels), and detects the vector
// width unless cfg.Dimensions pins it.
func NewOllamaEmbedder(ctx context.Context, cfg OllamaConfig) (*OllamaEmbedder, error) {
	applyOllamaDefaults(&cfg)

	// A short idle timeout releases sockets promptly once an indexing run
	// finishes; no client-level timeout, since each request carries its
	// own context deadline computed from thermal state.
	transport := &http.Transport{
		MaxIdleConns:        cfg.PoolSize,
		MaxIdleConnsPerHost: cfg.PoolSize,
		MaxConnsPerHost:     cfg.PoolSize * 2,
		IdleConnTimeout:     10 * time.Second,
	}

	e := &OllamaEmbedder{
		client:    &http.Client{Transport: transport},
		transport: transport,
		cfg:       cfg,
		modelName: cfg.Model,
		dims:      cfg.Dimensions,
	}

	if !cfg.SkipHealthCheck {
		// A cold server may spend most of a minute loading model weights,
		// so the probe gets the cold deadline, not the connect timeout.
		probeCtx, cancel := context.WithTimeout(ctx, DefaultColdTimeout)
		defer cancel()

		model, err := e.resolveModel(probeCtx)
		if err != nil {
			transport.CloseIdleConnections()
			return nil, fmt.Errorf("failed to connect to Ollama or find model: %w", err)
		}
		e.modelName = model

		if e.dims == 0 {
			vecs, err := e.requestEmbeddings(probeCtx, "dimension probe")
			if err != nil || len(vecs) == 0 || len(vecs[0]) == 0 {
				transport.CloseIdleConnections()
				return nil, fmt.Errorf("failed to detect embedding dimensions: %w", err)
			}
			e.dims = len(vecs[0])
		}
	}
	if e.dims == 0 {
		e.dims = DefaultDimensions
	}

	return e, nil
}

func applyOllamaDefaults(cfg *OllamaConfig) {
	def := DefaultOllamaConfig()
	if cfg.Host == "" {
		cfg.Host = def.Host
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.FallbackModels == nil {
		cfg.FallbackModels = def.FallbackModels
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = def.PoolSize
	}
}

// installedModels returns the names reported by /api/tags.
func (e *OllamaEmbedder) installedModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.cfg.Host+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Ollama: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	names := make([]string, len(tags.Models))
	for i, m := range tags.Models {
		names[i] = m.Name
	}
	return names, nil
}

// resolveModel picks the first of (configured model, fallbacks) that is
// installed, matching either the exact "name:tag" or the bare name.
func (e *OllamaEmbedder) resolveModel(ctx context.Context) (string, error) {
	installed, err := e.installedModels(ctx)
	if err != nil {
		return "", err
	}

	byName := make(map[string]string, 2*len(installed))
	for _, name := range installed {
		lower := strings.ToLower(name)
		byName[lower] = name
		if base, _, ok := strings.Cut(lower, ":"); ok {
			if _, taken := byName[base]; !taken {
				byName[base] = name
			}
		}
	}

	candidates := append([]string{e.cfg.Model}, e.cfg.FallbackModels...)
	for _, want := range candidates {
		lower := strings.ToLower(want)
		if actual, ok := byName[lower]; ok {
			return actual, nil
		}
		if base, _, ok := strings.Cut(lower, ":"); ok {
			if actual, ok := byName[base]; ok {
				return actual, nil
			}
		}
	}
	return "", fmt.Errorf("no embedding model available (tried %s and %v)", e.cfg.Model, e.cfg.FallbackModels)
}

// Embed generates one embedding. Whitespace-only input maps to a zero
// vector rather than a wasted server round trip.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return make([]float32, e.dims), nil
	}

	vecs, err := e.embedWithRetry(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts, splitting the request into server-side batches
// of cfg.BatchSize. Whitespace-only entries become zero vectors locally;
// the rest keep their original positions in the result.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, len(texts))
	var liveIdx []int
	var live []string
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			results[i] = make([]float32, e.dims)
			continue
		}
		liveIdx = append(liveIdx, i)
		live = append(live, text)
	}

	for start := 0; start < len(live); start += e.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+e.cfg.BatchSize, len(live))

		vecs, err := e.embedWithRetry(ctx, live[start:end])
		if err != nil {
			return nil, fmt.Errorf("failed to embed batch: %w", err)
		}
		for i, v := range vecs {
			results[liveIdx[start+i]] = v
		}

		e.mu.Lock()
		e.batchIndex++
		e.mu.Unlock()

		if e.cfg.InterBatchDelay > 0 && end < len(live) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(e.cfg.InterBatchDelay):
			}
		}
	}
	return results, nil
}

func (e *OllamaEmbedder) checkOpen() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("embedder is closed")
	}
	return nil
}

// deadline computes the per-request timeout: the warm/cold base, scaled up
// by how deep into the run we are (thermal progression), by the retry
// attempt, and by a flat boost on the final batch, which lands when the
// GPU is at peak throttle.
func (e *OllamaEmbedder) deadline(attempt int) time.Duration {
	e.mu.Lock()
	lastCall := e.lastCall
	batchIdx := e.batchIndex
	final := e.finalBatch
	e.mu.Unlock()

	base := DefaultWarmTimeout
	if lastCall.IsZero() || time.Since(lastCall) > ModelUnloadThreshold {
		base = DefaultColdTimeout
	}

	scale := 1.0
	if e.cfg.TimeoutProgression > 1.0 {
		chunksSoFar := float64(batchIdx*e.cfg.BatchSize) / 1000.0
		scale = 1.0 + chunksSoFar*(e.cfg.TimeoutProgression-1.0)
		if scale > 3.0 {
			scale = 3.0
		}
	}
	if e.cfg.RetryTimeoutMultiplier > 1.0 && attempt > 0 {
		retryScale := math.Pow(e.cfg.RetryTimeoutMultiplier, float64(attempt))
		scale *= math.Min(retryScale, MaxRetryTimeoutMultiplier)
	}
	if final {
		scale *= 1.5
	}
	return time.Duration(float64(base) * scale)
}

// embedWithRetry runs one server batch with bounded retries, exponential
// backoff, and a thermal-scaled deadline per attempt.
func (e *OllamaEmbedder) embedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	for attempt := 0; attempt < e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(100<<attempt) * time.Millisecond
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		timeout := e.deadline(attempt)
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		slog.Debug("ollama_embed_attempt",
			slog.Int("attempt", attempt+1),
			slog.Duration("timeout", timeout),
			slog.Int("texts", len(texts)))

		var input any = texts
		if len(texts) == 1 {
			input = texts[0]
		}
		vecs, err := e.requestEmbeddings(attemptCtx, input)
		cancel()

		if err == nil {
			e.mu.Lock()
			e.lastCall = time.Now()
			e.mu.Unlock()
			return vecs, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("failed after %d attempts: %w", e.cfg.MaxRetries, lastErr)
}

// requestEmbeddings performs one /api/embed call and returns normalized
// float32 vectors.
func (e *OllamaEmbedder) requestEmbeddings(ctx context.Context, input any) ([][]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: e.modelName, Input: input})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Host+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedding failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var decoded ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	vecs := make([][]float32, len(decoded.Embeddings))
	for i, emb := range decoded.Embeddings {
		v := make([]float32, len(emb))
		for j, x := range emb {
			v[j] = float32(x)
		}
		vecs[i] = normalizeVector(v)
	}
	return vecs, nil
}

func (e *OllamaEmbedder) Dimensions() int   { return e.dims }
func (e *OllamaEmbedder) ModelName() string { return e.modelName }

// Available reports whether the server responds and still has the resolved
// model installed.
func (e *OllamaEmbedder) Available(ctx context.Context) bool {
	if e.checkOpen() != nil {
		return false
	}
	installed, err := e.installedModels(ctx)
	if err != nil {
		return false
	}
	want := strings.ToLower(e.modelName)
	for _, name := range installed {
		lower := strings.ToLower(name)
		if strings.Contains(lower, want) || strings.Contains(want, lower) {
			return true
		}
	}
	return false
}

// SetBatchIndex seeds the thermal-progression counter, used when resuming
// an indexing run partway through so late batches keep their longer
// deadlines.
func (e *OllamaEmbedder) SetBatchIndex(idx int) {
	e.mu.Lock()
	e.batchIndex = idx
	e.mu.Unlock()
}

// SetFinalBatch grants the next call the final-batch deadline boost.
func (e *OllamaEmbedder) SetFinalBatch(isFinal bool) {
	e.mu.Lock()
	e.finalBatch = isFinal
	e.mu.Unlock()
}

// Close marks the embedder unusable and drops pooled connections.
func (e *OllamaEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.transport.CloseIdleConnections()
	return nil
}
