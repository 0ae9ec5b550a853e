package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultEmbeddingCacheSize bounds a CachedEmbedder's LRU when the caller
// doesn't override it: 1000 entries at 768 dimensions is a few megabytes.
const DefaultEmbeddingCacheSize = 1000

// CachedEmbedder wraps an Embedder with an LRU of text -> vector, so a
// query repeated across searches (or the same chunk re-embedded after a
// no-op edit) skips the backend call entirely.
type CachedEmbedder struct {
	inner Embedder
	cache *lru.Cache[string, []float32]
}

// NewCachedEmbedder wraps inner with a cache holding cacheSize entries
// (DefaultEmbeddingCacheSize if cacheSize <= 0).
func NewCachedEmbedder(inner Embedder, cacheSize int) *CachedEmbedder {
	if cacheSize <= 0 {
		cacheSize = DefaultEmbeddingCacheSize
	}
	cache, _ := lru.New[string, []float32](cacheSize)
	return &CachedEmbedder{inner: inner, cache: cache}
}

// NewCachedEmbedderWithDefaults wraps inner using DefaultEmbeddingCacheSize.
func NewCachedEmbedderWithDefaults(inner Embedder) *CachedEmbedder {
	return NewCachedEmbedder(inner, DefaultEmbeddingCacheSize)
}

// keyFor derives a cache key from text and the wrapped embedder's model
// name, so switching models invalidates stale entries implicitly rather
// than needing an explicit cache flush.
func (c *CachedEmbedder) keyFor(text string) string {
	hash := sha256.Sum256([]byte(text + "\x00" + c.inner.ModelName()))
	return hex.EncodeToString(hash[:])
}

// Embed returns the cached vector for text if present, otherwise computes,
// caches, and returns it.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.keyFor(text)
	if vec, ok := c.cache.Get(key); ok {
		return vec, nil
	}

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, vec)
	return vec, nil
}

// pendingBatch tracks which positions in an EmbedBatch call missed the
// cache and still need a backend round trip.
type pendingBatch struct {
	indices []int
	texts   []string
}

// EmbedBatch returns a vector per text, computing (and caching) only the
// ones not already in cache; a batch that's entirely cached never touches
// the inner embedder.
func (c *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, len(texts))
	pending := pendingBatch{
		indices: make([]int, 0, len(texts)),
		texts:   make([]string, 0, len(texts)),
	}

	for i, text := range texts {
		if vec, ok := c.cache.Get(c.keyFor(text)); ok {
			results[i] = vec
			continue
		}
		pending.indices = append(pending.indices, i)
		pending.texts = append(pending.texts, text)
	}

	if len(pending.texts) == 0 {
		return results, nil
	}

	computed, err := c.inner.EmbedBatch(ctx, pending.texts)
	if err != nil {
		return nil, err
	}

	for j, idx := range pending.indices {
		results[idx] = computed[j]
		c.cache.Add(c.keyFor(texts[idx]), computed[j])
	}
	return results, nil
}

func (c *CachedEmbedder) Dimensions() int              { return c.inner.Dimensions() }
func (c *CachedEmbedder) ModelName() string            { return c.inner.ModelName() }
func (c *CachedEmbedder) Available(ctx context.Context) bool { return c.inner.Available(ctx) }
func (c *CachedEmbedder) Close() error                 { return c.inner.Close() }

// Inner returns the wrapped embedder, for callers that need
// implementation-specific behavior (e.g. progress callbacks) not exposed
// through the Embedder interface.
func (c *CachedEmbedder) Inner() Embedder {
	return c.inner
}

func (c *CachedEmbedder) SetBatchIndex(idx int)     { c.inner.SetBatchIndex(idx) }
func (c *CachedEmbedder) SetFinalBatch(isFinal bool) { c.inner.SetFinalBatch(isFinal) }
