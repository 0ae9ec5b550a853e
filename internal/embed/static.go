package embed

import (
	"context"
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"
	"sync"
	"unicode"
)

// Static768Dimensions matches the width of the default neural models so a
// fallback to hashed embeddings never forces a re-index.
const Static768Dimensions = 768

// Hashed-embedding weights: whole identifiers dominate, character n-grams
// add partial-match signal.
const (
	tokenWeight = 0.7
	ngramWeight = 0.3
	ngramSize   = 3
)

// programmingStopWords are language keywords that carry no retrieval
// signal and would otherwise dominate the hashed buckets.
var programmingStopWords = map[string]bool{
	"func": true, "function": true, "def": true, "class": true,
	"return": true, "import": true, "const": true, "var": true,
	"let": true, "int": true, "string": true, "bool": true,
	"void": true, "true": true, "false": true, "nil": true,
	"null": true, "this": true, "self": true, "new": true,
}

var tokenRegex = regexp.MustCompile(`[a-zA-Z0-9]+`)

// staticVector builds the hashed bag-of-features vector shared by both
// static embedder widths: lowercased identifier fragments at tokenWeight,
// character trigrams at ngramWeight, each FNV-hashed into a bucket.
func staticVector(text string, dims int) []float32 {
	vector := make([]float32, dims)

	for _, token := range filterStopWords(tokenize(text)) {
		vector[hashToIndex(token, dims)] += tokenWeight
	}
	for _, ngram := range extractNgrams(normalizeForNgrams(text), ngramSize) {
		vector[hashToIndex(ngram, dims)] += ngramWeight
	}
	return vector
}

// staticEmbed is the shared Embed path: whitespace-only input maps to a
// zero vector, everything else to a normalized hashed vector.
func staticEmbed(text string, dims int) []float32 {
	if strings.TrimSpace(text) == "" {
		return make([]float32, dims)
	}
	return normalizeVector(staticVector(strings.TrimSpace(text), dims))
}

// tokenize splits text into lowercase identifier fragments, breaking
// camelCase and snake_case apart so `handleHTTPRequest` matches a query
// for "http".
func tokenize(text string) []string {
	var tokens []string
	for _, word := range tokenRegex.FindAllString(text, -1) {
		for _, t := range splitCodeToken(word) {
			if lower := strings.ToLower(t); lower != "" {
				tokens = append(tokens, lower)
			}
		}
	}
	return tokens
}

// splitCodeToken breaks a single identifier on underscores, then on
// camelCase boundaries within each part.
func splitCodeToken(token string) []string {
	if !strings.Contains(token, "_") {
		return splitCamelCase(token)
	}
	var result []string
	for _, part := range strings.Split(token, "_") {
		if part != "" {
			result = append(result, splitCamelCase(part)...)
		}
	}
	return result
}

// splitCamelCase splits on lower-to-upper transitions and at the end of
// acronym runs ("HTTPServer" -> "HTTP", "Server").
func splitCamelCase(s string) []string {
	if s == "" {
		return []string{}
	}

	var result []string
	var current strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) {
			prevIsLower := unicode.IsLower(runes[i-1])
			nextIsLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if (prevIsLower || nextIsLower) && current.Len() > 0 {
				result = append(result, current.String())
				current.Reset()
			}
		}
		current.WriteRune(r)
	}
	if current.Len() > 0 {
		result = append(result, current.String())
	}
	return result
}

func filterStopWords(tokens []string) []string {
	var filtered []string
	for _, t := range tokens {
		if !programmingStopWords[t] {
			filtered = append(filtered, t)
		}
	}
	return filtered
}

// normalizeForNgrams strips everything but letters and digits, lowercased,
// so n-grams span identifier boundaries.
func normalizeForNgrams(text string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func extractNgrams(text string, n int) []string {
	if len(text) < n {
		return []string{}
	}
	ngrams := make([]string, 0, len(text)-n+1)
	for i := 0; i <= len(text)-n; i++ {
		ngrams = append(ngrams, text[i:i+n])
	}
	return ngrams
}

func hashToIndex(s string, size int) int {
	h := fnv.New64()
	_, _ = h.Write([]byte(s))
	return int(h.Sum64() % uint64(size))
}

// staticState is the tiny shared lifecycle (open/closed) both static
// embedder widths embed.
type staticState struct {
	mu     sync.RWMutex
	closed bool
}

func (s *staticState) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("embedder is closed")
	}
	return nil
}

func (s *staticState) open(_ context.Context) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.closed
}

func (s *staticState) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// StaticEmbedder produces deterministic hashed embeddings with no network,
// model download, or native dependency. Quality is well below a neural
// model; it exists so search degrades to roughly-lexical rather than
// failing outright.
type StaticEmbedder struct {
	staticState
}

var _ Embedder = (*StaticEmbedder)(nil)

// NewStaticEmbedder creates a StaticDimensions-wide static embedder.
func NewStaticEmbedder() *StaticEmbedder {
	return &StaticEmbedder{}
}

func (e *StaticEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	return staticEmbed(text, StaticDimensions), nil
}

func (e *StaticEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return staticBatch(ctx, e, texts)
}

func (e *StaticEmbedder) Dimensions() int                  { return StaticDimensions }
func (e *StaticEmbedder) ModelName() string                { return "static" }
func (e *StaticEmbedder) Available(ctx context.Context) bool { return e.open(ctx) }
func (e *StaticEmbedder) Close() error                     { e.close(); return nil }
func (e *StaticEmbedder) SetBatchIndex(_ int)              {}
func (e *StaticEmbedder) SetFinalBatch(_ bool)             {}

// StaticEmbedder768 is the same hashed embedding at Static768Dimensions,
// kept as a separate type so provider detection can distinguish the two
// widths.
type StaticEmbedder768 struct {
	staticState
}

var _ Embedder = (*StaticEmbedder768)(nil)

// NewStaticEmbedder768 creates a 768-wide static embedder.
func NewStaticEmbedder768() *StaticEmbedder768 {
	return &StaticEmbedder768{}
}

func (e *StaticEmbedder768) Embed(_ context.Context, text string) ([]float32, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	return staticEmbed(text, Static768Dimensions), nil
}

func (e *StaticEmbedder768) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return staticBatch(ctx, e, texts)
}

func (e *StaticEmbedder768) Dimensions() int                  { return Static768Dimensions }
func (e *StaticEmbedder768) ModelName() string                { return "static768" }
func (e *StaticEmbedder768) Available(ctx context.Context) bool { return e.open(ctx) }
func (e *StaticEmbedder768) Close() error                     { e.close(); return nil }
func (e *StaticEmbedder768) SetBatchIndex(_ int)              {}
func (e *StaticEmbedder768) SetFinalBatch(_ bool)             {}

// staticBatch maps Embed over texts for either static width.
func staticBatch(ctx context.Context, e Embedder, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	results := make([][]float32, len(texts))
	for i, text := range texts {
		emb, err := e.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("failed to embed text %d: %w", i, err)
		}
		results[i] = emb
	}
	return results, nil
}
