package search

import (
	"context"
	"math"
	"path/filepath"
	"sort"
	"strings"
	"time"

	eerrors "github.com/softerist/heuristic-mcp-sub001/internal/errors"
	"github.com/softerist/heuristic-mcp-sub001/internal/scanner"
	"github.com/softerist/heuristic-mcp-sub001/internal/store"
)

// maxFullScanSize bounds the exact-scan fallback after a thin ANN result.
const maxFullScanSize = 5000

// yieldEvery is the cooperative-batching size of the scoring loop: a
// cancellation check every 500 candidates keeps tool calls responsive
// while indexing runs in the background.
const yieldEvery = 500

// maxSnippetTokens bounds a find-similar input to roughly the embedding
// context window; a longer snippet is cut back to its first semantic chunk
// and the caller is warned.
const maxSnippetTokens = 2048

// Embedder is the subset of embed.Embedder HybridSearch depends on.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config carries the scoring knobs HybridSearch reads from the engine
// configuration.
type Config struct {
	SemanticWeight         float64
	ExactMatchBoost        float64
	RecencyBoost           float64
	RecencyDecayDays       int
	CallGraphEnabled       bool
	CallGraphBoost         float64
	CallGraphMaxHops       int
	AnnEnabled             bool
	AnnMinCandidates       int
	AnnMaxCandidates       int
	AnnCandidateMultiplier float64
	MaxResults             int
}

// Engine answers hybrid-search and find-similar queries over a Cache.
type Engine struct {
	cache    *store.Cache
	embedder Embedder
	cfg      Config
}

// New builds an Engine bound to cache and cfg, embedding queries with
// embedder.
func New(cache *store.Cache, embedder Embedder, cfg Config) *Engine {
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 20
	}
	if cfg.AnnMinCandidates <= 0 {
		cfg.AnnMinCandidates = cfg.MaxResults
	}
	if cfg.AnnMaxCandidates <= 0 {
		cfg.AnnMaxCandidates = 200
	}
	if cfg.AnnCandidateMultiplier <= 0 {
		cfg.AnnCandidateMultiplier = 4
	}
	if cfg.RecencyDecayDays <= 0 {
		cfg.RecencyDecayDays = 30
	}
	return &Engine{cache: cache, embedder: embedder, cfg: cfg}
}

// Search runs the hybrid pipeline over a natural-language or identifier
// query.
func (e *Engine) Search(ctx context.Context, query string, opts Options) (Response, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Response{Message: "empty query"}, nil
	}

	vec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return Response{}, eerrors.Wrap(eerrors.ModelLoadFailed, err)
	}

	queryTokens := tokenize(query)
	return e.search(ctx, vec, queryTokens, opts, nil)
}

// SearchSimilar runs the same pipeline over a code snippet, with
// exact-duplicate suppression against the normalized input.
func (e *Engine) SearchSimilar(ctx context.Context, code string, opts Options) (Response, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return Response{Message: "empty code snippet"}, nil
	}

	code, truncated := truncateSnippet(code)

	vec, err := e.embedder.Embed(ctx, code)
	if err != nil {
		return Response{}, eerrors.Wrap(eerrors.ModelLoadFailed, err)
	}

	queryTokens := tokenize(code)
	normalizedInput := normalizeForDedup(code)
	resp, err := e.search(ctx, vec, queryTokens, opts, &normalizedInput)
	if err != nil {
		return resp, err
	}
	if truncated {
		warning := "input exceeded the embedding window; matched against its first chunk only"
		if resp.Message != "" {
			resp.Message = warning + "; " + resp.Message
		} else {
			resp.Message = warning
		}
	}
	return resp, nil
}

// truncateSnippet cuts an oversized find-similar input back to its first
// semantic chunk: the largest run of blank-line-delimited blocks that fits
// the token budget, or a bare line prefix when even the first block
// overruns it.
func truncateSnippet(code string) (string, bool) {
	if estimateSnippetTokens(code) <= maxSnippetTokens {
		return code, false
	}

	lines := strings.Split(code, "\n")
	kept := 0
	lastBlockEnd := 0
	var size int
	for i, line := range lines {
		size += estimateSnippetTokens(line)
		if size > maxSnippetTokens {
			break
		}
		kept = i + 1
		if strings.TrimSpace(line) == "" {
			lastBlockEnd = i
		}
	}
	if lastBlockEnd > 0 {
		kept = lastBlockEnd
	}
	if kept == 0 {
		kept = 1
	}
	return strings.TrimSpace(strings.Join(lines[:kept], "\n")), true
}

// estimateSnippetTokens is a cheap length-proportional token proxy (about
// four bytes per token), simpler than the chunker's word-based estimate;
// the embedder's own tokenizer is authoritative and may truncate further.
func estimateSnippetTokens(s string) int {
	return (len(s) + 3) / 4
}

func (e *Engine) search(ctx context.Context, queryVec []float32, queryTokens []string, opts Options, suppressNormalized *string) (Response, error) {
	maxResults := opts.MaxResults
	if maxResults <= 0 {
		maxResults = e.cfg.MaxResults
	}

	e.cache.StartRead()
	defer e.cache.EndRead()

	e.cache.EnsureAnnIndex()

	vectorStore := e.cache.GetVectorStore()

	var positions []int
	usedAnn := false
	if e.cfg.AnnEnabled {
		k := clamp(maxInt(e.cfg.AnnMinCandidates, ceilMul(maxResults, e.cfg.AnnCandidateMultiplier)), maxResults, e.cfg.AnnMaxCandidates)
		if cand := e.cache.QueryAnn(queryVec, k); cand != nil {
			positions = cand
			usedAnn = true
		}
	}
	if positions == nil {
		positions = allPositions(len(vectorStore))
	}

	seeds := e.seedFiles(vectorStore, queryTokens)

	results, err := e.scoreCandidates(ctx, vectorStore, positions, queryVec, queryTokens, opts, seeds, suppressNormalized)
	if err != nil {
		return Response{}, err
	}

	if usedAnn && len(results) < maxResults && len(vectorStore) <= maxFullScanSize {
		full, err := e.scoreCandidates(ctx, vectorStore, allPositions(len(vectorStore)), queryVec, queryTokens, opts, seeds, suppressNormalized)
		if err != nil {
			return Response{}, err
		}
		results = full
	}

	sortResults(results)
	if len(results) > maxResults {
		results = results[:maxResults]
	}

	out := make([]Result, len(results))
	for i, c := range results {
		out[i] = Result{File: c.file, StartLine: c.start, EndLine: c.end, Content: c.content, Score: c.score}
	}

	resp := Response{Results: out}
	if len(out) == 0 {
		resp.Message = "no results above the similarity threshold"
	}
	return resp, nil
}

func (e *Engine) scoreCandidates(ctx context.Context, vectorStore []store.Chunk, positions []int, queryVec []float32, queryTokens []string, opts Options, seeds map[string]struct{}, suppressNormalized *string) ([]candidate, error) {
	minSimilarity := opts.MinSimilarity
	out := make([]candidate, 0, len(positions))
	for i, pos := range positions {
		if i > 0 && i%yieldEvery == 0 {
			select {
			case <-ctx.Done():
				return out, ctx.Err()
			default:
			}
		}
		if pos < 0 || pos >= len(vectorStore) {
			continue
		}
		ch := vectorStore[pos]

		if !passesFileFilters(ch.File, opts) {
			continue
		}
		if suppressNormalized != nil && normalizeForDedup(ch.Content) == *suppressNormalized {
			continue
		}

		dot := dotProduct(queryVec, ch.Vector)
		lex := lexicalScore(queryTokens, ch.Content, e.cfg.ExactMatchBoost)
		recency := e.recencyBoost(ch.ModTime)
		proximity := e.proximityBoost(ch.File, seeds)

		score := e.cfg.SemanticWeight*dot + (1-e.cfg.SemanticWeight)*lex + recency + proximity
		if score < minSimilarity {
			continue
		}

		out = append(out, candidate{
			pos: pos, file: ch.File, start: ch.StartLine, end: ch.EndLine,
			content: ch.Content, vector: ch.Vector, modTime: ch.ModTime, score: score,
		})
	}
	return out, nil
}

// recencyBoost decays linearly from
// recencyBoost at age 0 to 0 at recencyDecayDays.
func (e *Engine) recencyBoost(modTime time.Time) float64 {
	if e.cfg.RecencyBoost <= 0 || modTime.IsZero() {
		return 0
	}
	ageDays := time.Since(modTime).Hours() / 24
	if ageDays <= 0 {
		return e.cfg.RecencyBoost
	}
	if ageDays >= float64(e.cfg.RecencyDecayDays) {
		return 0
	}
	frac := 1 - ageDays/float64(e.cfg.RecencyDecayDays)
	return e.cfg.RecencyBoost * frac
}

// seedFiles implements the "query tokens name a symbol resolved to file F"
// seedFiles resolves which files the query's tokens name: one whose
// chunk content contains every
// query token is treated as resolving the query's identifier.
func (e *Engine) seedFiles(vectorStore []store.Chunk, queryTokens []string) map[string]struct{} {
	seeds := make(map[string]struct{})
	if !e.cfg.CallGraphEnabled || len(queryTokens) == 0 {
		return seeds
	}
	for _, ch := range vectorStore {
		if _, already := seeds[ch.File]; already {
			continue
		}
		contentTokens := make(map[string]struct{})
		for _, t := range tokenize(ch.Content) {
			contentTokens[t] = struct{}{}
		}
		allHit := true
		for _, qt := range queryTokens {
			if _, ok := contentTokens[qt]; !ok {
				allHit = false
				break
			}
		}
		if allHit {
			seeds[ch.File] = struct{}{}
		}
	}
	return seeds
}

// proximityBoost rewards call-graph closeness: neighbors of a seed file
// within callGraphMaxHops receive callGraphBoost, decayed per hop.
func (e *Engine) proximityBoost(file string, seeds map[string]struct{}) float64 {
	if !e.cfg.CallGraphEnabled || len(seeds) == 0 || e.cfg.CallGraphMaxHops <= 0 {
		return 0
	}
	if _, ok := seeds[file]; ok {
		return e.cfg.CallGraphBoost
	}

	best := 0.0
	for seed := range seeds {
		hop := e.hopsBetween(seed, file, e.cfg.CallGraphMaxHops)
		if hop < 0 {
			continue
		}
		boost := e.cfg.CallGraphBoost * (1 - float64(hop)/float64(e.cfg.CallGraphMaxHops+1))
		if boost > best {
			best = boost
		}
	}
	return best
}

// hopsBetween runs a bounded BFS over the call graph, returning the hop
// distance from seed to target, or -1 if unreachable within maxHops.
func (e *Engine) hopsBetween(seed, target string, maxHops int) int {
	if seed == target {
		return 0
	}
	visited := map[string]int{seed: 0}
	queue := []string{seed}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		depth := visited[cur]
		if depth >= maxHops {
			continue
		}
		node := e.cache.CallGraphNeighbors(cur)
		if node == nil {
			continue
		}
		for next := range node.CallsTo {
			if _, seen := visited[next]; seen {
				continue
			}
			visited[next] = depth + 1
			if next == target {
				return depth + 1
			}
			queue = append(queue, next)
		}
		for next := range node.CalledBy {
			if _, seen := visited[next]; seen {
				continue
			}
			visited[next] = depth + 1
			if next == target {
				return depth + 1
			}
			queue = append(queue, next)
		}
	}
	return -1
}

func dotProduct(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	if sum > 1 {
		sum = 1
	}
	if sum < -1 {
		sum = -1
	}
	return sum
}

// passesFileFilters applies Options' includeFiles/excludeFiles globs and
// language restriction to a candidate's file path. Globs match against the
// full relative path and the base name, so "*.go" and "internal/*/cache.go"
// both behave as a caller would expect.
func passesFileFilters(file string, opts Options) bool {
	if len(opts.IncludeFiles) > 0 && !anyGlobMatches(opts.IncludeFiles, file) {
		return false
	}
	if anyGlobMatches(opts.ExcludeFiles, file) {
		return false
	}
	if len(opts.Languages) > 0 {
		lang := scanner.DetectLanguage(file)
		found := false
		for _, want := range opts.Languages {
			if strings.EqualFold(want, lang) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func anyGlobMatches(patterns []string, file string) bool {
	base := filepath.Base(file)
	for _, p := range patterns {
		if ok, err := filepath.Match(p, file); err == nil && ok {
			return true
		}
		if ok, err := filepath.Match(p, base); err == nil && ok {
			return true
		}
	}
	return false
}

func normalizeForDedup(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}

func allPositions(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func sortResults(results []candidate) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		if results[i].file != results[j].file {
			return results[i].file < results[j].file
		}
		return results[i].start < results[j].start
	})
}

func clamp(v, lo, hi int) int {
	if v < lo {
		v = lo
	}
	if v > hi {
		v = hi
	}
	return v
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func ceilMul(n int, mult float64) int {
	return int(math.Ceil(float64(n) * mult))
}
