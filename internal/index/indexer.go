// Package index implements the Indexer state machine:
// Idle -> Discovering -> PreFiltering -> Reading -> Chunking -> Embedding
// -> Persisting -> Idle, driven by a Scanner/Chunker/WorkerPool/Cache
// quartet and able to process the FileWatcher's coalesced event queue as
// an incremental pass.
package index

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/softerist/heuristic-mcp-sub001/internal/chunk"
	"github.com/softerist/heuristic-mcp-sub001/internal/config"
	eerrors "github.com/softerist/heuristic-mcp-sub001/internal/errors"
	"github.com/softerist/heuristic-mcp-sub001/internal/scanner"
	"github.com/softerist/heuristic-mcp-sub001/internal/store"
	"github.com/softerist/heuristic-mcp-sub001/internal/workerpool"
)

// State names the Indexer's current phase.
type State string

const (
	StateIdle         State = "idle"
	StateDiscovering  State = "discovering"
	StatePreFiltering State = "preFiltering"
	StateReading      State = "reading"
	StateChunking     State = "chunking"
	StateEmbedding    State = "embedding"
	StatePersisting   State = "persisting"
)

// saveEveryN is how many embedding batches elapse between periodic saves
// during indexAll.
const saveEveryN = 5

// Result summarizes one indexAll invocation.
type Result struct {
	Skipped      bool
	SkipReason   string
	FilesIndexed int
	ChunksAdded  int
	Mode         store.IndexMode
	Duration     time.Duration
}

// Indexer drives discovery, chunking, embedding, and persistence for one
// workspace's Cache.
type Indexer struct {
	cfg      *config.Config
	cache    *store.Cache
	scanner  *scanner.Scanner
	pool     *workerpool.Pool
	embedder workerpool.Embedder // main-thread fallback when workers are disabled/circuit open

	codeChunker     chunk.Chunker
	markdownChunker chunk.Chunker

	mu    sync.Mutex
	state State

	indexing atomic.Bool
}

// New builds an Indexer. embedder is used directly when pool routes
// through the main thread (workerThreads=0 or breaker open).
func New(cfg *config.Config, cache *store.Cache, sc *scanner.Scanner, pool *workerpool.Pool, embedder workerpool.Embedder) *Indexer {
	return &Indexer{
		cfg:             cfg,
		cache:           cache,
		scanner:         sc,
		pool:            pool,
		embedder:        embedder,
		codeChunker:     chunk.NewCodeChunker(),
		markdownChunker: chunk.NewMarkdownChunker(),
		state:           StateIdle,
	}
}

func (ix *Indexer) setState(s State) {
	ix.mu.Lock()
	ix.state = s
	ix.mu.Unlock()
}

// State returns the indexer's current phase.
func (ix *Indexer) State() State {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.state
}

// IndexAll runs one full discovery-through-persist pass. Concurrent
// invocations return {Skipped: true} immediately; exactly one proceeds.
func (ix *Indexer) IndexAll(ctx context.Context, force bool) (Result, error) {
	if !ix.indexing.CompareAndSwap(false, true) {
		return Result{Skipped: true, SkipReason: "already in progress"}, nil
	}
	defer ix.indexing.Store(false)

	ix.cache.SetIndexing(true)
	defer ix.cache.SetIndexing(false)

	start := time.Now()
	mode := store.IndexModeIncremental
	if force {
		mode = store.IndexModeInitial
	}

	ix.cache.SetMeta(func(m *store.CacheMeta) { m.LastIndexStartedAt = start })

	ix.setState(StateDiscovering)
	files, err := ix.discover(ctx)
	if err != nil {
		ix.setState(StateIdle)
		return Result{}, err
	}

	ix.setState(StatePreFiltering)
	surviving := ix.preFilter(files, force)

	ix.setState(StateReading)
	filesIndexed := 0
	chunksAdded := 0

	var pending []*pendingFile
	for _, f := range surviving {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		default:
		}

		content, err := os.ReadFile(f.AbsPath)
		if err != nil {
			continue // per-file read errors are logged and skipped
		}
		if int64(len(content)) > ix.cfg.MaxFileSize {
			continue // race: file grew past the bound between stat and read
		}

		ix.setState(StateChunking)
		chunks, err := ix.chunkFile(ctx, f.Path, content, f.Language)
		if err != nil {
			ix.setState(StateReading)
			continue
		}
		hash := store.ContentHash(content)
		if len(chunks) == 0 {
			// Empty or all-boilerplate file: record the hash with no
			// vectors so an unchanged re-scan skips it.
			ix.cache.RemoveChunksForFile(f.Path)
			ix.cache.SetFileHash(f.Path, hash)
			filesIndexed++
			ix.setState(StateReading)
			continue
		}

		pf := &pendingFile{path: f.Path, hash: hash, remaining: len(chunks)}
		pf.chunks = make([]store.Chunk, len(chunks))
		for i, c := range chunks {
			pf.chunks[i] = store.Chunk{
				File: f.Path, StartLine: c.StartLine, EndLine: c.EndLine,
				Content: c.Content, TokenCount: c.TokenCount, ModTime: f.ModTime,
			}
		}
		pending = append(pending, pf)
		ix.setState(StateReading)
	}

	ix.setState(StateEmbedding)
	ix.runEmbedBatches(ctx, pending, len(surviving), mode, &filesIndexed, &chunksAdded)
	if err := ctx.Err(); err != nil {
		ix.setState(StateIdle)
		return Result{}, err
	}

	ix.setState(StatePersisting)
	duration := time.Since(start)
	ix.cache.SetMeta(func(m *store.CacheMeta) {
		m.LastIndexEndedAt = time.Now()
		m.LastIndexMode = mode
		m.IndexDurationMs = duration.Milliseconds()
	})
	if err := ix.cache.Save(true); err != nil {
		ix.setState(StateIdle)
		return Result{}, err
	}

	ix.setState(StateIdle)
	return Result{FilesIndexed: filesIndexed, ChunksAdded: chunksAdded, Mode: mode, Duration: duration}, nil
}

func (ix *Indexer) discover(ctx context.Context) ([]*scanner.FileInfo, error) {
	opts := &scanner.ScanOptions{
		RootDir:          ix.cfg.SearchDirectory,
		IncludePatterns:  extensionPatterns(ix.cfg.FileExtensions),
		ExcludePatterns:  ix.cfg.ExcludePatterns,
		RespectGitignore: true,
		MaxFileSize:      ix.cfg.MaxFileSize,
	}
	ch, err := ix.scanner.Scan(ctx, opts)
	if err != nil {
		return nil, eerrors.Wrap(eerrors.FileReadError, err)
	}
	var files []*scanner.FileInfo
	for res := range ch {
		if res.Error != nil || res.File == nil {
			continue
		}
		files = append(files, res.File)
	}
	return files, nil
}

// extensionPatterns renders configured fileExtensions (".go", ".py", ...)
// into the scanner's glob pattern form ("*.go", "*.py", ...).
func extensionPatterns(exts []string) []string {
	out := make([]string, len(exts))
	for i, e := range exts {
		if strings.HasPrefix(e, "*.") {
			out[i] = e
			continue
		}
		out[i] = "*." + strings.TrimPrefix(e, ".")
	}
	return out
}

func (ix *Indexer) preFilter(files []*scanner.FileInfo, force bool) []*scanner.FileInfo {
	var out []*scanner.FileInfo
	for _, f := range files {
		if f.Size > ix.cfg.MaxFileSize {
			continue
		}
		if !force {
			content, err := os.ReadFile(f.AbsPath)
			if err != nil {
				continue
			}
			if hash, ok := ix.cache.GetFileHash(f.Path); ok && hash == store.ContentHash(content) {
				continue // unchanged
			}
		}
		out = append(out, f)
	}
	return out
}

func (ix *Indexer) chunkFile(ctx context.Context, path string, content []byte, language string) ([]*chunk.Chunk, error) {
	c := ix.codeChunker
	if strings.EqualFold(filepath.Ext(path), ".md") || strings.EqualFold(filepath.Ext(path), ".markdown") {
		c = ix.markdownChunker
	}
	return c.Chunk(ctx, &chunk.FileInput{Path: path, Content: content, Language: language})
}

// embedBatch routes one batch through the worker pool, or straight to the
// main-thread embedder when workers are disabled (workerThreads=0) or the
// pool's circuit breaker is open mid-run.
func (ix *Indexer) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if ix.pool != nil && !ix.pool.CircuitOpen() {
		return ix.pool.Submit(ctx, texts)
	}
	return ix.embedder.EmbedBatch(ctx, texts)
}

// pendingFile is one file read and chunked but not yet embedded: its
// chunks are committed to the cache together, and its hash only after
// them, once every batch touching the file has produced vectors.
type pendingFile struct {
	path      string
	hash      string
	chunks    []store.Chunk
	remaining int
	failed    bool
	committed bool
}

// batchItem addresses one chunk of one pending file inside an embedding
// batch, which may span files.
type batchItem struct {
	file *pendingFile
	pos  int
}

// runEmbedBatches groups every pending chunk into cfg.BatchSize-sized
// batches and submits them through the worker pool, dispatching batches
// concurrently so the pool's bounded workers stay busy; with no pool the
// batches run serially on the main embedder. A failed batch (after the
// pool's single retry) marks every file it touches as failed for this
// pass; those files keep their old hash and are retried next run.
func (ix *Indexer) runEmbedBatches(ctx context.Context, pending []*pendingFile, totalFiles int, mode store.IndexMode, filesIndexed, chunksAdded *int) {
	batchSize := ix.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	var items []batchItem
	for _, pf := range pending {
		for pos := range pf.chunks {
			items = append(items, batchItem{file: pf, pos: pos})
		}
	}
	var batches [][]batchItem
	for start := 0; start < len(items); start += batchSize {
		batches = append(batches, items[start:min(start+batchSize, len(items))])
	}

	var mu sync.Mutex
	batchesDone := 0

	process := func(batch []batchItem) {
		texts := make([]string, len(batch))
		for i, it := range batch {
			texts[i] = it.file.chunks[it.pos].Content
		}
		vectors, err := ix.embedBatch(ctx, texts)

		mu.Lock()
		defer mu.Unlock()

		if err != nil {
			for _, it := range batch {
				it.file.failed = true
			}
		} else {
			for i, it := range batch {
				it.file.chunks[it.pos].Vector = vectors[i]
				it.file.remaining--
			}
		}

		for _, it := range batch {
			pf := it.file
			if pf.remaining > 0 || pf.failed || pf.committed {
				continue
			}
			pf.committed = true
			ix.cache.RemoveChunksForFile(pf.path)
			ix.cache.AddChunks(pf.chunks)
			ix.cache.SetFileHash(pf.path, pf.hash)
			*filesIndexed++
			*chunksAdded += len(pf.chunks)
		}

		batchesDone++
		ix.cache.SaveProgress(store.Progress{
			Progress: *filesIndexed, Total: totalFiles,
			Message:   fmt.Sprintf("embedded batch %d/%d", batchesDone, len(batches)),
			IndexMode: mode,
			WorkerCircuitOpen: ix.pool != nil && ix.pool.CircuitOpen(),
		})
		if batchesDone%saveEveryN == 0 {
			_ = ix.cache.Save(false)
		}
	}

	if ix.pool == nil {
		for _, batch := range batches {
			if ctx.Err() != nil {
				return
			}
			process(batch)
		}
		return
	}

	var wg sync.WaitGroup
	for _, batch := range batches {
		wg.Add(1)
		go func(batch []batchItem) {
			defer wg.Done()
			process(batch)
		}(batch)
	}
	wg.Wait()
}

// ApplyChangedFiles runs an incremental pass over exactly the given paths,
// used by the FileWatcher's drained queue rather than a
// full discovery sweep. removed files have their chunks and hash entry
// deleted outright.
func (ix *Indexer) ApplyChangedFiles(ctx context.Context, changed []string, removed []string) error {
	if !ix.indexing.CompareAndSwap(false, true) {
		return eerrors.New(eerrors.IndexInProgress, "indexing already in progress", nil)
	}
	defer ix.indexing.Store(false)

	ix.cache.SetIndexing(true)
	defer ix.cache.SetIndexing(false)

	for _, path := range removed {
		ix.cache.RemoveChunksForFile(path)
		ix.cache.DeleteFileHash(path)
	}

	for _, relPath := range changed {
		absPath := filepath.Join(ix.cfg.SearchDirectory, relPath)
		content, err := os.ReadFile(absPath)
		if err != nil {
			continue
		}
		if int64(len(content)) > ix.cfg.MaxFileSize {
			continue
		}
		chunks, err := ix.chunkFile(ctx, relPath, content, scanner.DetectLanguage(relPath))
		if err != nil {
			continue
		}
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Content
		}
		vectors, err := ix.embedBatch(ctx, texts)
		if err != nil {
			continue
		}
		storeChunks := make([]store.Chunk, len(chunks))
		info, statErr := os.Stat(absPath)
		modTime := time.Now()
		if statErr == nil {
			modTime = info.ModTime()
		}
		for i, c := range chunks {
			storeChunks[i] = store.Chunk{
				File: relPath, StartLine: c.StartLine, EndLine: c.EndLine,
				Content: c.Content, TokenCount: c.TokenCount, Vector: vectors[i], ModTime: modTime,
			}
		}
		ix.cache.RemoveChunksForFile(relPath)
		ix.cache.AddChunks(storeChunks)
		ix.cache.SetFileHash(relPath, store.ContentHash(content))
	}

	ix.cache.InvalidateAnnIndex()
	return ix.cache.Save(false)
}
