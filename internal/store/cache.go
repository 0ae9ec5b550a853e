package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	eerrors "github.com/softerist/heuristic-mcp-sub001/internal/errors"
)

// staleTempGrace is how long a <name>.tmp.<uuid> file may linger before the
// startup sweep removes it.
const staleTempGrace = 1 * time.Hour

// Config carries the subset of the engine configuration the Cache needs to
// validate itself against on load.
type Config struct {
	CacheDirectory    string
	EmbeddingModel    string
	Dim               int
	VectorStoreFormat string // "json" | "binary"
	AnnEnabled        bool
	AnnMinChunks      int
	AnnM              int
	AnnEfConstruction int
	AnnEfSearch       int
}

// Cache is the workspace-scoped, on-disk-backed store of embedded chunks,
// file hashes, the optional call graph, and the ANN index. It is the only
// component in the engine permitted to touch the cache directory's
// contents directly.
type Cache struct {
	mu sync.RWMutex

	cfg Config
	dir string

	meta        CacheMeta
	chunks      []Chunk
	fileHashes  map[string]string
	callGraph   map[string]*CallGraphNode
	ann         *AnnIndex
	annLoading  bool
	annDirty    bool

	readCount  int
	isSaving   bool
	isClearing bool
	isIndexing bool

	telemetry *Telemetry

	loadMu      sync.Mutex
	loadResult  error
	loadStarted bool
	loadDone    chan struct{}
}

// New constructs a Cache bound to cfg.CacheDirectory. It does not touch
// disk; call Load to populate from an existing cache directory.
func New(cfg Config) *Cache {
	if cfg.AnnMinChunks <= 0 {
		cfg.AnnMinChunks = annMinChunksDefault
	}
	if cfg.AnnM <= 0 {
		cfg.AnnM = 16
	}
	if cfg.AnnEfConstruction <= 0 {
		cfg.AnnEfConstruction = 128
	}
	if cfg.AnnEfSearch <= 0 {
		cfg.AnnEfSearch = 64
	}
	if cfg.VectorStoreFormat == "" {
		cfg.VectorStoreFormat = "binary"
	}
	return &Cache{
		cfg:        cfg,
		dir:        cfg.CacheDirectory,
		fileHashes: make(map[string]string),
		callGraph:  make(map[string]*CallGraphNode),
		telemetry:  &Telemetry{},
	}
}

func (c *Cache) metaPath() string      { return filepath.Join(c.dir, "meta.json") }
func (c *Cache) hashesPath() string    { return filepath.Join(c.dir, "file-hashes.json") }
func (c *Cache) callGraphPath() string { return filepath.Join(c.dir, "call-graph.json") }
func (c *Cache) vectorsBinPath() string {
	return filepath.Join(c.dir, "vectors.bin")
}
func (c *Cache) chunksSidecarPath() string {
	return filepath.Join(c.dir, "chunks.json")
}
func (c *Cache) vectorsJSONPath() string { return filepath.Join(c.dir, "embeddings.json") }
func (c *Cache) annIndexPath() string   { return filepath.Join(c.dir, "ann-index.bin") }
func (c *Cache) annMetaPath() string    { return filepath.Join(c.dir, "ann-meta.json") }
func (c *Cache) progressPath() string   { return filepath.Join(c.dir, "progress.json") }

// Load reads meta, vectors, hashes, call-graph, and the ANN index from
// disk. Concurrent calls collapse to a single load. On any
// invariant violation the in-memory state resets to empty and the on-disk
// artifacts are left untouched until the next successful Save.
func (c *Cache) Load() error {
	c.loadMu.Lock()
	if c.loadStarted {
		done := c.loadDone
		c.loadMu.Unlock()
		<-done
		return c.loadResult
	}
	c.loadStarted = true
	c.loadDone = make(chan struct{})
	c.loadMu.Unlock()

	err := c.load()

	c.loadMu.Lock()
	c.loadResult = err
	close(c.loadDone)
	c.loadMu.Unlock()
	return err
}

func (c *Cache) load() error {
	c.telemetry = loadTelemetry(c.dir)

	// A temp artifact present at load time means a save died between temp
	// write and rename; the prior artifact set stays authoritative, which
	// is the rollback the telemetry records.
	if found, removed := sweepStaleTemps(c.dir, staleTempGrace); found > 0 {
		c.telemetry.AtomicReplaceFailures++
		c.telemetry.RollbackCount++
		c.telemetry.TempSweepCount += int64(removed)
		c.telemetry.save(c.dir)
	}

	var meta CacheMeta
	if err := readJSON(c.metaPath(), &meta); err != nil {
		c.resetEmpty()
		return nil // no cache yet; not an error
	}
	if meta.Version != CurrentCacheVersion {
		c.discardCorrupt()
		return eerrors.New(eerrors.CacheVersionMismatch, "cache version mismatch", nil)
	}
	if meta.EmbeddingModel != c.cfg.EmbeddingModel || meta.Dim != c.cfg.Dim {
		c.discardCorrupt()
		return eerrors.New(eerrors.ModelMismatch, "cached embedding model/dim does not match configuration", nil)
	}

	var chunks []Chunk
	var err error
	if c.cfg.VectorStoreFormat == "json" {
		chunks, err = loadVectorsJSON(c.vectorsJSONPath(), meta.Dim)
	} else {
		chunks, err = loadVectorsBinary(c.vectorsBinPath(), c.chunksSidecarPath(), meta.Dim)
		if err != nil {
			// Compatibility fallback: an older save may have used the JSON form.
			chunks, err = loadVectorsJSON(c.vectorsJSONPath(), meta.Dim)
		}
	}
	if err != nil {
		c.discardCorrupt()
		return eerrors.New(eerrors.CacheCorrupt, "failed to load vector store", err)
	}
	if len(chunks) != meta.ChunksStored {
		c.discardCorrupt()
		return eerrors.New(eerrors.CacheCorrupt, "chunk count does not match meta", nil)
	}

	hashes := make(map[string]string)
	_ = readJSON(c.hashesPath(), &hashes) // absent file => empty map, not an error

	callGraph := loadCallGraph(c.callGraphPath())

	c.mu.Lock()
	c.meta = meta
	c.chunks = chunks
	c.fileHashes = hashes
	c.callGraph = callGraph
	c.annDirty = true // force lazy rebuild/validate on first ensureAnnIndex
	c.mu.Unlock()

	if c.cfg.AnnEnabled {
		wantMeta := AnnMeta{
			Version: CurrentCacheVersion, EmbeddingModel: c.cfg.EmbeddingModel, Dim: c.cfg.Dim,
			Count: len(chunks), Metric: "cosine", M: c.cfg.AnnM, EfConstruction: c.cfg.AnnEfConstruction,
		}
		if ann, err := LoadAnnIndex(c.annIndexPath(), c.annMetaPath(), wantMeta); err == nil {
			c.mu.Lock()
			c.ann = ann
			c.annDirty = false
			c.mu.Unlock()
		}
	}

	return nil
}

func (c *Cache) resetEmpty() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.meta = CacheMeta{Version: CurrentCacheVersion, EmbeddingModel: c.cfg.EmbeddingModel, Dim: c.cfg.Dim}
	c.chunks = nil
	c.fileHashes = make(map[string]string)
	c.callGraph = make(map[string]*CallGraphNode)
	c.ann = nil
	c.annDirty = true
}

// discardCorrupt is resetEmpty for the load paths where the on-disk state
// failed an invariant check: the in-memory view is cleared (the files stay
// until the next save overwrites them) and the auto-clear is recorded.
func (c *Cache) discardCorrupt() {
	c.resetEmpty()
	c.telemetry.CorruptionAutoClears++
	c.telemetry.save(c.dir)
}

// Save atomically persists every artifact. A failed save leaves prior
// artifacts intact; while isSaving is true no structural mutation may
// proceed (enforced by the same mutex AddChunks/RemoveChunksForFile take).
func (c *Cache) Save(throwOnError bool) error {
	if err := c.waitForReaders(30 * time.Second); err != nil {
		if throwOnError {
			return err
		}
		return nil
	}

	c.mu.Lock()
	if c.isSaving {
		c.mu.Unlock()
		return eerrors.New(eerrors.SaveInProgress, "a save is already in progress", nil)
	}
	c.isSaving = true
	chunks := append([]Chunk(nil), c.chunks...)
	hashes := make(map[string]string, len(c.fileHashes))
	for k, v := range c.fileHashes {
		hashes[k] = v
	}
	callGraph := c.callGraph
	meta := c.meta
	ann := c.ann
	dir := c.dir
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.isSaving = false
		c.mu.Unlock()
	}()

	c.telemetry.AtomicReplaceAttempts++

	meta.Version = CurrentCacheVersion
	meta.EmbeddingModel = c.cfg.EmbeddingModel
	meta.Dim = c.cfg.Dim
	meta.LastSaveTime = time.Now()
	meta.FilesIndexed = len(hashes)
	meta.ChunksStored = len(chunks)

	var err error
	if c.cfg.VectorStoreFormat == "json" {
		err = saveVectorsJSON(c.vectorsJSONPath(), c.telemetry, chunks)
	} else {
		err = saveVectorsBinary(c.vectorsBinPath(), c.chunksSidecarPath(), c.telemetry, chunks, c.cfg.Dim)
	}
	if err != nil {
		c.telemetry.AtomicReplaceFailures++
		c.telemetry.save(dir)
		if throwOnError {
			return fmt.Errorf("save vectors: %w", err)
		}
		return nil
	}

	if err := writeJSONAtomic(c.hashesPath(), c.telemetry, hashes); err != nil {
		c.telemetry.AtomicReplaceFailures++
		c.telemetry.save(dir)
		if throwOnError {
			return fmt.Errorf("save file hashes: %w", err)
		}
		return nil
	}

	if len(callGraph) > 0 {
		if err := saveCallGraph(c.callGraphPath(), c.telemetry, callGraph); err != nil {
			c.telemetry.AtomicReplaceFailures++
		}
	}

	if ann != nil {
		annMeta := ann.Meta(c.cfg.EmbeddingModel, c.cfg.Dim)
		if err := ann.Save(c.annIndexPath(), c.annMetaPath(), annMeta); err != nil {
			c.telemetry.AtomicReplaceFailures++
		}
	}

	if err := writeJSONAtomic(c.metaPath(), c.telemetry, meta); err != nil {
		c.telemetry.AtomicReplaceFailures++
		c.telemetry.save(dir)
		if throwOnError {
			return fmt.Errorf("save meta: %w", err)
		}
		return nil
	}

	c.mu.Lock()
	c.meta = meta
	c.mu.Unlock()

	c.telemetry.save(dir)
	return nil
}

// waitForReaders blocks until readCount reaches zero or deadline elapses.
func (c *Cache) waitForReaders(deadline time.Duration) error {
	until := time.Now().Add(deadline)
	for {
		c.mu.RLock()
		n := c.readCount
		c.mu.RUnlock()
		if n == 0 {
			return nil
		}
		if time.Now().After(until) {
			return eerrors.New(eerrors.SaveInProgress, "timed out waiting for readers to finish", nil)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// StartRead / EndRead implement the reader-count guard: while any reader is
// active, Save waits (bounded) rather than interleaving a structural write
// with an in-flight read.
func (c *Cache) StartRead() {
	c.mu.Lock()
	c.readCount++
	c.mu.Unlock()
}

func (c *Cache) EndRead() {
	c.mu.Lock()
	if c.readCount > 0 {
		c.readCount--
	}
	c.mu.Unlock()
}

// SetIndexing marks whether an indexAll is in flight; Clear consults this.
func (c *Cache) SetIndexing(v bool) {
	c.mu.Lock()
	c.isIndexing = v
	c.mu.Unlock()
}

// Clear removes all in-memory state and the cache directory's contents.
// Rejected while a save or an indexing operation is in progress.
func (c *Cache) Clear() error {
	c.mu.Lock()
	if c.isSaving {
		c.mu.Unlock()
		return eerrors.New(eerrors.SaveInProgress, "cannot clear: a save is in progress", nil)
	}
	if c.isIndexing {
		c.mu.Unlock()
		return eerrors.New(eerrors.IndexInProgress, "cannot clear: indexing is in progress", nil)
	}
	c.isClearing = true
	dir := c.dir
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.isClearing = false
		c.mu.Unlock()
	}()

	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear: read cache dir: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return fmt.Errorf("clear: remove %s: %w", e.Name(), err)
		}
	}

	c.mu.Lock()
	c.chunks = nil
	c.fileHashes = make(map[string]string)
	c.callGraph = make(map[string]*CallGraphNode)
	c.ann = nil
	c.annDirty = true
	c.meta = CacheMeta{Version: CurrentCacheVersion, EmbeddingModel: c.cfg.EmbeddingModel, Dim: c.cfg.Dim}
	c.mu.Unlock()
	return nil
}

// GetVectorStore returns a read view of the ordered chunk sequence.
// Positions in the returned slice are the indices AnnIndex addresses.
func (c *Cache) GetVectorStore() []Chunk {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Chunk, len(c.chunks))
	copy(out, c.chunks)
	return out
}

func (c *Cache) GetFileHash(file string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.fileHashes[file]
	return h, ok
}

func (c *Cache) SetFileHash(file, hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fileHashes[file] = hash
}

func (c *Cache) DeleteFileHash(file string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.fileHashes, file)
}

// AddChunks appends chunks for file to the vector store and marks the ANN
// index dirty. Positions are assigned as len(vectorStore) at append time.
func (c *Cache) AddChunks(chunks []Chunk) []int {
	c.mu.Lock()
	defer c.mu.Unlock()

	positions := make([]int, len(chunks))
	for i, ch := range chunks {
		pos := len(c.chunks)
		c.chunks = append(c.chunks, ch)
		positions[i] = pos
		if c.ann != nil {
			c.ann.AddPoint(pos, ch.Vector)
		}
	}
	if len(chunks) > 0 {
		c.annDirty = true
	}
	return positions
}

// RemoveChunksForFile deletes every chunk belonging to file. Because
// AnnIndex addresses chunks by position and the HNSW graph cannot cheaply
// delete a node, removal compacts the vector store and marks the ANN index
// dirty so it is rebuilt before positions are trusted again.
func (c *Cache) RemoveChunksForFile(file string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.chunks[:0:0]
	removed := 0
	for _, ch := range c.chunks {
		if ch.File == file {
			removed++
			continue
		}
		kept = append(kept, ch)
	}
	c.chunks = kept
	if removed > 0 {
		c.annDirty = true
		if c.ann != nil {
			c.ann = nil // positions shifted; force a full rebuild on next ensureAnnIndex
		}
	}
	return removed
}

// QueryAnn returns up to k candidate chunk-store positions, or nil if the
// ANN index is unavailable (too few vectors, disabled, or still building).
func (c *Cache) QueryAnn(vector []float32, k int) []int {
	c.mu.RLock()
	ann := c.ann
	c.mu.RUnlock()
	if ann == nil {
		return nil
	}
	return ann.Query(vector, k)
}

// EnsureAnnIndex builds the ANN index if it is missing, eligible, and not
// already being (re)built by another caller.
func (c *Cache) EnsureAnnIndex() {
	c.mu.Lock()
	if !c.cfg.AnnEnabled || c.annLoading {
		c.mu.Unlock()
		return
	}
	needsBuild := c.ann == nil || c.annDirty
	count := len(c.chunks)
	if !needsBuild || !Eligible(count, c.cfg.AnnMinChunks) {
		c.mu.Unlock()
		return
	}
	c.annLoading = true
	vectors := make([][]float32, len(c.chunks))
	for i, ch := range c.chunks {
		vectors[i] = ch.Vector
	}
	c.mu.Unlock()

	ann := NewAnnIndex(c.cfg.AnnM, c.cfg.AnnEfConstruction, c.cfg.AnnEfSearch)
	_ = ann.Build(vectors)

	c.mu.Lock()
	c.ann = ann
	c.annDirty = false
	c.annLoading = false
	c.mu.Unlock()
}

// InvalidateAnnIndex marks the ANN index dirty without discarding it; the
// next EnsureAnnIndex call rebuilds from scratch.
func (c *Cache) InvalidateAnnIndex() {
	c.mu.Lock()
	c.annDirty = true
	c.mu.Unlock()
}

// AnnStats reports the ANN index's present state for the ann_config
// tool's "stats" action.
type AnnStats struct {
	Enabled  bool
	Eligible bool
	Built    bool
	Dirty    bool
	Len      int
	EfSearch int
	M        int
}

func (c *Cache) AnnStats() AnnStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	stats := AnnStats{
		Enabled:  c.cfg.AnnEnabled,
		Eligible: Eligible(len(c.chunks), c.cfg.AnnMinChunks),
		Dirty:    c.annDirty,
		M:        c.cfg.AnnM,
		EfSearch: c.cfg.AnnEfSearch,
	}
	if c.ann != nil {
		stats.Built = true
		stats.Len = c.ann.Len()
		stats.EfSearch = c.ann.EfSearch()
	}
	return stats
}

// SetAnnEfSearch updates the search-time candidate width, both for the
// live index (if built) and for future rebuilds.
func (c *Cache) SetAnnEfSearch(ef int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.AnnEfSearch = ef
	if c.ann != nil {
		c.ann.SetEfSearch(ef)
	}
}

// RebuildAnnIndex forces a synchronous full rebuild regardless of the dirty
// flag or annLoading sentinel, for the ann_config "rebuild" action.
func (c *Cache) RebuildAnnIndex() error {
	c.mu.Lock()
	if !c.cfg.AnnEnabled {
		c.mu.Unlock()
		return eerrors.New(eerrors.AnnUnavailable, "ANN index is disabled", nil)
	}
	c.annLoading = true
	vectors := make([][]float32, len(c.chunks))
	for i, ch := range c.chunks {
		vectors[i] = ch.Vector
	}
	c.mu.Unlock()

	ann := NewAnnIndex(c.cfg.AnnM, c.cfg.AnnEfConstruction, c.cfg.AnnEfSearch)
	err := ann.Build(vectors)

	c.mu.Lock()
	c.annLoading = false
	if err == nil {
		c.ann = ann
		c.annDirty = false
	}
	c.mu.Unlock()
	return err
}

// SaveProgress atomically writes progress.json.
func (c *Cache) SaveProgress(p Progress) error {
	p.UpdatedAt = time.Now()
	return writeJSONAtomic(c.progressPath(), c.telemetry, p)
}

// LoadProgress reads the most recent progress.json, if any.
func (c *Cache) LoadProgress() (Progress, error) {
	var p Progress
	err := readJSON(c.progressPath(), &p)
	return p, err
}

// SetMeta lets the Indexer record the outcome of an indexAll run (start/end
// timestamps, mode, duration) without reaching into Cache internals.
func (c *Cache) SetMeta(mutate func(*CacheMeta)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	mutate(&c.meta)
}

func (c *Cache) Meta() CacheMeta {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.meta
}

func (c *Cache) Telemetry() Telemetry {
	return *c.telemetry
}

// SetCallGraphEdge records that fromFile calls toFile.
func (c *Cache) SetCallGraphEdge(fromFile, toFile string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	from, ok := c.callGraph[fromFile]
	if !ok {
		from = &CallGraphNode{CallsTo: map[string]struct{}{}, CalledBy: map[string]struct{}{}}
		c.callGraph[fromFile] = from
	}
	from.CallsTo[toFile] = struct{}{}

	to, ok := c.callGraph[toFile]
	if !ok {
		to = &CallGraphNode{CallsTo: map[string]struct{}{}, CalledBy: map[string]struct{}{}}
		c.callGraph[toFile] = to
	}
	to.CalledBy[fromFile] = struct{}{}
}

func (c *Cache) CallGraphNeighbors(file string) *CallGraphNode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.callGraph[file]
}

func saveCallGraph(path string, tel *Telemetry, graph map[string]*CallGraphNode) error {
	out := make(map[string]callGraphNodeJSON, len(graph))
	for file, node := range graph {
		out[file] = callGraphNodeJSON{
			CallsTo:  sortedKeys(node.CallsTo),
			CalledBy: sortedKeys(node.CalledBy),
		}
	}
	return writeJSONAtomic(path, tel, out)
}

func loadCallGraph(path string) map[string]*CallGraphNode {
	var raw map[string]callGraphNodeJSON
	if err := readJSON(path, &raw); err != nil {
		return make(map[string]*CallGraphNode)
	}
	out := make(map[string]*CallGraphNode, len(raw))
	for file, j := range raw {
		node := &CallGraphNode{CallsTo: map[string]struct{}{}, CalledBy: map[string]struct{}{}}
		for _, f := range j.CallsTo {
			node.CallsTo[f] = struct{}{}
		}
		for _, f := range j.CalledBy {
			node.CalledBy[f] = struct{}{}
		}
		out[file] = node
	}
	return out
}

// ContentHash renders a stable, non-cryptographic-use hash of content as
// hex, used as the basis of change detection. SHA-256 is
// reused here rather than a dedicated fast hash: the corpus's content
// sizes are small per file and the engine is not hash-rate bound, so the
// stdlib implementation (already linked in for call-graph/ID hashing
// elsewhere) keeps the dependency surface flat. See DESIGN.md.
func ContentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:16]) // 128-bit rendering
}
