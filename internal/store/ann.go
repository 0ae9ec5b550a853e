package store

import (
	"bufio"
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/coder/hnsw"
)

// annMinChunksDefault is the annMinChunks fallback; Cache wires
// the configured value through NewAnnIndex.
const annMinChunksDefault = 5000

// AnnIndex is the HNSW approximate-nearest-neighbor index over a Cache's
// vector store. Points are keyed by their position in the vector store, so
// the index never owns vector content itself -- only the graph structure
// and the set of positions that are currently live.
//
// AnnIndex is a single-writer, many-reader resource: Build/Add take the
// write lock, Query takes the read lock. Cache.EnsureAnnIndex serializes its
// rebuilds through the owning Cache's annLoading sentinel; Cache.RebuildAnnIndex
// does not consult it (see cache.go).
type AnnIndex struct {
	mu    sync.RWMutex
	graph *hnsw.Graph[uint64]
	live  *roaring.Bitmap // positions present in the graph and not lazily removed

	m              int
	efConstruction int
	efSearch       int
	dirty          bool
}

// NewAnnIndex builds an empty index with the given HNSW parameters.
func NewAnnIndex(m, efConstruction, efSearch int) *AnnIndex {
	if m <= 0 {
		m = 16
	}
	if efSearch <= 0 {
		efSearch = 20
	}
	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = m
	graph.EfSearch = efSearch
	graph.Ml = 0.25

	return &AnnIndex{
		graph:          graph,
		live:           roaring.New(),
		m:              m,
		efConstruction: efConstruction,
		efSearch:       efSearch,
	}
}

// Eligible reports whether a store of the given size should have an ANN
// index at all (the annMinChunks gate).
func Eligible(vectorCount, annMinChunks int) bool {
	if annMinChunks <= 0 {
		annMinChunks = annMinChunksDefault
	}
	return vectorCount >= annMinChunks
}

// Build resets the index and inserts every (position, vector) pair. Vectors
// must already be L2-normalized; cosine similarity is computed as a plain
// dot product and clamped to [-1, 1] by the caller.
func (a *AnnIndex) Build(vectors [][]float32) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = a.m
	graph.EfSearch = a.efSearch
	graph.Ml = 0.25

	live := roaring.New()
	for pos, v := range vectors {
		if v == nil {
			continue
		}
		graph.Add(hnsw.MakeNode(uint64(pos), v))
		live.Add(uint32(pos))
	}

	a.graph = graph
	a.live = live
	a.dirty = false
	return nil
}

// AddPoint inserts a single vector at the given vector-store position,
// allowing incremental growth as chunks are appended.
func (a *AnnIndex) AddPoint(pos int, vector []float32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.graph.Add(hnsw.MakeNode(uint64(pos), vector))
	a.live.Add(uint32(pos))
}

// Remove marks a position as no longer live. The HNSW graph does not support
// cheap node deletion, so removal is lazy: the node stays in the graph but
// is filtered out of every subsequent query result. Orphaned nodes stay in
// the graph until the next full Build; their number is not tracked.
func (a *AnnIndex) Remove(pos int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.live.Remove(uint32(pos))
	a.dirty = true
}

// SetEfSearch adjusts the search-time candidate-list width used by Query.
// Takes effect immediately; does not require a rebuild.
func (a *AnnIndex) SetEfSearch(ef int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.efSearch = ef
	a.graph.EfSearch = ef
}

// EfSearch returns the currently configured search-time candidate width.
func (a *AnnIndex) EfSearch() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.efSearch
}

// MarkDirty flags the index as needing a rebuild without discarding it --
// queries still work against the stale graph until the rebuild completes.
func (a *AnnIndex) MarkDirty() {
	a.mu.Lock()
	a.dirty = true
	a.mu.Unlock()
}

// Dirty reports whether a rebuild is owed.
func (a *AnnIndex) Dirty() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.dirty
}

// Len returns the number of live positions.
func (a *AnnIndex) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return int(a.live.GetCardinality())
}

// Query returns up to k distinct, live vector-store positions nearest to
// vector, filtering out lazily-removed and out-of-range labels. The caller
// (HybridSearch) decides whether to trust this or fall back to exact scan.
func (a *AnnIndex) Query(vector []float32, k int) []int {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.graph.Len() == 0 || k <= 0 {
		return nil
	}

	// Over-fetch to compensate for orphaned (lazily removed) nodes.
	fetch := k * 2
	if fetch < k+8 {
		fetch = k + 8
	}
	nodes := a.graph.Search(vector, fetch)

	seen := make(map[int]struct{}, k)
	out := make([]int, 0, k)
	for _, n := range nodes {
		if len(out) >= k {
			break
		}
		pos := int(n.Key)
		if pos < 0 || !a.live.Contains(uint32(pos)) {
			continue
		}
		if _, dup := seen[pos]; dup {
			continue
		}
		seen[pos] = struct{}{}
		out = append(out, pos)
	}
	return out
}

// Meta computes the AnnMeta this index should be trusted under.
func (a *AnnIndex) Meta(model string, dim int) AnnMeta {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return AnnMeta{
		Version:        CurrentCacheVersion,
		EmbeddingModel: model,
		Dim:            dim,
		Count:          int(a.live.GetCardinality()),
		Metric:         "cosine",
		M:              a.m,
		EfConstruction: a.efConstruction,
	}
}

// annPersisted is the gob-serializable payload written to ann-index.bin.
type annPersisted struct {
	Live           []byte // roaring bitmap serialized form
	M              int
	EfConstruction int
	EfSearch       int
}

// Save writes the graph and live-set to indexPath (ann-index.bin) and the
// meta record to metaPath (ann-meta.json), atomically.
func (a *AnnIndex) Save(indexPath, metaPath string, meta AnnMeta) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(indexPath), 0o755); err != nil {
		return fmt.Errorf("ann: mkdir: %w", err)
	}

	liveBytes, err := a.live.ToBytes()
	if err != nil {
		return fmt.Errorf("ann: serialize live set: %w", err)
	}

	err = atomicWrite(indexPath, nil, func(f *os.File) error {
		bw := bufio.NewWriter(f)
		if err := a.graph.Export(bw); err != nil {
			return fmt.Errorf("export graph: %w", err)
		}
		if err := bw.Flush(); err != nil {
			return err
		}
		enc := gob.NewEncoder(f)
		return enc.Encode(annPersisted{
			Live:           liveBytes,
			M:              a.m,
			EfConstruction: a.efConstruction,
			EfSearch:       a.efSearch,
		})
	})
	if err != nil {
		return err
	}

	return writeJSONAtomic(metaPath, nil, meta)
}

// LoadAnnIndex loads a previously saved index, trusting it only if
// wantMeta matches the persisted AnnMeta exactly.
func LoadAnnIndex(indexPath, metaPath string, wantMeta AnnMeta) (*AnnIndex, error) {
	var onDisk AnnMeta
	if err := readJSON(metaPath, &onDisk); err != nil {
		return nil, err
	}
	if onDisk != wantMeta {
		return nil, fmt.Errorf("ann: meta mismatch, rebuild required")
	}

	f, err := os.Open(indexPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	if err := graph.Import(br); err != nil {
		return nil, fmt.Errorf("ann: import graph: %w", err)
	}

	var payload annPersisted
	dec := gob.NewDecoder(br)
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("ann: decode payload: %w", err)
	}

	live := roaring.New()
	if _, err := live.ReadFrom(bytes.NewReader(payload.Live)); err != nil {
		return nil, fmt.Errorf("ann: decode live set: %w", err)
	}

	graph.M = payload.M
	graph.EfSearch = payload.EfSearch
	graph.Ml = 0.25

	return &AnnIndex{
		graph:          graph,
		live:           live,
		m:              payload.M,
		efConstruction: payload.EfConstruction,
		efSearch:       payload.EfSearch,
	}, nil
}
