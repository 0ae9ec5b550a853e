package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(dir string) Config {
	return Config{
		CacheDirectory:    dir,
		EmbeddingModel:    "test-model",
		Dim:               4,
		VectorStoreFormat: "binary",
		AnnEnabled:        true,
		AnnMinChunks:      2,
		AnnM:              8,
		AnnEfConstruction: 32,
		AnnEfSearch:       16,
	}
}

func TestCache_LoadEmptyDirIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	c := New(testConfig(dir))
	require.NoError(t, c.Load())
	assert.Empty(t, c.GetVectorStore())
}

func TestCache_AddChunksAssignsPositionsAndSaveRoundTrips(t *testing.T) {
	dir := t.TempDir()
	c := New(testConfig(dir))
	require.NoError(t, c.Load())

	chunks := []Chunk{
		{File: "a.go", StartLine: 1, EndLine: 5, Content: "func a() {}", TokenCount: 4, Vector: []float32{1, 0, 0, 0}},
		{File: "b.go", StartLine: 1, EndLine: 3, Content: "func b() {}", TokenCount: 4, Vector: []float32{0, 1, 0, 0}},
	}
	positions := c.AddChunks(chunks)
	assert.Equal(t, []int{0, 1}, positions)

	c.SetFileHash("a.go", "hash-a")
	c.SetFileHash("b.go", "hash-b")

	require.NoError(t, c.Save(true))

	reloaded := New(testConfig(dir))
	require.NoError(t, reloaded.Load())
	got := reloaded.GetVectorStore()
	require.Len(t, got, 2)
	assert.Equal(t, "a.go", got[0].File)
	assert.Equal(t, []float32{0, 1, 0, 0}, got[1].Vector)

	hash, ok := reloaded.GetFileHash("a.go")
	assert.True(t, ok)
	assert.Equal(t, "hash-a", hash)
}

func TestCache_ModelMismatchResetsInMemoryStateOnly(t *testing.T) {
	dir := t.TempDir()
	c := New(testConfig(dir))
	require.NoError(t, c.Load())
	c.AddChunks([]Chunk{{File: "a.go", Vector: []float32{1, 0, 0, 0}}})
	require.NoError(t, c.Save(true))

	mismatched := testConfig(dir)
	mismatched.EmbeddingModel = "different-model"
	c2 := New(mismatched)
	err := c2.Load()
	require.Error(t, err)
	assert.Empty(t, c2.GetVectorStore())

	// Original artifacts must still be on disk and loadable under the
	// original model.
	c3 := New(testConfig(dir))
	require.NoError(t, c3.Load())
	assert.Len(t, c3.GetVectorStore(), 1)
}

func TestCache_RemoveChunksForFileCompactsAndInvalidatesAnn(t *testing.T) {
	dir := t.TempDir()
	c := New(testConfig(dir))
	require.NoError(t, c.Load())
	c.AddChunks([]Chunk{
		{File: "a.go", Vector: []float32{1, 0, 0, 0}},
		{File: "b.go", Vector: []float32{0, 1, 0, 0}},
		{File: "a.go", Vector: []float32{0, 0, 1, 0}},
	})
	removed := c.RemoveChunksForFile("a.go")
	assert.Equal(t, 2, removed)
	assert.Len(t, c.GetVectorStore(), 1)
	assert.Equal(t, "b.go", c.GetVectorStore()[0].File)
}

func TestCache_ClearRejectedWhileSavingOrIndexing(t *testing.T) {
	dir := t.TempDir()
	c := New(testConfig(dir))
	require.NoError(t, c.Load())

	c.SetIndexing(true)
	err := c.Clear()
	require.Error(t, err)
	c.SetIndexing(false)

	require.NoError(t, c.Clear())
}

func TestCache_EnsureAnnIndexRespectsMinChunks(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.AnnMinChunks = 100
	c := New(cfg)
	require.NoError(t, c.Load())
	c.AddChunks([]Chunk{{File: "a.go", Vector: []float32{1, 0, 0, 0}}})
	c.EnsureAnnIndex()
	assert.Nil(t, c.QueryAnn([]float32{1, 0, 0, 0}, 1))
}

func TestCache_EnsureAnnIndexBuildsWhenEligible(t *testing.T) {
	dir := t.TempDir()
	c := New(testConfig(dir)) // AnnMinChunks: 2
	require.NoError(t, c.Load())
	c.AddChunks([]Chunk{
		{File: "a.go", Vector: []float32{1, 0, 0, 0}},
		{File: "b.go", Vector: []float32{0, 1, 0, 0}},
	})
	c.EnsureAnnIndex()
	got := c.QueryAnn([]float32{1, 0, 0, 0}, 1)
	require.Len(t, got, 1)
	assert.Equal(t, 0, got[0])
}

func TestContentHash_StableForSameContent(t *testing.T) {
	h1 := ContentHash([]byte("package main"))
	h2 := ContentHash([]byte("package main"))
	h3 := ContentHash([]byte("package other"))
	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
}

func TestCache_LoadRecordsRollbackForLeftoverTemp(t *testing.T) {
	dir := t.TempDir()
	c := New(testConfig(dir))
	c.AddChunks([]Chunk{{File: "a.go", Vector: []float32{1, 0, 0, 0}}})
	require.NoError(t, c.Save(true))

	// A temp artifact left behind means a save died between temp write
	// and rename; the next load rolls back to the prior artifact set.
	stale := filepath.Join(dir, "meta.json.tmp.deadbeef")
	require.NoError(t, os.WriteFile(stale, []byte("{"), 0o644))

	c2 := New(testConfig(dir))
	require.NoError(t, c2.Load())
	assert.Len(t, c2.GetVectorStore(), 1) // prior state is authoritative

	tel := c2.Telemetry()
	assert.GreaterOrEqual(t, tel.RollbackCount, int64(1))
	assert.GreaterOrEqual(t, tel.AtomicReplaceFailures, int64(1))
}

func TestCache_LoadSweepCountsOldTemps(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "meta.json.tmp.old")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(stale, []byte("{"), 0o644))
	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale, past, past))

	c := New(testConfig(dir))
	require.NoError(t, c.Load())

	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
	assert.GreaterOrEqual(t, c.Telemetry().TempSweepCount, int64(1))
}

func TestCache_CorruptLoadRecordsAutoClear(t *testing.T) {
	dir := t.TempDir()
	c := New(testConfig(dir))
	require.NoError(t, c.Load())
	c.AddChunks([]Chunk{{File: "a.go", Vector: []float32{1, 0, 0, 0}}})
	require.NoError(t, c.Save(true))

	mismatched := testConfig(dir)
	mismatched.EmbeddingModel = "different-model"
	c2 := New(mismatched)
	require.Error(t, c2.Load())

	assert.GreaterOrEqual(t, c2.Telemetry().CorruptionAutoClears, int64(1))
}
