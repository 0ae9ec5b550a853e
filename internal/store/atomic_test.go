package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtomicWrite_NeverLeavesTempFileBehind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "thing.json")
	require.NoError(t, writeJSONAtomic(path, nil, map[string]int{"a": 1}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "thing.json", entries[0].Name())
}

func TestAtomicWrite_FailureLeavesPriorArtifactIntact(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "thing.json")
	require.NoError(t, writeJSONAtomic(path, nil, map[string]int{"a": 1}))

	tel := &Telemetry{}
	err := atomicWrite(path, tel, func(f *os.File) error {
		return assertErr
	})
	require.Error(t, err)

	var out map[string]int
	require.NoError(t, readJSON(path, &out))
	assert.Equal(t, 1, out["a"])

	entries, _ := os.ReadDir(dir)
	assert.Len(t, entries, 1) // no leftover .tmp.* file

	// A write-callback failure never reaches the rename stage, so no
	// retry or fallback copy is recorded.
	assert.Zero(t, tel.Retries)
	assert.Zero(t, tel.FallbackCopies)
}

func TestSweepStaleTemps_RemovesOnlyOldTempFilesButReportsAll(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "thing.json.tmp.old")
	fresh := filepath.Join(dir, "thing.json.tmp.fresh")
	require.NoError(t, os.WriteFile(old, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(fresh, []byte("x"), 0o644))

	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))

	found, removed := sweepStaleTemps(dir, time.Hour)
	assert.Equal(t, 2, found)
	assert.Equal(t, 1, removed)
	_, err := os.Stat(old)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh)
	assert.NoError(t, err)
}

func TestIsTempArtifact(t *testing.T) {
	assert.True(t, isTempArtifact("meta.json.tmp.abc-123"))
	assert.False(t, isTempArtifact("meta.json"))
}

func TestCopyOver_ReplacesDestinationContent(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.WriteFile(src, []byte("new"), 0o644))
	require.NoError(t, os.WriteFile(dst, []byte("old and longer"), 0o644))

	require.NoError(t, copyOver(src, dst))
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "new", string(got))
}

var assertErr = &stubErr{"boom"}

type stubErr struct{ msg string }

func (e *stubErr) Error() string { return e.msg }
