package lock

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquire_WritesLockInfoAndReleaseRemovesIt(t *testing.T) {
	dir := t.TempDir()
	l, err := Acquire(dir, "/workspace/one")
	require.NoError(t, err)

	path := lockFilePath(dir)
	_, statErr := os.Stat(path)
	require.NoError(t, statErr)

	info, err := readInfo(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), info.PID)
	assert.Equal(t, "/workspace/one", info.Workspace)

	require.NoError(t, l.Release())
	_, statErr = os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestAcquire_SecondAcquireOfSameDirFails(t *testing.T) {
	dir := t.TempDir()
	l, err := Acquire(dir, "/workspace/one")
	require.NoError(t, err)
	defer l.Release()

	_, err = Acquire(dir, "/workspace/one")
	assert.Error(t, err)
}

func TestSweepStale_RemovesLockFromDeadProcess(t *testing.T) {
	dir := t.TempDir()
	path := lockFilePath(dir)
	// PID 1 << 30 is not a valid/running process on any real system.
	deadInfo := Info{PID: 1 << 30, Workspace: "/workspace/dead"}
	data, err := json.Marshal(deadInfo)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	l, err := Acquire(dir, "/workspace/new")
	require.NoError(t, err)
	defer l.Release()

	info, err := readInfo(path)
	require.NoError(t, err)
	assert.Equal(t, "/workspace/new", info.Workspace)
}
