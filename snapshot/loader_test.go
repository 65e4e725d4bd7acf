package snapshot_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ChainSafe/forest/forest"
	"github.com/ChainSafe/forest/internal/cartest"
	"github.com/ChainSafe/forest/snapshot"
	"github.com/ChainSafe/forest/store"
	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeForestCar(t *testing.T, path string, payloads ...[]byte) []cartest.Block {
	t.Helper()
	blocks := cartest.MakeBlocks(payloads...)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	roots := make([]cid.Cid, len(blocks))
	for i, b := range blocks {
		roots[i] = b.Cid
	}
	w, err := forest.NewWriter(f, roots)
	require.NoError(t, err)
	for _, b := range blocks {
		require.NoError(t, w.Write(b.Cid, b.Data))
	}
	require.NoError(t, w.Close())
	return blocks
}

func TestLoadAllRegistersEveryArchive(t *testing.T) {
	dir := t.TempDir()
	b1 := writeForestCar(t, filepath.Join(dir, "1000.forest.car.zst"), []byte("one"))
	b2 := writeForestCar(t, filepath.Join(dir, "2000.forest.car.zst"), []byte("two"))

	many := store.New()
	require.NoError(t, snapshot.LoadAll(many, dir, false))
	assert.Equal(t, 2, many.Len())

	got, err := many.Get(b1[0].Cid)
	require.NoError(t, err)
	assert.Equal(t, b1[0].Data, got.RawData())

	got, err = many.Get(b2[0].Cid)
	require.NoError(t, err)
	assert.Equal(t, b2[0].Data, got.RawData())
}

func TestLoadAllSweepsTempFilesWhenCleanup(t *testing.T) {
	dir := t.TempDir()
	tmpPath := filepath.Join(dir, "abc123.forest.car.zst.tmp")
	require.NoError(t, os.WriteFile(tmpPath, []byte("partial"), 0o644))

	many := store.New()
	require.NoError(t, snapshot.LoadAll(many, dir, true))
	assert.NoFileExists(t, tmpPath)
}

func TestLoadAllKeepsTempFilesWithoutCleanup(t *testing.T) {
	dir := t.TempDir()
	tmpPath := filepath.Join(dir, "abc123.forest.car.zst.tmp")
	require.NoError(t, os.WriteFile(tmpPath, []byte("partial"), 0o644))

	many := store.New()
	require.NoError(t, snapshot.LoadAll(many, dir, false))
	assert.FileExists(t, tmpPath)
}

func TestLoadAllCreatesMissingDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "does-not-exist-yet")
	many := store.New()
	require.NoError(t, snapshot.LoadAll(many, dir, false))
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestLoadAllAbortsOnCorruptArchive(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.forest.car.zst"), []byte("not a forest car"), 0o644))

	many := store.New()
	err := snapshot.LoadAll(many, dir, false)
	assert.Error(t, err)
}
