package snapshot_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/ChainSafe/forest/forest"
	"github.com/ChainSafe/forest/internal/cartest"
	"github.com/ChainSafe/forest/snapshot"
	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func listManagedDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names
}

func TestImportCopyFromRawCARTranscodes(t *testing.T) {
	dir := t.TempDir()
	srcDir := t.TempDir()

	blocks := cartest.MakeBlocks([]byte("a"), []byte("b"), []byte("c"))
	raw := cartest.BuildCARv1(nil, blocks)
	srcPath := filepath.Join(srcDir, "snapshot.car")
	writeFile(t, srcPath, raw)

	imp := &snapshot.Importer{Dir: dir}
	res, err := imp.Import(context.Background(), srcPath, snapshot.Copy, snapshot.RootsOnlyLoader)
	require.NoError(t, err)

	assert.FileExists(t, res.Path)
	assert.FileExists(t, srcPath) // Copy never touches the source
	assert.NotNil(t, res.Tipset)

	for _, name := range listManagedDir(t, dir) {
		assert.NotContains(t, name, ".tmp")
	}
}

func TestImportMoveFromRawCARRemovesSource(t *testing.T) {
	dir := t.TempDir()
	srcDir := t.TempDir()

	blocks := cartest.MakeBlocks([]byte("x"))
	raw := cartest.BuildCARv1(nil, blocks)
	srcPath := filepath.Join(srcDir, "snapshot.car")
	writeFile(t, srcPath, raw)

	imp := &snapshot.Importer{Dir: dir}
	res, err := imp.Import(context.Background(), srcPath, snapshot.Move, snapshot.RootsOnlyLoader)
	require.NoError(t, err)

	assert.FileExists(t, res.Path)
	assert.NoFileExists(t, srcPath)
}

func writeForestCarFile(t *testing.T, path string, blocks []cartest.Block) {
	t.Helper()
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
}

func TestImportSymlinkOnRawCARIsRejected(t *testing.T) {
	dir := t.TempDir()
	srcDir := t.TempDir()

	blocks := cartest.MakeBlocks([]byte("raw"))
	raw := cartest.BuildCARv1(nil, blocks)
	srcPath := filepath.Join(srcDir, "snapshot.car")
	writeFile(t, srcPath, raw)

	imp := &snapshot.Importer{Dir: dir}
	_, err := imp.Import(context.Background(), srcPath, snapshot.Symlink, snapshot.RootsOnlyLoader)
	assert.ErrorIs(t, err, snapshot.ErrMustBeForestCar)
	assert.Empty(t, listManagedDir(t, dir))
}

func TestImportHardlinkOnForestCarLinksInode(t *testing.T) {
	dir := t.TempDir()
	srcDir := t.TempDir()

	blocks := cartest.MakeBlocks([]byte("forest"))
	srcPath := filepath.Join(srcDir, "snapshot.forest.car.zst")
	writeForestCarFile(t, srcPath, blocks)

	imp := &snapshot.Importer{Dir: dir}
	res, err := imp.Import(context.Background(), srcPath, snapshot.Hardlink, snapshot.RootsOnlyLoader)
	require.NoError(t, err)

	srcInfo, err := os.Stat(srcPath)
	require.NoError(t, err)
	destInfo, err := os.Stat(res.Path)
	require.NoError(t, err)
	assert.True(t, os.SameFile(srcInfo, destInfo))
}

func TestImportAutoHardlinksForestCar(t *testing.T) {
	dir := t.TempDir()
	srcDir := t.TempDir()

	blocks := cartest.MakeBlocks([]byte("auto-forest"))
	srcPath := filepath.Join(srcDir, "snapshot.forest.car.zst")
	writeForestCarFile(t, srcPath, blocks)

	imp := &snapshot.Importer{Dir: dir}
	res, err := imp.Import(context.Background(), srcPath, snapshot.Auto, snapshot.RootsOnlyLoader)
	require.NoError(t, err)

	srcInfo, err := os.Stat(srcPath)
	require.NoError(t, err)
	destInfo, err := os.Stat(res.Path)
	require.NoError(t, err)
	assert.True(t, os.SameFile(srcInfo, destInfo))
}

func TestImportAutoCopiesRawCAR(t *testing.T) {
	dir := t.TempDir()
	srcDir := t.TempDir()

	blocks := cartest.MakeBlocks([]byte("auto-raw"))
	raw := cartest.BuildCARv1(nil, blocks)
	srcPath := filepath.Join(srcDir, "snapshot.car")
	writeFile(t, srcPath, raw)

	imp := &snapshot.Importer{Dir: dir}
	res, err := imp.Import(context.Background(), srcPath, snapshot.Auto, snapshot.RootsOnlyLoader)
	require.NoError(t, err)
	assert.FileExists(t, res.Path)
	assert.FileExists(t, srcPath)
}

func TestImportURLNotFoundReturnsError(t *testing.T) {
	dir := t.TempDir()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	imp := &snapshot.Importer{Dir: dir}
	_, err := imp.Import(context.Background(), srv.URL+"/dummy.car", snapshot.Copy, snapshot.RootsOnlyLoader)
	assert.Error(t, err)
	assert.Empty(t, listManagedDir(t, dir))
}

func TestImportURLDownloadsAndTranscodes(t *testing.T) {
	dir := t.TempDir()
	blocks := cartest.MakeBlocks([]byte("remote-a"), []byte("remote-b"))
	raw := cartest.BuildCARv1(nil, blocks)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(raw)
	}))
	defer srv.Close()

	imp := &snapshot.Importer{Dir: dir}
	res, err := imp.Import(context.Background(), srv.URL+"/snapshot.car", snapshot.Copy, snapshot.RootsOnlyLoader)
	require.NoError(t, err)
	assert.FileExists(t, res.Path)
}
