package forest_test

import (
	"bytes"
	"testing"

	"github.com/ChainSafe/forest/forest"
	"github.com/ChainSafe/forest/internal/cartest"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	blockstore "github.com/ipfs/go-ipfs-blockstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memReaderAt []byte

func (m memReaderAt) ReadAt(p []byte, off int64) (int, error) {
	return bytes.NewReader(m).ReadAt(p, off)
}

func rootCidsOf(bs []cartest.Block) []cid.Cid {
	out := make([]cid.Cid, len(bs))
	for i, b := range bs {
		out[i] = b.Cid
	}
	return out
}

func buildForestCar(t *testing.T, roots []cartest.Block, data []cartest.Block, opts ...forest.Option) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := forest.NewWriter(&buf, rootCidsOf(roots), opts...)
	require.NoError(t, err)
	for _, b := range data {
		require.NoError(t, w.Write(b.Cid, b.Data))
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestForestArchiveRoundTrip(t *testing.T) {
	data := cartest.MakeBlocks([]byte("one"), []byte("two"), []byte("three"))
	raw := buildForestCar(t, data[:1], data)

	a, err := forest.Open(memReaderAt(raw))
	require.NoError(t, err)
	assert.Len(t, a.Roots(), 1)
	assert.Equal(t, data[0].Cid, a.Roots()[0])

	for _, b := range data {
		got, err := a.Get(b.Cid)
		require.NoError(t, err)
		assert.Equal(t, b.Data, got.RawData())
	}
}

func TestForestArchiveMissingCIDReturnsNotFound(t *testing.T) {
	present := cartest.MakeBlocks([]byte("present"))
	raw := buildForestCar(t, present, present)

	a, err := forest.Open(memReaderAt(raw))
	require.NoError(t, err)

	absent := cartest.MakeBlock([]byte("absent"))
	_, err = a.Get(absent.Cid)
	assert.ErrorIs(t, err, blockstore.ErrNotFound)
}

func TestForestArchivePutKeyedIdempotentAndPanicsOnMismatch(t *testing.T) {
	seed := cartest.MakeBlocks([]byte("seed"))
	raw := buildForestCar(t, seed, seed)
	a, err := forest.Open(memReaderAt(raw))
	require.NoError(t, err)

	fresh := cartest.MakeBlock([]byte("fresh"))
	blk, err := blocks.NewBlockWithCid(fresh.Data, fresh.Cid)
	require.NoError(t, err)
	require.NoError(t, a.Put(blk))
	require.NoError(t, a.Put(blk))

	mismatched, err := blocks.NewBlockWithCid([]byte("other"), fresh.Cid)
	require.NoError(t, err)
	assert.Panics(t, func() { _ = a.Put(mismatched) })
}

func TestForestArchiveMultipleFramesRoundTrip(t *testing.T) {
	var payloads [][]byte
	for i := 0; i < 50; i++ {
		payloads = append(payloads, bytes.Repeat([]byte{byte(i)}, 1024))
	}
	data := cartest.MakeBlocks(payloads...)
	raw := buildForestCar(t, data[:1], data, forest.WithTargetFrameSize(4096))

	a, err := forest.Open(memReaderAt(raw))
	require.NoError(t, err)
	for _, b := range data {
		got, err := a.Get(b.Cid)
		require.NoError(t, err)
		assert.Equal(t, b.Data, got.RawData())
	}
}

func TestIsValidRejectsNonForestCar(t *testing.T) {
	raw := cartest.BuildCARv1(nil, cartest.MakeBlocks([]byte("x")))
	assert.False(t, forest.IsValid(memReaderAt(raw), int64(len(raw))))
}

func TestIsValidAcceptsForestCar(t *testing.T) {
	data := cartest.MakeBlocks([]byte("x"))
	raw := buildForestCar(t, data, data)
	assert.True(t, forest.IsValid(memReaderAt(raw), int64(len(raw))))
}
