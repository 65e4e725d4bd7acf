package car_test

import (
	"bytes"
	"context"
	"testing"

	car "github.com/ChainSafe/forest"
	"github.com/ChainSafe/forest/internal/cartest"
	blocks "github.com/ipfs/go-block-format"
	blockstore "github.com/ipfs/go-ipfs-blockstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memReaderAt adapts a []byte to car.RandomAccessReader for tests that don't
// need a real file on disk.
type memReaderAt []byte

func (m memReaderAt) ReadAt(p []byte, off int64) (int, error) {
	return bytes.NewReader(m).ReadAt(p, off)
}

func TestPlainBlockstoreReadsOnDiskBlocks(t *testing.T) {
	bs1 := cartest.MakeBlocks([]byte("one"), []byte("two"), []byte("three"))
	raw := cartest.BuildCARv1(nil, bs1)

	bs, err := car.OpenPlainBlockstore(memReaderAt(raw))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), bs.Version())

	for _, b := range bs1 {
		got, err := bs.Get(b.Cid)
		require.NoError(t, err)
		assert.Equal(t, b.Data, got.RawData())

		has, err := bs.Has(b.Cid)
		require.NoError(t, err)
		assert.True(t, has)
	}
}

func TestPlainBlockstoreMissingCIDReturnsNotFound(t *testing.T) {
	bs1 := cartest.MakeBlocks([]byte("present"))
	raw := cartest.BuildCARv1(nil, bs1)
	bs, err := car.OpenPlainBlockstore(memReaderAt(raw))
	require.NoError(t, err)

	absent := cartest.MakeBlock([]byte("absent"))
	_, err = bs.Get(absent.Cid)
	assert.ErrorIs(t, err, blockstore.ErrNotFound)
}

func TestPlainBlockstorePutKeyedIdempotent(t *testing.T) {
	raw := cartest.BuildCARv1(nil, cartest.MakeBlocks([]byte("seed")))
	bs, err := car.OpenPlainBlockstore(memReaderAt(raw))
	require.NoError(t, err)

	fresh := cartest.MakeBlock([]byte("fresh-write"))
	blk, err := blocks.NewBlockWithCid(fresh.Data, fresh.Cid)
	require.NoError(t, err)

	require.NoError(t, bs.Put(blk))
	require.NoError(t, bs.Put(blk)) // identical second write: no-op

	got, err := bs.Get(fresh.Cid)
	require.NoError(t, err)
	assert.Equal(t, fresh.Data, got.RawData())
}

func TestPlainBlockstorePutKeyedNoOpWhenAlreadyOnDisk(t *testing.T) {
	existing := cartest.MakeBlock([]byte("already-on-disk"))
	raw := cartest.BuildCARv1(nil, []cartest.Block{existing})
	bs, err := car.OpenPlainBlockstore(memReaderAt(raw))
	require.NoError(t, err)

	blk, err := blocks.NewBlockWithCid(existing.Data, existing.Cid)
	require.NoError(t, err)
	// Writing a block already present on disk is a no-op, even though (as
	// here) the bytes happen to match what's already there.
	require.NoError(t, bs.Put(blk))
}

func TestPlainBlockstoreMismatchedSecondWritePanics(t *testing.T) {
	raw := cartest.BuildCARv1(nil, cartest.MakeBlocks([]byte("seed")))
	bs, err := car.OpenPlainBlockstore(memReaderAt(raw))
	require.NoError(t, err)

	fresh := cartest.MakeBlock([]byte("first-write"))
	blk, err := blocks.NewBlockWithCid(fresh.Data, fresh.Cid)
	require.NoError(t, err)
	require.NoError(t, bs.Put(blk))

	mismatched, err := blocks.NewBlockWithCid([]byte("different-payload"), fresh.Cid)
	require.NoError(t, err)
	assert.Panics(t, func() {
		_ = bs.Put(mismatched)
	})
}

func TestPlainBlockstoreRepeatedGetOfOnDiskBlockIsStable(t *testing.T) {
	existing := cartest.MakeBlock([]byte("evict-me"))
	raw := cartest.BuildCARv1(nil, []cartest.Block{existing})
	bs, err := car.OpenPlainBlockstore(memReaderAt(raw))
	require.NoError(t, err)

	first, err := bs.Get(existing.Cid)
	require.NoError(t, err)
	second, err := bs.Get(existing.Cid)
	require.NoError(t, err)
	assert.Equal(t, first.RawData(), second.RawData())
}

func TestPlainBlockstoreDeleteBlockIsReadOnly(t *testing.T) {
	raw := cartest.BuildCARv1(nil, cartest.MakeBlocks([]byte("x")))
	bs, err := car.OpenPlainBlockstore(memReaderAt(raw))
	require.NoError(t, err)
	existing := cartest.MakeBlock([]byte("x"))
	assert.ErrorIs(t, bs.DeleteBlock(existing.Cid), car.ErrReadOnly)
}

func TestPlainBlockstoreAllKeysChanCoversIndex(t *testing.T) {
	bs1 := cartest.MakeBlocks([]byte("a"), []byte("b"), []byte("c"))
	raw := cartest.BuildCARv1(nil, bs1)
	bs, err := car.OpenPlainBlockstore(memReaderAt(raw))
	require.NoError(t, err)

	ch, err := bs.AllKeysChan(context.Background())
	require.NoError(t, err)
	seen := map[string]bool{}
	for c := range ch {
		seen[c.String()] = true
	}
	for _, b := range bs1 {
		assert.True(t, seen[b.Cid.String()])
	}
}
