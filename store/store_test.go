package store_test

import (
	"bytes"
	"testing"

	car "github.com/ChainSafe/forest"
	"github.com/ChainSafe/forest/internal/cartest"
	"github.com/ChainSafe/forest/store"
	blocks "github.com/ipfs/go-block-format"
	blockstore "github.com/ipfs/go-ipfs-blockstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memReaderAt []byte

func (m memReaderAt) ReadAt(p []byte, off int64) (int, error) {
	return bytes.NewReader(m).ReadAt(p, off)
}

func openArchive(t *testing.T, blks ...cartest.Block) *car.PlainBlockstore {
	t.Helper()
	raw := cartest.BuildCARv1(nil, blks)
	bs, err := car.OpenPlainBlockstore(memReaderAt(raw))
	require.NoError(t, err)
	return bs
}

func TestManyReadsFirstMatchingArchive(t *testing.T) {
	first := cartest.MakeBlock([]byte("in-first"))
	second := cartest.MakeBlock([]byte("in-second"))

	m := store.New(store.WithReadOnly(
		openArchive(t, first),
		openArchive(t, second),
	))

	got, err := m.Get(first.Cid)
	require.NoError(t, err)
	assert.Equal(t, first.Data, got.RawData())

	got, err = m.Get(second.Cid)
	require.NoError(t, err)
	assert.Equal(t, second.Data, got.RawData())
}

func TestManyDuplicateCIDFirstArchiveWins(t *testing.T) {
	shared := cartest.MakeBlock([]byte("shared"))
	// Same CID, different bytes in the second archive, so the assertion below
	// tells which archive answered. Neither store re-hashes on read.
	shadowed := cartest.Block{Cid: shared.Cid, Data: []byte("shadowed")}
	m := store.New(store.WithReadOnly(
		openArchive(t, shared),
		openArchive(t, shadowed),
	))
	assert.Equal(t, 2, m.Len())

	got, err := m.Get(shared.Cid)
	require.NoError(t, err)
	assert.Equal(t, shared.Data, got.RawData())
}

func TestManyMissingCIDReturnsNotFound(t *testing.T) {
	present := cartest.MakeBlock([]byte("present"))
	m := store.New(store.WithReadOnly(openArchive(t, present)))

	absent := cartest.MakeBlock([]byte("absent"))
	_, err := m.Get(absent.Cid)
	assert.ErrorIs(t, err, blockstore.ErrNotFound)
}

func TestManyWritesGoToOverlay(t *testing.T) {
	present := cartest.MakeBlock([]byte("present"))
	overlay := openArchive(t, present)
	m := store.New(store.WithWriteOverlay(overlay))

	fresh := cartest.MakeBlock([]byte("fresh"))
	blk, err := blocks.NewBlockWithCid(fresh.Data, fresh.Cid)
	require.NoError(t, err)
	require.NoError(t, m.Put(blk))

	got, err := m.Get(fresh.Cid)
	require.NoError(t, err)
	assert.Equal(t, fresh.Data, got.RawData())
}

func TestManyWithoutOverlayRejectsWrites(t *testing.T) {
	m := store.New()
	fresh := cartest.MakeBlock([]byte("fresh"))
	blk, err := blocks.NewBlockWithCid(fresh.Data, fresh.Cid)
	require.NoError(t, err)
	assert.ErrorIs(t, m.Put(blk), store.ErrNoWritableOverlay)
}

func TestManyReadOnlyAppendAfterConstruction(t *testing.T) {
	m := store.New()
	assert.Equal(t, 0, m.Len())

	b := cartest.MakeBlock([]byte("appended"))
	m.ReadOnly(openArchive(t, b))
	assert.Equal(t, 1, m.Len())

	got, err := m.Get(b.Cid)
	require.NoError(t, err)
	assert.Equal(t, b.Data, got.RawData())
}
