package car_test

import (
	"bytes"
	"errors"
	"testing"

	car "github.com/ChainSafe/forest"
	"github.com/ChainSafe/forest/internal/cartest"
	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildIndexV1RoundTrip(t *testing.T) {
	blocks := cartest.MakeBlocks([]byte("alpha"), []byte("bravo"), []byte("charlie"))
	raw := cartest.BuildCARv1(nil, blocks)

	idx, header, version, err := car.BuildIndex(bytes.NewReader(raw), car.ApplyOptions())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), version)
	assert.Equal(t, uint64(1), header.Version)
	require.Len(t, idx, len(blocks))

	for _, b := range blocks {
		loc, ok := idx[b.Cid]
		require.True(t, ok)
		assert.Equal(t, b.Data, raw[loc.Offset:loc.Offset+uint64(loc.Length)])
	}
}

func TestBuildIndexV2Detected(t *testing.T) {
	blocks := cartest.MakeBlocks([]byte("one"), []byte("two"))
	raw := cartest.BuildCARv2(nil, blocks)

	idx, _, version, err := car.BuildIndex(bytes.NewReader(raw), car.ApplyOptions())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), version)
	require.Len(t, idx, len(blocks))
}

func TestBuildIndexDuplicateCIDFirstWins(t *testing.T) {
	first := cartest.MakeBlock([]byte("first-occurrence"))
	// Same CID, different bytes: an adversarial/duplicate producer, not a
	// valid content-addressed pair, but the indexer never re-hashes.
	dup := cartest.Block{Cid: first.Cid, Data: []byte("second-occurrence-longer")}
	raw := cartest.BuildCARv1(nil, []cartest.Block{first, dup})

	idx, _, _, err := car.BuildIndex(bytes.NewReader(raw), car.ApplyOptions())
	require.NoError(t, err)
	require.Len(t, idx, 1)

	loc := idx[first.Cid]
	assert.Equal(t, first.Data, raw[loc.Offset:loc.Offset+uint64(loc.Length)])
}

func TestBuildIndexEmptyArchiveIsError(t *testing.T) {
	root := cartest.MakeBlock([]byte("root-only"))
	raw := cartest.BuildCARv1([]cid.Cid{root.Cid}, nil)

	_, _, _, err := car.BuildIndex(bytes.NewReader(raw), car.ApplyOptions())
	require.Error(t, err)
	assert.True(t, errors.Is(err, car.ErrEmptyArchive))
}

func TestAbsentCIDNotInIndex(t *testing.T) {
	blocks := cartest.MakeBlocks([]byte("present"))
	raw := cartest.BuildCARv1(nil, blocks)
	idx, _, _, err := car.BuildIndex(bytes.NewReader(raw), car.ApplyOptions())
	require.NoError(t, err)

	absent := cartest.MakeBlock([]byte("never-written"))
	_, ok := idx[absent.Cid]
	assert.False(t, ok)
}
