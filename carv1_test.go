package car_test

import (
	"bytes"
	"testing"

	car "github.com/ChainSafe/forest"
	"github.com/ChainSafe/forest/internal/cartest"
	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestV1HeaderWriteAndReadRoundTrip(t *testing.T) {
	root := cartest.MakeBlock([]byte("root"))
	h := car.V1Header{Roots: []cid.Cid{root.Cid}, Version: 1}
	var buf bytes.Buffer
	n, err := h.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, int64(buf.Len()), n)

	var got car.V1Header
	_, err = got.ReadFrom(&buf)
	require.NoError(t, err)
	assert.True(t, h.Matches(got))
}

func TestLengthPrefixedWriteAndReadSection(t *testing.T) {
	b := cartest.MakeBlock([]byte("section-payload"))
	var buf bytes.Buffer
	require.NoError(t, car.LengthPrefixedWrite(&buf, b.Cid.Bytes(), b.Data))

	c, data, err := car.ReadSection(&buf, false, car.DefaultMaxAllowedSectionSize)
	require.NoError(t, err)
	assert.True(t, c.Equals(b.Cid))
	assert.Equal(t, b.Data, data)
}
