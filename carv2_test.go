package car_test

import (
	"bytes"
	"testing"

	car "github.com/ChainSafe/forest"
	"github.com/ChainSafe/forest/internal/cartest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestV2HeaderWriteAndReadRoundTrip(t *testing.T) {
	h := car.NewV2Header(1234)
	var buf bytes.Buffer
	_, err := h.WriteTo(&buf)
	require.NoError(t, err)

	var got car.V2Header
	_, err = got.ReadFrom(&buf)
	require.NoError(t, err)
	assert.Equal(t, h.DataOffset, got.DataOffset)
	assert.Equal(t, h.DataSize, got.DataSize)
	assert.Equal(t, h.IndexOffset, got.IndexOffset)
}

func TestV2PragmaDetection(t *testing.T) {
	blocks := cartest.MakeBlocks([]byte("v2-block"))
	raw := cartest.BuildCARv2(nil, blocks)

	assert.True(t, bytes.Equal(raw[:len(car.V2Pragma)], car.V2Pragma))
	version, err := car.ReadVersion(bytes.NewReader(raw), car.DefaultMaxAllowedHeaderSize)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), version)
}

func TestV1StreamHasNoPragma(t *testing.T) {
	raw := cartest.BuildCARv1(nil, cartest.MakeBlocks([]byte("v1-block")))
	version, err := car.ReadVersion(bytes.NewReader(raw), car.DefaultMaxAllowedHeaderSize)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), version)
}
