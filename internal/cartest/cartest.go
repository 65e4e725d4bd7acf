// Package cartest builds small CARv1 byte streams in memory for use by this
// module's own tests. It exists so every package's tests can share one
// fixture builder instead of hand-rolling varint framing again in each
// _test.go file.
package cartest

import (
	"bytes"

	car "github.com/ChainSafe/forest"
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// Block is one (cid, payload) pair destined for a fixture archive.
type Block struct {
	Cid  cid.Cid
	Data []byte
}

// MakeBlock derives a CIDv1/raw/sha2-256 CID for data and returns the pair.
func MakeBlock(data []byte) Block {
	pfx := cid.NewPrefixV1(cid.Raw, mh.SHA2_256)
	c, err := pfx.Sum(data)
	if err != nil {
		panic(err)
	}
	return Block{Cid: c, Data: data}
}

// MakeBlocks derives n blocks from the given payloads.
func MakeBlocks(payloads ...[]byte) []Block {
	blocks := make([]Block, len(payloads))
	for i, p := range payloads {
		blocks[i] = MakeBlock(p)
	}
	return blocks
}

// BuildCARv1 serializes a CARv1 byte stream with the given roots (defaulting
// to the first block's CID if roots is nil and blocks is non-empty) and
// blocks, in order, duplicates included verbatim.
func BuildCARv1(roots []cid.Cid, blocks []Block) []byte {
	if roots == nil && len(blocks) > 0 {
		roots = []cid.Cid{blocks[0].Cid}
	}
	var buf bytes.Buffer
	header := car.V1Header{Roots: roots, Version: 1}
	if _, err := header.WriteTo(&buf); err != nil {
		panic(err)
	}
	for _, b := range blocks {
		if err := car.LengthPrefixedWrite(&buf, b.Cid.Bytes(), b.Data); err != nil {
			panic(err)
		}
	}
	return buf.Bytes()
}

// BuildCARv2 wraps a CARv1 payload (built the same way as BuildCARv1) in a
// CARv2 pragma+header, with no trailing index section.
func BuildCARv2(roots []cid.Cid, blocks []Block) []byte {
	v1 := BuildCARv1(roots, blocks)

	var buf bytes.Buffer
	buf.Write(car.V2Pragma)
	h := car.NewV2Header(uint64(len(v1)))
	if _, err := h.WriteTo(&buf); err != nil {
		panic(err)
	}
	buf.Write(v1)
	return buf.Bytes()
}
