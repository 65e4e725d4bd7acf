package forest

import (
	"bytes"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multicodec"
	cbor "github.com/whyrusleeping/cbor/go"
)

// wireIndex is the on-the-wire shape of the embedded index payload. CID
// keys aren't directly usable as CBOR map keys through this encoder, so
// the map is flattened to parallel slices; this mirrors how carbsIndex
// keeps its on-disk shape distinct from its in-memory map form.
type wireIndex struct {
	// Codec tags the encoding of this payload itself (always DagCbor
	// today); carried along so a future reader can tell a v2 index layout
	// apart from this one without guessing from shape.
	Codec      uint64
	Roots      [][]byte
	Cids       [][]byte
	FrameOff   []uint64
	InnerOff   []uint64
	InnerLen   []uint32
	FrameSizes []frameInfo
}

func encodeIndex(idx *index) ([]byte, error) {
	w := wireIndex{
		Codec:      uint64(multicodec.DagCbor),
		FrameSizes: idx.FrameSizes,
	}
	for _, r := range idx.Roots {
		w.Roots = append(w.Roots, r.Bytes())
	}
	for c, loc := range idx.Locations {
		w.Cids = append(w.Cids, c.Bytes())
		w.FrameOff = append(w.FrameOff, loc.FrameOffset)
		w.InnerOff = append(w.InnerOff, loc.Inner.Offset)
		w.InnerLen = append(w.InnerLen, loc.Inner.Length)
	}

	var buf bytes.Buffer
	if err := cbor.Encode(&buf, &w); err != nil {
		return nil, fmt.Errorf("forest: encoding index: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeIndex(payload []byte) (*index, error) {
	var w wireIndex
	dec := cbor.NewDecoder(bytes.NewReader(payload))
	if err := dec.Decode(&w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIndex, err)
	}
	if len(w.Cids) != len(w.FrameOff) || len(w.Cids) != len(w.InnerOff) || len(w.Cids) != len(w.InnerLen) {
		return nil, fmt.Errorf("%w: mismatched parallel arrays", ErrInvalidIndex)
	}
	if w.Codec != 0 && w.Codec != uint64(multicodec.DagCbor) {
		return nil, fmt.Errorf("%w: unsupported index codec %d", ErrInvalidIndex, w.Codec)
	}

	idx := &index{
		Locations:  make(map[cid.Cid]CompressedLocation, len(w.Cids)),
		FrameSizes: w.FrameSizes,
	}
	for _, rb := range w.Roots {
		c, err := cid.Cast(rb)
		if err != nil {
			return nil, fmt.Errorf("%w: root cid: %v", ErrInvalidIndex, err)
		}
		idx.Roots = append(idx.Roots, c)
	}
	if len(idx.Roots) == 0 {
		return nil, fmt.Errorf("%w: empty root set", ErrInvalidIndex)
	}
	for i, cb := range w.Cids {
		c, err := cid.Cast(cb)
		if err != nil {
			return nil, fmt.Errorf("%w: block cid: %v", ErrInvalidIndex, err)
		}
		idx.Locations[c] = CompressedLocation{
			FrameOffset: w.FrameOff[i],
			Inner:       BlockLocation{Offset: w.InnerOff[i], Length: w.InnerLen[i]},
		}
	}
	return idx, nil
}
