// Package forest implements this engine's compressed archive format: a
// zstd-skippable frame carrying a CID index, followed by a sequence of
// independent zstd frames whose concatenated decompression is a valid
// CARv1 byte stream.
package forest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	car "github.com/ChainSafe/forest"
	"github.com/ipfs/go-cid"
)

// SkippableFrameMagic is the 4-byte little-endian magic that opens a
// zstd-skippable frame. zstd decoders that don't understand the payload
// are required by the format to skip it; this engine uses that payload to
// stash its index. It is the same value the plain CARv1 reader refuses to
// misparse as a header (car.ForestMagic); defined once there so both sides
// of the boundary agree.
var SkippableFrameMagic = car.ForestMagic

// ErrNotForestCar is returned when a byte source does not begin with the
// forest skippable-frame magic.
var ErrNotForestCar = errors.New("forest: not a forest car")

// ErrInvalidIndex is returned when the embedded index fails to decode, or
// decodes to a self-inconsistent state (parallel arrays of different
// lengths, an unknown index codec, empty root set). Locations outside the
// file are not reported with this error; IsValid checks those and returns
// false.
var ErrInvalidIndex = errors.New("forest: invalid embedded index")

// WriteSkippableFrameHeader writes the 8-byte skippable-frame header (magic
// plus little-endian payload length) that precedes an index payload.
func WriteSkippableFrameHeader(w io.Writer, payloadLen uint32) error {
	var hdr [8]byte
	copy(hdr[:4], SkippableFrameMagic[:])
	binary.LittleEndian.PutUint32(hdr[4:], payloadLen)
	_, err := w.Write(hdr[:])
	return err
}

// ReadSkippableFrameHeader reads and validates a skippable-frame header,
// returning the payload length that follows it.
func ReadSkippableFrameHeader(r io.Reader) (uint32, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return 0, fmt.Errorf("%w: truncated header", ErrNotForestCar)
		}
		return 0, err
	}
	if hdr[0] != SkippableFrameMagic[0] || hdr[1] != SkippableFrameMagic[1] ||
		hdr[2] != SkippableFrameMagic[2] || hdr[3] != SkippableFrameMagic[3] {
		return 0, ErrNotForestCar
	}
	return binary.LittleEndian.Uint32(hdr[4:]), nil
}

// BlockLocation is the byte window of a block's payload inside a
// decompressed zstd frame.
type BlockLocation struct {
	Offset uint64
	Length uint32
}

// CompressedLocation identifies a block by the zstd frame that holds it
// (by the frame's byte offset in the compressed body, measured from the
// first byte after the skippable index frame) and the block's window
// within that frame once decompressed.
type CompressedLocation struct {
	FrameOffset uint64
	Inner       BlockLocation
}

// frameInfo records the on-disk compressed size of a zstd frame, keyed by
// its offset. zstd frames aren't self-delimiting from the outside, so the
// reader needs this to know how many compressed bytes to feed the decoder
// for a given frame.
type frameInfo struct {
	Offset           uint64
	CompressedLength uint32
}

// index is the decoded form of the embedded skippable-frame payload.
type index struct {
	Roots      []cid.Cid
	Locations  map[cid.Cid]CompressedLocation
	FrameSizes []frameInfo
}

func (idx *index) frameLength(offset uint64) (uint32, bool) {
	// Linear scan: archives have orders of magnitude fewer frames than
	// blocks, so this is not worth a map.
	for _, f := range idx.FrameSizes {
		if f.Offset == offset {
			return f.CompressedLength, true
		}
	}
	return 0, false
}
