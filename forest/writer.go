package forest

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	car "github.com/ChainSafe/forest"
	"github.com/ipfs/go-cid"
	"github.com/klauspost/compress/zstd"
)

// ErrNoRoots is returned when a Writer is constructed with an empty root
// set; a forest car's embedded index always carries at least one root, the
// same constraint CARv1 places on its own header.
var ErrNoRoots = errors.New("forest: archive must have at least one root")

// Writer streams blocks into a forest car: each Write call appends a CARv1
// style (cid, payload) section to an in-progress zstd frame, flushing a new
// independent zstd frame once the accumulated uncompressed bytes reach
// TargetFrameSize. Close flushes any partial frame and writes the
// skippable index frame ahead of the compressed body.
type Writer struct {
	w     io.Writer
	opts  Options
	enc   *zstd.Encoder
	frame bytes.Buffer // uncompressed accumulator for the in-progress frame
	body  bytes.Buffer // compressed frames written so far, in order

	frameOffset uint64
	idx         index
	closed      bool
}

// NewWriter returns a Writer that will emit a forest car with the given
// roots to w once Close is called.
func NewWriter(w io.Writer, roots []cid.Cid, opts ...Option) (*Writer, error) {
	if len(roots) == 0 {
		return nil, ErrNoRoots
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("forest: creating zstd encoder: %w", err)
	}
	return &Writer{
		w:    w,
		opts: ApplyOptions(opts...),
		enc:  enc,
		idx: index{
			Roots:     roots,
			Locations: make(map[cid.Cid]CompressedLocation),
		},
	}, nil
}

// Write appends one block to the archive, recording its compressed
// location in the embedded index. It does not verify that data hashes to
// c; callers that need that guarantee should verify before calling Write.
func (fw *Writer) Write(c cid.Cid, data []byte) error {
	if fw.closed {
		return errors.New("forest: write after close")
	}
	innerOffset := uint64(fw.frame.Len())
	if err := car.LengthPrefixedWrite(&fw.frame, c.Bytes(), data); err != nil {
		return err
	}
	dataOffset := innerOffset + uint64(len(c.Bytes())) + uint64(varintOverhead(uint64(c.ByteLen()+len(data))))
	fw.idx.Locations[c] = CompressedLocation{
		FrameOffset: fw.frameOffset,
		Inner:       BlockLocation{Offset: dataOffset, Length: uint32(len(data))},
	}
	if fw.frame.Len() >= fw.opts.TargetFrameSize {
		return fw.flushFrame()
	}
	return nil
}

func (fw *Writer) flushFrame() error {
	if fw.frame.Len() == 0 {
		return nil
	}
	compressed := fw.enc.EncodeAll(fw.frame.Bytes(), nil)
	fw.idx.FrameSizes = append(fw.idx.FrameSizes, frameInfo{
		Offset:           fw.frameOffset,
		CompressedLength: uint32(len(compressed)),
	})
	fw.body.Write(compressed)
	fw.frameOffset += uint64(len(compressed))
	fw.frame.Reset()
	return nil
}

// Close flushes any partial frame, encodes the index, and writes the
// complete forest car (skippable index frame, then the compressed body) to
// the underlying writer. The Writer must not be used afterward.
func (fw *Writer) Close() error {
	if fw.closed {
		return nil
	}
	fw.closed = true
	if err := fw.flushFrame(); err != nil {
		return err
	}
	payload, err := encodeIndex(&fw.idx)
	if err != nil {
		return err
	}
	if err := WriteSkippableFrameHeader(fw.w, uint32(len(payload))); err != nil {
		return err
	}
	if _, err := fw.w.Write(payload); err != nil {
		return err
	}
	_, err = fw.w.Write(fw.body.Bytes())
	return err
}

// varintOverhead returns the number of bytes a LEB128 varint encoding of n
// occupies, matching go-varint.UvarintSize without importing it solely for
// this one arithmetic helper.
func varintOverhead(n uint64) int {
	size := 1
	for n >>= 7; n > 0; n >>= 7 {
		size++
	}
	return size
}
