package car

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-varint"
)

// ErrEmptyArchive is returned when a CARv1 payload contains a valid header
// but zero block frames.
var ErrEmptyArchive = errors.New("car: archive contains no blocks")

// ErrInvalidFrame is returned for a structurally malformed varint frame: a
// truncated body, a body shorter than the CID it claims to hold, or a body
// length that would overflow a uint32 length field.
var ErrInvalidFrame = errors.New("car: invalid frame")

// BlockLocation is the byte window of a block's payload within an
// uncompressed CARv1 stream, excluding its CID prefix and length prefix.
type BlockLocation struct {
	Offset uint64
	Length uint32
}

// Index maps a CID to the location of its payload. It is built once, at
// open time, and is read-only thereafter; see PlainBlockstore for the
// mutable write-through overlay that sits alongside it.
type Index map[cid.Cid]BlockLocation

// frameCursor is a forward-only io.Reader over an io.ReaderAt that can be
// repositioned without discarding any bufio.Reader wrapped around it extra
// work: the caller simply mutates pos and calls bufio.Reader.Reset(cursor).
type frameCursor struct {
	r   io.ReaderAt
	pos int64
}

func (c *frameCursor) Read(p []byte) (int, error) {
	n, err := c.r.ReadAt(p, c.pos)
	c.pos += int64(n)
	return n, err
}

// BuildIndex constructs an in-memory CID->BlockLocation index by scanning a
// random-access CARv1 or CARv2 byte source. It returns the parsed v1
// header, the detected version (1 or 2), and the index.
//
// Duplicate CIDs are resolved first-occurrence-wins: this mirrors observed
// snapshot-producer behavior where a block may be repeated, and callers
// relying on "last wins" semantics will see different results than other
// CAR indexers.
func BuildIndex(r io.ReaderAt, opts Options) (Index, V1Header, uint64, error) {
	version := uint64(1)
	var limit *int64

	pragma := make([]byte, V2PragmaSize)
	cursor := int64(0)
	if n, err := r.ReadAt(pragma, 0); err == nil || (err == io.EOF && n == len(pragma)) {
		if equalBytes(pragma, v2PragmaFrame()) {
			var v2h V2Header
			if _, err := v2h.ReadFrom(io.NewSectionReader(r, V2PragmaSize, V2HeaderSize)); err != nil {
				return nil, V1Header{}, 0, err
			}
			version = 2
			cursor = int64(v2h.DataOffset)
			end := int64(v2h.DataOffset + v2h.DataSize)
			limit = &end
		}
	}

	fc := &frameCursor{r: r, pos: cursor}
	header := V1Header{}
	hn, err := header.ReadFromChecked(fc, opts.maxHeaderSize())
	if err != nil {
		return nil, V1Header{}, 0, err
	}
	if header.Version != 1 {
		return nil, V1Header{}, 0, fmt.Errorf("car: unsupported version inside v1 stream: %d", header.Version)
	}
	fc.pos = cursor + hn

	// Buffering the small length+CID reads before seeking past the payload
	// gives a significant speedup over unbuffered reads, since the length
	// and CID together usually fit in one syscall-sized chunk.
	buf := bufio.NewReaderSize(fc, 1024)

	idx := make(Index)
	for {
		if limit != nil && fc.pos-int64(buf.Buffered()) >= *limit {
			break
		}
		bodyLen, err := varint.ReadUvarint(buf)
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, V1Header{}, 0, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
		}
		if bodyLen > math.MaxUint32 {
			return nil, V1Header{}, 0, fmt.Errorf("%w: body length %d overflows uint32", ErrInvalidFrame, bodyLen)
		}
		frameBodyOffset := fc.pos - int64(buf.Buffered())

		cidLen, c, err := cid.CidFromReader(buf)
		if err != nil {
			return nil, V1Header{}, 0, fmt.Errorf("%w: malformed cid: %v", ErrInvalidFrame, err)
		}
		if uint64(cidLen) > bodyLen {
			return nil, V1Header{}, 0, fmt.Errorf("%w: cid longer than frame body", ErrInvalidFrame)
		}

		dataOffset := frameBodyOffset + int64(cidLen)
		dataLength := bodyLen - uint64(cidLen)

		if _, seen := idx[c]; !seen {
			idx[c] = BlockLocation{Offset: uint64(dataOffset), Length: uint32(dataLength)}
		}

		nextFrameOffset := frameBodyOffset + int64(bodyLen)
		fc.pos = nextFrameOffset
		buf.Reset(fc)
	}

	if len(idx) == 0 {
		return nil, V1Header{}, 0, ErrEmptyArchive
	}
	return idx, header, version, nil
}

func equalBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// v2PragmaFrame returns the full 11-byte varint-framed CARv2 pragma
// (length-prefix byte plus the 10-byte DAG-CBOR body). V2Pragma already
// carries the length prefix, so it is copied as is.
func v2PragmaFrame() []byte {
	out := make([]byte, 0, V2PragmaSize)
	out = append(out, V2Pragma...)
	return out
}

func (o Options) maxHeaderSize() uint64 {
	if o.MaxAllowedHeaderSize == 0 {
		return DefaultMaxAllowedHeaderSize
	}
	return o.MaxAllowedHeaderSize
}
