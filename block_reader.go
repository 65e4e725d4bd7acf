package car

import (
	"errors"
	"fmt"
	"io"

	"github.com/ipfs/go-cid"
	internalio "github.com/ChainSafe/forest/internal/io"
	"github.com/multiformats/go-varint"
)

// BlockReader iterates over the blocks of a CARv1 or CARv2 byte stream, the
// shape snapshot.transcode reads a foreign CAR through before re-emitting it
// as a forest archive.
type BlockReader interface {
	Version() uint64
	Roots() []cid.Cid
	Next() (cid.Cid, []byte, error)
}

// BlockReaderWithSkip additionally supports skipping over a block's payload
// without copying it into memory, used when only offsets are wanted (e.g.
// indexing).
type BlockReaderWithSkip interface {
	BlockReader
	SkipNext() (*BlockMetadata, error)
}

// BlockMetadata is what SkipNext reports about a block it stepped over.
type BlockMetadata struct {
	cid.Cid
	Offset uint64
	Size   uint64
}

// blockReader is the concrete BlockReaderWithSkip returned by NewBlockReader.
// v1Body is the frame source to read block sections from: for a CARv1
// stream it is the caller's reader past the header; for a CARv2 stream it is
// that same reader limited to the inner data payload's declared size.
type blockReader struct {
	version uint64
	roots   []cid.Cid

	v1Body     io.Reader
	offset     uint64
	readerSize int64
	opts       Options
}

// NewBlockReader detects whether r holds a CARv1 or CARv2 stream, reads past
// its header(s), and returns a BlockReaderWithSkip positioned at the first
// block. It returns ErrIsForestArchive if r instead begins with a forest
// archive's skippable-frame marker. A CARv2 stream must come from an r that
// implements io.Seeker; for any other r, NewBlockReader panics on a CARv2
// stream. CARv1 streams are read without seeking.
func NewBlockReader(r io.Reader, opts ...Option) (BlockReaderWithSkip, error) {
	options := ApplyOptions(opts...)

	outer := V1Header{}
	if _, err := outer.ReadFromChecked(r, options.MaxAllowedHeaderSize); err != nil {
		return nil, err
	}

	switch outer.Version {
	case 1:
		return newV1BlockReader(r, outer, options)
	case 2:
		return newV2BlockReader(r, options)
	default:
		return nil, fmt.Errorf("invalid car version: %d", outer.Version)
	}
}

func newV1BlockReader(r io.Reader, header V1Header, opts Options) (*blockReader, error) {
	off, err := header.WriteSize()
	if err != nil {
		return nil, err
	}
	return &blockReader{
		version:    1,
		roots:      header.Roots,
		v1Body:     r,
		offset:     uint64(off),
		readerSize: -1,
		opts:       opts,
	}, nil
}

// newV2BlockReader reads the CARv2-specific header (the pragma was already
// consumed by NewBlockReader), seeks to the inner CARv1 data payload, and
// reads that inner payload's own header to recover the roots.
func newV2BlockReader(r io.Reader, opts Options) (*blockReader, error) {
	v2h := V2Header{}
	if _, err := v2h.ReadFrom(r); err != nil {
		return nil, err
	}

	// r has read V2PragmaSize+V2HeaderSize bytes so far; fast-forward to the
	// declared data offset.
	rs := internalio.ToByteReadSeeker(r)
	if _, err := rs.Seek(int64(v2h.DataOffset)-V2PragmaSize-V2HeaderSize, io.SeekCurrent); err != nil {
		return nil, err
	}

	body := io.LimitReader(r, int64(v2h.DataSize))
	inner := V1Header{}
	if _, err := inner.ReadFromChecked(body, opts.MaxAllowedHeaderSize); err != nil {
		return nil, err
	}
	if inner.Version != 1 {
		return nil, fmt.Errorf("invalid data payload header version; expected 1, got %v", inner.Version)
	}

	return &blockReader{
		version:    2,
		roots:      inner.Roots,
		v1Body:     body,
		offset:     v2h.DataOffset,
		readerSize: int64(v2h.DataOffset + v2h.DataSize),
		opts:       opts,
	}, nil
}

func (br *blockReader) Version() uint64  { return br.version }
func (br *blockReader) Roots() []cid.Cid { return br.roots }

// Next reads the next block, verifying its hash unless the reader was
// constructed with TrustedCAR(true). It returns io.EOF once the underlying
// stream (for CARv1) or the CARv2 data payload (for CARv2) is exhausted, and
// continues to return io.EOF on every subsequent call.
func (br *blockReader) Next() (cid.Cid, []byte, error) {
	c, data, err := ReadSection(br.v1Body, br.opts.ZeroLengthSectionAsEOF, br.opts.MaxAllowedSectionSize)
	if err != nil {
		return cid.Undef, nil, err
	}

	if !br.opts.TrustedCAR {
		hashed, err := c.Prefix().Sum(data)
		if err != nil {
			return cid.Undef, nil, err
		}
		if !hashed.Equals(c) {
			return cid.Undef, nil, fmt.Errorf("mismatch in content integrity, expected: %s, got: %s", c, hashed)
		}
	}

	sectionSize := uint64(c.ByteLen()) + uint64(len(data))
	br.offset += uint64(varint.UvarintSize(sectionSize)) + sectionSize
	return c, data, nil
}

// SkipNext steps over the next block without reading its payload into
// memory when the underlying reader is an io.ReadSeeker (a CARv1 stream read
// from a seekable source); otherwise, which includes every CARv2 stream since
// its payload is read through an io.LimitReader, it discards the bytes by
// copying to io.Discard.
func (br *blockReader) SkipNext() (*BlockMetadata, error) {
	limits := frameLimits{zeroLenAsEOF: br.opts.ZeroLengthSectionAsEOF, maxBytes: br.opts.MaxAllowedSectionSize}
	sectionSize, err := limits.readSize(br.v1Body)
	if err != nil {
		return nil, err
	}
	if sectionSize == 0 {
		_, _, err := cid.CidFromBytes([]byte{})
		return nil, err
	}

	cidLen, c, err := cid.CidFromReader(io.LimitReader(br.v1Body, int64(sectionSize)))
	if err != nil {
		return nil, err
	}
	blockLen := sectionSize - uint64(cidLen)

	if seeker, ok := br.v1Body.(io.ReadSeeker); ok {
		return br.skipBySeek(seeker, c, sectionSize, blockLen)
	}
	return br.skipByDiscard(c, sectionSize, blockLen)
}

func (br *blockReader) skipBySeek(seeker io.ReadSeeker, c cid.Cid, sectionSize, blockLen uint64) (*BlockMetadata, error) {
	if br.readerSize == -1 {
		cur, err := seeker.Seek(0, io.SeekCurrent)
		if err != nil {
			return nil, err
		}
		end, err := seeker.Seek(0, io.SeekEnd)
		if err != nil {
			return nil, err
		}
		br.readerSize = end
		if _, err := seeker.Seek(cur, io.SeekStart); err != nil {
			return nil, err
		}
	}

	finalOffset, err := seeker.Seek(int64(blockLen), io.SeekCurrent)
	if err != nil {
		return nil, err
	}
	if finalOffset != int64(br.offset)+int64(sectionSize)+int64(varint.UvarintSize(sectionSize)) {
		return nil, errors.New("unexpected length")
	}
	if finalOffset > br.readerSize {
		return nil, io.ErrUnexpectedEOF
	}
	br.offset = uint64(finalOffset)
	return &BlockMetadata{
		Cid:    c,
		Offset: uint64(finalOffset) - sectionSize - uint64(varint.UvarintSize(sectionSize)),
		Size:   blockLen,
	}, nil
}

func (br *blockReader) skipByDiscard(c cid.Cid, sectionSize, blockLen uint64) (*BlockMetadata, error) {
	read, err := io.CopyN(io.Discard, br.v1Body, int64(blockLen))
	if err != nil {
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	if read != int64(blockLen) {
		return nil, errors.New("unexpected length")
	}
	origOffset := br.offset
	br.offset += uint64(varint.UvarintSize(sectionSize)) + sectionSize
	return &BlockMetadata{Cid: c, Offset: origOffset, Size: blockLen}, nil
}
