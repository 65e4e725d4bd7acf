package car

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/ipfs/go-cid"
	internalio "github.com/ChainSafe/forest/internal/io"
	"github.com/multiformats/go-multicodec"
	"github.com/multiformats/go-multihash"
	"github.com/multiformats/go-varint"
)

const (
	// V2PragmaSize is the size of the CARv2 pragma in bytes.
	V2PragmaSize = 11
	// V2HeaderSize is the fixed size of the CARv2 header in bytes.
	V2HeaderSize = 40
	// V2CharacteristicsSize is the fixed size of the Characteristics
	// bitfield within a CARv2 header, in bytes.
	V2CharacteristicsSize = 16
)

// V2Pragma is the pragma of a CARv2: a valid CARv1 header with version
// number 2 and no roots, length-prefixed like any other CARv1 frame.
var V2Pragma = []byte{
	0x0a,                                     // uint(10)
	0xa1,                                     // map(1)
	0x67,                                     // string(7)
	0x76, 0x65, 0x72, 0x73, 0x69, 0x6f, 0x6e, // "version"
	0x02, // uint(2)
}

// Characteristics is the 128-bit reserved bitfield in a CARv2 header. This
// engine neither sets nor reads any of its bits; it is round-tripped purely
// so V2Header.WriteTo/ReadFrom produce byte-identical headers to any other
// CARv2 implementation.
type Characteristics struct {
	Hi uint64
	Lo uint64
}

func (c Characteristics) WriteTo(w io.Writer) (int64, error) {
	var buf [V2CharacteristicsSize]byte
	binary.LittleEndian.PutUint64(buf[:8], c.Hi)
	binary.LittleEndian.PutUint64(buf[8:], c.Lo)
	n, err := w.Write(buf[:])
	return int64(n), err
}

func (c *Characteristics) ReadFrom(r io.Reader) (int64, error) {
	var buf [V2CharacteristicsSize]byte
	n, err := io.ReadFull(r, buf[:])
	if err != nil {
		return int64(n), err
	}
	c.Hi = binary.LittleEndian.Uint64(buf[:8])
	c.Lo = binary.LittleEndian.Uint64(buf[8:])
	return int64(n), nil
}

// V2Header is the 40-byte fixed header that follows the CARv2 pragma,
// locating the inner CARv1 data payload (and, if present, an index this
// engine does not consume; see Inspect).
type V2Header struct {
	Characteristics Characteristics
	// DataOffset is the byte offset, from the start of the CARv2 stream, of
	// the first byte of the CARv1 data payload.
	DataOffset uint64
	// DataSize is the byte length of the CARv1 data payload.
	DataSize uint64
	// IndexOffset is the byte offset of the index section, or 0 if absent.
	IndexOffset uint64
}

// NewV2Header builds a header for a CARv1 payload of dataSize bytes placed
// immediately after the pragma and header, with no index.
func NewV2Header(dataSize uint64) V2Header {
	return V2Header{
		DataOffset: uint64(V2PragmaSize + V2HeaderSize),
		DataSize:   dataSize,
	}
}

func (h V2Header) WriteTo(w io.Writer) (n int64, err error) {
	wn, err := h.Characteristics.WriteTo(w)
	n += wn
	if err != nil {
		return n, err
	}
	var buf [24]byte
	binary.LittleEndian.PutUint64(buf[:8], h.DataOffset)
	binary.LittleEndian.PutUint64(buf[8:16], h.DataSize)
	binary.LittleEndian.PutUint64(buf[16:], h.IndexOffset)
	wn2, err := w.Write(buf[:])
	n += int64(wn2)
	return n, err
}

func (h *V2Header) ReadFrom(r io.Reader) (int64, error) {
	n, err := h.Characteristics.ReadFrom(r)
	if err != nil {
		return n, err
	}
	var buf [24]byte
	rn, err := io.ReadFull(r, buf[:])
	n += int64(rn)
	if err != nil {
		return n, err
	}

	dataOffset := binary.LittleEndian.Uint64(buf[:8])
	dataSize := binary.LittleEndian.Uint64(buf[8:16])
	indexOffset := binary.LittleEndian.Uint64(buf[16:])

	if int64(dataOffset) < V2PragmaSize+V2HeaderSize {
		return n, fmt.Errorf("invalid data payload offset: %v", dataOffset)
	}
	// A valid CARv1 header with no roots is at least 11 bytes; further
	// parsing of the inner header will reject anything smaller.
	if int64(dataSize) <= 0 {
		return n, fmt.Errorf("invalid data payload size: %v", dataSize)
	}
	if int64(indexOffset) < 0 {
		return n, fmt.Errorf("invalid index offset: %v", indexOffset)
	}

	h.DataOffset = dataOffset
	h.DataSize = dataSize
	h.IndexOffset = indexOffset
	return n, nil
}

// payloadReader is what Inspect's scan needs from the data section: forward
// reads plus the ability to seek past a block it isn't hashing.
type payloadReader interface {
	io.Reader
	io.Seeker
	io.ReaderAt
}

// V2Reader reads either a CARv1 or a CARv2 stream, exposing the inner CARv1
// data payload uniformly through DataReader regardless of which it is.
type V2Reader struct {
	Header  V2Header
	Version uint64

	r    io.ReaderAt
	opts Options
}

// NewV2Reader inspects r's version and, for a CARv2 stream, its header, then
// returns a reader positioned to serve the inner CARv1 payload. Any other
// version is an error. It returns ErrIsForestArchive if r instead holds a
// forest archive.
func NewV2Reader(r io.ReaderAt, opts ...Option) (*V2Reader, error) {
	cr := &V2Reader{r: r, opts: ApplyOptions(opts...)}

	or, err := internalio.NewOffsetReadSeeker(r, 0)
	if err != nil {
		return nil, err
	}
	cr.Version, err = ReadVersion(or, cr.opts.MaxAllowedHeaderSize)
	if err != nil {
		return nil, err
	}

	switch cr.Version {
	case 1:
	case 2:
		if err := cr.readHeader(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("invalid car version: %d", cr.Version)
	}
	return cr, nil
}

func (r *V2Reader) readHeader() error {
	_, err := r.Header.ReadFrom(io.NewSectionReader(r.r, V2PragmaSize, V2HeaderSize))
	return err
}

// DataReader returns the CARv1 data payload: bounded to its declared size
// for a CARv2 source, or the whole stream for a CARv1 source.
func (r *V2Reader) DataReader() (payloadReader, error) {
	if r.Version == 2 {
		return io.NewSectionReader(r.r, int64(r.Header.DataOffset), int64(r.Header.DataSize)), nil
	}
	return internalio.NewOffsetReadSeeker(r.r, 0)
}

// Stats summarizes a scan of a CAR's block sections, returned by Inspect.
type Stats struct {
	Version        uint64
	Header         V2Header
	Roots          []cid.Cid
	RootsPresent   bool
	BlockCount     uint64
	CodecCounts    map[multicodec.Code]uint64
	MhTypeCounts   map[multicodec.Code]uint64
	AvgCidLength   uint64
	MaxCidLength   uint64
	MinCidLength   uint64
	AvgBlockLength uint64
	MaxBlockLength uint64
	MinBlockLength uint64
}

// Inspect scans every block section of the CAR, optionally verifying each
// block's hash against its CID, and returns summary Stats.
//
// The CARv2 index, when present, is not read: this engine's own indexer
// (BuildIndex, or the forest package's embedded index for compressed
// archives) is authoritative, and an external index is at best advisory.
func (r *V2Reader) Inspect(validateBlockHash bool) (Stats, error) {
	dr, err := r.DataReader()
	if err != nil {
		return Stats{}, err
	}

	header := V1Header{}
	if _, err := header.ReadFromChecked(dr, r.opts.MaxAllowedHeaderSize); err != nil {
		return Stats{}, err
	}

	stats := Stats{
		Version:      r.Version,
		Header:       r.Header,
		Roots:        header.Roots,
		CodecCounts:  make(map[multicodec.Code]uint64),
		MhTypeCounts: make(map[multicodec.Code]uint64),
	}
	scan := sectionScan{
		opts:        r.opts,
		roots:       header.Roots,
		rootSeen:    make([]bool, len(header.Roots)),
		minCidLen:   math.MaxUint64,
		minBlockLen: math.MaxUint64,
	}
	if err := scan.run(dr, &stats, validateBlockHash); err != nil {
		return Stats{}, err
	}
	scan.finalize(&stats)
	return stats, nil
}

// sectionScan holds the running totals Inspect's section walk needs, kept
// apart from Stats so Stats itself stays a plain value the caller can copy.
type sectionScan struct {
	opts     Options
	roots    []cid.Cid
	rootSeen []bool
	rootsHit int

	totalCidLen, totalBlockLen uint64
	minCidLen, maxCidLen       uint64
	minBlockLen, maxBlockLen   uint64
}

func (s *sectionScan) run(dr payloadReader, stats *Stats, validateBlockHash bool) error {
	bdr := internalio.ToByteReader(dr)

	for {
		sectionLen, err := varint.ReadUvarint(bdr)
		if err != nil {
			if err == io.EOF {
				if sectionLen > 0 {
					return io.ErrUnexpectedEOF
				}
				return nil
			}
			return err
		}
		if sectionLen == 0 && s.opts.ZeroLengthSectionAsEOF {
			return nil
		}
		if sectionLen > s.opts.MaxAllowedSectionSize {
			return ErrSectionTooLarge
		}

		cidLen, c, err := cid.CidFromReader(dr)
		if err != nil {
			return err
		}
		if sectionLen < uint64(cidLen) {
			return errors.New("section length shorter than CID length")
		}
		blockLen := sectionLen - uint64(cidLen)

		s.markRoot(c)
		s.countCodec(c, stats)

		if validateBlockHash {
			if err := verifyBlockHash(dr, c, blockLen); err != nil {
				return err
			}
		} else if _, err := dr.Seek(int64(blockLen), io.SeekCurrent); err != nil {
			return err
		}

		stats.BlockCount++
		s.accumulate(uint64(cidLen), blockLen)
	}
}

func (s *sectionScan) markRoot(c cid.Cid) {
	if s.rootsHit >= len(s.roots) {
		return
	}
	for i, root := range s.roots {
		if !s.rootSeen[i] && c == root {
			s.rootSeen[i] = true
			s.rootsHit++
			return
		}
	}
}

func (s *sectionScan) countCodec(c cid.Cid, stats *Stats) {
	prefix := c.Prefix()
	stats.CodecCounts[multicodec.Code(prefix.Codec)]++
	stats.MhTypeCounts[multicodec.Code(prefix.MhType)]++
}

func (s *sectionScan) accumulate(cidLen, blockLen uint64) {
	s.totalCidLen += cidLen
	s.totalBlockLen += blockLen
	if cidLen < s.minCidLen {
		s.minCidLen = cidLen
	}
	if cidLen > s.maxCidLen {
		s.maxCidLen = cidLen
	}
	if blockLen < s.minBlockLen {
		s.minBlockLen = blockLen
	}
	if blockLen > s.maxBlockLen {
		s.maxBlockLen = blockLen
	}
}

func (s *sectionScan) finalize(stats *Stats) {
	stats.RootsPresent = len(s.roots) == s.rootsHit
	stats.MaxCidLength = s.maxCidLen
	stats.MaxBlockLength = s.maxBlockLen
	if stats.BlockCount == 0 {
		return
	}
	stats.MinCidLength = s.minCidLen
	stats.MinBlockLength = s.minBlockLen
	stats.AvgCidLength = s.totalCidLen / stats.BlockCount
	stats.AvgBlockLength = s.totalBlockLen / stats.BlockCount
}

// verifyBlockHash hashes exactly blockLen bytes from dr and confirms the
// digest matches c, without buffering the whole block into memory.
func verifyBlockHash(dr io.Reader, c cid.Cid, blockLen uint64) error {
	prefix := c.Prefix()
	mhLen := prefix.MhLength
	if multicodec.Code(prefix.MhType) == multicodec.Identity {
		mhLen = -1
	}
	mh, err := multihash.SumStream(io.LimitReader(dr, int64(blockLen)), prefix.MhType, mhLen)
	if err != nil {
		return err
	}
	var got cid.Cid
	switch prefix.Version {
	case 0:
		got = cid.NewCidV0(mh)
	case 1:
		got = cid.NewCidV1(prefix.Codec, mh)
	default:
		return fmt.Errorf("invalid cid version: %d", prefix.Version)
	}
	if !got.Equals(c) {
		return fmt.Errorf("mismatch in content integrity, expected: %s, got: %s", c, got)
	}
	return nil
}

// ReadVersion reads the version field from the initial bytes of r, which may
// be a CARv1 header or a CARv2 pragma (both decode as a V1Header).
func ReadVersion(r io.Reader, maxReadBytes uint64) (uint64, error) {
	header := V1Header{}
	if _, err := header.ReadFromUnchecked(r, maxReadBytes); err != nil {
		return 0, err
	}
	return header.Version, nil
}
