package car

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/ipfs/go-cid"
	internalio "github.com/ChainSafe/forest/internal/io"
	"github.com/ipld/go-ipld-prime"
	"github.com/ipld/go-ipld-prime/codec/dagcbor"
	"github.com/ipld/go-ipld-prime/node/bindnode"
	"github.com/ipld/go-ipld-prime/schema"
	"github.com/multiformats/go-varint"
)

// ErrSectionTooLarge is returned when the length of a section exceeds the
// maximum allowed size.
var ErrSectionTooLarge = errors.New("invalid section data, length of read beyond allowable maximum")

// ErrHeaderTooLarge is returned when the length of a header exceeds the
// maximum allowed size.
var ErrHeaderTooLarge = errors.New("invalid header data, length of read beyond allowable maximum")

// ErrIsForestArchive is returned by the plain CARv1/CARv2 readers (V1Header,
// NewBlockReader, BuildIndex) when the byte source actually begins with this
// engine's own compressed archive marker instead of a CARv1 pragma. Open it
// with forest.Open instead.
var ErrIsForestArchive = errors.New("car: source is a forest archive, not a plain CAR")

// ForestMagic is the 4-byte little-endian zstd-skippable-frame magic that
// opens a forest archive. It is declared here, at the base of the frame
// codec, so that both the plain reader (which must refuse to misparse it as
// a CARv1 varint) and the forest package (which writes and recognizes it)
// share one definition.
var ForestMagic = [4]byte{0x50, 0x2a, 0x4d, 0x18}

// forestMagicPeekSize bounds how many bytes the plain-CAR entry points peek
// ahead before committing to a varint/DAG-CBOR decode; it only needs to
// cover ForestMagic.
const forestMagicPeekSize = len(ForestMagic)

// peekForestMagic reads up to forestMagicPeekSize bytes from r to test for
// ForestMagic and returns a reader that replays exactly those bytes ahead of
// whatever remains of r. Unlike a bufio.Reader, it never reads more from r
// than the bytes it reports consuming, so a caller that keeps using the
// returned reader (or, after this call, r's continuation via another frame
// read) never loses data to an over-eager internal buffer.
func peekForestMagic(r io.Reader) (rejoined io.Reader, isForest bool, err error) {
	peek := make([]byte, forestMagicPeekSize)
	n, err := io.ReadFull(r, peek)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, false, err
	}
	rejoined = io.MultiReader(bytes.NewReader(peek[:n]), r)
	isForest = n == forestMagicPeekSize && bytes.Equal(peek, ForestMagic[:])
	return rejoined, isForest, nil
}

// V1HeaderSchema is the IPLD schema for the CARv1 header.
//
// CarV1HeaderOrV2Pragma is a more relaxed form, and can parse {version:x} where
// roots are optional. This is typically useful for the {verison:2} CARv2
// pragma.
//
// CarV1Header is the strict form of the header, and requires roots to be
// present. This is compatible with the CARv1 specification.
const V1HeaderSchema = `
type CarV1HeaderOrV2Pragma struct {
	roots optional [&Any]
	# roots is _not_ optional for CarV1 but we defer that check within code to
	# gracefully handle the V2 case where it's just {version:X}
	version Int
}

type CarV1Header struct {
	roots [&Any]
	version Int
}
`

var v1HeaderPrototype schema.TypedPrototype
var v1HeaderOrPragmaPrototype schema.TypedPrototype

// V1Header is the decoded form of a CARv1 header, or of the CARv2 pragma
// (version 2, no roots).
type V1Header struct {
	Roots   []cid.Cid
	Version uint64
}

// Matches checks whether two headers match.
// Two headers are considered matching if:
//  1. They have the same version number, and
//  2. They contain the same root CIDs in any order.
//
// Note, this function explicitly ignores the order of roots.
// If order of roots matter use reflect.DeepEqual instead.
func (h V1Header) Matches(other V1Header) bool {
	if h.Version != other.Version {
		return false
	}
	if len(h.Roots) != len(other.Roots) {
		return false
	}
	// Headers with a single root are popular; fast-path them.
	if len(h.Roots) == 1 {
		return h.Roots[0].Equals(other.Roots[0])
	}
	for _, r := range h.Roots {
		if !other.containsRoot(r) {
			return false
		}
	}
	return true
}

func (h *V1Header) containsRoot(root cid.Cid) bool {
	for _, r := range h.Roots {
		if r.Equals(root) {
			return true
		}
	}
	return false
}

// frameLimits bundles the two read-time guards every length-prefixed frame
// decode (header or block section) needs, so the option pair travels as one
// value instead of two positional parameters threaded through every helper.
type frameLimits struct {
	zeroLenAsEOF bool
	maxBytes     uint64
}

func (l frameLimits) readSize(r io.Reader) (uint64, error) {
	size, err := varint.ReadUvarint(internalio.ToByteReader(r))
	if err != nil {
		if size > 0 && err == io.EOF {
			return 0, io.ErrUnexpectedEOF
		}
		return 0, err
	}
	if size == 0 && l.zeroLenAsEOF {
		return 0, io.EOF
	}
	if size > l.maxBytes {
		return 0, ErrSectionTooLarge
	}
	return size, nil
}

func (l frameLimits) read(r io.Reader) ([]byte, error) {
	size, err := l.readSize(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func headerLimits(maxReadBytes uint64) frameLimits {
	return frameLimits{zeroLenAsEOF: false, maxBytes: maxReadBytes}
}

func frameEncodedSize(parts ...[]byte) int64 {
	var sum int64
	for _, p := range parts {
		sum += int64(len(p))
	}
	return sum + int64(varint.UvarintSize(uint64(sum)))
}

// LengthPrefixedWrite writes the given data to the writer prefixed by the
// length of the data in bytes encoded as a varint. Multiple data slices can be
// passed in and they will be concatenated together.
//
// A standard CARv1 section concatenates the bytes of a CID and the bytes of the
// block data, e.g.: LengthPrefixedWrite(w, cid.Bytes(), data).
func LengthPrefixedWrite(w io.Writer, d ...[]byte) error {
	var sum uint64
	for _, s := range d {
		sum += uint64(len(s))
	}

	buf := make([]byte, 8)
	n := varint.PutUvarint(buf, sum)
	if _, err := w.Write(buf[:n]); err != nil {
		return err
	}
	for _, s := range d {
		if _, err := w.Write(s); err != nil {
			return err
		}
	}
	return nil
}

// ReadSection reads a length-prefixed (CID, data) block section from r.
func ReadSection(r io.Reader, zeroLenAsEOF bool, maxReadBytes uint64) (cid.Cid, []byte, error) {
	data, err := (frameLimits{zeroLenAsEOF: zeroLenAsEOF, maxBytes: maxReadBytes}).read(r)
	if err != nil {
		return cid.Cid{}, nil, err
	}
	n, c, err := cid.CidFromBytes(data)
	if err != nil {
		return cid.Cid{}, nil, err
	}
	return c, data[n:], nil
}

// readHeaderBytes does the shared work of ReadFromUnchecked/ReadFromChecked:
// refuse a forest archive outright, then pull the length-prefixed frame body
// that the caller will decode as DAG-CBOR.
func readHeaderBytes(r io.Reader, maxReadBytes uint64) (*internalio.CountingReader, []byte, error) {
	rejoined, isForest, err := peekForestMagic(r)
	if err != nil {
		return nil, nil, err
	}
	if isForest {
		return nil, nil, ErrIsForestArchive
	}
	cr := internalio.NewCountingReader(rejoined)
	hb, err := headerLimits(maxReadBytes).read(cr)
	if err != nil {
		if err == ErrSectionTooLarge {
			err = ErrHeaderTooLarge
		}
		return cr, nil, err
	}
	return cr, hb, nil
}

// ReadFromUnchecked populates fields of this header from the given r. It
// returns ErrHeaderTooLarge if the header is larger than maxReadBytes; a zero
// maxReadBytes therefore rejects every header.
//
// This method does not fully validate the header. Use ReadFromChecked to
// validate the header's version and roots fields. This method will only
// validate according to the CarV1HeaderOrV2Pragma type in the V1HeaderSchema.
func (h *V1Header) ReadFromUnchecked(r io.Reader, maxReadBytes uint64) (int64, error) {
	cr, hb, err := readHeaderBytes(r, maxReadBytes)
	if err != nil {
		if cr == nil {
			return 0, err
		}
		return cr.Count(), err
	}

	node, err := ipld.DecodeUsingPrototype(hb, dagcbor.Decode, v1HeaderOrPragmaPrototype)
	if err != nil {
		return cr.Count(), fmt.Errorf("invalid header: %w", err)
	}
	header := bindnode.Unwrap(node).(*V1Header)
	*h = *header
	return cr.Count(), nil
}

// ReadFromChecked populates fields of this header from the given r. It
// returns ErrHeaderTooLarge if the header is larger than maxReadBytes; a zero
// maxReadBytes therefore rejects every header. Use DefaultMaxAllowedHeaderSize
// to set a reasonable default. A version 1 header with an absent or empty
// roots list is rejected.
func (h *V1Header) ReadFromChecked(r io.Reader, maxReadBytes uint64) (int64, error) {
	cr, hb, err := readHeaderBytes(r, maxReadBytes)
	if err != nil {
		if cr == nil {
			return 0, err
		}
		return cr.Count(), err
	}

	bareNode, err := ipld.Decode(hb, dagcbor.Decode)
	if err != nil {
		return cr.Count(), fmt.Errorf("invalid header: %w", err)
	}
	nb := v1HeaderOrPragmaPrototype.NewBuilder()
	if err := nb.AssignNode(bareNode); err != nil {
		return cr.Count(), fmt.Errorf("invalid header: %w", err)
	}
	node := nb.Build()
	header := bindnode.Unwrap(node).(*V1Header)
	switch header.Version {
	case 1:
		roots, err := bareNode.LookupByString("roots")
		if err != nil || roots.Length() < 1 {
			return cr.Count(), fmt.Errorf("invalid header: no roots")
		}
	case 2:
	default:
		return cr.Count(), fmt.Errorf("invalid car version: %d", header.Version)
	}
	*h = *header
	return cr.Count(), nil
}

// ReadFrom populates fields of this header from the given r. It is an alias for
// ReadFromChecked but uses DefaultMaxAllowedHeaderSize.
func (h *V1Header) ReadFrom(r io.Reader) (int64, error) {
	return h.ReadFromChecked(r, DefaultMaxAllowedHeaderSize)
}

func (h V1Header) WriteTo(w io.Writer) (int64, error) {
	byts, err := headerBytes(h)
	if err != nil {
		return 0, err
	}
	cw := internalio.NewCountingWriter(w)
	err = LengthPrefixedWrite(cw, byts)
	return cw.Count(), err
}

func headerBytes(h V1Header) ([]byte, error) {
	node := bindnode.Wrap(&h, v1HeaderPrototype.Type())
	return ipld.Encode(node.Representation(), dagcbor.Encode)
}

// WriteSize reports how many bytes WriteTo would write, without writing them.
func (h V1Header) WriteSize() (int64, error) {
	byts, err := headerBytes(h)
	if err != nil {
		return 0, err
	}
	return frameEncodedSize(byts), nil
}

func init() {
	ts, err := ipld.LoadSchemaBytes([]byte(V1HeaderSchema))
	if err != nil {
		panic(err)
	}
	schemaType := ts.TypeByName("CarV1Header")
	v1HeaderPrototype = bindnode.Prototype((*V1Header)(nil), schemaType)
	schemaType = ts.TypeByName("CarV1HeaderOrV2Pragma")
	v1HeaderOrPragmaPrototype = bindnode.Prototype((*V1Header)(nil), schemaType)
}
