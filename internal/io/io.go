// Package io holds small reader/writer adapters shared by the frame codec,
// indexer and forest codec. None of this is part of the public API.
package io

import "io"

// byteReader adapts an io.Reader to io.ByteReader by reading one byte at a
// time. Used only where the underlying reader doesn't already implement it,
// since varint decoding requires io.ByteReader.
type byteReader struct {
	io.Reader
}

func (br byteReader) ReadByte() (byte, error) {
	var p [1]byte
	_, err := io.ReadFull(br.Reader, p[:])
	return p[0], err
}

// ToByteReader returns r as an io.ByteReader, wrapping it only if necessary.
func ToByteReader(r io.Reader) io.ByteReader {
	if br, ok := r.(io.ByteReader); ok {
		return br
	}
	return byteReader{r}
}

type byteReadSeeker struct {
	io.ReadSeeker
}

func (br byteReadSeeker) ReadByte() (byte, error) {
	var p [1]byte
	_, err := io.ReadFull(br.ReadSeeker, p[:])
	return p[0], err
}

// ToByteReadSeeker returns r as a combined io.ByteReader and io.ReadSeeker.
func ToByteReadSeeker(r io.Reader) interface {
	io.ByteReader
	io.ReadSeeker
} {
	rs, ok := r.(io.ReadSeeker)
	if !ok {
		// The caller only uses this when r is known to support seeking
		// (e.g. it was obtained from an io.ReaderAt-backed source), so a
		// failed assertion here indicates a programmer error upstream.
		panic("ToByteReadSeeker: underlying reader does not support Seek")
	}
	return byteReadSeeker{rs}
}

// offsetReadSeeker is an io.ReadSeeker over an io.ReaderAt, starting at a
// given base offset. Unlike io.SectionReader it has no upper bound, which
// suits reading open-ended CARv1 payloads out of a CARv2 or forest-car file.
type offsetReadSeeker struct {
	r      io.ReaderAt
	base   int64
	offset int64
}

// NewOffsetReadSeeker returns a ReadSeeker that reads r starting at the given
// offset, treating that offset as its own position zero.
func NewOffsetReadSeeker(r io.ReaderAt, offset int64) (*offsetReadSeeker, error) {
	return &offsetReadSeeker{r: r, base: offset, offset: offset}, nil
}

func (ors *offsetReadSeeker) Read(p []byte) (int, error) {
	n, err := ors.r.ReadAt(p, ors.offset)
	ors.offset += int64(n)
	return n, err
}

func (ors *offsetReadSeeker) ReadAt(p []byte, off int64) (int, error) {
	return ors.r.ReadAt(p, ors.base+off)
}

func (ors *offsetReadSeeker) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		ors.offset = ors.base + offset
	case io.SeekCurrent:
		ors.offset += offset
	case io.SeekEnd:
		return 0, io.ErrUnexpectedEOF // size of the underlying ReaderAt is unknown here
	}
	return ors.offset - ors.base, nil
}

// offsetReader is a forward-only reader over an io.ReaderAt that tracks its
// own position, for sequential scans that don't need full Seek support.
// Nothing in this module constructs one; the indexer uses its own cursor.
type offsetReader struct {
	r      io.ReaderAt
	offset int64
}

// NewOffsetReader returns a reader over r starting at offset.
func NewOffsetReader(r io.ReaderAt, offset int64) *offsetReader {
	return &offsetReader{r: r, offset: offset}
}

func (r *offsetReader) Read(p []byte) (int, error) {
	n, err := r.r.ReadAt(p, r.offset)
	r.offset += int64(n)
	return n, err
}

func (r *offsetReader) ReadByte() (byte, error) {
	var p [1]byte
	_, err := r.Read(p[:])
	return p[0], err
}

// Offset returns the reader's current position.
func (r *offsetReader) Offset() int64 {
	return r.offset
}

// SeekOffset repositions the reader without performing a read.
func (r *offsetReader) SeekOffset(offset int64) {
	r.offset = offset
}

type readerAtFromSeeker struct {
	io.ReadSeeker
}

func (r readerAtFromSeeker) ReadAt(p []byte, off int64) (int, error) {
	if _, err := r.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	return io.ReadFull(r, p)
}

// ToReaderAt adapts an io.ReadSeeker to io.ReaderAt. Every call seeks, so
// this is unsuitable for concurrent use. Nothing in this module calls it.
func ToReaderAt(rs io.ReadSeeker) io.ReaderAt {
	return readerAtFromSeeker{rs}
}

// CountingReader wraps an io.Reader, counting the bytes read through it.
type CountingReader struct {
	r io.Reader
	n int64
}

// NewCountingReader returns a CountingReader wrapping r.
func NewCountingReader(r io.Reader) *CountingReader {
	return &CountingReader{r: r}
}

func (cr *CountingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

// ReadByte implements io.ByteReader by delegating through Read.
func (cr *CountingReader) ReadByte() (byte, error) {
	var p [1]byte
	_, err := cr.Read(p[:])
	return p[0], err
}

// Count returns the number of bytes read so far.
func (cr *CountingReader) Count() int64 {
	return cr.n
}

// CountingWriter wraps an io.Writer, counting the bytes written through it.
type CountingWriter struct {
	w io.Writer
	n int64
}

// NewCountingWriter returns a CountingWriter wrapping w.
func NewCountingWriter(w io.Writer) *CountingWriter {
	return &CountingWriter{w: w}
}

func (cw *CountingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

// Count returns the number of bytes written so far.
func (cw *CountingWriter) Count() int64 {
	return cw.n
}
