package forest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	car "github.com/ChainSafe/forest"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	blockstore "github.com/ipfs/go-ipfs-blockstore"
	lru "github.com/hashicorp/golang-lru"
	"github.com/klauspost/compress/zstd"
)

// ErrReadOnly mirrors car.ErrReadOnly: a forest car's compressed body is
// never mutated in place, only replaced wholesale by a new archive.
var ErrReadOnly = errors.New("forest: archive is read-only")

// headerOverhead is the size in bytes of the skippable-frame header that
// precedes the index payload: 4 bytes of magic plus a little-endian u32
// payload length.
const headerOverhead = 8

var _ blockstore.Blockstore = (*Archive)(nil)

// Archive is a read-only Blockstore backed by a forest car file: a
// skippable-frame index followed by independent zstd frames. Unlike
// car.PlainBlockstore, reads require decompressing the frame that holds the
// requested block; a per-handle LRU of recently decompressed frames amortizes
// repeated access to the same frame.
//
// Writes behave exactly like car.PlainBlockstore's overlay: blocks not
// already in the embedded index are held in an in-memory cache that is never
// persisted back into the file.
type Archive struct {
	reader    car.RandomAccessReader
	bodyStart uint64

	indexMu sync.RWMutex
	idx     *index

	cacheMu sync.RWMutex
	cache   map[cid.Cid][]byte

	dec       *zstd.Decoder
	frameLRU  *lru.Cache
	frameOnce sync.Mutex // serializes every frame-cache miss (read and decode) across goroutines sharing one *zstd.Decoder
}

// Open builds an Archive over r, which must begin with the forest
// skippable-frame magic. The caller must ensure r refers to immutable data
// for the handle's lifetime, exactly as car.OpenPlainBlockstore requires.
func Open(r car.RandomAccessReader, opts ...Option) (*Archive, error) {
	options := ApplyOptions(opts...)

	var hdr [headerOverhead]byte
	if _, err := r.ReadAt(hdr[:], 0); err != nil {
		return nil, fmt.Errorf("forest: reading header: %w", err)
	}
	payloadLen, err := readSkippableHeaderBytes(hdr[:])
	if err != nil {
		return nil, err
	}

	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := r.ReadAt(payload, headerOverhead); err != nil {
			return nil, fmt.Errorf("forest: reading index payload: %w", err)
		}
	}
	idx, err := decodeIndex(payload)
	if err != nil {
		return nil, err
	}

	dec, err := zstd.NewDecoder(nil)
	if err != nil {
		return nil, fmt.Errorf("forest: creating zstd decoder: %w", err)
	}
	frameLRU, err := lru.New(options.LRUSize)
	if err != nil {
		return nil, fmt.Errorf("forest: creating frame cache: %w", err)
	}

	return &Archive{
		reader:    r,
		bodyStart: headerOverhead + uint64(payloadLen),
		idx:       idx,
		cache:     make(map[cid.Cid][]byte),
		dec:       dec,
		frameLRU:  frameLRU,
	}, nil
}

// readSkippableHeaderBytes validates and decodes an already-read 8-byte
// skippable-frame header, mirroring ReadSkippableFrameHeader for callers
// that already have the bytes in hand (Open reads them via ReadAt rather
// than an io.Reader).
func readSkippableHeaderBytes(hdr []byte) (uint32, error) {
	if hdr[0] != SkippableFrameMagic[0] || hdr[1] != SkippableFrameMagic[1] ||
		hdr[2] != SkippableFrameMagic[2] || hdr[3] != SkippableFrameMagic[3] {
		return 0, ErrNotForestCar
	}
	return uint32(hdr[4]) | uint32(hdr[5])<<8 | uint32(hdr[6])<<16 | uint32(hdr[7])<<24, nil
}

// Roots returns the root CIDs carried in the embedded index.
func (a *Archive) Roots() []cid.Cid { return a.idx.Roots }

// IsValid opens r far enough to check that it carries a well-formed forest
// index: the skippable header decodes, the payload decodes to a non-empty
// root set, and (when size is known) every recorded location falls within
// the archive. A negative or zero size skips the bounds check, since not
// every caller has a cheap way to learn the file's length.
func IsValid(r car.RandomAccessReader, size int64) bool {
	a, err := Open(r)
	if err != nil {
		return false
	}
	if size <= 0 {
		return true
	}
	for _, loc := range a.idx.Locations {
		frameLen, ok := a.idx.frameLength(loc.FrameOffset)
		if !ok {
			return false
		}
		if int64(a.bodyStart+loc.FrameOffset+uint64(frameLen)) > size {
			return false
		}
	}
	return true
}

func (a *Archive) decompressFrame(frameOffset uint64) ([]byte, error) {
	if v, ok := a.frameLRU.Get(frameOffset); ok {
		return v.([]byte), nil
	}

	// A single mutex covers the rest of this function, including the
	// DecodeAll call, so misses are handled one at a time even when they
	// are for different frames. The second LRU lookup under the lock keeps
	// two goroutines that missed on the same frame from decoding it twice.
	a.frameOnce.Lock()
	defer a.frameOnce.Unlock()
	if v, ok := a.frameLRU.Get(frameOffset); ok {
		return v.([]byte), nil
	}

	frameLen, ok := a.idx.frameLength(frameOffset)
	if !ok {
		return nil, fmt.Errorf("forest: no frame recorded at offset %d", frameOffset)
	}
	compressed := make([]byte, frameLen)
	if _, err := a.reader.ReadAt(compressed, int64(a.bodyStart+frameOffset)); err != nil {
		return nil, fmt.Errorf("forest: reading compressed frame: %w", err)
	}
	decompressed, err := a.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("forest: decompressing frame: %w", err)
	}
	a.frameLRU.Add(frameOffset, decompressed)
	return decompressed, nil
}

func (a *Archive) get(k cid.Cid) ([]byte, error) {
	a.indexMu.RLock()
	loc, onDisk := a.idx.Locations[k]
	a.indexMu.RUnlock()

	a.cacheMu.RLock()
	cached, inCache := a.cache[k]
	a.cacheMu.RUnlock()

	switch {
	case onDisk && inCache:
		a.cacheMu.Lock()
		delete(a.cache, k)
		a.cacheMu.Unlock()
		return cached, nil
	case onDisk:
		frame, err := a.decompressFrame(loc.FrameOffset)
		if err != nil {
			return nil, err
		}
		end := loc.Inner.Offset + uint64(loc.Inner.Length)
		if end > uint64(len(frame)) {
			return nil, fmt.Errorf("forest: block window [%d:%d) exceeds decompressed frame of %d bytes", loc.Inner.Offset, end, len(frame))
		}
		return frame[loc.Inner.Offset:end], nil
	case inCache:
		return cached, nil
	default:
		return nil, nil
	}
}

// Get implements blockstore.Blockstore.
func (a *Archive) Get(k cid.Cid) (blocks.Block, error) {
	data, err := a.get(k)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, blockstore.ErrNotFound
	}
	return blocks.NewBlockWithCid(data, k)
}

// Has implements blockstore.Blockstore.
func (a *Archive) Has(k cid.Cid) (bool, error) {
	data, err := a.get(k)
	if err != nil {
		return false, err
	}
	return data != nil, nil
}

// GetSize implements blockstore.Blockstore.
func (a *Archive) GetSize(k cid.Cid) (int, error) {
	data, err := a.get(k)
	if err != nil {
		return -1, err
	}
	if data == nil {
		return -1, blockstore.ErrNotFound
	}
	return len(data), nil
}

func (a *Archive) putKeyed(k cid.Cid, block []byte) error {
	a.indexMu.Lock()
	defer a.indexMu.Unlock()
	a.cacheMu.Lock()
	defer a.cacheMu.Unlock()

	if _, onDisk := a.idx.Locations[k]; onDisk {
		return nil
	}
	if existing, ok := a.cache[k]; ok {
		if string(existing) == string(block) {
			return nil
		}
		panic(fmt.Sprintf("forest: mismatched content on second write for cid %s", k))
	}
	a.cache[k] = append([]byte(nil), block...)
	return nil
}

// Put implements blockstore.Blockstore.
func (a *Archive) Put(b blocks.Block) error { return a.putKeyed(b.Cid(), b.RawData()) }

// PutMany implements blockstore.Blockstore.
func (a *Archive) PutMany(bs []blocks.Block) error {
	for _, b := range bs {
		if err := a.putKeyed(b.Cid(), b.RawData()); err != nil {
			return err
		}
	}
	return nil
}

// DeleteBlock is unsupported: see car.PlainBlockstore.DeleteBlock.
func (a *Archive) DeleteBlock(cid.Cid) error { return ErrReadOnly }

// AllKeysChan implements blockstore.Blockstore, yielding the CIDs recorded in
// the embedded index (not the transient write overlay).
func (a *Archive) AllKeysChan(ctx context.Context) (<-chan cid.Cid, error) {
	a.indexMu.RLock()
	keys := make([]cid.Cid, 0, len(a.idx.Locations))
	for k := range a.idx.Locations {
		keys = append(keys, k)
	}
	a.indexMu.RUnlock()

	ch := make(chan cid.Cid)
	go func() {
		defer close(ch)
		for _, k := range keys {
			select {
			case ch <- k:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// HashOnRead is a no-op; see car.PlainBlockstore.HashOnRead.
func (a *Archive) HashOnRead(bool) {}
