package car

import (
	"context"
	"errors"
	"fmt"
	"sync"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	blockstore "github.com/ipfs/go-ipfs-blockstore"
)

// ErrReadOnly is returned by PlainBlockstore write operations that this
// store does not support in its current configuration.
var ErrReadOnly = errors.New("car: blockstore is read-only")

var _ blockstore.Blockstore = (*PlainBlockstore)(nil)

// RandomAccessReader is the minimal capability PlainBlockstore needs from
// its backing file: random-access reads at arbitrary offsets. *os.File and
// golang.org/x/exp/mmap.ReaderAt both satisfy it.
type RandomAccessReader interface {
	ReadAt(p []byte, off int64) (int, error)
}

// PlainBlockstore is a Blockstore backed directly by an uncompressed CARv1
// or CARv2 file. On construction it builds an in-memory Index of the CIDs
// in the file and their byte offsets; blocks are then read lazily,
// on-demand, straight off disk.
//
// Blocks written via Put/PutMany that are not already present in the
// on-disk Index are held in an in-memory overlay. The overlay is not
// persisted; callers that need durability should route writes through a
// forest.Writer instead.
//
// Locks are always acquired index-then-cache, in both Get and Put, since
// acquiring them in different orders from different goroutines would
// deadlock.
type PlainBlockstore struct {
	reader RandomAccessReader

	indexMu sync.RWMutex
	index   Index

	cacheMu sync.RWMutex
	cache   map[cid.Cid][]byte

	version uint64
	header  V1Header
}

// OpenPlainBlockstore builds a PlainBlockstore over r. The caller is
// responsible for ensuring r refers to immutable data for as long as the
// returned store is in use; concurrent mutation of the backing file is not
// detected and will produce unspecified results.
func OpenPlainBlockstore(r RandomAccessReader, opts ...Option) (*PlainBlockstore, error) {
	options := ApplyOptions(opts...)
	idx, header, version, err := BuildIndex(readerAtAdapter{r}, options)
	if err != nil {
		return nil, err
	}
	return &PlainBlockstore{
		reader:  r,
		index:   idx,
		cache:   make(map[cid.Cid][]byte),
		version: version,
		header:  header,
	}, nil
}

// readerAtAdapter wraps a RandomAccessReader as an io.ReaderAt for
// BuildIndex. The two interfaces have the same ReadAt method, so the wrapper
// only changes the static type.
type readerAtAdapter struct{ r RandomAccessReader }

func (a readerAtAdapter) ReadAt(p []byte, off int64) (int, error) { return a.r.ReadAt(p, off) }

// Roots returns the root CIDs declared by the CARv1 header.
func (s *PlainBlockstore) Roots() []cid.Cid { return s.header.Roots }

// Version returns 1 or 2 depending on whether the backing file is a plain
// CARv1 stream or has a CARv2 wrapper.
func (s *PlainBlockstore) Version() uint64 { return s.version }

func (s *PlainBlockstore) get(k cid.Cid) ([]byte, error) {
	s.indexMu.RLock()
	loc, onDisk := s.index[k]
	s.indexMu.RUnlock()

	s.cacheMu.RLock()
	cached, inCache := s.cache[k]
	s.cacheMu.RUnlock()

	switch {
	case onDisk && inCache:
		// The on-disk copy is authoritative; evict the now-redundant cache
		// entry so future reads go straight to disk.
		s.cacheMu.Lock()
		delete(s.cache, k)
		s.cacheMu.Unlock()
		return cached, nil
	case onDisk:
		data := make([]byte, loc.Length)
		if _, err := s.reader.ReadAt(data, int64(loc.Offset)); err != nil {
			return nil, err
		}
		return data, nil
	case inCache:
		return cached, nil
	default:
		return nil, nil
	}
}

// Get implements blockstore.Blockstore.
func (s *PlainBlockstore) Get(k cid.Cid) (blocks.Block, error) {
	data, err := s.get(k)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, blockstore.ErrNotFound
	}
	return blocks.NewBlockWithCid(data, k)
}

// Has implements blockstore.Blockstore.
func (s *PlainBlockstore) Has(k cid.Cid) (bool, error) {
	data, err := s.get(k)
	if err != nil {
		return false, err
	}
	return data != nil, nil
}

// GetSize implements blockstore.Blockstore.
func (s *PlainBlockstore) GetSize(k cid.Cid) (int, error) {
	data, err := s.get(k)
	if err != nil {
		return -1, err
	}
	if data == nil {
		return -1, blockstore.ErrNotFound
	}
	return len(data), nil
}

// putKeyed inserts block under k into the write overlay unless k is
// already present in the on-disk index. It panics if k is already present
// in the overlay with different content: a CAR store is content-addressed,
// so two different byte strings for one CID is a caller bug, not a
// recoverable error.
func (s *PlainBlockstore) putKeyed(k cid.Cid, block []byte) error {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	if _, onDisk := s.index[k]; onDisk {
		return nil
	}
	if existing, ok := s.cache[k]; ok {
		if string(existing) == string(block) {
			return nil
		}
		panic(fmt.Sprintf("car: mismatched content on second write for cid %s", k))
	}
	s.cache[k] = append([]byte(nil), block...)
	return nil
}

// Put implements blockstore.Blockstore.
func (s *PlainBlockstore) Put(b blocks.Block) error {
	return s.putKeyed(b.Cid(), b.RawData())
}

// PutMany implements blockstore.Blockstore.
func (s *PlainBlockstore) PutMany(bs []blocks.Block) error {
	for _, b := range bs {
		if err := s.putKeyed(b.Cid(), b.RawData()); err != nil {
			return err
		}
	}
	return nil
}

// DeleteBlock is unsupported: a CAR file is an append-only, content-addressed
// log and deletion would invalidate its index.
func (s *PlainBlockstore) DeleteBlock(cid.Cid) error {
	return ErrReadOnly
}

// AllKeysChan implements blockstore.Blockstore, returning every CID present
// in the on-disk index (not the write overlay, which is transient).
func (s *PlainBlockstore) AllKeysChan(ctx context.Context) (<-chan cid.Cid, error) {
	s.indexMu.RLock()
	keys := make([]cid.Cid, 0, len(s.index))
	for k := range s.index {
		keys = append(keys, k)
	}
	s.indexMu.RUnlock()

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

// HashOnRead is a no-op: PlainBlockstore trusts its on-disk index, which was
// built by scanning the file's own varint frames and CIDs at open time.
func (s *PlainBlockstore) HashOnRead(bool) {}
