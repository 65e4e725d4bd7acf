// Package store implements the multi-archive registry: a read path fanned
// out over any number of read-only archives plus one writable overlay,
// with first-match-wins lookup.
package store

import (
	"context"
	"errors"
	"sync"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	blockstore "github.com/ipfs/go-ipfs-blockstore"
)

// ErrNoWritableOverlay is returned by Put/PutMany when the store was built
// without WithWriteOverlay.
var ErrNoWritableOverlay = errors.New("store: no writable overlay configured")

var _ blockstore.Blockstore = (*Many)(nil)

// Many aggregates N read-only blockstore.Blockstore handles (typically
// car.PlainBlockstore or forest.Archive instances) and an optional single
// writable overlay. Reads are tried against the read-only archives in
// insertion order, then the overlay; writes always land in the overlay.
//
// Appending a read-only handle is cheap and safe to do concurrently with
// reads: the archives slice is only ever appended to under archivesMu, and
// readers take a stable snapshot before iterating so an in-flight Get never
// observes a torn append.
type Many struct {
	archivesMu sync.RWMutex
	archives   []blockstore.Blockstore

	overlay blockstore.Blockstore
}

// Option configures a Many at construction time.
type Option func(*Many)

// WithWriteOverlay sets the blockstore that Put/PutMany/DeleteBlock target.
// Without this option the store is entirely read-only.
func WithWriteOverlay(bs blockstore.Blockstore) Option {
	return func(m *Many) { m.overlay = bs }
}

// WithReadOnly seeds the store with initial read-only archives, in the
// order given.
func WithReadOnly(archives ...blockstore.Blockstore) Option {
	return func(m *Many) { m.archives = append(m.archives, archives...) }
}

// New returns an empty Many, configured by opts.
func New(opts ...Option) *Many {
	m := &Many{}
	for _, o := range opts {
		o(m)
	}
	return m
}

// ReadOnly appends a read-only archive. Duplicate CIDs across archives are
// allowed and harmless: the first archive holding a CID wins on read, so the
// order archives are appended in matters only when the same CID is present
// in more than one.
func (m *Many) ReadOnly(bs blockstore.Blockstore) {
	m.archivesMu.Lock()
	defer m.archivesMu.Unlock()
	m.archives = append(m.archives, bs)
}

// Len returns the number of read-only archives registered, not counting the
// overlay.
func (m *Many) Len() int {
	m.archivesMu.RLock()
	defer m.archivesMu.RUnlock()
	return len(m.archives)
}

// snapshot returns the current read-only archives without holding the lock
// for the duration of a (potentially slow, disk-touching) read.
func (m *Many) snapshot() []blockstore.Blockstore {
	m.archivesMu.RLock()
	defer m.archivesMu.RUnlock()
	out := make([]blockstore.Blockstore, len(m.archives))
	copy(out, m.archives)
	return out
}

// Get implements blockstore.Blockstore, returning the first hit among the
// read-only archives (insertion order) and falling back to the overlay.
func (m *Many) Get(k cid.Cid) (blocks.Block, error) {
	for _, a := range m.snapshot() {
		b, err := a.Get(k)
		if err == nil {
			return b, nil
		}
		if !errors.Is(err, blockstore.ErrNotFound) {
			return nil, err
		}
	}
	if m.overlay != nil {
		return m.overlay.Get(k)
	}
	return nil, blockstore.ErrNotFound
}

// Has implements blockstore.Blockstore.
func (m *Many) Has(k cid.Cid) (bool, error) {
	for _, a := range m.snapshot() {
		ok, err := a.Has(k)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	if m.overlay != nil {
		return m.overlay.Has(k)
	}
	return false, nil
}

// GetSize implements blockstore.Blockstore.
func (m *Many) GetSize(k cid.Cid) (int, error) {
	for _, a := range m.snapshot() {
		n, err := a.GetSize(k)
		if err == nil {
			return n, nil
		}
		if !errors.Is(err, blockstore.ErrNotFound) {
			return -1, err
		}
	}
	if m.overlay != nil {
		return m.overlay.GetSize(k)
	}
	return -1, blockstore.ErrNotFound
}

// Put implements blockstore.Blockstore, always routing to the overlay.
func (m *Many) Put(b blocks.Block) error {
	if m.overlay == nil {
		return ErrNoWritableOverlay
	}
	return m.overlay.Put(b)
}

// PutMany implements blockstore.Blockstore, always routing to the overlay.
func (m *Many) PutMany(bs []blocks.Block) error {
	if m.overlay == nil {
		return ErrNoWritableOverlay
	}
	return m.overlay.PutMany(bs)
}

// DeleteBlock routes to the overlay if one is configured; read-only
// archives never support deletion.
func (m *Many) DeleteBlock(k cid.Cid) error {
	if m.overlay == nil {
		return ErrNoWritableOverlay
	}
	return m.overlay.DeleteBlock(k)
}

// AllKeysChan merges the keys of every read-only archive and the overlay.
// Duplicates are not deduplicated across archives, matching the read path's
// first-wins-but-doesn't-hide semantics: a consumer that needs a unique set
// should dedupe downstream.
func (m *Many) AllKeysChan(ctx context.Context) (<-chan cid.Cid, error) {
	stores := m.snapshot()
	if m.overlay != nil {
		stores = append(stores, m.overlay)
	}

	out := make(chan cid.Cid)
	go func() {
		defer close(out)
		for _, s := range stores {
			ch, err := s.AllKeysChan(ctx)
			if err != nil {
				return
			}
			for k := range ch {
				select {
				case out <- k:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// HashOnRead is forwarded to every registered store, including the overlay.
func (m *Many) HashOnRead(enabled bool) {
	for _, a := range m.snapshot() {
		a.HashOnRead(enabled)
	}
	if m.overlay != nil {
		m.overlay.HashOnRead(enabled)
	}
}
