package snapshot

import (
	"context"
	"strings"

	"github.com/ipfs/go-cid"
	blockstore "github.com/ipfs/go-ipfs-blockstore"
)

// TipsetKey is the set of root CIDs that identify a tipset. The full
// Filecoin tipset / block-header data model lives outside this package;
// this is the minimal carrier the importer needs to print and return a
// result, without depending on the rest of the block-header type.
type TipsetKey struct {
	cids []cid.Cid
}

// NewTipsetKey wraps a root CID set.
func NewTipsetKey(cids []cid.Cid) TipsetKey {
	return TipsetKey{cids: cids}
}

// Cids returns the root CIDs, in the order supplied.
func (k TipsetKey) Cids() []cid.Cid { return k.cids }

// String renders the key the way the importer's log line does: a
// comma-joined list of the root CID strings, wrapped in braces.
func (k TipsetKey) String() string {
	parts := make([]string, len(k.cids))
	for i, c := range k.cids {
		parts[i] = c.String()
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// Tipset is the minimal shape the importer needs from whatever the chain
// state manager reconstructs from an archive's roots: an epoch to print and
// a key to print and return. Implementing the full type is the chain
// manager's job, not this package's.
type Tipset interface {
	Epoch() int64
	Key() TipsetKey
}

// TipsetLoader reconstructs the heaviest tipset behind a set of root CIDs
// by walking block headers out of bs. Import takes a loader as a parameter
// rather than depending on the chain's block-header data model directly,
// since that model lives in another package entirely.
type TipsetLoader func(ctx context.Context, bs blockstore.Blockstore, roots []cid.Cid) (Tipset, error)

// rootsTipset is a trivial Tipset that reports the roots as its key and a
// zero epoch. It exists so this package's own tests and simple callers
// don't need a real chain state manager; production callers should supply
// their own TipsetLoader via Import.
type rootsTipset struct {
	key TipsetKey
}

func (t rootsTipset) Epoch() int64   { return 0 }
func (t rootsTipset) Key() TipsetKey { return t.key }

// RootsOnlyLoader is a TipsetLoader that does not consult bs at all: it
// reports the roots themselves as the tipset key with epoch 0. Useful for
// tests and tools (like cmd/forest-car import) that only need the root set,
// not a reconstructed tipset.
func RootsOnlyLoader(_ context.Context, _ blockstore.Blockstore, roots []cid.Cid) (Tipset, error) {
	return rootsTipset{key: NewTipsetKey(roots)}, nil
}
