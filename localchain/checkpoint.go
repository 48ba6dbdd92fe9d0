package localchain

import (
	"iter"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/walletsync/chaintypes"
)

// noParent marks the genesis record of the arena.
const noParent = -1

// record is one entry of the checkpoint arena. Records are never modified
// once appended, and parent always points to an earlier record.
type record struct {
	id     chaintypes.BlockID
	parent int32
}

// CheckPoint is an immutable snapshot of a chain, identified by its tip
// record in the arena. Snapshots stay valid while the chain they were taken
// from keeps changing: later mutations only append records.
type CheckPoint struct {
	recs []record
	idx  int32
}

// BlockID returns the block of the checkpoint.
func (c CheckPoint) BlockID() chaintypes.BlockID {
	return c.recs[c.idx].id
}

// Height returns the height of the checkpoint.
func (c CheckPoint) Height() uint32 {
	return c.recs[c.idx].id.Height
}

// Hash returns the block hash of the checkpoint.
func (c CheckPoint) Hash() chainhash.Hash {
	return c.recs[c.idx].id.Hash
}

// Prev returns the parent checkpoint, or false at genesis.
func (c CheckPoint) Prev() (CheckPoint, bool) {
	parent := c.recs[c.idx].parent
	if parent == noParent {
		return CheckPoint{}, false
	}

	return CheckPoint{recs: c.recs, idx: parent}, true
}

// Get walks back from the checkpoint to the given height.
func (c CheckPoint) Get(height uint32) fn.Option[CheckPoint] {
	if height > c.Height() {
		return fn.None[CheckPoint]()
	}

	cur := c
	for cur.Height() > height {
		prev, ok := cur.Prev()
		if !ok {
			return fn.None[CheckPoint]()
		}
		cur = prev
	}

	return fn.Some(cur)
}

// Iter yields the blocks from the checkpoint down to genesis.
func (c CheckPoint) Iter() iter.Seq[chaintypes.BlockID] {
	return func(yield func(chaintypes.BlockID) bool) {
		cur, ok := c, true
		for ok {
			if !yield(cur.BlockID()) {
				return
			}
			cur, ok = cur.Prev()
		}
	}
}

// Diff returns the chain delta that turns the chain ending at from into the
// chain ending at to. Only the heights above the fork point are visited.
func Diff(from, to CheckPoint) ChainDelta {
	var delta ChainDelta

	a, b := from, to
	aOK, bOK := true, true

	for aOK && bOK && a.Height() > b.Height() {
		delta.Remove(a.Height())
		a, aOK = a.Prev()
	}
	for aOK && bOK && b.Height() > a.Height() {
		delta.Set(b.Height(), b.Hash())
		b, bOK = b.Prev()
	}

	// Both sides are now at the same height. Walk down together until
	// the blocks agree, which in a hash-linked chain means the rest of
	// the prefix agrees as well.
	for aOK && bOK && a.BlockID() != b.BlockID() {
		delta.Set(b.Height(), b.Hash())
		a, aOK = a.Prev()
		b, bOK = b.Prev()
	}

	return delta
}
