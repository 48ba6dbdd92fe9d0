// Package localchain maintains the wallet's view of the best chain: a
// contiguous sequence of block ids from genesis to tip, stored in an
// append-only arena so that snapshots share their common prefix.
package localchain

import (
	"fmt"
	"iter"
	"slices"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/walletsync/changeset"
	"github.com/lightningnetwork/walletsync/chaintypes"
)

// ChainDelta is the change set type produced by the local chain.
type ChainDelta = changeset.ChainDelta

// LocalChain is the wallet's local copy of the best chain. Every mutation
// comes in two flavours: a Plan method that only computes the delta and an
// Apply method that also commits it. Callers that need to persist the delta
// before committing use the Plan method followed by ApplyChangeSet.
//
// NOTE: LocalChain is not safe for concurrent use. The wallet serializes
// access to it.
type LocalChain struct {
	// recs is the checkpoint arena.
	recs []record

	// byHeight maps each height of the current chain to its arena record.
	byHeight []int32
}

// New creates a chain that holds only the given genesis block.
func New(genesis chainhash.Hash) *LocalChain {
	return &LocalChain{
		recs: []record{{
			id:     chaintypes.BlockID{Height: 0, Hash: genesis},
			parent: noParent,
		}},
		byHeight: []int32{0},
	}
}

// Genesis returns the genesis block id.
func (c *LocalChain) Genesis() chaintypes.BlockID {
	return c.recs[c.byHeight[0]].id
}

// Tip returns the highest block id of the chain.
func (c *LocalChain) Tip() chaintypes.BlockID {
	return c.recs[c.byHeight[len(c.byHeight)-1]].id
}

// TipCheckPoint returns a snapshot of the chain at its current tip.
func (c *LocalChain) TipCheckPoint() CheckPoint {
	return CheckPoint{
		recs: c.recs,
		idx:  c.byHeight[len(c.byHeight)-1],
	}
}

// Get returns the hash held at the given height, if any.
func (c *LocalChain) Get(height uint32) fn.Option[chainhash.Hash] {
	if int(height) >= len(c.byHeight) {
		return fn.None[chainhash.Hash]()
	}

	return fn.Some(c.recs[c.byHeight[height]].id.Hash)
}

// Contains returns true if the block id is part of the chain.
func (c *LocalChain) Contains(id chaintypes.BlockID) bool {
	return fn.MapOptionZ(c.Get(id.Height), func(h chainhash.Hash) bool {
		return h == id.Hash
	})
}

// Iter yields the blocks from the tip down to genesis.
func (c *LocalChain) Iter() iter.Seq[chaintypes.BlockID] {
	return c.TipCheckPoint().Iter()
}

// PlanUpdate computes the delta that appends update on top of the tip. An
// update that is already part of the chain yields an empty delta.
func (c *LocalChain) PlanUpdate(update chaintypes.BlockID) (ChainDelta,
	error) {

	if c.Contains(update) {
		return nil, nil
	}

	tip := c.Tip()
	if update.Height != tip.Height+1 {
		return nil, &CannotConnectError{
			Height: update.Height,
			Reason: fmt.Sprintf("expected height %d", tip.Height+1),
		}
	}

	var delta ChainDelta
	delta.Set(update.Height, update.Hash)

	return delta, nil
}

// ApplyUpdate appends update on top of the tip and returns the delta.
func (c *LocalChain) ApplyUpdate(update chaintypes.BlockID) (ChainDelta,
	error) {

	return c.commit(c.PlanUpdate(update))
}

// PlanHeader computes the delta that appends the block with the given header
// at height. On top of the checks of PlanUpdate, the header must commit to the
// current tip as its parent.
func (c *LocalChain) PlanHeader(header *wire.BlockHeader,
	height uint32) (ChainDelta, error) {

	update := chaintypes.BlockID{Height: height, Hash: header.BlockHash()}
	if c.Contains(update) {
		return nil, nil
	}

	tip := c.Tip()
	if height == tip.Height+1 && header.PrevBlock != tip.Hash {
		return nil, &CannotConnectError{
			Height: height,
			Reason: fmt.Sprintf("previous block %v is not the tip "+
				"%v", header.PrevBlock, tip.Hash),
		}
	}

	return c.PlanUpdate(update)
}

// ApplyHeader appends the block with the given header at height.
func (c *LocalChain) ApplyHeader(header *wire.BlockHeader,
	height uint32) (ChainDelta, error) {

	return c.commit(c.PlanHeader(header, height))
}

// PlanDisconnect computes the delta that removes the given block and every
// block above it. A block that isn't part of the chain yields an empty
// delta.
func (c *LocalChain) PlanDisconnect(id chaintypes.BlockID) (ChainDelta,
	error) {

	if id.Height == 0 {
		return nil, ErrGenesisImmutable
	}
	if !c.Contains(id) {
		return nil, nil
	}

	var delta ChainDelta
	for h := id.Height; h <= c.Tip().Height; h++ {
		delta.Remove(h)
	}

	return delta, nil
}

// DisconnectFrom removes the given block and every block above it.
func (c *LocalChain) DisconnectFrom(id chaintypes.BlockID) (ChainDelta,
	error) {

	return c.commit(c.PlanDisconnect(id))
}

// PlanReset computes the delta that rewinds the chain to genesis only.
func (c *LocalChain) PlanReset() ChainDelta {
	var delta ChainDelta
	for h := uint32(1); h <= c.Tip().Height; h++ {
		delta.Remove(h)
	}

	return delta
}

// Reset rewinds the chain to genesis only.
func (c *LocalChain) Reset() ChainDelta {
	delta, _ := c.commit(c.PlanReset(), nil)

	return delta
}

func (c *LocalChain) commit(delta ChainDelta, err error) (ChainDelta,
	error) {

	if err != nil {
		return nil, err
	}
	if err := c.ApplyChangeSet(delta); err != nil {
		return nil, err
	}

	return delta, nil
}

// ApplyChangeSet applies a chain delta. Entries that match the current state
// are no-ops. The resulting chain must still start at the same genesis block
// and have no gaps, otherwise the chain is left untouched and an error is
// returned.
func (c *LocalChain) ApplyChangeSet(delta ChainDelta) error {
	if len(delta) == 0 {
		return nil
	}

	genesis := c.Genesis().Hash
	if g, ok := delta[0]; ok {
		sameGenesis := fn.MapOptionZ(g, func(h chainhash.Hash) bool {
			return h == genesis
		})
		if !sameGenesis {
			return ErrGenesisMismatch
		}
	}

	heights := make([]uint32, 0, len(delta))
	for h := range delta {
		if h != 0 {
			heights = append(heights, h)
		}
	}
	if len(heights) == 0 {
		return nil
	}
	slices.Sort(heights)

	// Work out the hashes of every height from the lowest touched height
	// up to the highest height known to either side.
	low := min(heights[0], c.Tip().Height+1)
	high := max(heights[len(heights)-1], c.Tip().Height)

	hashes := make([]fn.Option[chainhash.Hash], 0, high-low+1)
	for h := low; h <= high; h++ {
		if entry, ok := delta[h]; ok {
			hashes = append(hashes, entry)
			continue
		}
		hashes = append(hashes, c.Get(h))
	}

	// The new tip is right below the first missing height, and nothing
	// may exist above it.
	newLen := len(hashes)
	for i, hash := range hashes {
		if hash.IsNone() {
			newLen = i
			break
		}
	}
	for _, hash := range hashes[newLen:] {
		if hash.IsSome() {
			return ErrNonContiguous
		}
	}

	// Rebuild the height index from low upwards. Records are reused for
	// as long as the new chain agrees with the old one.
	oldByHeight := c.byHeight
	c.byHeight = slices.Clone(oldByHeight[:low])

	diverged := false
	for i := 0; i < newLen; i++ {
		h := low + uint32(i)
		hash := hashes[i].UnwrapOr(chainhash.Hash{})

		if !diverged && int(h) < len(oldByHeight) &&
			c.recs[oldByHeight[h]].id.Hash == hash {

			c.byHeight = append(c.byHeight, oldByHeight[h])
			continue
		}
		diverged = true

		c.recs = append(c.recs, record{
			id:     chaintypes.BlockID{Height: h, Hash: hash},
			parent: c.byHeight[h-1],
		})
		c.byHeight = append(c.byHeight, int32(len(c.recs)-1))
	}

	return nil
}
