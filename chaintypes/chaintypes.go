// Package chaintypes holds the small value types shared by the chain model,
// the transaction graph and the change sets that persist them.
package chaintypes

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// BlockID identifies a block by its height and hash.
type BlockID struct {
	// Height is the block height. Height 0 is the genesis block.
	Height uint32

	// Hash is the block hash.
	Hash chainhash.Hash
}

// String returns a human readable representation of the block id.
func (b BlockID) String() string {
	return fmt.Sprintf("%d:%v", b.Height, b.Hash)
}

// IsGenesis returns true if the block id refers to height 0.
func (b BlockID) IsGenesis() bool {
	return b.Height == 0
}

// GenesisBlockID returns the BlockID of the genesis block of the given
// network.
func GenesisBlockID(params *chaincfg.Params) BlockID {
	return BlockID{
		Height: 0,
		Hash:   *params.GenesisHash,
	}
}

// Anchor records that a transaction was observed in a specific block. The
// block time is the header timestamp in unix seconds.
type Anchor struct {
	// Height is the height of the anchoring block.
	Height uint32

	// Hash is the hash of the anchoring block.
	Hash chainhash.Hash

	// Time is the header time of the anchoring block.
	Time int64
}

// BlockID returns the block the anchor points to.
func (a Anchor) BlockID() BlockID {
	return BlockID{Height: a.Height, Hash: a.Hash}
}

// String returns a human readable representation of the anchor.
func (a Anchor) String() string {
	return fmt.Sprintf("%d:%v@%d", a.Height, a.Hash, a.Time)
}

// Less orders anchors by height, then hash, then time.
func (a Anchor) Less(o Anchor) bool {
	if a.Height != o.Height {
		return a.Height < o.Height
	}
	if c := CompareHash(a.Hash, o.Hash); c != 0 {
		return c < 0
	}

	return a.Time < o.Time
}

// CompareHash compares two hashes byte-wise and returns -1, 0 or 1.
func CompareHash(a, b chainhash.Hash) int {
	return bytes.Compare(a[:], b[:])
}
