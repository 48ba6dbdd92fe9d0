package changeset

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/walletsync/chaintypes"
	"github.com/lightningnetwork/walletsync/keychain"
)

// ChainDelta maps block heights to the hash now held at that height, or to
// None if the height was removed. Merging chain deltas is order dependent:
// the entries of the later delta win.
type ChainDelta map[uint32]fn.Option[chainhash.Hash]

// Merge folds other into the delta, overwriting any height present in both.
func (c *ChainDelta) Merge(other ChainDelta) {
	if len(other) == 0 {
		return
	}
	if *c == nil {
		*c = make(ChainDelta, len(other))
	}

	for height, hash := range other {
		(*c)[height] = hash
	}
}

// IsEmpty returns true if the delta carries no entries.
func (c ChainDelta) IsEmpty() bool {
	return len(c) == 0
}

// Set records that height now holds hash.
func (c *ChainDelta) Set(height uint32, hash chainhash.Hash) {
	if *c == nil {
		*c = make(ChainDelta)
	}
	(*c)[height] = fn.Some(hash)
}

// Remove records that height no longer holds any block.
func (c *ChainDelta) Remove(height uint32) {
	if *c == nil {
		*c = make(ChainDelta)
	}
	(*c)[height] = fn.None[chainhash.Hash]()
}

// IndexerDelta carries the keychain watermark updates. Both watermarks are
// monotone so merging takes the maximum per keychain.
type IndexerDelta struct {
	// LastRevealed is the highest index handed out per keychain.
	LastRevealed map[keychain.Keychain]uint32

	// LastUsed is the highest index seen in a transaction output per
	// keychain.
	LastUsed map[keychain.Keychain]uint32
}

// Reveal raises the revealed watermark of the keychain to at least index.
func (i *IndexerDelta) Reveal(kc keychain.Keychain, index uint32) {
	i.LastRevealed = raise(i.LastRevealed, kc, index)
}

// Use raises the used watermark of the keychain to at least index.
func (i *IndexerDelta) Use(kc keychain.Keychain, index uint32) {
	i.LastUsed = raise(i.LastUsed, kc, index)
}

// Merge folds other into the delta.
func (i *IndexerDelta) Merge(other IndexerDelta) {
	for kc, idx := range other.LastRevealed {
		i.Reveal(kc, idx)
	}
	for kc, idx := range other.LastUsed {
		i.Use(kc, idx)
	}
}

// IsEmpty returns true if no watermark moved.
func (i IndexerDelta) IsEmpty() bool {
	return len(i.LastRevealed) == 0 && len(i.LastUsed) == 0
}

func raise(m map[keychain.Keychain]uint32, kc keychain.Keychain,
	index uint32) map[keychain.Keychain]uint32 {

	if m == nil {
		m = make(map[keychain.Keychain]uint32)
	}
	if cur, ok := m[kc]; !ok || index > cur {
		m[kc] = index
	}

	return m
}

// GraphDelta carries additions to the transaction graph and the keychain
// index. Everything in it only ever grows, so merging is a commutative and
// idempotent union.
type GraphDelta struct {
	// Txs holds transaction bodies keyed by txid.
	Txs map[chainhash.Hash]*wire.MsgTx

	// Anchors holds the set of anchors per txid.
	Anchors map[chainhash.Hash]map[chaintypes.Anchor]struct{}

	// LastSeen holds the latest unix time at which each unconfirmed
	// transaction was seen in the mempool.
	LastSeen map[chainhash.Hash]int64

	// Indexer holds the keychain watermark updates.
	Indexer IndexerDelta
}

// AddTx records a transaction body.
func (g *GraphDelta) AddTx(tx *wire.MsgTx) {
	if g.Txs == nil {
		g.Txs = make(map[chainhash.Hash]*wire.MsgTx)
	}
	g.Txs[tx.TxHash()] = tx
}

// AddAnchor records that txid was confirmed by the anchor block.
func (g *GraphDelta) AddAnchor(txid chainhash.Hash, anchor chaintypes.Anchor) {
	if g.Anchors == nil {
		g.Anchors = make(
			map[chainhash.Hash]map[chaintypes.Anchor]struct{},
		)
	}

	set, ok := g.Anchors[txid]
	if !ok {
		set = make(map[chaintypes.Anchor]struct{})
		g.Anchors[txid] = set
	}
	set[anchor] = struct{}{}
}

// SeenAt raises the last-seen time of txid to at least seen.
func (g *GraphDelta) SeenAt(txid chainhash.Hash, seen int64) {
	if g.LastSeen == nil {
		g.LastSeen = make(map[chainhash.Hash]int64)
	}
	if cur, ok := g.LastSeen[txid]; !ok || seen > cur {
		g.LastSeen[txid] = seen
	}
}

// Merge folds other into the delta.
func (g *GraphDelta) Merge(other GraphDelta) {
	for _, tx := range other.Txs {
		g.AddTx(tx)
	}
	for txid, anchors := range other.Anchors {
		for anchor := range anchors {
			g.AddAnchor(txid, anchor)
		}
	}
	for txid, seen := range other.LastSeen {
		g.SeenAt(txid, seen)
	}
	g.Indexer.Merge(other.Indexer)
}

// IsEmpty returns true if the delta adds nothing.
func (g GraphDelta) IsEmpty() bool {
	return len(g.Txs) == 0 && len(g.Anchors) == 0 &&
		len(g.LastSeen) == 0 && g.Indexer.IsEmpty()
}

// ChangeSet is the unit of persistence: the difference between two states of
// the wallet. The zero value is the empty change set and the identity of
// Merge.
type ChangeSet struct {
	// Chain is the local chain delta.
	Chain ChainDelta

	// Graph is the transaction graph and keychain index delta.
	Graph GraphDelta
}

// Merge folds other into the change set. Chain entries of other overwrite
// existing ones, graph parts are unioned.
func (c *ChangeSet) Merge(other *ChangeSet) {
	if other == nil {
		return
	}

	c.Chain.Merge(other.Chain)
	c.Graph.Merge(other.Graph)
}

// IsEmpty returns true if applying the change set would change nothing.
func (c *ChangeSet) IsEmpty() bool {
	return c == nil || (c.Chain.IsEmpty() && c.Graph.IsEmpty())
}
