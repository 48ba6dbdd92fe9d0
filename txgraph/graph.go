// Package txgraph holds the wallet's transaction graph: the bodies of every
// transaction relevant to the tracked keychains, the blocks that confirmed
// them and when unconfirmed ones were last seen. Transactions are never
// removed. Which of them count is decided at query time against a chain.
package txgraph

import (
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/walletsync/changeset"
	"github.com/lightningnetwork/walletsync/chaintypes"
	"github.com/lightningnetwork/walletsync/keychain"
)

// ErrNoKeychains is returned when a graph is created without any keychain.
var ErrNoKeychains = errors.New("at least one keychain is required")

// GraphDelta is the change set type produced by the graph.
type GraphDelta = changeset.GraphDelta

// ChainView is the read access to a best chain that graph queries need.
type ChainView interface {
	// Get returns the hash at the given height, if any.
	Get(height uint32) fn.Option[chainhash.Hash]

	// Tip returns the best block.
	Tip() chaintypes.BlockID
}

// Config holds the parameters of a Graph.
type Config struct {
	// Keychains maps each tracked keychain to its script deriver.
	Keychains map[keychain.Keychain]keychain.ScriptDeriver

	// Lookahead is the number of scripts tracked past the last revealed
	// index. Zero selects DefaultLookahead.
	Lookahead uint32
}

// Graph is the transaction graph together with its keychain index.
//
// NOTE: Graph is not safe for concurrent use. The wallet serializes access to
// it.
type Graph struct {
	index *KeychainIndex

	txs      map[chainhash.Hash]*wire.MsgTx
	anchors  map[chainhash.Hash]map[chaintypes.Anchor]struct{}
	lastSeen map[chainhash.Hash]int64

	// spends maps every outpoint spent by a graph transaction to the set
	// of spending txids. More than one entry means a conflict.
	spends map[wire.OutPoint]map[chainhash.Hash]struct{}
}

// New creates an empty graph.
func New(cfg Config) (*Graph, error) {
	if len(cfg.Keychains) == 0 {
		return nil, ErrNoKeychains
	}

	lookahead := cfg.Lookahead
	if lookahead == 0 {
		lookahead = DefaultLookahead
	}

	index, err := newKeychainIndex(cfg.Keychains, lookahead)
	if err != nil {
		return nil, err
	}

	return &Graph{
		index:    index,
		txs:      make(map[chainhash.Hash]*wire.MsgTx),
		anchors:  make(map[chainhash.Hash]map[chaintypes.Anchor]struct{}),
		lastSeen: make(map[chainhash.Hash]int64),
		spends:   make(map[wire.OutPoint]map[chainhash.Hash]struct{}),
	}, nil
}

// Index returns the keychain index of the graph.
func (g *Graph) Index() *KeychainIndex {
	return g.index
}

// Len returns the number of transactions in the graph.
func (g *Graph) Len() int {
	return len(g.txs)
}

// Tx returns the body of a transaction in the graph.
func (g *Graph) Tx(txid chainhash.Hash) (*wire.MsgTx, bool) {
	tx, ok := g.txs[txid]

	return tx, ok
}

// Anchors returns the anchors recorded for a transaction.
func (g *Graph) Anchors(txid chainhash.Hash) []chaintypes.Anchor {
	anchors := make([]chaintypes.Anchor, 0, len(g.anchors[txid]))
	for a := range g.anchors[txid] {
		anchors = append(anchors, a)
	}

	return anchors
}

// LastSeen returns the last time an unconfirmed transaction was seen.
func (g *Graph) LastSeen(txid chainhash.Hash) fn.Option[int64] {
	seen, ok := g.lastSeen[txid]
	if !ok {
		return fn.None[int64]()
	}

	return fn.Some(seen)
}

func (g *Graph) hasAnchor(txid chainhash.Hash, a chaintypes.Anchor) bool {
	_, ok := g.anchors[txid][a]

	return ok
}

// planner scans transactions against the graph without mutating it. It
// keeps an overlay of what the pending delta would add so that a chain of
// transactions in one block is detected as a whole.
type planner struct {
	g     *Graph
	delta *GraphDelta

	owned    map[wire.OutPoint]struct{}
	revealed map[keychain.Keychain]fn.Option[uint32]
}

func (g *Graph) newPlanner(delta *GraphDelta) *planner {
	return &planner{
		g:        g,
		delta:    delta,
		owned:    make(map[wire.OutPoint]struct{}),
		revealed: make(map[keychain.Keychain]fn.Option[uint32]),
	}
}

func (p *planner) lastRevealed(kc keychain.Keychain) fn.Option[uint32] {
	if r, ok := p.revealed[kc]; ok {
		return r
	}

	return p.g.index.LastRevealed(kc)
}

// scan returns true if tx is relevant to the wallet. Outputs paying tracked
// scripts raise the watermarks in the pending delta.
func (p *planner) scan(tx *wire.MsgTx) (bool, error) {
	idx := p.g.index
	relevant := false

	for _, in := range tx.TxIn {
		if _, ok := idx.outs[in.PreviousOutPoint]; ok {
			relevant = true
			break
		}
		if _, ok := p.owned[in.PreviousOutPoint]; ok {
			relevant = true
			break
		}
	}

	txid := tx.TxHash()
	for i, out := range tx.TxOut {
		pos, ok := idx.scripts[string(out.PkScript)]
		if !ok {
			continue
		}
		relevant = true
		p.owned[wire.OutPoint{Hash: txid, Index: uint32(i)}] = struct{}{}

		revealed := p.lastRevealed(pos.kc)
		alreadyRevealed := fn.MapOptionZ(revealed, func(r uint32) bool {
			return pos.index <= r
		})
		if !alreadyRevealed {
			p.delta.Indexer.Reveal(pos.kc, pos.index)
			p.revealed[pos.kc] = fn.Some(pos.index)

			// Keep the lookahead window ahead of the hit so a
			// later output in the same block is still caught.
			end := idx.windowEnd(fn.Some(pos.index))
			if _, err := idx.deriveTo(pos.kc, end); err != nil {
				return false, err
			}
		}

		usedBefore := fn.MapOptionZ(
			idx.LastUsed(pos.kc), func(u uint32) bool {
				return pos.index <= u
			},
		)
		if !usedBefore {
			p.delta.Indexer.Use(pos.kc, pos.index)
		}
	}

	return relevant, nil
}

// PlanBlockRelevant computes the delta that adds every transaction of the
// block relevant to the wallet, anchored to the block. The graph is not
// modified. Planning a block that was already applied yields an empty delta.
func (g *Graph) PlanBlockRelevant(block *wire.MsgBlock,
	height uint32) (GraphDelta, error) {

	var delta GraphDelta

	anchor := chaintypes.Anchor{
		Height: height,
		Hash:   block.BlockHash(),
		Time:   block.Header.Timestamp.Unix(),
	}

	p := g.newPlanner(&delta)
	for _, tx := range block.Transactions {
		relevant, err := p.scan(tx)
		if err != nil {
			return GraphDelta{}, err
		}
		if !relevant {
			continue
		}

		txid := tx.TxHash()
		if _, known := g.txs[txid]; !known {
			delta.AddTx(tx)
		}
		if !g.hasAnchor(txid, anchor) {
			delta.AddAnchor(txid, anchor)
		}
	}

	return delta, nil
}

// ApplyBlockRelevant adds the relevant transactions of the block and returns
// the delta.
func (g *Graph) ApplyBlockRelevant(block *wire.MsgBlock,
	height uint32) (GraphDelta, error) {

	delta, err := g.PlanBlockRelevant(block, height)
	if err != nil {
		return GraphDelta{}, err
	}

	return delta, g.ApplyChangeSet(delta)
}

// PlanUnconfirmed computes the delta that adds tx as an unconfirmed
// transaction seen at the given unix time, if it is relevant. Anchors are
// never touched, so a confirmed transaction stays confirmed.
func (g *Graph) PlanUnconfirmed(tx *wire.MsgTx,
	seenAt int64) (GraphDelta, error) {

	var delta GraphDelta

	relevant, err := g.newPlanner(&delta).scan(tx)
	if err != nil || !relevant {
		return GraphDelta{}, err
	}

	txid := tx.TxHash()
	if _, known := g.txs[txid]; !known {
		delta.AddTx(tx)
	}
	if cur, ok := g.lastSeen[txid]; !ok || seenAt > cur {
		delta.SeenAt(txid, seenAt)
	}

	return delta, nil
}

// ApplyUnconfirmed adds tx as an unconfirmed transaction and returns the
// delta.
func (g *Graph) ApplyUnconfirmed(tx *wire.MsgTx,
	seenAt int64) (GraphDelta, error) {

	delta, err := g.PlanUnconfirmed(tx, seenAt)
	if err != nil {
		return GraphDelta{}, err
	}

	return delta, g.ApplyChangeSet(delta)
}

// PlanRevealNext computes the next never revealed script of the keychain and
// the delta that reveals it.
func (g *Graph) PlanRevealNext(kc keychain.Keychain) (keychain.KeychainScript,
	GraphDelta, error) {

	var delta GraphDelta

	if _, ok := g.index.derivers[kc]; !ok {
		return keychain.KeychainScript{}, delta,
			keychain.ErrUnknownKeychain
	}

	next := uint32(0)
	if last, ok := g.index.lastRevealed[kc]; ok {
		if last >= keychain.MaxIndex {
			return keychain.KeychainScript{}, delta,
				keychain.ErrIndexExhausted
		}
		next = last + 1
	}

	spk, err := g.index.Script(kc, next)
	if err != nil {
		return keychain.KeychainScript{}, delta, err
	}
	delta.Indexer.Reveal(kc, next)

	return keychain.KeychainScript{
		Keychain: kc,
		Index:    next,
		Script:   spk,
	}, delta, nil
}

// RevealNext reveals the next script of the keychain.
func (g *Graph) RevealNext(kc keychain.Keychain) (keychain.KeychainScript,
	GraphDelta, error) {

	script, delta, err := g.PlanRevealNext(kc)
	if err != nil {
		return script, delta, err
	}

	return script, delta, g.ApplyChangeSet(delta)
}

// PlanNextUnused returns the lowest revealed script of the keychain that
// hasn't received any output yet. If every revealed script is used, the next
// script is revealed.
func (g *Graph) PlanNextUnused(kc keychain.Keychain) (keychain.KeychainScript,
	GraphDelta, error) {

	if last, ok := g.index.lastRevealed[kc]; ok {
		for i := uint32(0); i <= last; i++ {
			if g.index.IsUsed(kc, i) {
				continue
			}

			spk, err := g.index.Script(kc, i)
			if err != nil {
				return keychain.KeychainScript{}, GraphDelta{},
					err
			}

			return keychain.KeychainScript{
				Keychain: kc,
				Index:    i,
				Script:   spk,
			}, GraphDelta{}, nil
		}
	}

	return g.PlanRevealNext(kc)
}

// NextUnused returns the lowest unused revealed script of the keychain,
// revealing a new one if needed.
func (g *Graph) NextUnused(kc keychain.Keychain) (keychain.KeychainScript,
	GraphDelta, error) {

	script, delta, err := g.PlanNextUnused(kc)
	if err != nil {
		return script, delta, err
	}

	return script, delta, g.ApplyChangeSet(delta)
}

// ApplyChangeSet applies a graph delta. Applying the same delta twice has
// the same effect as applying it once.
func (g *Graph) ApplyChangeSet(delta GraphDelta) error {
	// Watermarks go first so the lookahead covers the scripts paid by the
	// transactions below.
	var fresh [][]byte
	for kc, idx := range delta.Indexer.LastRevealed {
		if _, ok := g.index.derivers[kc]; !ok {
			log.Warnf("Ignoring watermark of unknown keychain %v", kc)
			continue
		}

		spks, err := g.index.raiseRevealed(kc, idx)
		if err != nil {
			return err
		}
		fresh = append(fresh, spks...)
	}
	for kc, idx := range delta.Indexer.LastUsed {
		g.index.raiseUsed(kc, idx)
	}

	for txid, tx := range delta.Txs {
		if _, ok := g.txs[txid]; ok {
			continue
		}
		g.txs[txid] = tx

		for _, in := range tx.TxIn {
			set, ok := g.spends[in.PreviousOutPoint]
			if !ok {
				set = make(map[chainhash.Hash]struct{})
				g.spends[in.PreviousOutPoint] = set
			}
			set[txid] = struct{}{}
		}

		g.index.indexTx(tx)
	}

	// Outputs of older transactions may pay scripts that only just
	// entered the lookahead window.
	if len(fresh) > 0 {
		for _, tx := range g.txs {
			g.index.indexTx(tx)
		}
	}

	for txid, anchors := range delta.Anchors {
		set, ok := g.anchors[txid]
		if !ok {
			set = make(map[chaintypes.Anchor]struct{})
			g.anchors[txid] = set
		}
		for a := range anchors {
			set[a] = struct{}{}
		}
	}

	for txid, seen := range delta.LastSeen {
		if cur, ok := g.lastSeen[txid]; !ok || seen > cur {
			g.lastSeen[txid] = seen
		}
	}

	return nil
}
