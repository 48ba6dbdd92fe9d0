package txgraph

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/walletsync/chaintypes"
	"github.com/lightningnetwork/walletsync/keychain"
)

// CoinbaseMaturity is the number of confirmations a coinbase output needs
// before it can be spent.
const CoinbaseMaturity = 100

// PositionKind describes where a transaction sits relative to a chain.
type PositionKind uint8

const (
	// Unknown means the transaction isn't in the graph.
	Unknown PositionKind = iota

	// Unconfirmed means the transaction is in the graph but none of its
	// anchors is part of the chain.
	Unconfirmed

	// Confirmed means one of the anchors of the transaction is part of
	// the chain.
	Confirmed
)

// String returns the name of the position kind.
func (p PositionKind) String() string {
	switch p {
	case Unconfirmed:
		return "unconfirmed"
	case Confirmed:
		return "confirmed"
	default:
		return "unknown"
	}
}

// ChainPosition is the position of a transaction relative to a chain.
type ChainPosition struct {
	// Kind is the position kind.
	Kind PositionKind

	// Anchor is the anchor in the chain, set for Confirmed.
	Anchor chaintypes.Anchor

	// LastSeen is the last time the transaction was seen in the mempool,
	// zero if never. Only set for Unconfirmed.
	LastSeen int64
}

// IsConfirmed returns true for confirmed positions.
func (p ChainPosition) IsConfirmed() bool {
	return p.Kind == Confirmed
}

// Confirmations returns the depth of a confirmed transaction below the tip,
// counting the anchoring block, and zero otherwise.
func (p ChainPosition) Confirmations(tip uint32) uint32 {
	if p.Kind != Confirmed || p.Anchor.Height > tip {
		return 0
	}

	return tip - p.Anchor.Height + 1
}

// String returns a human readable position.
func (p ChainPosition) String() string {
	switch p.Kind {
	case Confirmed:
		return fmt.Sprintf("confirmed(height=%d, block=%v)",
			p.Anchor.Height, p.Anchor.Hash)
	case Unconfirmed:
		return fmt.Sprintf("unconfirmed(last_seen=%d)", p.LastSeen)
	default:
		return "unknown"
	}
}

// ChainPosition returns the position of txid relative to the chain. A
// transaction is confirmed iff one of its anchors is in the chain; with more
// than one such anchor the lowest wins.
func (g *Graph) ChainPosition(txid chainhash.Hash,
	chain ChainView) ChainPosition {

	var best fn.Option[chaintypes.Anchor]
	for a := range g.anchors[txid] {
		inChain := fn.MapOptionZ(chain.Get(a.Height),
			func(h chainhash.Hash) bool {
				return h == a.Hash
			},
		)
		if !inChain {
			continue
		}

		replace := fn.MapOptionZ(best, func(b chaintypes.Anchor) bool {
			return a.Less(b)
		})
		if best.IsNone() || replace {
			best = fn.Some(a)
		}
	}

	if best.IsSome() {
		return ChainPosition{
			Kind:   Confirmed,
			Anchor: best.UnwrapOr(chaintypes.Anchor{}),
		}
	}

	if _, ok := g.txs[txid]; ok {
		return ChainPosition{
			Kind:     Unconfirmed,
			LastSeen: g.lastSeen[txid],
		}
	}

	return ChainPosition{Kind: Unknown}
}

// isCoinBase returns true if the transaction is a coinbase transaction.
func isCoinBase(tx *wire.MsgTx) bool {
	if len(tx.TxIn) != 1 {
		return false
	}

	prev := tx.TxIn[0].PreviousOutPoint

	return prev.Index == wire.MaxPrevOutIndex && prev.Hash == chainhash.Hash{}
}

// canonicalView is the set of transactions that count against a chain.
type canonicalView struct {
	positions map[chainhash.Hash]ChainPosition
	canonical map[chainhash.Hash]struct{}

	// spentBy maps outpoints to their canonical spender.
	spentBy map[wire.OutPoint]chainhash.Hash
}

// canonicalize decides which transactions count against the chain:
//
//   - every confirmed transaction counts;
//   - an unconfirmed transaction counts unless it double spends an outpoint
//     claimed by a confirmed or a more recently seen unconfirmed one;
//   - a transaction spending an output of a non canonical transaction never
//     counts.
func (g *Graph) canonicalize(chain ChainView) *canonicalView {
	v := &canonicalView{
		positions: make(map[chainhash.Hash]ChainPosition, len(g.txs)),
		canonical: make(map[chainhash.Hash]struct{}, len(g.txs)),
		spentBy:   make(map[wire.OutPoint]chainhash.Hash),
	}

	var confirmed, unconfirmed []chainhash.Hash
	for txid := range g.txs {
		pos := g.ChainPosition(txid, chain)
		v.positions[txid] = pos

		if pos.Kind == Confirmed {
			confirmed = append(confirmed, txid)
		} else {
			unconfirmed = append(unconfirmed, txid)
		}
	}

	slices.SortFunc(confirmed, func(a, b chainhash.Hash) int {
		ha, hb := v.positions[a].Anchor.Height,
			v.positions[b].Anchor.Height

		return cmp.Or(cmp.Compare(ha, hb), chaintypes.CompareHash(a, b))
	})
	slices.SortFunc(unconfirmed, func(a, b chainhash.Hash) int {
		sa, sb := v.positions[a].LastSeen, v.positions[b].LastSeen

		return cmp.Or(cmp.Compare(sb, sa), chaintypes.CompareHash(a, b))
	})

	claim := func(txid chainhash.Hash) bool {
		tx := g.txs[txid]
		if !isCoinBase(tx) {
			for _, in := range tx.TxIn {
				other, ok := v.spentBy[in.PreviousOutPoint]
				if ok && other != txid {
					return false
				}
			}
			for _, in := range tx.TxIn {
				v.spentBy[in.PreviousOutPoint] = txid
			}
		}
		v.canonical[txid] = struct{}{}

		return true
	}

	for _, txid := range confirmed {
		claim(txid)
	}
	for _, txid := range unconfirmed {
		if !claim(txid) {
			log.Tracef("Tx %v conflicts with a canonical spend", txid)
		}
	}

	// Drop descendants of non canonical transactions until nothing
	// changes. Confirmed transactions are never dropped.
	for changed := true; changed; {
		changed = false
		for _, txid := range unconfirmed {
			if _, ok := v.canonical[txid]; !ok {
				continue
			}

			for _, in := range g.txs[txid].TxIn {
				parent := in.PreviousOutPoint.Hash
				if _, inGraph := g.txs[parent]; !inGraph {
					continue
				}
				if _, ok := v.canonical[parent]; ok {
					continue
				}

				delete(v.canonical, txid)
				for _, in := range g.txs[txid].TxIn {
					op := in.PreviousOutPoint
					if v.spentBy[op] == txid {
						delete(v.spentBy, op)
					}
				}
				changed = true

				break
			}
		}
	}

	return v
}

// Utxo is an unspent output paying a tracked script.
type Utxo struct {
	// OutPoint is the outpoint of the output.
	OutPoint wire.OutPoint

	// TxOut is the output.
	TxOut *wire.TxOut

	// Keychain and Index locate the script paid by the output.
	Keychain keychain.Keychain
	Index    uint32

	// Position is the chain position of the creating transaction.
	Position ChainPosition

	// IsCoinbase is true if the output was created by a coinbase.
	IsCoinbase bool
}

// Utxos returns the outputs paying tracked scripts that are created by a
// canonical transaction and not spent by one, sorted by outpoint.
func (g *Graph) Utxos(chain ChainView) []Utxo {
	return g.utxos(g.canonicalize(chain))
}

func (g *Graph) utxos(v *canonicalView) []Utxo {
	var utxos []Utxo
	for op, out := range g.index.outs {
		if _, ok := v.canonical[op.Hash]; !ok {
			continue
		}
		if _, spent := v.spentBy[op]; spent {
			continue
		}

		utxos = append(utxos, Utxo{
			OutPoint:   op,
			TxOut:      out.txOut,
			Keychain:   out.pos.kc,
			Index:      out.pos.index,
			Position:   v.positions[op.Hash],
			IsCoinbase: isCoinBase(g.txs[op.Hash]),
		})
	}

	slices.SortFunc(utxos, func(a, b Utxo) int {
		return cmp.Or(
			chaintypes.CompareHash(a.OutPoint.Hash, b.OutPoint.Hash),
			cmp.Compare(a.OutPoint.Index, b.OutPoint.Index),
		)
	})

	return utxos
}

// Balance splits the wallet funds by spendability.
type Balance struct {
	// Immature holds coinbase outputs that haven't reached maturity.
	Immature btcutil.Amount

	// TrustedPending holds unconfirmed outputs accepted by the trust
	// predicate, typically our own change.
	TrustedPending btcutil.Amount

	// UntrustedPending holds the remaining unconfirmed outputs.
	UntrustedPending btcutil.Amount

	// Confirmed holds confirmed, mature outputs.
	Confirmed btcutil.Amount
}

// TrustedSpendable is the amount that can be spent right away.
func (b Balance) TrustedSpendable() btcutil.Amount {
	return b.Confirmed + b.TrustedPending
}

// Total is the sum of all categories.
func (b Balance) Total() btcutil.Amount {
	return b.Immature + b.TrustedPending + b.UntrustedPending + b.Confirmed
}

// String returns a human readable balance.
func (b Balance) String() string {
	return fmt.Sprintf("confirmed=%v trusted_pending=%v "+
		"untrusted_pending=%v immature=%v", b.Confirmed,
		b.TrustedPending, b.UntrustedPending, b.Immature)
}

// TrustFunc decides whether an unconfirmed output counts as trusted.
type TrustFunc func(kc keychain.Keychain, out *wire.TxOut) bool

// TrustAll trusts every unconfirmed output.
func TrustAll(keychain.Keychain, *wire.TxOut) bool {
	return true
}

// Balance computes the balance of the canonical unspent outputs.
func (g *Graph) Balance(chain ChainView, trusted TrustFunc) Balance {
	if trusted == nil {
		trusted = TrustAll
	}

	var (
		bal Balance
		tip = chain.Tip().Height
	)
	for _, u := range g.Utxos(chain) {
		value := btcutil.Amount(u.TxOut.Value)

		switch {
		case u.Position.IsConfirmed() && u.IsCoinbase &&
			u.Position.Confirmations(tip) < CoinbaseMaturity:

			bal.Immature += value

		case u.Position.IsConfirmed():
			bal.Confirmed += value

		case trusted(u.Keychain, u.TxOut):
			bal.TrustedPending += value

		default:
			bal.UntrustedPending += value
		}
	}

	return bal
}

// TxDetails summarizes a graph transaction from the wallet's point of view.
type TxDetails struct {
	// Txid is the transaction id.
	Txid chainhash.Hash

	// Tx is the transaction body.
	Tx *wire.MsgTx

	// Position is the chain position of the transaction.
	Position ChainPosition

	// Canonical is false for transactions that lost a double spend or
	// descend from one.
	Canonical bool

	// Received is the sum of outputs paying tracked scripts.
	Received btcutil.Amount

	// Sent is the sum of tracked outputs spent by the transaction.
	Sent btcutil.Amount
}

// Transactions lists every graph transaction: unconfirmed ones first, most
// recently seen first, then confirmed ones from the highest block down.
func (g *Graph) Transactions(chain ChainView) []TxDetails {
	v := g.canonicalize(chain)

	details := make([]TxDetails, 0, len(g.txs))
	for txid, tx := range g.txs {
		_, canonical := v.canonical[txid]
		d := TxDetails{
			Txid:      txid,
			Tx:        tx,
			Position:  v.positions[txid],
			Canonical: canonical,
		}

		for i, out := range tx.TxOut {
			op := wire.OutPoint{Hash: txid, Index: uint32(i)}
			if _, ok := g.index.outs[op]; ok {
				d.Received += btcutil.Amount(out.Value)
			}
		}
		for _, in := range tx.TxIn {
			if out, ok := g.index.outs[in.PreviousOutPoint]; ok {
				d.Sent += btcutil.Amount(out.txOut.Value)
			}
		}

		details = append(details, d)
	}

	slices.SortFunc(details, func(a, b TxDetails) int {
		ac, bc := a.Position.IsConfirmed(), b.Position.IsConfirmed()
		switch {
		case !ac && bc:
			return -1
		case ac && !bc:
			return 1
		case ac && bc:
			return cmp.Or(
				cmp.Compare(b.Position.Anchor.Height,
					a.Position.Anchor.Height),
				chaintypes.CompareHash(a.Txid, b.Txid),
			)
		default:
			return cmp.Or(
				cmp.Compare(b.Position.LastSeen,
					a.Position.LastSeen),
				chaintypes.CompareHash(a.Txid, b.Txid),
			)
		}
	})

	return details
}
