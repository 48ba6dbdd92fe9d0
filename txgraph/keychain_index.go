package txgraph

import (
	"fmt"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/walletsync/keychain"
)

// DefaultLookahead is the number of scripts derived past the last revealed
// index of each keychain. Outputs paying a lookahead script are detected and
// reveal the script.
const DefaultLookahead = 25

// scriptPos is the position of a derived script.
type scriptPos struct {
	kc    keychain.Keychain
	index uint32
}

// ownedOut is an output paying one of the tracked scripts.
type ownedOut struct {
	pos   scriptPos
	txOut *wire.TxOut
}

// KeychainIndex tracks the scripts derived from each keychain, the revealed
// and used watermarks, and the outputs that pay to tracked scripts.
type KeychainIndex struct {
	derivers  map[keychain.Keychain]keychain.ScriptDeriver
	lookahead uint32

	// scripts maps every derived script to its position, and byPos is
	// the reverse.
	scripts map[string]scriptPos
	byPos   map[scriptPos][]byte

	// derived is the number of scripts derived so far per keychain.
	derived map[keychain.Keychain]uint32

	lastRevealed map[keychain.Keychain]uint32
	lastUsed     map[keychain.Keychain]uint32

	// used holds the positions that appear in an indexed output.
	used map[scriptPos]struct{}

	// outs holds every output known to pay a tracked script.
	outs map[wire.OutPoint]ownedOut
}

// newKeychainIndex creates an index for the given keychains and derives the
// initial lookahead window of each.
func newKeychainIndex(derivers map[keychain.Keychain]keychain.ScriptDeriver,
	lookahead uint32) (*KeychainIndex, error) {

	k := &KeychainIndex{
		derivers:     derivers,
		lookahead:    lookahead,
		scripts:      make(map[string]scriptPos),
		byPos:        make(map[scriptPos][]byte),
		derived:      make(map[keychain.Keychain]uint32),
		lastRevealed: make(map[keychain.Keychain]uint32),
		lastUsed:     make(map[keychain.Keychain]uint32),
		used:         make(map[scriptPos]struct{}),
		outs:         make(map[wire.OutPoint]ownedOut),
	}

	for kc := range derivers {
		if _, err := k.fillLookahead(kc); err != nil {
			return nil, err
		}
	}

	return k, nil
}

// LastRevealed returns the highest revealed index of the keychain.
func (k *KeychainIndex) LastRevealed(kc keychain.Keychain) fn.Option[uint32] {
	idx, ok := k.lastRevealed[kc]
	if !ok {
		return fn.None[uint32]()
	}

	return fn.Some(idx)
}

// LastUsed returns the highest index of the keychain seen in an output.
func (k *KeychainIndex) LastUsed(kc keychain.Keychain) fn.Option[uint32] {
	idx, ok := k.lastUsed[kc]
	if !ok {
		return fn.None[uint32]()
	}

	return fn.Some(idx)
}

// Keychains returns the number of keychains tracked by the index.
func (k *KeychainIndex) Keychains() int {
	return len(k.derivers)
}

// Script returns the script at the given position, deriving it if needed.
func (k *KeychainIndex) Script(kc keychain.Keychain,
	index uint32) ([]byte, error) {

	if spk, ok := k.byPos[scriptPos{kc, index}]; ok {
		return spk, nil
	}

	if _, err := k.deriveTo(kc, index+1); err != nil {
		return nil, err
	}

	return k.byPos[scriptPos{kc, index}], nil
}

// Lookup returns the keychain position of a script, if tracked.
func (k *KeychainIndex) Lookup(script []byte) (keychain.KeychainScript,
	bool) {

	pos, ok := k.scripts[string(script)]
	if !ok {
		return keychain.KeychainScript{}, false
	}

	return keychain.KeychainScript{
		Keychain: pos.kc,
		Index:    pos.index,
		Script:   script,
	}, true
}

// IsUsed returns true if the script at the position appears in an output.
func (k *KeychainIndex) IsUsed(kc keychain.Keychain, index uint32) bool {
	_, ok := k.used[scriptPos{kc, index}]

	return ok
}

// windowEnd returns the exclusive end of the tracked window of a keychain
// given its revealed watermark.
func (k *KeychainIndex) windowEnd(revealed fn.Option[uint32]) uint32 {
	next := fn.MapOptionZ(revealed, func(idx uint32) uint32 {
		return idx + 1
	})

	end := uint64(next) + uint64(k.lookahead)
	if end > uint64(keychain.MaxIndex)+1 {
		end = uint64(keychain.MaxIndex) + 1
	}

	return uint32(end)
}

// fillLookahead derives the lookahead window above the revealed watermark.
// It returns the newly derived scripts.
func (k *KeychainIndex) fillLookahead(kc keychain.Keychain) ([][]byte,
	error) {

	return k.deriveTo(kc, k.windowEnd(k.LastRevealed(kc)))
}

// deriveTo derives scripts of the keychain up to the exclusive end index and
// returns the newly derived ones. Derived scripts are a cache: they carry no
// state that needs persisting.
func (k *KeychainIndex) deriveTo(kc keychain.Keychain, end uint32) ([][]byte,
	error) {

	deriver, ok := k.derivers[kc]
	if !ok {
		return nil, fmt.Errorf("%w: %v", keychain.ErrUnknownKeychain, kc)
	}

	var fresh [][]byte
	for i := k.derived[kc]; i < end; i++ {
		spk, err := deriver.DeriveScript(i)
		if err != nil {
			return nil, fmt.Errorf("derive %v/%d: %w", kc, i, err)
		}

		pos := scriptPos{kc: kc, index: i}
		k.scripts[string(spk)] = pos
		k.byPos[pos] = spk
		k.derived[kc] = i + 1
		fresh = append(fresh, spk)
	}

	return fresh, nil
}

// raiseRevealed applies a revealed watermark and extends the lookahead.
func (k *KeychainIndex) raiseRevealed(kc keychain.Keychain,
	index uint32) ([][]byte, error) {

	if cur, ok := k.lastRevealed[kc]; !ok || index > cur {
		k.lastRevealed[kc] = index
	}

	return k.fillLookahead(kc)
}

// raiseUsed applies a used watermark.
func (k *KeychainIndex) raiseUsed(kc keychain.Keychain, index uint32) {
	if cur, ok := k.lastUsed[kc]; !ok || index > cur {
		k.lastUsed[kc] = index
	}
}

// indexTx records the outputs of tx that pay tracked scripts.
func (k *KeychainIndex) indexTx(tx *wire.MsgTx) {
	txid := tx.TxHash()
	for i, out := range tx.TxOut {
		pos, ok := k.scripts[string(out.PkScript)]
		if !ok {
			continue
		}

		op := wire.OutPoint{Hash: txid, Index: uint32(i)}
		k.outs[op] = ownedOut{pos: pos, txOut: out}
		k.used[pos] = struct{}{}
	}
}
