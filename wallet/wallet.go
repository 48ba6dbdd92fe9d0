// Package wallet holds the wallet aggregate: the local best chain, the graph
// of wallet transactions and the change set log they are persisted to. Every
// mutation goes through a single lock and follows the same sequence: plan the
// change set against the current state, append it to the log and only then
// apply it in memory. A failed append leaves the in-memory state equal to
// what is on disk.
package wallet

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/walletsync/changeset"
	"github.com/lightningnetwork/walletsync/chaintypes"
	"github.com/lightningnetwork/walletsync/keychain"
	"github.com/lightningnetwork/walletsync/localchain"
	"github.com/lightningnetwork/walletsync/logstore"
	"github.com/lightningnetwork/walletsync/subscribe"
	"github.com/lightningnetwork/walletsync/txgraph"
)

var (
	// ErrNoChainParams is returned when the config carries no network.
	ErrNoChainParams = errors.New("wallet config has no chain params")

	// ErrNoStore is returned when the config carries no change set store.
	ErrNoStore = errors.New("wallet config has no store")

	// ErrWrongNetwork is returned when the store was written for a chain
	// with another genesis block.
	ErrWrongNetwork = errors.New("store belongs to another network")

	// ErrNoAddress is returned when a script has no address encoding.
	ErrNoAddress = errors.New("script has no address encoding")
)

// Config holds everything the wallet needs. Nothing is read from globals.
type Config struct {
	// ChainParams is the network the wallet lives on. Its genesis block is
	// the root of the local chain.
	ChainParams *chaincfg.Params

	// Keychains maps every tracked keychain to the deriver of its scripts.
	Keychains map[keychain.Keychain]keychain.ScriptDeriver

	// Lookahead is the number of scripts derived past the last revealed
	// index of each keychain. Zero selects txgraph.DefaultLookahead.
	Lookahead uint32

	// Store is the change set log. The wallet replays it on creation and
	// owns it afterwards.
	Store logstore.Store

	// Clock stamps unconfirmed transactions with the time they were seen.
	Clock clock.Clock

	// Trusted decides whether an unconfirmed output counts as trusted
	// pending balance. Nil trusts every output.
	Trusted txgraph.TrustFunc
}

// Update is sent to subscribers after every committed change set.
type Update struct {
	// Tip is the local tip once the change set was applied.
	Tip chaintypes.BlockID

	// ChangeSet is the committed change set. It must not be modified.
	ChangeSet *changeset.ChangeSet
}

// Wallet is the wallet aggregate. It is safe for concurrent use.
type Wallet struct {
	started atomic.Bool
	stopped atomic.Bool

	cfg *Config

	// mu guards the chain and the graph, and serialises appends.
	mu    sync.Mutex
	chain *localchain.LocalChain
	graph *txgraph.Graph

	updates *subscribe.Server[*Update]
}

// New builds the wallet by replaying every change set of the store over a
// genesis only chain and an empty graph. A fresh store is initialised with
// the genesis block of the configured network.
func New(cfg *Config) (*Wallet, error) {
	switch {
	case cfg.ChainParams == nil:
		return nil, ErrNoChainParams

	case cfg.Store == nil:
		return nil, ErrNoStore
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.Trusted == nil {
		cfg.Trusted = txgraph.TrustAll
	}

	graph, err := txgraph.New(txgraph.Config{
		Keychains: cfg.Keychains,
		Lookahead: cfg.Lookahead,
	})
	if err != nil {
		return nil, err
	}

	w := &Wallet{
		cfg:     cfg,
		chain:   localchain.New(*cfg.ChainParams.GenesisHash),
		graph:   graph,
		updates: subscribe.NewServer[*Update](),
	}

	count, err := w.replay()
	if err != nil {
		return nil, err
	}

	if count == 0 {
		log.Infof("Initialising new wallet on %v", cfg.ChainParams.Name)

		initial := &changeset.ChangeSet{}
		initial.Chain.Set(0, *cfg.ChainParams.GenesisHash)
		if err := cfg.Store.Append(initial); err != nil {
			return nil, fmt.Errorf("unable to persist genesis: %w",
				err)
		}
	}

	log.Infof("Wallet loaded from %d change sets: tip=%v, txs=%d", count,
		w.chain.Tip(), w.graph.Len())

	return w, nil
}

// replay applies every stored change set in order.
func (w *Wallet) replay() (int, error) {
	var count int
	for cs, err := range w.cfg.Store.Replay() {
		if err != nil {
			return count, fmt.Errorf("unable to replay store: %w",
				err)
		}

		err := w.chain.ApplyChangeSet(cs.Chain)
		switch {
		case errors.Is(err, localchain.ErrGenesisMismatch):
			return count, fmt.Errorf("%w: expected genesis %v",
				ErrWrongNetwork, w.chain.Genesis().Hash)

		case err != nil:
			return count, fmt.Errorf("change set %d: %w", count,
				err)
		}

		if err := w.graph.ApplyChangeSet(cs.Graph); err != nil {
			return count, fmt.Errorf("change set %d: %w", count,
				err)
		}

		count++
	}

	return count, nil
}

// Start starts the update server.
func (w *Wallet) Start() error {
	if !w.started.CompareAndSwap(false, true) {
		return nil
	}

	log.Info("Wallet starting")

	return w.updates.Start()
}

// Stop stops the update server and closes the store.
func (w *Wallet) Stop() error {
	if !w.stopped.CompareAndSwap(false, true) {
		return nil
	}

	log.Info("Wallet shutting down...")
	defer log.Debug("Wallet shutdown complete")

	if err := w.updates.Stop(); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	return w.cfg.Store.Close()
}

// SubscribeUpdates returns a client receiving every committed change set.
func (w *Wallet) SubscribeUpdates() (*subscribe.Client[*Update], error) {
	return w.updates.Subscribe()
}

// commit persists the change set and applies it. It must be called with the
// lock held, and cs must have been planned against the current state.
func (w *Wallet) commit(cs *changeset.ChangeSet) error {
	if cs.IsEmpty() {
		return nil
	}

	log.Tracef("Committing change set: %v", newLogClosure(func() string {
		return spew.Sdump(cs)
	}))

	if err := w.cfg.Store.Append(cs); err != nil {
		return fmt.Errorf("unable to persist change set: %w", err)
	}

	// The change set was planned against the state we hold the lock on,
	// so applying it can only fail on a bug. The store already has it, so
	// the next restart will see it either way.
	if err := w.chain.ApplyChangeSet(cs.Chain); err != nil {
		return fmt.Errorf("unable to apply persisted chain delta: %w",
			err)
	}
	if err := w.graph.ApplyChangeSet(cs.Graph); err != nil {
		return fmt.Errorf("unable to apply persisted graph delta: %w",
			err)
	}

	if w.started.Load() {
		err := w.updates.SendUpdate(&Update{
			Tip:       w.chain.Tip(),
			ChangeSet: cs,
		})
		shuttingDown := errors.Is(err, subscribe.ErrServerShuttingDown)
		if err != nil && !shuttingDown {
			log.Warnf("Unable to send wallet update: %v", err)
		}
	}

	return nil
}

// ApplyBlock connects the block on top of the local tip and adds the wallet
// transactions it contains. The block header must commit to the current tip.
// Applying a block that is already connected returns an empty change set.
func (w *Wallet) ApplyBlock(block *wire.MsgBlock,
	height uint32) (*changeset.ChangeSet, error) {

	w.mu.Lock()
	defer w.mu.Unlock()

	chainDelta, err := w.chain.PlanHeader(&block.Header, height)
	if err != nil {
		return nil, err
	}

	graphDelta, err := w.graph.PlanBlockRelevant(block, height)
	if err != nil {
		return nil, err
	}

	cs := &changeset.ChangeSet{Chain: chainDelta, Graph: graphDelta}
	if err := w.commit(cs); err != nil {
		return nil, err
	}

	log.Debugf("Applied block %v at height %d: %d wallet txs",
		block.BlockHash(), height, len(graphDelta.Txs))

	return cs, nil
}

// ApplyUnconfirmedTx adds tx as unconfirmed, stamped with the current time,
// if it is relevant to the wallet. A confirmed transaction stays confirmed.
func (w *Wallet) ApplyUnconfirmedTx(
	tx *wire.MsgTx) (*changeset.ChangeSet, error) {

	w.mu.Lock()
	defer w.mu.Unlock()

	seenAt := w.cfg.Clock.Now().Unix()
	graphDelta, err := w.graph.PlanUnconfirmed(tx, seenAt)
	if err != nil {
		return nil, err
	}

	cs := &changeset.ChangeSet{Graph: graphDelta}
	if err := w.commit(cs); err != nil {
		return nil, err
	}

	if !graphDelta.IsEmpty() {
		log.Debugf("Applied unconfirmed tx %v", tx.TxHash())
	}

	return cs, nil
}

// DisconnectFrom removes the given block and everything above it from the
// local chain. Transactions anchored in those blocks become unconfirmed.
func (w *Wallet) DisconnectFrom(
	id chaintypes.BlockID) (*changeset.ChangeSet, error) {

	w.mu.Lock()
	defer w.mu.Unlock()

	chainDelta, err := w.chain.PlanDisconnect(id)
	if err != nil {
		return nil, err
	}

	cs := &changeset.ChangeSet{Chain: chainDelta}
	if err := w.commit(cs); err != nil {
		return nil, err
	}

	if len(chainDelta) > 0 {
		log.Infof("Disconnected %d blocks from %v, new tip %v",
			len(chainDelta), id, w.chain.Tip())
	}

	return cs, nil
}

// Reset rewinds the local chain to the genesis block.
func (w *Wallet) Reset() (*changeset.ChangeSet, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cs := &changeset.ChangeSet{Chain: w.chain.PlanReset()}
	if err := w.commit(cs); err != nil {
		return nil, err
	}

	log.Infof("Rewound local chain to genesis, dropped %d blocks",
		len(cs.Chain))

	return cs, nil
}

// Tip returns the local best block.
func (w *Wallet) Tip() chaintypes.BlockID {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.chain.Tip()
}

// Genesis returns the genesis block of the local chain.
func (w *Wallet) Genesis() chaintypes.BlockID {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.chain.Genesis()
}

// BlockAt returns the local block at the given height, if any.
func (w *Wallet) BlockAt(height uint32) (chaintypes.BlockID, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	hash := w.chain.Get(height)
	if hash.IsNone() {
		return chaintypes.BlockID{}, false
	}

	return chaintypes.BlockID{
		Height: height,
		Hash:   hash.UnwrapOr(chainhash.Hash{}),
	}, true
}

// CheckPoint returns a snapshot of the local chain. The snapshot stays
// valid after later mutations.
func (w *Wallet) CheckPoint() localchain.CheckPoint {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.chain.TipCheckPoint()
}

// Address is a revealed wallet script along with its address encoding.
type Address struct {
	keychain.KeychainScript

	// Address is the encoding of the script on the wallet network.
	Address btcutil.Address
}

// NextAddress reveals a new script of the keychain.
func (w *Wallet) NextAddress(kc keychain.Keychain) (*Address, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	script, delta, err := w.graph.PlanRevealNext(kc)
	if err != nil {
		return nil, err
	}

	return w.commitAddress(script, delta)
}

// NextUnusedAddress returns the lowest revealed script of the keychain that
// never received funds, revealing a new one if all of them did.
func (w *Wallet) NextUnusedAddress(kc keychain.Keychain) (*Address, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	script, delta, err := w.graph.PlanNextUnused(kc)
	if err != nil {
		return nil, err
	}

	return w.commitAddress(script, delta)
}

func (w *Wallet) commitAddress(script keychain.KeychainScript,
	delta txgraph.GraphDelta) (*Address, error) {

	addr, err := scriptAddress(script.Script, w.cfg.ChainParams)
	if err != nil {
		return nil, err
	}

	if err := w.commit(&changeset.ChangeSet{Graph: delta}); err != nil {
		return nil, err
	}

	return &Address{KeychainScript: script, Address: addr}, nil
}

// scriptAddress encodes a single key output script as an address.
func scriptAddress(script []byte,
	params *chaincfg.Params) (btcutil.Address, error) {

	_, addrs, _, err := txscript.ExtractPkScriptAddrs(script, params)
	if err != nil {
		return nil, err
	}
	if len(addrs) != 1 {
		return nil, fmt.Errorf("%w: %x", ErrNoAddress, script)
	}

	return addrs[0], nil
}

// Balance returns the wallet balance on the local chain.
func (w *Wallet) Balance() txgraph.Balance {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.graph.Balance(w.chain, w.cfg.Trusted)
}

// Utxos returns the unspent wallet outputs on the local chain.
func (w *Wallet) Utxos() []txgraph.Utxo {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.graph.Utxos(w.chain)
}

// Transactions lists every wallet transaction, including the ones that
// aren't canonical anymore.
func (w *Wallet) Transactions() []txgraph.TxDetails {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.graph.Transactions(w.chain)
}

// ChainPosition returns the position of the transaction on the local chain.
func (w *Wallet) ChainPosition(txid chainhash.Hash) txgraph.ChainPosition {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.graph.ChainPosition(txid, w.chain)
}

// Tx returns a wallet transaction.
func (w *Wallet) Tx(txid chainhash.Hash) (*wire.MsgTx, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.graph.Tx(txid)
}

// Watermarks returns the last revealed and the last used index of the
// keychain.
func (w *Wallet) Watermarks(kc keychain.Keychain) (fn.Option[uint32],
	fn.Option[uint32]) {

	w.mu.Lock()
	defer w.mu.Unlock()

	idx := w.graph.Index()

	return idx.LastRevealed(kc), idx.LastUsed(kc)
}
