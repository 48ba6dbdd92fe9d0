// Package chainio turns the chain events pushed by the oracle into wallet
// mutations.
package chainio

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/walletsync/chainoracle"
	"github.com/lightningnetwork/walletsync/changeset"
	"github.com/lightningnetwork/walletsync/chaintypes"
	"github.com/lightningnetwork/walletsync/localchain"
	"github.com/lightningnetwork/walletsync/logstore"
)

var (
	// ErrNotLive is returned for notifications received before the
	// dispatcher went live.
	ErrNotLive = errors.New("dispatcher is not live")

	// ErrDestroyed is returned for notifications received after the
	// registration was torn down.
	ErrDestroyed = errors.New("dispatcher registration destroyed")

	// ErrAlreadyLive is returned when going live twice.
	ErrAlreadyLive = errors.New("dispatcher is already live")
)

// Target is the state live notifications are applied to.
type Target interface {
	// ApplyBlock connects the block on top of the tip.
	ApplyBlock(block *wire.MsgBlock,
		height uint32) (*changeset.ChangeSet, error)

	// ApplyUnconfirmedTx adds an unconfirmed transaction.
	ApplyUnconfirmedTx(tx *wire.MsgTx) (*changeset.ChangeSet, error)

	// DisconnectFrom disconnects the block and everything above it.
	DisconnectFrom(id chaintypes.BlockID) (*changeset.ChangeSet, error)
}

// Config holds the dependencies of a Dispatcher.
type Config struct {
	// Target receives the mutations.
	Target Target

	// RequestResync is called when the local chain may have fallen behind
	// the oracle: on tip updates and chain state flushes when
	// ResyncOnTipUpdate is set, and on blocks that don't connect. It is
	// called with the dispatcher lock held and must not block. Nil
	// disables resync requests.
	RequestResync func()

	// ResyncOnTipUpdate makes tip updates and chain state flushes request
	// a resync.
	ResyncOnTipUpdate bool
}

// Dispatcher maps oracle notifications onto the wallet. Notifications are
// handled one at a time, and only once the dispatcher is live.
//
// NOTE: Dispatcher implements chainoracle.NotificationHandler.
type Dispatcher struct {
	cfg Config

	// mu serialises notification handling with the registration barrier
	// and with resyncs.
	mu sync.Mutex

	live      atomic.Bool
	destroyed atomic.Bool

	// pendingMu guards the mempool transactions held back while the
	// registration is processed. Reconcile only covers the chain, so they
	// are applied once the dispatcher is live.
	pendingMu sync.Mutex
	buffering bool
	pending   []*wire.MsgTx

	done     chan struct{}
	doneOnce sync.Once
}

// A compile time check to ensure Dispatcher implements the
// chainoracle.NotificationHandler interface.
var _ chainoracle.NotificationHandler = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher that is not live yet.
func NewDispatcher(cfg Config) *Dispatcher {
	return &Dispatcher{
		cfg:  cfg,
		done: make(chan struct{}),
	}
}

// GoLive registers the dispatcher with the oracle and starts accepting
// notifications. The dispatcher lock is held for the whole call, so no
// notification is applied until reconcile has brought the target up to date
// with whatever happened while registering. Chain notifications arriving
// before register returns are rejected with ErrNotLive, mempool additions are
// held back and applied after reconcile. Notifications arriving after
// register returns wait for the lock.
func (d *Dispatcher) GoLive(register func() error,
	reconcile func() error) error {

	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case d.destroyed.Load():
		return ErrDestroyed

	case d.live.Load():
		return ErrAlreadyLive
	}

	d.pendingMu.Lock()
	d.buffering = true
	d.pendingMu.Unlock()

	if err := register(); err != nil {
		d.takePending()
		return fmt.Errorf("unable to register notifications: %w", err)
	}

	// Going live before the buffer is closed means a mempool addition
	// either lands in the buffer or waits for the lock.
	d.live.Store(true)
	pending := d.takePending()
	clog.Info("Notification registration acknowledged, reconciling")

	if err := reconcile(); err != nil {
		return fmt.Errorf("post registration reconcile: %w", err)
	}

	if len(pending) > 0 {
		clog.Debugf("Applying %d mempool transactions received while "+
			"registering", len(pending))
	}
	for _, tx := range pending {
		n := TxAddedToMempool{Tx: tx}
		if err := d.Dispatch(n); err != nil {
			d.logFailure(n, err)
		}
	}

	clog.Info("Dispatcher is live")

	return nil
}

// takePending closes the mempool buffer and returns its content.
func (d *Dispatcher) takePending() []*wire.MsgTx {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()

	pending := d.pending
	d.buffering = false
	d.pending = nil

	return pending
}

// holdBack buffers a mempool addition received while registering. It reports
// whether the notification was buffered and, if not, whether the dispatcher
// is live by now.
func (d *Dispatcher) holdBack(n Notification) (bool, bool) {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()

	if add, ok := n.(TxAddedToMempool); ok && d.buffering {
		d.pending = append(d.pending, add.Tx)
		return true, false
	}

	return false, d.live.Load()
}

// Exclusive runs f with the dispatcher lock held, so no notification is
// applied concurrently.
func (d *Dispatcher) Exclusive(f func() error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return f()
}

// IsLive returns true once the dispatcher accepts notifications.
func (d *Dispatcher) IsLive() bool {
	return d.live.Load() && !d.destroyed.Load()
}

// Done is closed once the oracle destroyed the registration.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Deliver applies a notification. It is the entry point of every oracle
// callback.
func (d *Dispatcher) Deliver(n Notification) error {
	switch {
	case d.destroyed.Load():
		return ErrDestroyed

	case !d.live.Load():
		buffered, live := d.holdBack(n)
		if buffered {
			clog.Debugf("Holding back %v until live", n)
			return nil
		}
		if !live {
			clog.Debugf("Dropping %v received before going live",
				n)

			return ErrNotLive
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	err := d.Dispatch(n)
	if err != nil {
		d.logFailure(n, err)
	}

	return err
}

// logFailure logs a failed notification. Storage faults and untrustworthy
// oracle data are critical, which shuts the daemon down. Anything else only
// loses this notification.
func (d *Dispatcher) logFailure(n Notification, err error) {
	var (
		storageErr *logstore.StorageError
		trustErr   *chainoracle.TrustError
	)
	switch {
	case errors.As(err, &storageErr),
		errors.Is(err, logstore.ErrStoreClosed):

		clog.Criticalf("Unable to persist %v: %v", n, err)

	case errors.As(err, &trustErr):
		clog.Criticalf("Oracle sent invalid data in %v: %v", n, err)

	case errors.Is(err, localchain.ErrDisconnected):
		clog.Warnf("Unable to apply %v: %v, requesting resync", n, err)
		d.requestResync()

	default:
		clog.Errorf("Unable to apply %v: %v", n, err)
	}
}

func (d *Dispatcher) requestResync() {
	if d.cfg.RequestResync != nil {
		d.cfg.RequestResync()
	}
}

// Dispatch maps the notification onto the target. It must be called with
// the dispatcher lock held, except for Destroy.
func (d *Dispatcher) Dispatch(n Notification) error {
	clog.Tracef("Dispatching %v", n)

	switch n := n.(type) {
	case TxAddedToMempool:
		_, err := d.cfg.Target.ApplyUnconfirmedTx(n.Tx)
		return err

	case TxRemovedFromMempool:
		// The graph only grows. Leaving the mempool doesn't mean the
		// transaction is invalid.
		clog.Debugf("Transaction %v left the mempool", n.Txid)
		return nil

	case BlockConnected:
		cs, err := d.cfg.Target.ApplyBlock(n.Block, n.Height)
		if err != nil {
			return err
		}
		if cs.IsEmpty() {
			clog.Debugf("Block %d already known", n.Height)
		}

		return nil

	case BlockDisconnected:
		_, err := d.cfg.Target.DisconnectFrom(n.Block)
		return err

	case UpdatedBlockTip, ChainStateFlushed:
		if d.cfg.ResyncOnTipUpdate {
			d.requestResync()
		}

		return nil

	case Destroy:
		d.destroy()
		return nil

	default:
		return fmt.Errorf("unknown notification %T", n)
	}
}

// destroy stops accepting notifications and signals Done.
func (d *Dispatcher) destroy() {
	d.destroyed.Store(true)
	d.live.Store(false)
	d.doneOnce.Do(func() {
		clog.Info("Notification registration destroyed by the oracle")
		close(d.done)
	})
}

// TransactionAddedToMempool decodes the transaction and delivers it.
//
// NOTE: This is part of the chainoracle.NotificationHandler interface.
func (d *Dispatcher) TransactionAddedToMempool(rawTx []byte) error {
	tx := &wire.MsgTx{}
	if err := tx.Deserialize(bytes.NewReader(rawTx)); err != nil {
		err = &chainoracle.TrustError{Op: "mempool tx", Err: err}
		clog.Criticalf("Undecodable mempool transaction: %v", err)

		return err
	}

	return d.Deliver(TxAddedToMempool{Tx: tx})
}

// TransactionRemovedFromMempool delivers the removal.
//
// NOTE: This is part of the chainoracle.NotificationHandler interface.
func (d *Dispatcher) TransactionRemovedFromMempool(txid chainhash.Hash) error {
	return d.Deliver(TxRemovedFromMempool{Txid: txid})
}

// BlockConnected decodes the block and delivers it.
//
// NOTE: This is part of the chainoracle.NotificationHandler interface.
func (d *Dispatcher) BlockConnected(height uint32, rawBlock []byte) error {
	block := &wire.MsgBlock{}
	if err := block.Deserialize(bytes.NewReader(rawBlock)); err != nil {
		err = &chainoracle.TrustError{Op: "block connected", Err: err}
		clog.Criticalf("Undecodable block at height %d: %v", height,
			err)

		return err
	}

	return d.Deliver(BlockConnected{Height: height, Block: block})
}

// BlockDisconnected delivers the disconnection.
//
// NOTE: This is part of the chainoracle.NotificationHandler interface.
func (d *Dispatcher) BlockDisconnected(height uint32,
	hash chainhash.Hash) error {

	return d.Deliver(BlockDisconnected{
		Block: chaintypes.BlockID{Height: height, Hash: hash},
	})
}

// UpdatedBlockTip delivers the tip update.
//
// NOTE: This is part of the chainoracle.NotificationHandler interface.
func (d *Dispatcher) UpdatedBlockTip() error {
	return d.Deliver(UpdatedBlockTip{})
}

// ChainStateFlushed delivers the flush.
//
// NOTE: This is part of the chainoracle.NotificationHandler interface.
func (d *Dispatcher) ChainStateFlushed() error {
	return d.Deliver(ChainStateFlushed{})
}

// Destroy tears the dispatcher down. It is accepted even before going live,
// and doesn't wait for the notification in flight.
//
// NOTE: This is part of the chainoracle.NotificationHandler interface.
func (d *Dispatcher) Destroy() {
	_ = d.Dispatch(Destroy{})
}
