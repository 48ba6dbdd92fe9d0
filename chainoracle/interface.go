// Package chainoracle defines the trusted chain data source the wallet
// mirrors, and the notification interface the source drives.
package chainoracle

import (
	"context"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/walletsync/chaintypes"
)

// ChainOracle is the trusted source of chain data. Every method may fail
// with a *TransportError when the source can't be reached, or a *TrustError
// when it returns data that can't be decoded.
type ChainOracle interface {
	// GetTip returns the best block of the oracle.
	GetTip(ctx context.Context) (chaintypes.BlockID, error)

	// IsInBestChain returns true if candidate is the block tip or one of
	// its ancestors.
	IsInBestChain(ctx context.Context, tip,
		candidate chainhash.Hash) (bool, error)

	// HasBlocks returns true if the oracle still holds the full blocks of
	// every height from minHeight up to tip.
	HasBlocks(ctx context.Context, tip chainhash.Hash,
		minHeight uint32) (bool, error)

	// GetBlock returns the block at the given height of the chain ending
	// at tip.
	GetBlock(ctx context.Context, tip chainhash.Hash,
		height uint32) (*wire.MsgBlock, error)

	// FindCommonAncestor returns the highest block that both a and b
	// descend from, if the oracle knows one.
	FindCommonAncestor(ctx context.Context,
		a, b chainhash.Hash) (fn.Option[chaintypes.BlockID], error)

	// ShowProgress reports the progress of a long running operation to
	// the oracle's user.
	ShowProgress(ctx context.Context, title string, percent int,
		resumable bool) error

	// FindCoins looks up the given outpoints in the oracle's unspent
	// output set. Unknown or spent outpoints are left out of the result.
	// Every returned coin is encoded with EncodeCoin.
	FindCoins(ctx context.Context,
		outpoints []wire.OutPoint) (map[wire.OutPoint][]byte, error)

	// BroadcastTransaction submits tx to the oracle's mempool. A rejection
	// is returned as a *BroadcastError.
	BroadcastTransaction(ctx context.Context, tx *wire.MsgTx) error

	// RegisterNotifications starts delivering chain events to handler.
	// The registration is acknowledged once the call returns.
	RegisterNotifications(ctx context.Context,
		handler NotificationHandler) (Subscription, error)
}

// Subscription is an active notification registration.
type Subscription interface {
	// Cancel stops the delivery of notifications. It blocks until no
	// handler call is in flight.
	Cancel()
}

// NotificationHandler receives chain events from the oracle. Calls may come
// from different goroutines. Raw payloads use the bitcoin wire encoding.
type NotificationHandler interface {
	// TransactionAddedToMempool is called when a transaction enters the
	// oracle's mempool.
	TransactionAddedToMempool(rawTx []byte) error

	// TransactionRemovedFromMempool is called when a transaction leaves
	// the mempool for any reason.
	TransactionRemovedFromMempool(txid chainhash.Hash) error

	// BlockConnected is called when a block becomes the new tip.
	BlockConnected(height uint32, rawBlock []byte) error

	// BlockDisconnected is called when the tip block is disconnected.
	BlockDisconnected(height uint32, hash chainhash.Hash) error

	// UpdatedBlockTip is called when the best tip changed.
	UpdatedBlockTip() error

	// ChainStateFlushed is called when the oracle flushed its chain state
	// to disk.
	ChainStateFlushed() error

	// Destroy is called when the oracle tears the registration down. No
	// other call follows.
	Destroy()
}
