// Package bitcoindoracle implements the chain oracle on top of a trusted
// bitcoind node reached over JSON-RPC, with optional ZMQ wake-ups.
package bitcoindoracle

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/lightningnetwork/walletsync/blockcache"
	"github.com/lightningnetwork/walletsync/chainoracle"
	"github.com/lightningnetwork/walletsync/chaintypes"
)

const (
	// DefaultBlockPollInterval is the default interval between two tip
	// polls.
	DefaultBlockPollInterval = 10 * time.Second

	// DefaultMempoolPollInterval is the default interval between two
	// mempool polls.
	DefaultMempoolPollInterval = 30 * time.Second

	// DefaultZMQReadDeadline is the default read deadline of the ZMQ
	// sockets.
	DefaultZMQReadDeadline = 5 * time.Second
)

// ErrOracleStopped is returned when registering with a stopped oracle.
var ErrOracleStopped = errors.New("bitcoind oracle stopped")

// Config holds the parameters of the bitcoind oracle.
type Config struct {
	// RPC is the bitcoind RPC client.
	RPC RPCClient

	// BlockCache caches the blocks fetched from bitcoind. Nil creates a
	// cache of blockcache.DefaultCapacity.
	BlockCache *blockcache.BlockCache

	// BlockPollInterval is the interval between two tip polls.
	BlockPollInterval time.Duration

	// MempoolPollInterval is the interval between two mempool polls. A
	// negative value disables mempool notifications.
	MempoolPollInterval time.Duration

	// ZMQBlockHost is the address of the bitcoind zmqpubrawblock
	// endpoint. Every block announced there triggers a tip poll.
	ZMQBlockHost string

	// ZMQTxHost is the address of the bitcoind zmqpubrawtx endpoint.
	// Transactions announced there are delivered right away.
	ZMQTxHost string

	// ZMQReadDeadline is the read deadline of the ZMQ sockets.
	ZMQReadDeadline time.Duration
}

// Oracle is a chainoracle.ChainOracle backed by bitcoind.
type Oracle struct {
	started atomic.Bool
	stopped atomic.Bool

	cfg Config

	// newTicker creates the poll tickers of the notifiers.
	newTicker func(time.Duration) ticker.Ticker

	mu        sync.Mutex
	notifiers map[uint64]*notifier
	nextID    uint64
}

// A compile time check to ensure Oracle implements the ChainOracle
// interface.
var _ chainoracle.ChainOracle = (*Oracle)(nil)

// New creates a bitcoind oracle.
func New(cfg Config) *Oracle {
	if cfg.BlockCache == nil {
		cfg.BlockCache = blockcache.NewBlockCache(
			blockcache.DefaultCapacity,
		)
	}
	if cfg.BlockPollInterval <= 0 {
		cfg.BlockPollInterval = DefaultBlockPollInterval
	}
	if cfg.MempoolPollInterval == 0 {
		cfg.MempoolPollInterval = DefaultMempoolPollInterval
	}
	if cfg.ZMQReadDeadline <= 0 {
		cfg.ZMQReadDeadline = DefaultZMQReadDeadline
	}

	return &Oracle{
		cfg: cfg,
		newTicker: func(interval time.Duration) ticker.Ticker {
			return ticker.New(interval)
		},
		notifiers: make(map[uint64]*notifier),
	}
}

// Start checks that bitcoind answers.
func (o *Oracle) Start() error {
	if !o.started.CompareAndSwap(false, true) {
		return nil
	}

	tip, err := o.GetTip(context.Background())
	if err != nil {
		return err
	}

	log.Infof("Bitcoind oracle started at tip %v", tip)

	return nil
}

// Stop destroys every notification registration and closes the RPC client.
func (o *Oracle) Stop() error {
	if !o.stopped.CompareAndSwap(false, true) {
		return nil
	}

	log.Info("Bitcoind oracle shutting down...")
	defer log.Debug("Bitcoind oracle shutdown complete")

	o.mu.Lock()
	notifiers := make([]*notifier, 0, len(o.notifiers))
	for _, n := range o.notifiers {
		notifiers = append(notifiers, n)
	}
	o.mu.Unlock()

	for _, n := range notifiers {
		n.destroy()
	}

	o.cfg.RPC.Shutdown()

	return nil
}

// header is the part of a block header the oracle walks chains with.
type header struct {
	hash   chainhash.Hash
	height uint32
	prev   chainhash.Hash

	// inMain is true if the block is part of bitcoind's best chain.
	inMain bool
}

func (o *Oracle) header(hash chainhash.Hash) (*header, error) {
	res, err := o.cfg.RPC.GetBlockHeaderVerbose(&hash)
	if err != nil {
		return nil, transportErr("getblockheader", err)
	}
	if res.Height < 0 {
		return nil, trustErr("getblockheader", fmt.Errorf("negative "+
			"height %d for block %v", res.Height, hash))
	}

	h := &header{
		hash:   hash,
		height: uint32(res.Height),
		inMain: res.Confirmations >= 0,
	}
	if res.Height > 0 {
		prev, err := chainhash.NewHashFromStr(res.PreviousHash)
		if err != nil {
			return nil, trustErr("getblockheader", err)
		}
		h.prev = *prev
	}

	return h, nil
}

// ancestor returns the hash of the block at height in the chain ending at
// tip. Once the walk reaches bitcoind's best chain, the height index is
// used.
func (o *Oracle) ancestor(tip chainhash.Hash,
	height uint32) (chainhash.Hash, error) {

	hdr, err := o.header(tip)
	if err != nil {
		return chainhash.Hash{}, err
	}
	if height > hdr.height {
		return chainhash.Hash{}, fmt.Errorf("height %d above tip %v "+
			"at %d", height, tip, hdr.height)
	}

	for hdr.height > height {
		if hdr.inMain {
			return o.blockHash(height)
		}

		hdr, err = o.header(hdr.prev)
		if err != nil {
			return chainhash.Hash{}, err
		}
	}

	return hdr.hash, nil
}

func (o *Oracle) blockHash(height uint32) (chainhash.Hash, error) {
	hash, err := o.cfg.RPC.GetBlockHash(int64(height))
	if err != nil {
		return chainhash.Hash{}, transportErr("getblockhash", err)
	}

	return *hash, nil
}

// GetTip returns the best block of bitcoind.
//
// NOTE: This is part of the chainoracle.ChainOracle interface.
func (o *Oracle) GetTip(context.Context) (chaintypes.BlockID, error) {
	hash, err := o.cfg.RPC.GetBestBlockHash()
	if err != nil {
		return chaintypes.BlockID{}, transportErr("getbestblockhash",
			err)
	}

	hdr, err := o.header(*hash)
	if err != nil {
		return chaintypes.BlockID{}, err
	}

	return chaintypes.BlockID{Height: hdr.height, Hash: hdr.hash}, nil
}

// IsInBestChain returns true if candidate is tip or one of its ancestors.
// Unknown blocks are in no chain.
//
// NOTE: This is part of the chainoracle.ChainOracle interface.
func (o *Oracle) IsInBestChain(_ context.Context, tip,
	candidate chainhash.Hash) (bool, error) {

	hdr, err := o.header(candidate)
	switch {
	case isNotFound(err):
		return false, nil

	case err != nil:
		return false, err
	}

	tipHdr, err := o.header(tip)
	if err != nil {
		return false, err
	}
	if hdr.height > tipHdr.height {
		return false, nil
	}

	hash, err := o.ancestor(tip, hdr.height)
	if err != nil {
		return false, err
	}

	return hash == candidate, nil
}

// HasBlocks returns true unless bitcoind pruned blocks at or above
// minHeight.
//
// NOTE: This is part of the chainoracle.ChainOracle interface.
func (o *Oracle) HasBlocks(_ context.Context, tip chainhash.Hash,
	minHeight uint32) (bool, error) {

	if _, err := o.header(tip); err != nil {
		if isNotFound(err) {
			return false, nil
		}

		return false, err
	}

	info, err := o.cfg.RPC.GetBlockChainInfo()
	if err != nil {
		return false, transportErr("getblockchaininfo", err)
	}
	if !info.Pruned {
		return true, nil
	}

	log.Debugf("Bitcoind prunes blocks below %d, need %d",
		info.PruneHeight, minHeight)

	return int64(minHeight) >= int64(info.PruneHeight), nil
}

// GetBlock returns the block at height in the chain ending at tip, through
// the block cache.
//
// NOTE: This is part of the chainoracle.ChainOracle interface.
func (o *Oracle) GetBlock(_ context.Context, tip chainhash.Hash,
	height uint32) (*wire.MsgBlock, error) {

	hash, err := o.ancestor(tip, height)
	if err != nil {
		return nil, err
	}

	return o.block(hash)
}

func (o *Oracle) block(hash chainhash.Hash) (*wire.MsgBlock, error) {
	block, err := o.cfg.BlockCache.GetBlock(&hash, o.cfg.RPC.GetBlock)
	if err != nil {
		return nil, transportErr("getblock", err)
	}
	if block.BlockHash() != hash {
		return nil, trustErr("getblock", fmt.Errorf("asked for block "+
			"%v, got %v", hash, block.BlockHash()))
	}

	return block, nil
}

// FindCommonAncestor returns the highest block both chains share. Unknown
// blocks or chains with different genesis blocks have none.
//
// NOTE: This is part of the chainoracle.ChainOracle interface.
func (o *Oracle) FindCommonAncestor(_ context.Context,
	a, b chainhash.Hash) (fn.Option[chaintypes.BlockID], error) {

	none := fn.None[chaintypes.BlockID]()

	hdrA, err := o.header(a)
	if err != nil {
		if isNotFound(err) {
			return none, nil
		}

		return none, err
	}
	hdrB, err := o.header(b)
	if err != nil {
		if isNotFound(err) {
			return none, nil
		}

		return none, err
	}

	height := min(hdrA.height, hdrB.height)
	if a, err = o.ancestor(a, height); err != nil {
		return none, err
	}
	if b, err = o.ancestor(b, height); err != nil {
		return none, err
	}

	for a != b {
		if height == 0 {
			return none, nil
		}

		if a, err = o.ancestor(a, height-1); err != nil {
			return none, err
		}
		if b, err = o.ancestor(b, height-1); err != nil {
			return none, err
		}
		height--
	}

	return fn.Some(chaintypes.BlockID{Height: height, Hash: a}), nil
}

// ShowProgress logs the progress. Bitcoind has no way to display it.
//
// NOTE: This is part of the chainoracle.ChainOracle interface.
func (o *Oracle) ShowProgress(_ context.Context, title string, percent int,
	resumable bool) error {

	log.Infof("%s: %d%% (resumable=%v)", title, percent, resumable)

	return nil
}

// FindCoins looks the outpoints up with gettxout, ignoring the mempool.
//
// NOTE: This is part of the chainoracle.ChainOracle interface.
func (o *Oracle) FindCoins(ctx context.Context,
	outpoints []wire.OutPoint) (map[wire.OutPoint][]byte, error) {

	tip, err := o.GetTip(ctx)
	if err != nil {
		return nil, err
	}

	coins := make(map[wire.OutPoint][]byte, len(outpoints))
	for _, op := range outpoints {
		res, err := o.cfg.RPC.GetTxOut(&op.Hash, op.Index, false)
		if err != nil {
			return nil, transportErr("gettxout", err)
		}
		if res == nil {
			continue
		}

		coin, err := coinFromTxOut(res, tip.Height)
		if err != nil {
			return nil, trustErr("gettxout", fmt.Errorf("%v: %w",
				op, err))
		}

		coins[op] = chainoracle.EncodeCoin(coin)
	}

	return coins, nil
}

// coinFromTxOut converts a gettxout result, with tipHeight the height its
// confirmations are relative to.
func coinFromTxOut(res *btcjson.GetTxOutResult,
	tipHeight uint32) (*chainoracle.Coin, error) {

	if res.Confirmations < 1 || res.Confirmations > int64(tipHeight)+1 {
		return nil, fmt.Errorf("invalid confirmation count %d",
			res.Confirmations)
	}

	amount, err := btcutil.NewAmount(res.Value)
	if err != nil {
		return nil, err
	}

	script, err := hex.DecodeString(res.ScriptPubKey.Hex)
	if err != nil {
		return nil, err
	}

	return &chainoracle.Coin{
		Height:   tipHeight + 1 - uint32(res.Confirmations),
		Coinbase: res.Coinbase,
		Amount:   amount,
		PkScript: script,
	}, nil
}

// BroadcastTransaction submits tx with sendrawtransaction. Errors returned
// by bitcoind are rejections, anything else is a transport failure.
//
// NOTE: This is part of the chainoracle.ChainOracle interface.
func (o *Oracle) BroadcastTransaction(_ context.Context,
	tx *wire.MsgTx) error {

	_, err := o.cfg.RPC.SendRawTransaction(tx, false)

	var rpcErr *btcjson.RPCError
	switch {
	case err == nil:
		return nil

	case errors.As(err, &rpcErr):
		return &chainoracle.BroadcastError{Reason: rpcErr.Message}

	default:
		return transportErr("sendrawtransaction", err)
	}
}

// RegisterNotifications starts following bitcoind for handler. Changes are
// reported relative to the tip at registration time.
//
// NOTE: This is part of the chainoracle.ChainOracle interface.
func (o *Oracle) RegisterNotifications(ctx context.Context,
	handler chainoracle.NotificationHandler) (chainoracle.Subscription,
	error) {

	if o.stopped.Load() {
		return nil, ErrOracleStopped
	}

	tip, err := o.GetTip(ctx)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.mu.Unlock()

	n := newNotifier(id, o, handler, tip)
	if err := n.start(); err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.notifiers[id] = n
	o.mu.Unlock()

	log.Infof("Notification registration %d following bitcoind from %v",
		id, tip)

	return n, nil
}

func (o *Oracle) remove(id uint64) {
	o.mu.Lock()
	delete(o.notifiers, id)
	o.mu.Unlock()
}
