// Package oracletest provides an in-memory chain oracle with forks, pruning
// and notification delivery for tests.
package oracletest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/walletsync/chainoracle"
	"github.com/lightningnetwork/walletsync/chaintypes"
	"github.com/stretchr/testify/require"
)

// ErrUnknownBlock is returned for hashes the oracle never saw.
var ErrUnknownBlock = errors.New("unknown block")

var nonce atomic.Uint32

// NewBlock builds a block on top of prev holding txs. Every block gets a
// fresh nonce so sibling blocks never share a hash.
func NewBlock(prev chaintypes.BlockID, txs ...*wire.MsgTx) *wire.MsgBlock {
	b := &wire.MsgBlock{
		Header: wire.BlockHeader{
			Version:   4,
			PrevBlock: prev.Hash,
			Timestamp: time.Unix(
				1700000000+int64(prev.Height+1)*600, 0,
			),
			Bits:  0x207fffff,
			Nonce: nonce.Add(1),
		},
	}
	for _, tx := range txs {
		_ = b.AddTransaction(tx)
	}

	return b
}

// Oracle is an in-memory chainoracle.ChainOracle. Blocks form a tree rooted
// at the genesis block, one leaf of which is the best tip.
type Oracle struct {
	t testing.TB

	mu sync.Mutex

	blocks  map[chainhash.Hash]*wire.MsgBlock
	heights map[chainhash.Hash]uint32
	genesis chainhash.Hash
	best    chainhash.Hash

	pruneHeight uint32
	fetches     map[chainhash.Hash]int

	coins      map[wire.OutPoint][]byte
	broadcasts []*wire.MsgTx
	rejectWith string

	progress []int

	// failWith makes every call fail with a transport error when set.
	failWith error

	handler    chainoracle.NotificationHandler
	onRegister func()
}

// A compile time check to ensure Oracle implements the ChainOracle
// interface.
var _ chainoracle.ChainOracle = (*Oracle)(nil)

// New returns an oracle holding only the genesis block of params.
func New(t testing.TB, params *chaincfg.Params) *Oracle {
	genesis := *params.GenesisHash

	return &Oracle{
		t: t,
		blocks: map[chainhash.Hash]*wire.MsgBlock{
			genesis: params.GenesisBlock,
		},
		heights: map[chainhash.Hash]uint32{genesis: 0},
		genesis: genesis,
		best:    genesis,
		fetches: make(map[chainhash.Hash]int),
		coins:   make(map[wire.OutPoint][]byte),
	}
}

// Genesis returns the genesis block.
func (o *Oracle) Genesis() chaintypes.BlockID {
	return chaintypes.BlockID{Hash: o.genesis}
}

// Tip returns the current best block.
func (o *Oracle) Tip() chaintypes.BlockID {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.id(o.best)
}

func (o *Oracle) id(hash chainhash.Hash) chaintypes.BlockID {
	return chaintypes.BlockID{Height: o.heights[hash], Hash: hash}
}

// AddBlock adds a block whose parent is known, without changing the tip.
func (o *Oracle) AddBlock(b *wire.MsgBlock) chaintypes.BlockID {
	o.mu.Lock()
	defer o.mu.Unlock()

	parentHeight, ok := o.heights[b.Header.PrevBlock]
	require.Truef(o.t, ok, "parent %v of test block unknown",
		b.Header.PrevBlock)

	hash := b.BlockHash()
	o.blocks[hash] = b
	o.heights[hash] = parentHeight + 1

	return o.id(hash)
}

// Extend builds n empty blocks on top of from and returns them. The blocks
// are added but the tip is left alone.
func (o *Oracle) Extend(from chaintypes.BlockID, n int) []*wire.MsgBlock {
	blocks := make([]*wire.MsgBlock, 0, n)
	for i := 0; i < n; i++ {
		b := NewBlock(from)
		from = o.AddBlock(b)
		blocks = append(blocks, b)
	}

	return blocks
}

// SetTip makes the given known block the best tip.
func (o *Oracle) SetTip(hash chainhash.Hash) {
	o.mu.Lock()
	defer o.mu.Unlock()

	_, ok := o.heights[hash]
	require.Truef(o.t, ok, "unknown test tip %v", hash)

	o.best = hash
}

// Prune drops every block below height from the blocks the oracle serves.
func (o *Oracle) Prune(height uint32) {
	o.mu.Lock()
	o.pruneHeight = height
	o.mu.Unlock()
}

// Fetches returns how often the block was served by GetBlock.
func (o *Oracle) Fetches(hash chainhash.Hash) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.fetches[hash]
}

// SetCoin makes the oracle report the coin for the outpoint.
func (o *Oracle) SetCoin(op wire.OutPoint, coin *chainoracle.Coin) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if coin == nil {
		delete(o.coins, op)
		return
	}
	o.coins[op] = chainoracle.EncodeCoin(coin)
}

// RejectBroadcasts makes every broadcast fail with the given reason. An
// empty reason accepts broadcasts again.
func (o *Oracle) RejectBroadcasts(reason string) {
	o.mu.Lock()
	o.rejectWith = reason
	o.mu.Unlock()
}

// Broadcasts returns every accepted broadcast.
func (o *Oracle) Broadcasts() []*wire.MsgTx {
	o.mu.Lock()
	defer o.mu.Unlock()

	return append([]*wire.MsgTx(nil), o.broadcasts...)
}

// Progress returns every reported progress percentage.
func (o *Oracle) Progress() []int {
	o.mu.Lock()
	defer o.mu.Unlock()

	return append([]int(nil), o.progress...)
}

// FailWith makes every call fail with a transport error wrapping err. A nil
// err heals the oracle.
func (o *Oracle) FailWith(err error) {
	o.mu.Lock()
	o.failWith = err
	o.mu.Unlock()
}

// OnRegister sets a hook run while a notification registration is being
// processed, before it is acknowledged.
func (o *Oracle) OnRegister(hook func()) {
	o.mu.Lock()
	o.onRegister = hook
	o.mu.Unlock()
}

// Handler returns the registered notification handler, if any.
func (o *Oracle) Handler() chainoracle.NotificationHandler {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.handler
}

func (o *Oracle) check(op string) error {
	if o.failWith != nil {
		return &chainoracle.TransportError{Op: op, Err: o.failWith}
	}

	return nil
}

// ancestor returns the block at height of the chain ending at tip.
func (o *Oracle) ancestor(tip chainhash.Hash,
	height uint32) (chainhash.Hash, error) {

	tipHeight, ok := o.heights[tip]
	if !ok {
		return chainhash.Hash{}, fmt.Errorf("%w: %v", ErrUnknownBlock,
			tip)
	}
	if height > tipHeight {
		return chainhash.Hash{}, fmt.Errorf("height %d above tip %d",
			height, tipHeight)
	}

	hash := tip
	for h := tipHeight; h > height; h-- {
		hash = o.blocks[hash].Header.PrevBlock
	}

	return hash, nil
}

// GetTip returns the best block.
func (o *Oracle) GetTip(context.Context) (chaintypes.BlockID, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.check("get tip"); err != nil {
		return chaintypes.BlockID{}, err
	}

	return o.id(o.best), nil
}

// IsInBestChain returns true if candidate is tip or one of its ancestors.
func (o *Oracle) IsInBestChain(_ context.Context, tip,
	candidate chainhash.Hash) (bool, error) {

	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.check("is in best chain"); err != nil {
		return false, err
	}

	height, ok := o.heights[candidate]
	if !ok || height > o.heights[tip] {
		return false, nil
	}

	hash, err := o.ancestor(tip, height)
	if err != nil {
		return false, err
	}

	return hash == candidate, nil
}

// HasBlocks returns true if no block from minHeight up was pruned.
func (o *Oracle) HasBlocks(_ context.Context, tip chainhash.Hash,
	minHeight uint32) (bool, error) {

	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.check("has blocks"); err != nil {
		return false, err
	}
	if _, ok := o.heights[tip]; !ok {
		return false, nil
	}

	return minHeight >= o.pruneHeight, nil
}

// GetBlock returns a decoded copy of the block at height below tip.
func (o *Oracle) GetBlock(_ context.Context, tip chainhash.Hash,
	height uint32) (*wire.MsgBlock, error) {

	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.check("get block"); err != nil {
		return nil, err
	}

	hash, err := o.ancestor(tip, height)
	if err != nil {
		return nil, err
	}
	if height < o.pruneHeight {
		return nil, fmt.Errorf("block %v pruned", hash)
	}
	o.fetches[hash]++

	raw, err := serialize(o.blocks[hash])
	if err != nil {
		return nil, err
	}

	block := &wire.MsgBlock{}
	if err := block.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, &chainoracle.TrustError{Op: "get block", Err: err}
	}

	return block, nil
}

// FindCommonAncestor walks both chains back to the fork point.
func (o *Oracle) FindCommonAncestor(_ context.Context,
	a, b chainhash.Hash) (fn.Option[chaintypes.BlockID], error) {

	o.mu.Lock()
	defer o.mu.Unlock()

	none := fn.None[chaintypes.BlockID]()
	if err := o.check("find common ancestor"); err != nil {
		return none, err
	}

	ha, okA := o.heights[a]
	hb, okB := o.heights[b]
	if !okA || !okB {
		return none, nil
	}

	height := min(ha, hb)
	var err error
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
		a = o.blocks[a].Header.PrevBlock
		b = o.blocks[b].Header.PrevBlock
		height--
	}

	return fn.Some(o.id(a)), nil
}

// ShowProgress records the reported percentage.
func (o *Oracle) ShowProgress(_ context.Context, _ string, percent int,
	_ bool) error {

	o.mu.Lock()
	defer o.mu.Unlock()

	o.progress = append(o.progress, percent)

	return nil
}

// FindCoins returns the coins set with SetCoin.
func (o *Oracle) FindCoins(_ context.Context,
	outpoints []wire.OutPoint) (map[wire.OutPoint][]byte, error) {

	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.check("find coins"); err != nil {
		return nil, err
	}

	coins := make(map[wire.OutPoint][]byte)
	for _, op := range outpoints {
		if raw, ok := o.coins[op]; ok {
			coins[op] = raw
		}
	}

	return coins, nil
}

// BroadcastTransaction records tx unless broadcasts are rejected.
func (o *Oracle) BroadcastTransaction(_ context.Context,
	tx *wire.MsgTx) error {

	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.check("broadcast"); err != nil {
		return err
	}
	if o.rejectWith != "" {
		return &chainoracle.BroadcastError{Reason: o.rejectWith}
	}
	o.broadcasts = append(o.broadcasts, tx)

	return nil
}

// RegisterNotifications stores the handler. The registration hook runs
// before the call returns.
func (o *Oracle) RegisterNotifications(_ context.Context,
	handler chainoracle.NotificationHandler) (chainoracle.Subscription,
	error) {

	o.mu.Lock()
	if err := o.check("register"); err != nil {
		o.mu.Unlock()
		return nil, err
	}
	o.handler = handler
	hook := o.onRegister
	o.mu.Unlock()

	if hook != nil {
		hook()
	}

	return &subscription{oracle: o, handler: handler}, nil
}

type subscription struct {
	oracle  *Oracle
	handler chainoracle.NotificationHandler
}

// Cancel drops the registration.
func (s *subscription) Cancel() {
	s.oracle.mu.Lock()
	defer s.oracle.mu.Unlock()

	if s.oracle.handler == s.handler {
		s.oracle.handler = nil
	}
}

func serialize(b *wire.MsgBlock) ([]byte, error) {
	var buf bytes.Buffer
	if err := b.Serialize(&buf); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// ConnectBlock adds the block on top of the tip, makes it the tip and
// notifies the handler.
func (o *Oracle) ConnectBlock(b *wire.MsgBlock) (chaintypes.BlockID, error) {
	id := o.AddBlock(b)

	o.mu.Lock()
	o.best = id.Hash
	handler := o.handler
	o.mu.Unlock()

	if handler == nil {
		return id, nil
	}

	raw, err := serialize(b)
	if err != nil {
		return id, err
	}

	return id, handler.BlockConnected(id.Height, raw)
}

// DisconnectTip moves the tip to its parent and notifies the handler.
func (o *Oracle) DisconnectTip() (chaintypes.BlockID, error) {
	o.mu.Lock()
	id := o.id(o.best)
	o.best = o.blocks[o.best].Header.PrevBlock
	handler := o.handler
	o.mu.Unlock()

	if handler == nil {
		return id, nil
	}

	return id, handler.BlockDisconnected(id.Height, id.Hash)
}

// AddToMempool notifies the handler of a new mempool transaction.
func (o *Oracle) AddToMempool(tx *wire.MsgTx) error {
	handler := o.Handler()
	if handler == nil {
		return nil
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return err
	}

	return handler.TransactionAddedToMempool(buf.Bytes())
}

// Destroy tears the registration down.
func (o *Oracle) Destroy() {
	o.mu.Lock()
	handler := o.handler
	o.handler = nil
	o.mu.Unlock()

	if handler != nil {
		handler.Destroy()
	}
}
