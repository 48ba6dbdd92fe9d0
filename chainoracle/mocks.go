package chainoracle

import (
	"context"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/walletsync/chaintypes"
	"github.com/stretchr/testify/mock"
)

// MockChainOracle is a mock implementation of the ChainOracle interface.
type MockChainOracle struct {
	mock.Mock
}

// Compile-time constraint to ensure MockChainOracle implements ChainOracle.
var _ ChainOracle = (*MockChainOracle)(nil)

// GetTip returns the best block of the oracle.
func (m *MockChainOracle) GetTip(ctx context.Context) (chaintypes.BlockID,
	error) {

	args := m.Called(ctx)

	return args.Get(0).(chaintypes.BlockID), args.Error(1)
}

// IsInBestChain returns true if candidate is in the chain ending at tip.
func (m *MockChainOracle) IsInBestChain(ctx context.Context, tip,
	candidate chainhash.Hash) (bool, error) {

	args := m.Called(ctx, tip, candidate)

	return args.Bool(0), args.Error(1)
}

// HasBlocks returns true if the oracle holds every block from minHeight.
func (m *MockChainOracle) HasBlocks(ctx context.Context, tip chainhash.Hash,
	minHeight uint32) (bool, error) {

	args := m.Called(ctx, tip, minHeight)

	return args.Bool(0), args.Error(1)
}

// GetBlock returns the block at height of the chain ending at tip.
func (m *MockChainOracle) GetBlock(ctx context.Context, tip chainhash.Hash,
	height uint32) (*wire.MsgBlock, error) {

	args := m.Called(ctx, tip, height)

	block, _ := args.Get(0).(*wire.MsgBlock)

	return block, args.Error(1)
}

// FindCommonAncestor returns the highest common ancestor of a and b.
func (m *MockChainOracle) FindCommonAncestor(ctx context.Context,
	a, b chainhash.Hash) (fn.Option[chaintypes.BlockID], error) {

	args := m.Called(ctx, a, b)

	return args.Get(0).(fn.Option[chaintypes.BlockID]), args.Error(1)
}

// ShowProgress reports progress to the oracle's user.
func (m *MockChainOracle) ShowProgress(ctx context.Context, title string,
	percent int, resumable bool) error {

	args := m.Called(ctx, title, percent, resumable)

	return args.Error(0)
}

// FindCoins looks up outpoints in the oracle's unspent output set.
func (m *MockChainOracle) FindCoins(ctx context.Context,
	outpoints []wire.OutPoint) (map[wire.OutPoint][]byte, error) {

	args := m.Called(ctx, outpoints)

	coins, _ := args.Get(0).(map[wire.OutPoint][]byte)

	return coins, args.Error(1)
}

// BroadcastTransaction submits tx to the oracle.
func (m *MockChainOracle) BroadcastTransaction(ctx context.Context,
	tx *wire.MsgTx) error {

	args := m.Called(ctx, tx)

	return args.Error(0)
}

// RegisterNotifications registers handler with the oracle.
func (m *MockChainOracle) RegisterNotifications(ctx context.Context,
	handler NotificationHandler) (Subscription, error) {

	args := m.Called(ctx, handler)

	sub, _ := args.Get(0).(Subscription)

	return sub, args.Error(1)
}

// MockSubscription is a mock implementation of the Subscription interface.
type MockSubscription struct {
	mock.Mock
}

// Compile-time constraint to ensure MockSubscription implements
// Subscription.
var _ Subscription = (*MockSubscription)(nil)

// Cancel stops the delivery of notifications.
func (m *MockSubscription) Cancel() {
	m.Called()
}
