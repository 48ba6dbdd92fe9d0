package chainio

import (
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/walletsync/changeset"
	"github.com/lightningnetwork/walletsync/chaintypes"
	"github.com/stretchr/testify/mock"
)

// MockTarget is a mock implementation of the Target interface.
type MockTarget struct {
	mock.Mock
}

// Compile-time constraint to ensure MockTarget implements Target.
var _ Target = (*MockTarget)(nil)

// ApplyBlock connects the block on top of the tip.
func (m *MockTarget) ApplyBlock(block *wire.MsgBlock,
	height uint32) (*changeset.ChangeSet, error) {

	args := m.Called(block, height)

	cs, _ := args.Get(0).(*changeset.ChangeSet)

	return cs, args.Error(1)
}

// ApplyUnconfirmedTx adds an unconfirmed transaction.
func (m *MockTarget) ApplyUnconfirmedTx(
	tx *wire.MsgTx) (*changeset.ChangeSet, error) {

	args := m.Called(tx)

	cs, _ := args.Get(0).(*changeset.ChangeSet)

	return cs, args.Error(1)
}

// DisconnectFrom disconnects the block and everything above it.
func (m *MockTarget) DisconnectFrom(
	id chaintypes.BlockID) (*changeset.ChangeSet, error) {

	args := m.Called(id)

	cs, _ := args.Get(0).(*changeset.ChangeSet)

	return cs, args.Error(1)
}
