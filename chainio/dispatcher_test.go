package chainio

import (
	"bytes"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/walletsync/chainoracle"
	"github.com/lightningnetwork/walletsync/changeset"
	"github.com/lightningnetwork/walletsync/chaintypes"
	"github.com/lightningnetwork/walletsync/localchain"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var errDummy = errors.New("dummy error")

func testBlock() *wire.MsgBlock {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Index: 1}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(1000, []byte{0x51}))

	b := &wire.MsgBlock{
		Header: wire.BlockHeader{
			Version:   4,
			PrevBlock: chainhash.Hash{1},
			Timestamp: time.Unix(1700000000, 0),
		},
	}
	_ = b.AddTransaction(tx)

	return b
}

func rawBlock(t *testing.T, b *wire.MsgBlock) []byte {
	var buf bytes.Buffer
	require.NoError(t, b.Serialize(&buf))

	return buf.Bytes()
}

func rawTx(t *testing.T, tx *wire.MsgTx) []byte {
	var buf bytes.Buffer
	require.NoError(t, tx.Serialize(&buf))

	return buf.Bytes()
}

func goLive(t *testing.T, d *Dispatcher) {
	t.Helper()

	require.NoError(t, d.GoLive(
		func() error { return nil }, func() error { return nil },
	))
}

// TestNotLiveRejected checks that notifications are refused until the
// dispatcher went live.
func TestNotLiveRejected(t *testing.T) {
	t.Parallel()

	target := &MockTarget{}
	defer target.AssertExpectations(t)

	d := NewDispatcher(Config{Target: target})
	require.False(t, d.IsLive())

	err := d.BlockConnected(1, rawBlock(t, testBlock()))
	require.ErrorIs(t, err, ErrNotLive)

	err = d.TransactionRemovedFromMempool(chainhash.Hash{2})
	require.ErrorIs(t, err, ErrNotLive)

	// Nothing reached the target.
	target.AssertNotCalled(t, "ApplyBlock", mock.Anything, mock.Anything)
}

// TestGoLiveBarrier checks the ordering of registration, reconciliation and
// notification handling.
func TestGoLiveBarrier(t *testing.T) {
	t.Parallel()

	target := &MockTarget{}
	defer target.AssertExpectations(t)

	d := NewDispatcher(Config{Target: target})
	block := testBlock()

	var steps []string
	err := d.GoLive(
		func() error {
			steps = append(steps, "register")

			// A block sent while the registration is processed
			// is refused, reconcile picks it up.
			err := d.BlockConnected(5, rawBlock(t, block))
			require.ErrorIs(t, err, ErrNotLive)

			return nil
		},
		func() error {
			steps = append(steps, "reconcile")
			return nil
		},
	)
	require.NoError(t, err)
	require.Equal(t, []string{"register", "reconcile"}, steps)
	require.True(t, d.IsLive())

	// A failed registration leaves the dispatcher offline.
	other := NewDispatcher(Config{Target: target})
	err = other.GoLive(
		func() error { return errDummy },
		func() error {
			t.Fatal("reconcile after failed registration")
			return nil
		},
	)
	require.ErrorIs(t, err, errDummy)
	require.False(t, other.IsLive())

	require.ErrorIs(t, d.GoLive(nil, nil), ErrAlreadyLive)

	// Once live, the block goes through.
	target.On("ApplyBlock", mock.MatchedBy(func(b *wire.MsgBlock) bool {
		return b.BlockHash() == block.BlockHash()
	}), uint32(5)).Return(&changeset.ChangeSet{}, nil).Once()

	require.NoError(t, d.BlockConnected(5, rawBlock(t, block)))
}

// TestGoLiveHoldsBackMempool checks that mempool transactions received while
// registering are applied after reconcile instead of being dropped.
func TestGoLiveHoldsBackMempool(t *testing.T) {
	t.Parallel()

	target := &MockTarget{}
	defer target.AssertExpectations(t)

	d := NewDispatcher(Config{Target: target})

	tx := testBlock().Transactions[0]
	var steps []string
	target.On("ApplyUnconfirmedTx", mock.MatchedBy(func(m *wire.MsgTx) bool {
		return m.TxHash() == tx.TxHash()
	})).Run(func(mock.Arguments) {
		steps = append(steps, "apply tx")
	}).Return(&changeset.ChangeSet{}, nil).Once()

	err := d.GoLive(
		func() error {
			steps = append(steps, "register")
			require.NoError(t, d.TransactionAddedToMempool(
				rawTx(t, tx),
			))

			// Chain notifications are still left to reconcile.
			err := d.BlockConnected(5, rawBlock(t, testBlock()))
			require.ErrorIs(t, err, ErrNotLive)

			return nil
		},
		func() error {
			steps = append(steps, "reconcile")
			return nil
		},
	)
	require.NoError(t, err)
	require.Equal(
		t, []string{"register", "reconcile", "apply tx"}, steps,
	)

	// A failed registration discards what it held back.
	other := NewDispatcher(Config{Target: target})
	err = other.GoLive(
		func() error {
			require.NoError(t, other.TransactionAddedToMempool(
				rawTx(t, tx),
			))

			return errDummy
		},
		func() error { return nil },
	)
	require.ErrorIs(t, err, errDummy)

	err = other.TransactionAddedToMempool(rawTx(t, tx))
	require.ErrorIs(t, err, ErrNotLive)
}

// TestNotificationMapping checks which target operation every notification
// maps to.
func TestNotificationMapping(t *testing.T) {
	t.Parallel()

	block := testBlock()
	tx := block.Transactions[0]
	id := chaintypes.BlockID{Height: 7, Hash: chainhash.Hash{7}}

	target := &MockTarget{}
	defer target.AssertExpectations(t)

	isTx := mock.MatchedBy(func(m *wire.MsgTx) bool {
		return m.TxHash() == tx.TxHash()
	})
	target.On("ApplyUnconfirmedTx", isTx).Return(
		&changeset.ChangeSet{}, nil,
	).Once()

	target.On("ApplyBlock", mock.Anything, uint32(8)).Return(
		&changeset.ChangeSet{}, nil,
	).Once()

	target.On("DisconnectFrom", id).Return(
		&changeset.ChangeSet{}, nil,
	).Once()

	var resyncs atomic.Int32
	d := NewDispatcher(Config{
		Target: target,
		RequestResync: func() {
			resyncs.Add(1)
		},
	})
	goLive(t, d)

	require.NoError(t, d.TransactionAddedToMempool(rawTx(t, tx)))
	require.NoError(t, d.TransactionRemovedFromMempool(tx.TxHash()))
	require.NoError(t, d.BlockConnected(8, rawBlock(t, block)))
	require.NoError(t, d.BlockDisconnected(id.Height, id.Hash))

	// Tip updates are informational unless asked otherwise.
	require.NoError(t, d.UpdatedBlockTip())
	require.NoError(t, d.ChainStateFlushed())
	require.Zero(t, resyncs.Load())
}

// TestResyncRequests checks when a resync is requested.
func TestResyncRequests(t *testing.T) {
	t.Parallel()

	target := &MockTarget{}
	defer target.AssertExpectations(t)

	target.On("ApplyBlock", mock.Anything, uint32(9)).Return(
		nil, &localchain.CannotConnectError{Height: 9, Reason: "gap"},
	).Once()

	var resyncs atomic.Int32
	d := NewDispatcher(Config{
		Target:            target,
		ResyncOnTipUpdate: true,
		RequestResync: func() {
			resyncs.Add(1)
		},
	})
	goLive(t, d)

	require.NoError(t, d.UpdatedBlockTip())
	require.NoError(t, d.ChainStateFlushed())
	require.EqualValues(t, 2, resyncs.Load())

	err := d.BlockConnected(9, rawBlock(t, testBlock()))
	require.ErrorIs(t, err, localchain.ErrDisconnected)
	require.EqualValues(t, 3, resyncs.Load())
}

// TestUndecodablePayloads checks that garbage from the oracle is a trust
// violation and never reaches the target.
func TestUndecodablePayloads(t *testing.T) {
	t.Parallel()

	target := &MockTarget{}
	defer target.AssertExpectations(t)

	d := NewDispatcher(Config{Target: target})
	goLive(t, d)

	var trustErr *chainoracle.TrustError

	err := d.BlockConnected(1, []byte{0x01, 0x02})
	require.ErrorAs(t, err, &trustErr)

	err = d.TransactionAddedToMempool([]byte{0xff})
	require.ErrorAs(t, err, &trustErr)
}

// TestDestroy checks that a destroyed dispatcher signals Done and refuses
// everything afterwards.
func TestDestroy(t *testing.T) {
	t.Parallel()

	target := &MockTarget{}
	defer target.AssertExpectations(t)

	d := NewDispatcher(Config{Target: target})
	goLive(t, d)

	d.Destroy()
	select {
	case <-d.Done():
	default:
		t.Fatal("done not closed")
	}
	require.False(t, d.IsLive())

	// Destroying twice is fine.
	d.Destroy()

	err := d.BlockDisconnected(1, chainhash.Hash{1})
	require.ErrorIs(t, err, ErrDestroyed)

	err = d.GoLive(nil, nil)
	require.ErrorIs(t, err, ErrDestroyed)
}

// TestExclusiveBlocksNotifications checks that notifications wait for
// exclusive sections.
func TestExclusiveBlocksNotifications(t *testing.T) {
	t.Parallel()

	target := &MockTarget{}
	defer target.AssertExpectations(t)

	var applied atomic.Bool
	target.On("DisconnectFrom", mock.Anything).Return(
		&changeset.ChangeSet{}, nil,
	).Run(func(mock.Arguments) {
		applied.Store(true)
	}).Once()

	d := NewDispatcher(Config{Target: target})
	goLive(t, d)

	errChan := make(chan error, 1)
	err := d.Exclusive(func() error {
		go func() {
			errChan <- d.BlockDisconnected(3, chainhash.Hash{3})
		}()

		// Give the notification a chance to overtake us.
		time.Sleep(50 * time.Millisecond)
		require.False(t, applied.Load())

		return nil
	})
	require.NoError(t, err)

	select {
	case err := <-errChan:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("notification not delivered")
	}
	require.True(t, applied.Load())
}
