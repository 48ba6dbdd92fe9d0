package chainsync

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/lightningnetwork/walletsync/chainio"
	"github.com/lightningnetwork/walletsync/chainoracle"
	"github.com/lightningnetwork/walletsync/chainoracle/oracletest"
	"github.com/lightningnetwork/walletsync/chaintypes"
	"github.com/lightningnetwork/walletsync/localchain"
	"github.com/lightningnetwork/walletsync/txgraph"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

func (h *harness) syncer(cfg Config) *Syncer {
	cfg.Oracle = h.oracle
	cfg.Wallet = h.w
	cfg.Clock = h.clock

	s := New(cfg)
	h.t.Cleanup(func() {
		require.NoError(h.t, s.Stop())
	})

	return s
}

func (h *harness) requireTip(want func() bool) {
	require.Eventually(h.t, want, waitTimeout, 10*time.Millisecond)
}

// TestSyncerGoesLive checks that the syncer catches up, registers and then
// follows the oracle notifications.
func TestSyncerGoesLive(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	chain := h.build(h.oracle.Genesis(), 5, true)
	h.oracle.SetTip(chain.tip().Hash)

	s := h.syncer(Config{})
	require.Nil(t, h.oracle.Handler())

	require.NoError(t, s.Start(context.Background()))
	require.Equal(t, StateLive, s.State())
	require.Equal(t, chain.tip(), h.w.Tip())
	require.NotNil(t, h.oracle.Handler())

	// A block connected by the oracle is applied right away.
	tx := payTo(h.script, 25_000)
	next, err := h.oracle.ConnectBlock(
		oracletest.NewBlock(chain.tip(), tx),
	)
	require.NoError(t, err)
	require.Equal(t, next, h.w.Tip())
	require.True(t, h.w.ChainPosition(tx.TxHash()).IsConfirmed())

	// Disconnecting it leaves the transaction unconfirmed.
	_, err = h.oracle.DisconnectTip()
	require.NoError(t, err)
	require.Equal(t, chain.tip(), h.w.Tip())
	require.Equal(t, txgraph.Unconfirmed,
		h.w.ChainPosition(tx.TxHash()).Kind)

	// Mempool transactions are stamped with the wallet clock.
	mempoolTx := payTo(h.script, 1_000)
	require.NoError(t, h.oracle.AddToMempool(mempoolTx))
	pos := h.w.ChainPosition(mempoolTx.TxHash())
	require.Equal(t, txgraph.Unconfirmed, pos.Kind)
	require.Equal(t, testTime.Unix(), pos.LastSeen)

	// Stopping cancels the registration.
	require.NoError(t, s.Stop())
	require.Nil(t, h.oracle.Handler())
}

// TestSyncerRegistrationBarrier connects a block while the registration is
// in flight. The notification is rejected, and the reconcile run after the
// registration picks the block up.
func TestSyncerRegistrationBarrier(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	chain := h.build(h.oracle.Genesis(), 3, true)
	h.oracle.SetTip(chain.tip().Hash)

	racing := oracletest.NewBlock(chain.tip())
	var (
		racingID  chaintypes.BlockID
		notifyErr error
	)
	h.oracle.OnRegister(func() {
		racingID, notifyErr = h.oracle.ConnectBlock(racing)
	})

	s := h.syncer(Config{})
	require.NoError(t, s.Start(context.Background()))

	require.ErrorIs(t, notifyErr, chainio.ErrNotLive)
	require.Equal(t, uint32(4), racingID.Height)
	require.Equal(t, racingID, h.w.Tip())
	require.Equal(t, 1, h.oracle.Fetches(racingID.Hash))

	// Notifications after the barrier apply directly, including one for
	// the block that was already reconciled.
	raw := serializeBlock(t, racing)
	require.NoError(t, h.oracle.Handler().BlockConnected(4, raw))
	require.Equal(t, racingID, h.w.Tip())
}

func serializeBlock(t *testing.T, b *wire.MsgBlock) []byte {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, b.Serialize(&buf))

	return buf.Bytes()
}

// TestSyncerStartupFailure checks that a failed startup sync never
// registers for notifications.
func TestSyncerStartupFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	chain := h.build(h.oracle.Genesis(), 10, true)
	h.oracle.SetTip(chain.tip().Hash)
	h.oracle.Prune(3)

	s := h.syncer(Config{})
	err := s.Start(context.Background())
	require.ErrorIs(t, err, ErrPrunedHistory)
	require.Nil(t, h.oracle.Handler())
	require.NotEqual(t, StateLive, s.State())

	_, err = s.Resync(context.Background())
	require.ErrorIs(t, err, ErrNotStarted)
}

// TestSyncerResyncOnGap checks that a block that doesn't connect triggers a
// resync, which resolves the reorg the notifications missed.
func TestSyncerResyncOnGap(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	common := h.build(h.oracle.Genesis(), 3, true)
	h.oracle.SetTip(common.tip().Hash)

	s := h.syncer(Config{})
	require.NoError(t, s.Start(context.Background()))

	// The oracle reorganizes without telling, then announces a block on
	// top of the new fork.
	fork := h.build(common.at(2), 2, true)
	h.oracle.SetTip(fork.tip().Hash)

	_, err := h.oracle.ConnectBlock(oracletest.NewBlock(fork.tip()))
	require.ErrorIs(t, err, localchain.ErrDisconnected)

	h.requireTip(func() bool {
		return h.w.Tip() == h.oracle.Tip()
	})
	require.Equal(t, uint32(5), h.w.Tip().Height)
}

// TestSyncerPeriodicResync checks that ticks of the resync ticker pick up
// blocks the notifications never delivered.
func TestSyncerPeriodicResync(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	resyncTicker := ticker.NewForce(time.Hour)
	s := h.syncer(Config{ResyncTicker: resyncTicker})
	require.NoError(t, s.Start(context.Background()))

	chain := h.build(h.oracle.Genesis(), 4, true)
	h.oracle.SetTip(chain.tip().Hash)
	require.Equal(t, h.oracle.Genesis(), h.w.Tip())

	select {
	case resyncTicker.Force <- time.Now():
	case <-time.After(waitTimeout):
		t.Fatal("resync loop not ticking")
	}

	h.requireTip(func() bool {
		return h.w.Tip() == chain.tip()
	})
}

// TestSyncerResyncOnTipUpdate checks that tip updates only trigger a resync
// when enabled.
func TestSyncerResyncOnTipUpdate(t *testing.T) {
	t.Parallel()

	for _, enabled := range []bool{false, true} {
		h := newHarness(t)

		s := h.syncer(Config{ResyncOnTipUpdate: enabled})
		require.NoError(t, s.Start(context.Background()))

		chain := h.build(h.oracle.Genesis(), 2, true)
		h.oracle.SetTip(chain.tip().Hash)
		require.NoError(t, h.oracle.Handler().UpdatedBlockTip())

		if !enabled {
			// Nothing catches up with the silent tip change.
			handler := h.oracle.Handler()
			require.NoError(t, handler.ChainStateFlushed())
			require.Equal(t, h.oracle.Genesis(), h.w.Tip())

			continue
		}

		h.requireTip(func() bool {
			return h.w.Tip() == chain.tip()
		})
	}
}

// TestSyncerDestroy checks that the oracle tearing the registration down is
// surfaced on the error channel.
func TestSyncerDestroy(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	s := h.syncer(Config{})
	require.NoError(t, s.Start(context.Background()))

	h.oracle.Destroy()

	select {
	case err := <-s.Err():
		require.ErrorIs(t, err, ErrSubscriptionDestroyed)
	case <-time.After(waitTimeout):
		t.Fatal("destroy not reported")
	}

	_, err := s.Resync(context.Background())
	require.ErrorIs(t, err, ErrNotStarted)
}

// TestSyncerBroadcast checks that only accepted transactions reach the
// wallet.
func TestSyncerBroadcast(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	s := h.syncer(Config{})

	accepted := payTo(h.script, 3_000)
	require.NoError(t, s.Broadcast(context.Background(), accepted))
	require.Len(t, h.oracle.Broadcasts(), 1)
	require.Equal(t, txgraph.Unconfirmed,
		h.w.ChainPosition(accepted.TxHash()).Kind)

	h.oracle.RejectBroadcasts("bad-txns-inputs-missingorspent")
	rejected := payTo(h.script, 4_000)
	err := s.Broadcast(context.Background(), rejected)

	var broadcastErr *chainoracle.BroadcastError
	require.ErrorAs(t, err, &broadcastErr)
	require.Equal(t, "bad-txns-inputs-missingorspent", broadcastErr.Reason)

	_, ok := h.w.Tx(rejected.TxHash())
	require.False(t, ok)
	require.Len(t, h.oracle.Broadcasts(), 1)
}

// TestSyncerAuditUtxos checks the wallet UTXOs against the oracle coins.
func TestSyncerAuditUtxos(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	s := h.syncer(Config{})

	txs := []*wire.MsgTx{
		payTo(h.script, 1_000),
		payTo(h.script, 2_000),
		payTo(h.script, 3_000),
	}
	chain := h.build(h.oracle.Genesis(), 3, true, txs...)
	h.oracle.SetTip(chain.tip().Hash)
	require.NoError(t, s.Start(context.Background()))

	// Unconfirmed outputs aren't checked.
	require.NoError(t, h.oracle.AddToMempool(payTo(h.script, 4_000)))

	outpoint := func(tx *wire.MsgTx) wire.OutPoint {
		return wire.OutPoint{Hash: tx.TxHash()}
	}
	coin := func(tx *wire.MsgTx, height uint32) *chainoracle.Coin {
		return &chainoracle.Coin{
			Height:   height,
			Amount:   btcutil.Amount(tx.TxOut[0].Value),
			PkScript: tx.TxOut[0].PkScript,
		}
	}

	h.oracle.SetCoin(outpoint(txs[0]), coin(txs[0], 1))
	wrong := coin(txs[1], 2)
	wrong.Amount++
	h.oracle.SetCoin(outpoint(txs[1]), wrong)

	report, err := s.AuditUtxos(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, report.Checked)
	require.Equal(t, []wire.OutPoint{outpoint(txs[2])}, report.Missing)
	require.Equal(t, []wire.OutPoint{outpoint(txs[1])}, report.Mismatched)

	// Oracle failures are passed on.
	h.oracle.FailWith(context.DeadlineExceeded)
	_, err = s.AuditUtxos(context.Background())
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestSyncerConcurrentNotifications delivers mempool transactions from
// several goroutines while resyncs run.
func TestSyncerConcurrentNotifications(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	s := h.syncer(Config{})
	require.NoError(t, s.Start(context.Background()))

	const numTxs = 20
	txs := make([]*wire.MsgTx, numTxs)
	for i := range txs {
		txs[i] = payTo(h.script, btcutil.Amount(1_000+i))
	}

	var (
		wg   sync.WaitGroup
		errs = make(chan error, numTxs)
	)
	for _, tx := range txs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- h.oracle.AddToMempool(tx)
		}()
	}
	for i := 0; i < 5; i++ {
		_, err := s.Resync(context.Background())
		require.NoError(t, err)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	for _, tx := range txs {
		_, ok := h.w.Tx(tx.TxHash())
		require.True(t, ok)
	}
}
