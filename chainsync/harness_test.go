package chainsync

import (
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/walletsync/chainoracle/oracletest"
	"github.com/lightningnetwork/walletsync/chaintypes"
	"github.com/lightningnetwork/walletsync/keychain"
	"github.com/lightningnetwork/walletsync/logstore"
	"github.com/lightningnetwork/walletsync/wallet"
	"github.com/stretchr/testify/require"
)

const accountXPub = "xpub6BgBgsespWvERF3LHQu6CnqdvfEvtMcQjYrcRzx53QJjS" +
	"xarj2afYWcLteoGVky7D3UKDP9QyrLprQ3VCECoY49yfdDEHGCtMMj92pReUsQ"

var testTime = time.Unix(1700000000, 0)

type harness struct {
	t      *testing.T
	oracle *oracletest.Oracle
	clock  *clock.TestClock
	w      *wallet.Wallet
	script []byte
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	params := &chaincfg.MainNetParams

	external, err := keychain.ParseDescriptor(
		"tr("+accountXPub+"/0/*)", params,
	)
	require.NoError(t, err)

	store, err := logstore.OpenFileStore(
		filepath.Join(t.TempDir(), "wallet.log"), nil,
	)
	require.NoError(t, err)

	testClock := clock.NewTestClock(testTime)
	w, err := wallet.New(&wallet.Config{
		ChainParams: params,
		Keychains: map[keychain.Keychain]keychain.ScriptDeriver{
			keychain.External: external,
		},
		Store: store,
		Clock: testClock,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, w.Stop())
	})

	addr, err := w.NextAddress(keychain.External)
	require.NoError(t, err)

	return &harness{
		t:      t,
		oracle: oracletest.New(t, params),
		clock:  testClock,
		w:      w,
		script: addr.Script,
	}
}

func (h *harness) resolver(boundary Boundary) *Resolver {
	return NewResolver(ResolverConfig{
		Oracle:   h.oracle,
		Wallet:   h.w,
		Boundary: boundary,
		Prefetch: 3,
		Clock:    h.clock,
	})
}

var outpointIndex atomic.Uint32

// payTo returns a transaction paying value to script.
func payTo(script []byte, value btcutil.Amount) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(
		wire.NewOutPoint(&chainhash.Hash{0xbb}, outpointIndex.Add(1)),
		nil, nil,
	))
	tx.AddTxOut(wire.NewTxOut(int64(value), script))

	return tx
}

// segment is a run of consecutive blocks.
type segment struct {
	blocks []*wire.MsgBlock
	ids    []chaintypes.BlockID
}

func (s segment) tip() chaintypes.BlockID {
	return s.ids[len(s.ids)-1]
}

// at returns the id of the block at height.
func (s segment) at(height uint32) chaintypes.BlockID {
	return s.ids[height-s.ids[0].Height]
}

// build creates n blocks on top of from. The i-th block holds txs[i], if
// any. With known set the oracle learns about the blocks, without them
// becoming its tip.
func (h *harness) build(from chaintypes.BlockID, n int, known bool,
	txs ...*wire.MsgTx) segment {

	var seg segment
	for i := 0; i < n; i++ {
		var blockTxs []*wire.MsgTx
		if i < len(txs) && txs[i] != nil {
			blockTxs = append(blockTxs, txs[i])
		}

		b := oracletest.NewBlock(from, blockTxs...)
		if known {
			from = h.oracle.AddBlock(b)
		} else {
			from = chaintypes.BlockID{
				Height: from.Height + 1,
				Hash:   b.BlockHash(),
			}
		}

		seg.blocks = append(seg.blocks, b)
		seg.ids = append(seg.ids, from)
	}

	return seg
}

// applyLocal connects the segment to the wallet without the oracle.
func (h *harness) applyLocal(seg segment) {
	for i, b := range seg.blocks {
		_, err := h.w.ApplyBlock(b, seg.ids[i].Height)
		require.NoError(h.t, err)
	}
}

func (h *harness) requireFetchedOnce(seg segment) {
	for _, id := range seg.ids {
		require.Equalf(h.t, 1, h.oracle.Fetches(id.Hash),
			"block %v", id)
	}
}

func (h *harness) requireNotFetched(seg segment) {
	for _, id := range seg.ids {
		require.Zerof(h.t, h.oracle.Fetches(id.Hash), "block %v", id)
	}
}
