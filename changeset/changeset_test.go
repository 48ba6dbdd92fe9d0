package changeset

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/walletsync/chaintypes"
	"github.com/lightningnetwork/walletsync/keychain"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func genHash(t *rapid.T, label string) chainhash.Hash {
	var h chainhash.Hash
	b := rapid.SliceOfN(rapid.Byte(), 1, 4).Draw(t, label)
	copy(h[:], b)

	return h
}

func genTx(t *rapid.T) *wire.MsgTx {
	tx := wire.NewMsgTx(2)

	numIn := rapid.IntRange(1, 2).Draw(t, "num_in")
	for i := 0; i < numIn; i++ {
		prev := wire.NewOutPoint(
			&chainhash.Hash{byte(i + 1)},
			rapid.Uint32Range(0, 3).Draw(t, "prev_index"),
		)
		prev.Hash = genHash(t, "prev_hash")
		tx.AddTxIn(wire.NewTxIn(prev, []byte{0x51}, nil))
	}

	numOut := rapid.IntRange(1, 2).Draw(t, "num_out")
	for i := 0; i < numOut; i++ {
		tx.AddTxOut(wire.NewTxOut(
			rapid.Int64Range(0, 1e8).Draw(t, "value"),
			rapid.SliceOfN(rapid.Byte(), 1, 34).Draw(t, "pk_script"),
		))
	}

	return tx
}

func genChangeSet(t *rapid.T) *ChangeSet {
	cs := &ChangeSet{}

	numChain := rapid.IntRange(0, 4).Draw(t, "num_chain")
	for i := 0; i < numChain; i++ {
		height := rapid.Uint32Range(0, 10).Draw(t, "height")
		if rapid.Bool().Draw(t, "removed") {
			cs.Chain.Remove(height)
		} else {
			cs.Chain.Set(height, genHash(t, "block_hash"))
		}
	}

	numTxs := rapid.IntRange(0, 3).Draw(t, "num_txs")
	for i := 0; i < numTxs; i++ {
		tx := genTx(t)
		cs.Graph.AddTx(tx)

		if rapid.Bool().Draw(t, "anchored") {
			cs.Graph.AddAnchor(tx.TxHash(), chaintypes.Anchor{
				Height: rapid.Uint32Range(1, 10).Draw(
					t, "anchor_height",
				),
				Hash: genHash(t, "anchor_hash"),
				Time: rapid.Int64Range(0, 1<<40).Draw(
					t, "anchor_time",
				),
			})
		} else {
			cs.Graph.SeenAt(
				tx.TxHash(),
				rapid.Int64Range(0, 1<<40).Draw(t, "seen"),
			)
		}
	}

	for _, kc := range []keychain.Keychain{
		keychain.External, keychain.Internal,
	} {

		if rapid.Bool().Draw(t, "revealed") {
			cs.Graph.Indexer.Reveal(
				kc, rapid.Uint32Range(0, 100).Draw(t, "rev"),
			)
		}
		if rapid.Bool().Draw(t, "used") {
			cs.Graph.Indexer.Use(
				kc, rapid.Uint32Range(0, 100).Draw(t, "used"),
			)
		}
	}

	return cs
}

// requireEqualChangeSet compares two change sets, treating transactions as
// equal when their serializations are.
func requireEqualChangeSet(t require.TestingT, expected, actual *ChangeSet) {
	require.Equal(t, expected.Chain, actual.Chain)
	require.Equal(t, expected.Graph.Anchors, actual.Graph.Anchors)
	require.Equal(t, expected.Graph.LastSeen, actual.Graph.LastSeen)
	require.Equal(t, expected.Graph.Indexer, actual.Graph.Indexer)

	require.Len(t, actual.Graph.Txs, len(expected.Graph.Txs))
	for txid, tx := range expected.Graph.Txs {
		other, ok := actual.Graph.Txs[txid]
		require.True(t, ok, "missing tx %v", txid)

		var a, b bytes.Buffer
		require.NoError(t, tx.Serialize(&a))
		require.NoError(t, other.Serialize(&b))
		require.Equal(t, a.Bytes(), b.Bytes())
	}
}

func merged(parts ...*ChangeSet) *ChangeSet {
	out := &ChangeSet{}
	for _, p := range parts {
		out.Merge(p)
	}

	return out
}

// TestMergeIdentity checks that the empty change set is a left and right
// identity of Merge.
func TestMergeIdentity(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		a := genChangeSet(t)

		left := merged(&ChangeSet{}, a)
		right := merged(a, &ChangeSet{})

		requireEqualChangeSet(t, a, left)
		requireEqualChangeSet(t, a, right)
	})
}

// TestMergeAssociative checks that grouping doesn't matter when merging a
// sequence of change sets.
func TestMergeAssociative(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		a, b, c := genChangeSet(t), genChangeSet(t), genChangeSet(t)

		ab := merged(a, b)
		bc := merged(b, c)

		requireEqualChangeSet(t, merged(ab, c), merged(a, bc))
	})
}

// TestGraphMergeCommutativeIdempotent checks that the graph part of a merge
// is a join: order and repetition don't matter.
func TestGraphMergeCommutativeIdempotent(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		a, b := genChangeSet(t), genChangeSet(t)
		a.Chain, b.Chain = nil, nil

		requireEqualChangeSet(t, merged(a, b), merged(b, a))
		requireEqualChangeSet(t, merged(a), merged(a, a))
	})
}

// TestChainMergeLaterWins checks that chain entries of the later change set
// overwrite the earlier ones.
func TestChainMergeLaterWins(t *testing.T) {
	t.Parallel()

	hashA, hashB := chainhash.Hash{0xa}, chainhash.Hash{0xb}

	first := &ChangeSet{}
	first.Chain.Set(5, hashA)
	first.Chain.Set(6, hashA)

	second := &ChangeSet{}
	second.Chain.Remove(5)
	second.Chain.Set(6, hashB)

	out := merged(first, second)
	require.Equal(t, ChainDelta{
		5: fn.None[chainhash.Hash](),
		6: fn.Some(hashB),
	}, out.Chain)

	out = merged(second, first)
	require.Equal(t, ChainDelta{
		5: fn.Some(hashA),
		6: fn.Some(hashA),
	}, out.Chain)
}

// TestWatermarksTakeMax checks that indexer watermarks never go backwards
// when merged.
func TestWatermarksTakeMax(t *testing.T) {
	t.Parallel()

	var first, second ChangeSet
	first.Graph.Indexer.Reveal(keychain.External, 10)
	second.Graph.Indexer.Reveal(keychain.External, 3)
	second.Graph.Indexer.Use(keychain.Internal, 1)
	first.Graph.SeenAt(chainhash.Hash{1}, 100)
	second.Graph.SeenAt(chainhash.Hash{1}, 50)

	out := merged(&first, &second)
	require.EqualValues(t, 10,
		out.Graph.Indexer.LastRevealed[keychain.External])
	require.EqualValues(t, 1, out.Graph.Indexer.LastUsed[keychain.Internal])
	require.EqualValues(t, 100, out.Graph.LastSeen[chainhash.Hash{1}])
}

// TestIsEmpty checks emptiness of the zero value and of populated sets.
func TestIsEmpty(t *testing.T) {
	t.Parallel()

	var nilSet *ChangeSet
	require.True(t, nilSet.IsEmpty())
	require.True(t, (&ChangeSet{}).IsEmpty())
	require.True(t, merged().IsEmpty())

	cs := &ChangeSet{}
	cs.Chain.Remove(3)
	require.False(t, cs.IsEmpty())

	cs = &ChangeSet{}
	cs.Graph.Indexer.Use(keychain.External, 0)
	require.False(t, cs.IsEmpty())
}

// TestEncodeDecode checks that any change set survives the persisted
// encoding.
func TestEncodeDecode(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		cs := genChangeSet(t)

		var b bytes.Buffer
		require.NoError(t, cs.Encode(&b))

		decoded := &ChangeSet{}
		require.NoError(t, decoded.Decode(&b))
		requireEqualChangeSet(t, cs, decoded)
	})
}

// TestDecodeMalformed checks that truncated encodings are rejected.
func TestDecodeMalformed(t *testing.T) {
	t.Parallel()

	cs := &ChangeSet{}
	cs.Chain.Set(1, chainhash.Hash{1})
	cs.Graph.SeenAt(chainhash.Hash{2}, 7)

	var b bytes.Buffer
	require.NoError(t, cs.Encode(&b))

	truncated := b.Bytes()[:b.Len()-3]
	err := (&ChangeSet{}).Decode(bytes.NewReader(truncated))
	require.ErrorIs(t, err, ErrMalformed)
}
