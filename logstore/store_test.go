package logstore

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/walletsync/changeset"
	"github.com/lightningnetwork/walletsync/chaintypes"
	"github.com/lightningnetwork/walletsync/keychain"
	"github.com/stretchr/testify/require"
)

// storeOpener opens, or reopens, a store rooted at dir.
type storeOpener func(t *testing.T, dir string, magic []byte) (Store, error)

func openFile(t *testing.T, dir string, magic []byte) (Store, error) {
	t.Helper()

	return OpenFileStore(filepath.Join(dir, "changes.log"), magic)
}

func openBolt(t *testing.T, dir string, magic []byte) (Store, error) {
	t.Helper()

	return OpenBoltStore(&BoltConfig{
		DBPath:         dir,
		DBFileName:     "changes.db",
		NoFreelistSync: true,
	}, magic)
}

var backends = []struct {
	name string
	open storeOpener
}{
	{name: "file", open: openFile},
	{name: "bolt", open: openBolt},
}

// sampleChangeSet returns a non-empty change set that differs per seed.
func sampleChangeSet(seed byte) *changeset.ChangeSet {
	cs := &changeset.ChangeSet{}
	cs.Chain.Set(uint32(seed), chainhash.Hash{seed})

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(
		wire.NewOutPoint(&chainhash.Hash{0xff, seed}, 0), nil, nil,
	))
	tx.AddTxOut(wire.NewTxOut(int64(seed)*1000, []byte{0x51, seed}))
	cs.Graph.AddTx(tx)
	cs.Graph.AddAnchor(tx.TxHash(), chaintypes.Anchor{
		Height: uint32(seed),
		Hash:   chainhash.Hash{seed},
		Time:   int64(seed) * 600,
	})
	cs.Graph.Indexer.Reveal(keychain.External, uint32(seed))

	return cs
}

func encoded(t *testing.T, cs *changeset.ChangeSet) []byte {
	t.Helper()

	var b bytes.Buffer
	require.NoError(t, cs.Encode(&b))

	return b.Bytes()
}

func drain(t *testing.T, s Store) []*changeset.ChangeSet {
	t.Helper()

	var sets []*changeset.ChangeSet
	for cs, err := range s.Replay() {
		require.NoError(t, err)
		sets = append(sets, cs)
	}

	return sets
}

// TestStoreReplayAppend checks that appended change sets are replayed in
// order after a reopen, for every backend.
func TestStoreReplayAppend(t *testing.T) {
	t.Parallel()

	for _, backend := range backends {
		t.Run(backend.name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			store, err := backend.open(t, dir, nil)
			require.NoError(t, err)

			// A fresh store replays nothing.
			require.Empty(t, drain(t, store))

			want := []*changeset.ChangeSet{
				sampleChangeSet(1), sampleChangeSet(2),
				sampleChangeSet(3),
			}
			for _, cs := range want {
				require.NoError(t, store.Append(cs))
			}
			require.NoError(t, store.Close())

			store, err = backend.open(t, dir, nil)
			require.NoError(t, err)
			defer store.Close()

			got := drain(t, store)
			require.Len(t, got, len(want))
			for i := range want {
				require.Equal(
					t, encoded(t, want[i]),
					encoded(t, got[i]),
				)
			}

			// Appends keep working after the replay.
			require.NoError(t, store.Append(sampleChangeSet(4)))
		})
	}
}

// TestStoreReplayProtocol checks the replay-then-append ordering rules.
func TestStoreReplayProtocol(t *testing.T) {
	t.Parallel()

	for _, backend := range backends {
		t.Run(backend.name, func(t *testing.T) {
			t.Parallel()

			store, err := backend.open(t, t.TempDir(), nil)
			require.NoError(t, err)
			defer store.Close()

			err = store.Append(sampleChangeSet(1))
			require.ErrorIs(t, err, ErrReplayPending)

			drain(t, store)

			var replayErr error
			for _, err := range store.Replay() {
				replayErr = err
			}
			require.ErrorIs(t, replayErr, ErrReplayConsumed)

			require.NoError(t, store.Append(sampleChangeSet(1)))

			require.NoError(t, store.Close())
			err = store.Append(sampleChangeSet(2))
			require.ErrorIs(t, err, ErrStoreClosed)

			// Closing twice is fine.
			require.NoError(t, store.Close())
		})
	}
}

// TestStoreReplayStoppedEarly checks that a replay the caller stops before
// the end of the log keeps the store from appending.
func TestStoreReplayStoppedEarly(t *testing.T) {
	t.Parallel()

	for _, backend := range backends {
		t.Run(backend.name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			store, err := backend.open(t, dir, nil)
			require.NoError(t, err)
			drain(t, store)
			for seed := byte(1); seed <= 3; seed++ {
				require.NoError(t, store.Append(sampleChangeSet(seed)))
			}
			require.NoError(t, store.Close())

			store, err = backend.open(t, dir, nil)
			require.NoError(t, err)

			for _, err := range store.Replay() {
				require.NoError(t, err)
				break
			}

			err = store.Append(sampleChangeSet(4))
			require.ErrorIs(t, err, ErrReplayAbandoned)
			require.NoError(t, store.Close())

			// Nothing was lost and a full replay unblocks appends.
			store, err = backend.open(t, dir, nil)
			require.NoError(t, err)
			defer store.Close()

			require.Len(t, drain(t, store), 3)
			require.NoError(t, store.Append(sampleChangeSet(4)))
		})
	}
}

// TestStoreBadMagic checks that a store written with another marker is
// rejected.
func TestStoreBadMagic(t *testing.T) {
	t.Parallel()

	for _, backend := range backends {
		t.Run(backend.name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			magic := []byte("some_other_app")
			store, err := backend.open(t, dir, magic)
			require.NoError(t, err)
			require.NoError(t, store.Close())

			_, err = backend.open(t, dir, nil)
			require.ErrorIs(t, err, ErrBadMagic)
		})
	}
}

// TestAggregate checks that aggregating a store merges every record.
func TestAggregate(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := openBolt(t, dir, nil)
	require.NoError(t, err)

	drain(t, store)

	want := &changeset.ChangeSet{}
	for seed := byte(1); seed <= 5; seed++ {
		cs := sampleChangeSet(seed)
		require.NoError(t, store.Append(cs))
		want.Merge(cs)
	}
	require.NoError(t, store.Close())

	store, err = openBolt(t, dir, nil)
	require.NoError(t, err)
	defer store.Close()

	all, n, err := Aggregate(store)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, encoded(t, want), encoded(t, all))
}
