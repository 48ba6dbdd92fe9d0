package logstore

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// writeRecords creates a file store at path holding n records and returns
// the file size after each append.
func writeRecords(t *testing.T, path string, n int) []int64 {
	t.Helper()

	store, err := OpenFileStore(path, nil)
	require.NoError(t, err)
	drain(t, store)

	var sizes []int64
	for i := 0; i < n; i++ {
		require.NoError(t, store.Append(sampleChangeSet(byte(i+1))))

		info, err := os.Stat(path)
		require.NoError(t, err)
		sizes = append(sizes, info.Size())
	}
	require.NoError(t, store.Close())

	return sizes
}

// TestFileStoreTornTail checks that a record cut short by a crash is dropped
// and the file truncated so later appends line up.
func TestFileStoreTornTail(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		keep func(sizes []int64) int64
	}{
		{
			name: "partial header",
			keep: func(sizes []int64) int64 {
				return sizes[1] + 3
			},
		},
		{
			name: "partial payload",
			keep: func(sizes []int64) int64 {
				return sizes[2] - 5
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			path := filepath.Join(t.TempDir(), "changes.log")
			sizes := writeRecords(t, path, 3)
			require.NoError(t, os.Truncate(path, test.keep(sizes)))

			store, err := OpenFileStore(path, nil)
			require.NoError(t, err)
			defer store.Close()

			got := drain(t, store)
			require.Len(t, got, 2)

			info, err := os.Stat(path)
			require.NoError(t, err)
			require.Equal(t, sizes[1], info.Size())

			require.NoError(t, store.Append(sampleChangeSet(9)))
			require.NoError(t, store.Close())

			store, err = OpenFileStore(path, nil)
			require.NoError(t, err)
			got = drain(t, store)
			require.Len(t, got, 3)
			require.Equal(
				t, encoded(t, sampleChangeSet(9)),
				encoded(t, got[2]),
			)
		})
	}
}

// TestFileStoreCorrupted checks that a complete record with a bad checksum
// fails the replay.
func TestFileStoreCorrupted(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "changes.log")
	sizes := writeRecords(t, path, 2)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	// Flip a payload byte of the second record.
	raw[sizes[0]+recordHeaderSize+1] ^= 0xff
	require.NoError(t, os.WriteFile(path, raw, 0600))

	store, err := OpenFileStore(path, nil)
	require.NoError(t, err)
	defer store.Close()

	var (
		count     int
		replayErr error
	)
	for cs, err := range store.Replay() {
		if err != nil {
			replayErr = err
			break
		}
		require.NotNil(t, cs)
		count++
	}
	require.Equal(t, 1, count)
	require.ErrorIs(t, replayErr, ErrCorrupted)

	// The replay never completed so appends stay blocked.
	err = store.Append(sampleChangeSet(3))
	require.ErrorIs(t, err, ErrReplayAbandoned)
}

// TestFileStoreCorruptedLength checks that a damaged length in the header of
// a record that isn't the last one fails the replay instead of being taken
// for a torn tail, and that the log is left untouched.
func TestFileStoreCorruptedLength(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		length func(orig uint32) uint32
	}{
		{
			name: "past end of file",
			length: func(uint32) uint32 {
				return 1 << 20
			},
		},
		{
			name: "above record limit",
			length: func(uint32) uint32 {
				return maxRecordSize + 1
			},
		},
		{
			name: "shortened",
			length: func(orig uint32) uint32 {
				return orig - 1
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			path := filepath.Join(t.TempDir(), "changes.log")
			sizes := writeRecords(t, path, 3)

			raw, err := os.ReadFile(path)
			require.NoError(t, err)

			// Rewrite the length of the first record only.
			start := len(DefaultMagic)
			field := raw[start : start+4]
			binary.BigEndian.PutUint32(
				field, test.length(binary.BigEndian.Uint32(field)),
			)
			require.NoError(t, os.WriteFile(path, raw, 0600))

			store, err := OpenFileStore(path, nil)
			require.NoError(t, err)
			defer store.Close()

			var (
				count     int
				replayErr error
			)
			for _, err := range store.Replay() {
				if err != nil {
					replayErr = err
					break
				}
				count++
			}
			require.Zero(t, count)
			require.ErrorIs(t, replayErr, ErrCorrupted)

			info, err := os.Stat(path)
			require.NoError(t, err)
			require.Equal(t, sizes[2], info.Size())

			err = store.Append(sampleChangeSet(4))
			require.ErrorIs(t, err, ErrReplayAbandoned)
		})
	}
}

// TestFileStoreShortMagic checks that a file shorter than the marker is
// rejected.
func TestFileStoreShortMagic(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "changes.log")
	require.NoError(t, os.WriteFile(path, DefaultMagic[:4], 0600))

	_, err := OpenFileStore(path, nil)
	require.ErrorIs(t, err, ErrBadMagic)
}
