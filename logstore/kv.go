package logstore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/lightningnetwork/walletsync/changeset"
)

var (
	// metaBucket holds the store marker.
	metaBucket = []byte("walletsync-meta")

	// magicKey is the key of the magic marker within the meta bucket.
	magicKey = []byte("magic")

	// changeSetBucket holds the change sets keyed by a big endian sequence
	// number, so cursor order is append order.
	changeSetBucket = []byte("change-sets")

	// errStopReplay aborts the bucket iteration when the consumer stops.
	errStopReplay = errors.New("replay stopped")
)

// KVStore is a Store backed by a kvdb backend, bbolt by default.
type KVStore struct {
	gate replayGate

	db    kvdb.Backend
	owned bool
}

// A compile time check to ensure KVStore implements the Store interface.
var _ Store = (*KVStore)(nil)

// BoltConfig holds the options of a bbolt backed store.
type BoltConfig struct {
	// DBPath is the directory holding the database file.
	DBPath string

	// DBFileName is the name of the database file.
	DBFileName string

	// NoFreelistSync skips syncing the freelist to disk.
	NoFreelistSync bool

	// AutoCompact compacts the database on open.
	AutoCompact bool

	// DBTimeout is how long to wait for the file lock.
	DBTimeout time.Duration
}

// OpenBoltStore opens, or creates, a bbolt backed store. The returned store
// owns the database and closes it on Close.
func OpenBoltStore(cfg *BoltConfig, magic []byte) (*KVStore, error) {
	timeout := cfg.DBTimeout
	if timeout == 0 {
		timeout = kvdb.DefaultDBTimeout
	}

	db, err := kvdb.GetBoltBackend(&kvdb.BoltBackendConfig{
		DBPath:            cfg.DBPath,
		DBFileName:        cfg.DBFileName,
		NoFreelistSync:    cfg.NoFreelistSync,
		AutoCompact:       cfg.AutoCompact,
		AutoCompactMinAge: kvdb.DefaultBoltAutoCompactMinAge,
		DBTimeout:         timeout,
	})
	if err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}

	store, err := NewKVStore(db, magic)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	store.owned = true

	return store, nil
}

// NewKVStore creates a store on an open backend, initialising the buckets on
// first use. A nil magic selects DefaultMagic.
func NewKVStore(db kvdb.Backend, magic []byte) (*KVStore, error) {
	if magic == nil {
		magic = DefaultMagic
	}

	err := kvdb.Update(db, func(tx kvdb.RwTx) error {
		meta, err := tx.CreateTopLevelBucket(metaBucket)
		if err != nil {
			return err
		}

		stored := meta.Get(magicKey)
		switch {
		case stored == nil:
			if err := meta.Put(magicKey, magic); err != nil {
				return err
			}

		case !bytes.Equal(stored, magic):
			return ErrBadMagic
		}

		_, err = tx.CreateTopLevelBucket(changeSetBucket)

		return err
	}, func() {})
	switch {
	case errors.Is(err, ErrBadMagic):
		return nil, err

	case err != nil:
		return nil, &StorageError{Op: "init", Err: err}
	}

	return &KVStore{db: db}, nil
}

// Replay yields the stored change sets in append order.
//
// NOTE: This is part of the Store interface.
func (k *KVStore) Replay() iter.Seq2[*changeset.ChangeSet, error] {
	if err := k.gate.begin(); err != nil {
		return failedReplay(err)
	}

	return func(yield func(*changeset.ChangeSet, error) bool) {
		var count int
		err := kvdb.View(k.db, func(tx kvdb.RTx) error {
			bucket := tx.ReadBucket(changeSetBucket)
			if bucket == nil {
				return kvdb.ErrBucketNotFound
			}

			return bucket.ForEach(func(key, value []byte) error {
				cs := &changeset.ChangeSet{}
				err := cs.Decode(bytes.NewReader(value))
				if err != nil {
					return fmt.Errorf("%w: record %x: %v",
						ErrCorrupted, key, err)
				}

				count++
				if !yield(cs, nil) {
					return errStopReplay
				}

				return nil
			})
		}, func() {
			count = 0
		})

		switch {
		case errors.Is(err, errStopReplay):
			k.gate.abandon()
			return

		case errors.Is(err, ErrCorrupted):
			k.gate.abandon()
			yield(nil, err)
			return

		case err != nil:
			k.gate.abandon()
			yield(nil, &StorageError{Op: "replay", Err: err})
			return
		}

		log.Debugf("Replayed %d change sets", count)
		k.gate.finish()
	}
}

// Append stores the change set under the next sequence number.
//
// NOTE: This is part of the Store interface.
func (k *KVStore) Append(cs *changeset.ChangeSet) error {
	if err := k.gate.lockForAppend(); err != nil {
		return err
	}
	defer k.gate.mu.Unlock()

	var value bytes.Buffer
	if err := cs.Encode(&value); err != nil {
		return fmt.Errorf("encode change set: %w", err)
	}

	err := kvdb.Update(k.db, func(tx kvdb.RwTx) error {
		bucket := tx.ReadWriteBucket(changeSetBucket)
		if bucket == nil {
			return kvdb.ErrBucketNotFound
		}

		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}

		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)

		return bucket.Put(key[:], value.Bytes())
	}, func() {})
	if err != nil {
		return &StorageError{Op: "append", Err: err}
	}

	return nil
}

// Close closes the backend if the store owns it.
//
// NOTE: This is part of the Store interface.
func (k *KVStore) Close() error {
	if !k.gate.close() || !k.owned {
		return nil
	}

	return k.db.Close()
}
