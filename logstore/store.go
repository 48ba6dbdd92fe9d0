// Package logstore persists wallet change sets as an append-only log. The
// wallet state at startup is the merge of every change set in the log, in
// order.
package logstore

import (
	"errors"
	"fmt"
	"iter"
	"sync"

	"github.com/lightningnetwork/walletsync/changeset"
)

// DefaultMagic is the marker written at the start of every store.
var DefaultMagic = []byte("walletsync_store")

var (
	// ErrBadMagic is returned when opening a store written by something
	// else.
	ErrBadMagic = errors.New("store has an unexpected magic marker")

	// ErrCorrupted is returned when a complete record fails its checksum
	// or can't be decoded.
	ErrCorrupted = errors.New("store is corrupted")

	// ErrReplayPending is returned by Append until Replay has been drained.
	ErrReplayPending = errors.New("replay must complete before appending")

	// ErrReplayAbandoned is returned by Append when the replay stopped
	// before the end of the log, either on an error or because the caller
	// stopped iterating. The store has to be reopened.
	ErrReplayAbandoned = errors.New("replay stopped before the end of " +
		"the log")

	// ErrReplayConsumed is yielded when Replay is called more than once.
	ErrReplayConsumed = errors.New("replay already consumed")

	// ErrStoreClosed is returned when using a closed store.
	ErrStoreClosed = errors.New("store is closed")
)

// StorageError wraps a failure of the underlying storage.
type StorageError struct {
	// Op is the operation that failed.
	Op string

	// Err is the underlying error.
	Err error
}

// Error returns the error string.
func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// Store is an append-only log of change sets.
type Store interface {
	// Replay yields every stored change set in append order. It can be
	// consumed once and must be drained before Append is allowed. A
	// yielded error ends the replay. A replay ended early, by an error or
	// by the caller, leaves Append failing with ErrReplayAbandoned.
	Replay() iter.Seq2[*changeset.ChangeSet, error]

	// Append durably adds a change set to the log before returning.
	Append(cs *changeset.ChangeSet) error

	// Close releases the store.
	Close() error
}

type replayState uint8

const (
	replayNotStarted replayState = iota
	replayRunning
	replayDone
	replayAbandoned
)

// replayGate enforces the replay-then-append protocol shared by the stores.
type replayGate struct {
	mu     sync.Mutex
	state  replayState
	closed bool
}

// begin marks the replay as started. It fails if a replay already ran.
func (r *replayGate) begin() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case r.closed:
		return ErrStoreClosed
	case r.state != replayNotStarted:
		return ErrReplayConsumed
	}
	r.state = replayRunning

	return nil
}

// finish marks the replay as drained.
func (r *replayGate) finish() {
	r.mu.Lock()
	r.state = replayDone
	r.mu.Unlock()
}

// abandon marks the replay as stopped before the end of the log.
func (r *replayGate) abandon() {
	r.mu.Lock()
	if r.state == replayRunning {
		r.state = replayAbandoned
	}
	r.mu.Unlock()
}

// lockForAppend returns an error unless appends are allowed. The lock is held
// on success and must be released by the caller.
func (r *replayGate) lockForAppend() error {
	r.mu.Lock()

	switch {
	case r.closed:
		r.mu.Unlock()
		return ErrStoreClosed

	case r.state == replayAbandoned:
		r.mu.Unlock()
		return ErrReplayAbandoned

	case r.state != replayDone:
		r.mu.Unlock()
		return ErrReplayPending
	}

	return nil
}

// close marks the store as closed and reports whether it was open.
func (r *replayGate) close() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	wasOpen := !r.closed
	r.closed = true

	return wasOpen
}

// failedReplay is the sequence yielded when a replay can't start.
func failedReplay(err error) iter.Seq2[*changeset.ChangeSet, error] {
	return func(yield func(*changeset.ChangeSet, error) bool) {
		yield(nil, err)
	}
}

// Aggregate drains a replay and merges every change set into one. It is
// mostly useful for inspection tools and tests.
func Aggregate(s Store) (*changeset.ChangeSet, int, error) {
	var (
		all = &changeset.ChangeSet{}
		n   int
	)
	for cs, err := range s.Replay() {
		if err != nil {
			return nil, n, err
		}
		all.Merge(cs)
		n++
	}

	return all, n, nil
}
