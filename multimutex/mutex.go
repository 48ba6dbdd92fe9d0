// Package multimutex provides a set of mutexes indexed by key, so callers
// working on different keys never wait for each other.
package multimutex

import (
	"fmt"
	"sync"
)

// cntMutex is a mutex along with the number of callers holding or waiting
// for it.
type cntMutex struct {
	cnt int
	sync.Mutex
}

// Mutex hands out one mutex per key. Mutexes are created on first use and
// dropped once no caller holds or waits for them.
type Mutex[T comparable] struct {
	mutexes map[T]*cntMutex

	// mapMtx guards mutexes.
	mapMtx sync.Mutex
}

// NewMutex creates a new keyed mutex.
func NewMutex[T comparable]() *Mutex[T] {
	return &Mutex[T]{
		mutexes: make(map[T]*cntMutex),
	}
}

// Lock locks the mutex of key, blocking until it is available.
func (m *Mutex[T]) Lock(key T) {
	m.mapMtx.Lock()
	mtx, ok := m.mutexes[key]
	if !ok {
		mtx = &cntMutex{}
		m.mutexes[key] = mtx
	}
	mtx.cnt++
	m.mapMtx.Unlock()

	mtx.Lock()
}

// TryUnlock unlocks the mutex of key. An error is returned if the key isn't
// locked.
func (m *Mutex[T]) TryUnlock(key T) error {
	m.mapMtx.Lock()
	mtx, ok := m.mutexes[key]
	if !ok {
		m.mapMtx.Unlock()
		return fmt.Errorf("unlock of unlocked key %v", key)
	}

	// The last caller removes the entry. Callers still waiting have
	// already incremented the count, later ones create a new entry.
	mtx.cnt--
	if mtx.cnt == 0 {
		delete(m.mutexes, key)
	}
	m.mapMtx.Unlock()

	mtx.Unlock()

	return nil
}

// Unlock unlocks the mutex of key. Unlocking a key that isn't locked is
// logged and otherwise ignored.
func (m *Mutex[T]) Unlock(key T) {
	if err := m.TryUnlock(key); err != nil {
		log.Errorf("Keyed mutex: %v", err)
	}
}
