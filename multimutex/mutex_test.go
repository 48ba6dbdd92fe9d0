package multimutex

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestMutexPerKey checks that keys are locked independently and that
// entries are dropped once released.
func TestMutexPerKey(t *testing.T) {
	t.Parallel()

	m := NewMutex[uint32]()
	m.Lock(1)

	// Another key is available right away.
	m.Lock(2)
	m.Unlock(2)

	acquired := make(chan struct{})
	go func() {
		m.Lock(1)
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("key locked twice")
	case <-time.After(50 * time.Millisecond):
	}

	m.Unlock(1)
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter not woken")
	}
	m.Unlock(1)

	m.mapMtx.Lock()
	require.Empty(t, m.mutexes)
	m.mapMtx.Unlock()

	require.Error(t, m.TryUnlock(1))
}

// TestMutexCounter increments a counter per key from many goroutines.
func TestMutexCounter(t *testing.T) {
	t.Parallel()

	const (
		numKeys    = 4
		numWorkers = 16
		numIncs    = 100
	)

	m := NewMutex[int]()
	counts := make([]int, numKeys)

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for i := 0; i < numIncs; i++ {
				key := (w + i) % numKeys
				m.Lock(key)
				counts[key]++
				m.Unlock(key)
			}
		}()
	}
	wg.Wait()

	total := 0
	for _, c := range counts {
		total += c
	}
	require.Equal(t, numWorkers*numIncs, total)
}
