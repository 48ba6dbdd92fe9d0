package blockcache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

type mockChainBackend struct {
	sync.Mutex

	blocks map[chainhash.Hash]*wire.MsgBlock
	calls  int
}

func newMockChain(blocks ...*wire.MsgBlock) *mockChainBackend {
	m := &mockChainBackend{
		blocks: make(map[chainhash.Hash]*wire.MsgBlock),
	}
	for _, b := range blocks {
		m.blocks[b.BlockHash()] = b
	}

	return m
}

func (m *mockChainBackend) GetBlock(
	hash *chainhash.Hash) (*wire.MsgBlock, error) {

	m.Lock()
	defer m.Unlock()

	m.calls++

	block, ok := m.blocks[*hash]
	if !ok {
		return nil, fmt.Errorf("block %v not found", hash)
	}

	return block, nil
}

func (m *mockChainBackend) takeCalls() int {
	m.Lock()
	defer m.Unlock()

	calls := m.calls
	m.calls = 0

	return calls
}

func testBlock(nonce uint32) *wire.MsgBlock {
	return &wire.MsgBlock{Header: wire.BlockHeader{Nonce: nonce}}
}

// TestBlockCacheGetBlock checks that the cache serves repeated requests
// and evicts the least recently used block once full.
func TestBlockCacheGetBlock(t *testing.T) {
	t.Parallel()

	block1, block2, block3 := testBlock(1), testBlock(2), testBlock(3)
	mc := newMockChain(block1, block2, block3)

	// The cache holds two blocks.
	size := uint64(block1.SerializeSize())
	bc := NewBlockCache(2 * size)

	hash1, hash2 := block1.BlockHash(), block2.BlockHash()
	hash3 := block3.BlockHash()

	got, err := bc.GetBlock(&hash1, mc.GetBlock)
	require.NoError(t, err)
	require.Equal(t, hash1, got.BlockHash())
	require.Equal(t, 1, bc.Len())
	require.Equal(t, 1, mc.takeCalls())

	_, err = bc.GetBlock(&hash2, mc.GetBlock)
	require.NoError(t, err)
	require.Equal(t, 2, bc.Len())
	require.Equal(t, 1, mc.takeCalls())

	// Block 1 is served from the cache and becomes the most recently
	// used.
	_, err = bc.GetBlock(&hash1, mc.GetBlock)
	require.NoError(t, err)
	require.Zero(t, mc.takeCalls())

	// Block 3 evicts block 2.
	_, err = bc.GetBlock(&hash3, mc.GetBlock)
	require.NoError(t, err)
	require.Equal(t, 2, bc.Len())
	require.Equal(t, 1, mc.takeCalls())

	_, err = bc.GetBlock(&hash1, mc.GetBlock)
	require.NoError(t, err)
	require.Zero(t, mc.takeCalls())

	_, err = bc.GetBlock(&hash2, mc.GetBlock)
	require.NoError(t, err)
	require.Equal(t, 1, mc.takeCalls())
}

// TestBlockCacheFetchError checks that failed fetches aren't cached.
func TestBlockCacheFetchError(t *testing.T) {
	t.Parallel()

	mc := newMockChain()
	bc := NewBlockCache(DefaultCapacity)

	hash := testBlock(7).BlockHash()
	_, err := bc.GetBlock(&hash, mc.GetBlock)
	require.Error(t, err)
	require.Zero(t, bc.Len())

	mc.Lock()
	mc.blocks[hash] = testBlock(7)
	mc.Unlock()

	_, err = bc.GetBlock(&hash, mc.GetBlock)
	require.NoError(t, err)
	require.Equal(t, 1, bc.Len())
}

// TestBlockCacheConcurrent checks that concurrent requests for one block
// fetch it once.
func TestBlockCacheConcurrent(t *testing.T) {
	t.Parallel()

	block := testBlock(9)
	mc := newMockChain(block)
	bc := NewBlockCache(DefaultCapacity)
	hash := block.BlockHash()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = bc.GetBlock(&hash, mc.GetBlock)
		}()
	}
	wg.Wait()

	require.Equal(t, 1, mc.takeCalls())
}
