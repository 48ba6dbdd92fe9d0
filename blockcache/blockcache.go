// Package blockcache keeps recently fetched blocks in memory so a block
// requested again, or by concurrent callers, is downloaded only once.
package blockcache

import (
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/neutrino/cache"
	"github.com/lightninglabs/neutrino/cache/lru"
	"github.com/lightningnetwork/walletsync/multimutex"
)

// DefaultCapacity is the default cache capacity in bytes.
const DefaultCapacity = 20 * 1024 * 1024

// FetchFunc downloads a block.
type FetchFunc func(hash *chainhash.Hash) (*wire.MsgBlock, error)

// cachedBlock wraps a block so its serialized size accounts for the cache
// capacity.
type cachedBlock struct {
	block *wire.MsgBlock
}

// Size returns the serialized size of the block.
//
// NOTE: This is part of the cache.Value interface.
func (c *cachedBlock) Size() (uint64, error) {
	return uint64(c.block.SerializeSize()), nil
}

// BlockCache is an LRU cache of blocks bounded by their serialized size.
type BlockCache struct {
	Cache    *lru.Cache[chainhash.Hash, *cachedBlock]
	HashLock *multimutex.Mutex[chainhash.Hash]
}

// NewBlockCache creates a block cache holding up to capacity bytes of
// blocks.
func NewBlockCache(capacity uint64) *BlockCache {
	return &BlockCache{
		Cache:    lru.NewCache[chainhash.Hash, *cachedBlock](capacity),
		HashLock: multimutex.NewMutex[chainhash.Hash](),
	}
}

// GetBlock returns the block from the cache, or fetches it with fetch and
// caches it. Concurrent calls for the same hash fetch it once.
func (bc *BlockCache) GetBlock(hash *chainhash.Hash,
	fetch FetchFunc) (*wire.MsgBlock, error) {

	bc.HashLock.Lock(*hash)
	defer bc.HashLock.Unlock(*hash)

	cached, err := bc.Cache.Get(*hash)
	switch {
	case err == nil:
		log.Tracef("Block %v served from cache", hash)
		return cached.block, nil

	case !errors.Is(err, cache.ErrElementNotFound):
		return nil, err
	}

	block, err := fetch(hash)
	if err != nil {
		return nil, err
	}

	_, err = bc.Cache.Put(*hash, &cachedBlock{block: block})
	if err != nil {
		log.Warnf("Unable to cache block %v: %v", hash, err)
	}

	log.Tracef("Cached block %v", hash)

	return block, nil
}

// Len returns the number of cached blocks.
func (bc *BlockCache) Len() int {
	return bc.Cache.Len()
}
