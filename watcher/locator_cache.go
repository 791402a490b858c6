package watcher

import (
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/towerd/chain"
	"github.com/lightningnetwork/towerd/wtdb"
)

// DefaultLocatorCacheSize is the number of recent blocks whose locators are
// cached.
const DefaultLocatorCacheSize = 6

// BlockSource fetches decoded blocks from the backing node.
type BlockSource interface {
	// GetBlock fetches a block by hash.
	GetBlock(hash *chainhash.Hash, blocking bool) (*chain.Block, error)
}

// cachedBlock holds the locators of the transactions of a block.
type cachedBlock struct {
	hash     chainhash.Hash
	locators []wtdb.Locator
}

// LocatorCache remembers the locators of the transactions included in the
// last few blocks. It lets the watcher react to appointments whose dispute
// transaction was mined right before the appointment arrived.
type LocatorCache struct {
	size int

	mu sync.RWMutex

	// blocks is ordered from oldest to newest.
	blocks []cachedBlock

	// cache holds the locators of every block in blocks.
	cache map[wtdb.Locator]chainhash.Hash
}

// NewLocatorCache creates an empty cache holding up to size blocks.
func NewLocatorCache(size int) *LocatorCache {
	if size <= 0 {
		size = DefaultLocatorCacheSize
	}

	return &LocatorCache{
		size:  size,
		cache: make(map[wtdb.Locator]chainhash.Hash),
	}
}

// LocatorMap computes the locator of every txid.
func LocatorMap(txids []chainhash.Hash) map[wtdb.Locator]chainhash.Hash {
	locators := make(map[wtdb.Locator]chainhash.Hash, len(txids))
	for i := range txids {
		locators[wtdb.ComputeLocator(&txids[i])] = txids[i]
	}

	return locators
}

// walk fetches up to size blocks going back from tip. The blocks are
// returned oldest first together with the flattened locator map.
func (c *LocatorCache) walk(tip chainhash.Hash,
	blocks BlockSource) ([]cachedBlock, map[wtdb.Locator]chainhash.Hash,
	error) {

	var (
		walked []cachedBlock
		cache  = make(map[wtdb.Locator]chainhash.Hash)
	)

	target := tip
	for len(walked) < c.size {
		block, err := blocks.GetBlock(&target, true)
		if err != nil {
			return nil, nil, err
		}

		locators := LocatorMap(block.Txids)
		cached := cachedBlock{
			hash:     block.Hash,
			locators: make([]wtdb.Locator, 0, len(locators)),
		}
		for locator, txid := range locators {
			cached.locators = append(cached.locators, locator)

			// Newer blocks win over older ones.
			if _, ok := cache[locator]; !ok {
				cache[locator] = txid
			}
		}
		walked = append(walked, cached)

		if block.Height == 0 {
			break
		}
		target = block.PrevHash
	}

	for i, j := 0, len(walked)-1; i < j; i, j = i+1, j-1 {
		walked[i], walked[j] = walked[j], walked[i]
	}

	return walked, cache, nil
}

// Init fills the cache with the blocks leading to lastKnownBlock. Fewer
// blocks are cached if the chain is shorter than the cache.
func (c *LocatorCache) Init(lastKnownBlock chainhash.Hash,
	blocks BlockSource) error {

	return c.Fix(lastKnownBlock, blocks)
}

// Fix rebuilds the cache from scratch so it follows the chain ending at
// lastKnownBlock. It is used after a reorg. The walk happens without holding
// the lock and the result is swapped in at once.
func (c *LocatorCache) Fix(lastKnownBlock chainhash.Hash,
	blocks BlockSource) error {

	walked, cache, err := c.walk(lastKnownBlock, blocks)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.blocks = walked
	c.cache = cache
	c.mu.Unlock()

	return nil
}

// GetTxID returns the id of the cached transaction matching locator.
func (c *LocatorCache) GetTxID(locator wtdb.Locator) (chainhash.Hash, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	txid, ok := c.cache[locator]

	return txid, ok
}

// Update adds the locators of a new block, evicting the oldest block if the
// cache is full.
func (c *LocatorCache) Update(blockHash chainhash.Hash,
	locators map[wtdb.Locator]chainhash.Hash) {

	c.mu.Lock()
	defer c.mu.Unlock()

	cached := cachedBlock{
		hash:     blockHash,
		locators: make([]wtdb.Locator, 0, len(locators)),
	}
	for locator, txid := range locators {
		cached.locators = append(cached.locators, locator)
		c.cache[locator] = txid
	}
	c.blocks = append(c.blocks, cached)

	for len(c.blocks) > c.size {
		evicted := c.blocks[0]
		c.blocks = c.blocks[1:]

		for _, locator := range evicted.locators {
			if !c.referencedLocked(locator) {
				delete(c.cache, locator)
			}
		}
	}
}

// referencedLocked reports whether any cached block holds locator.
func (c *LocatorCache) referencedLocked(locator wtdb.Locator) bool {
	for _, block := range c.blocks {
		for _, l := range block.locators {
			if l == locator {
				return true
			}
		}
	}

	return false
}

// IsFull reports whether the cache holds as many blocks as it can.
func (c *LocatorCache) IsFull() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.blocks) >= c.size
}

// NumBlocks returns the number of cached blocks.
func (c *LocatorCache) NumBlocks() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.blocks)
}

// BlockHashes returns the hashes of the cached blocks, oldest first.
func (c *LocatorCache) BlockHashes() []chainhash.Hash {
	c.mu.RLock()
	defer c.mu.RUnlock()

	hashes := make([]chainhash.Hash, 0, len(c.blocks))
	for _, block := range c.blocks {
		hashes = append(hashes, block.hash)
	}

	return hashes
}
