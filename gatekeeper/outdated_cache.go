package gatekeeper

import (
	"errors"

	"github.com/lightninglabs/neutrino/cache"
	"github.com/lightninglabs/neutrino/cache/lru"
	"github.com/lightningnetwork/towerd/wtdb"
)

// OutdatedUsersCacheSizeBlocks is how many heights of outdated users are
// remembered.
const OutdatedUsersCacheSizeBlocks = 10

// outdatedUsers maps the users outdated at a given height to the
// appointments they owned at that point.
type outdatedUsers map[wtdb.UserID][]wtdb.UUID

// Size returns the cost of the entry in the lru cache. Every height counts
// as one so the capacity is expressed in blocks.
func (o outdatedUsers) Size() (uint64, error) {
	return 1, nil
}

// outdatedCache remembers which users were outdated at the most recent
// heights, so the watcher and responder loops learn about them even if the
// gatekeeper loop already deleted the users.
type outdatedCache struct {
	cache *lru.Cache[uint32, outdatedUsers]
}

func newOutdatedCache() *outdatedCache {
	return &outdatedCache{
		cache: lru.NewCache[uint32, outdatedUsers](
			OutdatedUsersCacheSizeBlocks,
		),
	}
}

func (c *outdatedCache) get(height uint32) (outdatedUsers, bool) {
	users, err := c.cache.Get(height)
	if errors.Is(err, cache.ErrElementNotFound) {
		return nil, false
	}

	return users, err == nil
}

// put records the users outdated at height and prunes every height that
// fell out of the window.
func (c *outdatedCache) put(height uint32, users outdatedUsers) {
	_, _ = c.cache.Put(height, users)

	if height < OutdatedUsersCacheSizeBlocks {
		return
	}
	oldest := height - OutdatedUsersCacheSizeBlocks

	var stale []uint32
	c.cache.Range(func(h uint32, _ outdatedUsers) bool {
		if h <= oldest {
			stale = append(stale, h)
		}

		return true
	})
	for _, h := range stale {
		c.cache.Delete(h)
	}
}

// heights returns the heights currently cached.
func (c *outdatedCache) heights() []uint32 {
	var heights []uint32
	c.cache.Range(func(h uint32, _ outdatedUsers) bool {
		heights = append(heights, h)
		return true
	})

	return heights
}
