package gatekeeper

import (
	"testing"

	"github.com/lightningnetwork/towerd/wtdb"
	"github.com/stretchr/testify/require"
)

// TestOutdatedCachePruning asserts only the last window of heights is
// retained.
func TestOutdatedCachePruning(t *testing.T) {
	t.Parallel()

	c := newOutdatedCache()

	for h := uint32(100); h < 130; h++ {
		c.put(h, outdatedUsers{
			wtdb.UserID{0x02, byte(h)}: nil,
		})
	}

	require.ElementsMatch(t, []uint32{
		120, 121, 122, 123, 124, 125, 126, 127, 128, 129,
	}, c.heights())

	_, ok := c.get(119)
	require.False(t, ok)

	users, ok := c.get(125)
	require.True(t, ok)
	require.Contains(t, users, wtdb.UserID{0x02, 125})

	// Low heights never underflow the window.
	c = newOutdatedCache()
	c.put(3, outdatedUsers{})
	require.Equal(t, []uint32{3}, c.heights())
}
