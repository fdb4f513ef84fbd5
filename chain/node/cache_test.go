package node

import (
	"testing"
	"time"

	"github.com/sputn1ck/tanglewallet/tangle"
	"github.com/stretchr/testify/require"
)

// TestCache_Bundles tests that bundles are cached as copies and evicted by
// their serialized size.
func TestCache_Bundles(t *testing.T) {
	t.Parallel()

	// Room for three transactions.
	c, err := newCache(10, 3*tangle.TransactionTrytes, time.Minute)
	require.NoError(t, err)

	first := tangle.Reverse(testBundle(t, 2))
	firstTail := tangle.Hash(testAddress(t, "FIRSTTAIL"))
	c.addBundle(firstTail, first)

	cached, ok := c.getBundle(firstTail)
	require.True(t, ok)
	require.Equal(t, first, cached)

	// Callers cannot change what is cached.
	cached[0].Value = 42
	again, ok := c.getBundle(firstTail)
	require.True(t, ok)
	require.Zero(t, again[0].Value)

	// A second two transaction bundle pushes the first one out.
	secondTail := tangle.Hash(testAddress(t, "SECONDTAIL"))
	c.addBundle(secondTail, tangle.Reverse(testBundle(t, 2)))

	_, ok = c.getBundle(firstTail)
	require.False(t, ok)
	_, ok = c.getBundle(secondTail)
	require.True(t, ok)

	// A bundle larger than the cache is not kept.
	bigTail := tangle.Hash(testAddress(t, "BIGTAIL"))
	c.addBundle(bigTail, tangle.Reverse(testBundle(t, 4)))
	_, ok = c.getBundle(bigTail)
	require.False(t, ok)
	_, ok = c.getBundle(secondTail)
	require.True(t, ok)
}
