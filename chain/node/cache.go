package node

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	sizedlru "github.com/lightninglabs/neutrino/cache/lru"
	"github.com/sputn1ck/tanglewallet/tangle"
)

// cache holds short lived node state and the transactions fetched from the
// node. Attached transactions never change, so they are kept in an ARC cache
// without expiry. Validated bundles are kept by tail in a cache bounded by
// their serialized size.
type cache struct {
	// Node info cache
	nodeInfo cacheEntry

	// Transactions by hash.
	txs *lru.ARCCache

	// Bundles by tail, tail first.
	bundles *sizedlru.Cache[tangle.Hash, cachedBundle]

	ttl time.Duration
	mu  sync.RWMutex
}

// cachedBundle is a validated bundle in tail first order.
type cachedBundle []*tangle.Transaction

// Size returns the number of trytes the bundle takes on the wire.
func (b cachedBundle) Size() (uint64, error) {
	return uint64(len(b) * tangle.TransactionTrytes), nil
}

// newCache creates a new cache. bundleTrytes bounds the total size of the
// cached bundles.
func newCache(size int, bundleTrytes uint64,
	ttl time.Duration) (*cache, error) {

	txs, err := lru.NewARC(size)
	if err != nil {
		return nil, err
	}

	return &cache{
		txs:     txs,
		bundles: sizedlru.NewCache[tangle.Hash, cachedBundle](bundleTrytes),
		ttl:     ttl,
	}, nil
}

// getNodeInfo returns the cached node info if valid.
func (c *cache) getNodeInfo() (*NodeInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if time.Now().After(c.nodeInfo.expiresAt) {
		return nil, false
	}

	info, ok := c.nodeInfo.value.(*NodeInfo)
	return info, ok
}

// setNodeInfo caches the node info.
func (c *cache) setNodeInfo(info *NodeInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nodeInfo = cacheEntry{
		value:     info,
		expiresAt: time.Now().Add(c.ttl),
	}
}

// getTransaction returns a copy of a cached transaction.
func (c *cache) getTransaction(h tangle.Hash) (*tangle.Transaction, bool) {
	v, ok := c.txs.Get(h)
	if !ok {
		return nil, false
	}

	return v.(*tangle.Transaction).Copy(), true
}

// addTransaction caches an attached transaction.
func (c *cache) addTransaction(h tangle.Hash, tx *tangle.Transaction) {
	c.txs.Add(h, tx.Copy())
}

// getBundle returns a copy of a cached bundle.
func (c *cache) getBundle(tail tangle.Hash) ([]*tangle.Transaction, bool) {
	bundle, err := c.bundles.Get(tail)
	if err != nil {
		return nil, false
	}

	return copyBundle(bundle), true
}

// addBundle caches a validated bundle given tail first. Bundles larger than
// the whole cache are skipped.
func (c *cache) addBundle(tail tangle.Hash, bundle []*tangle.Transaction) {
	if _, err := c.bundles.Put(tail, copyBundle(bundle)); err != nil {
		log.Debugf("Not caching bundle %v: %v", tail, err)
	}
}

func copyBundle(bundle []*tangle.Transaction) []*tangle.Transaction {
	out := make([]*tangle.Transaction, len(bundle))
	for i, tx := range bundle {
		out[i] = tx.Copy()
	}

	return out
}
