package node

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sputn1ck/tanglewallet/pow"
	"github.com/sputn1ck/tanglewallet/tangle"
	"golang.org/x/sync/errgroup"
)

// BridgeConfig holds configuration for the Bridge.
type BridgeConfig struct {
	// Client is the node API client.
	Client *Client

	// PollInterval is how often confirmations are polled.
	// Default: 10 seconds
	PollInterval time.Duration

	// CacheSize is the number of transactions to cache.
	// Default: 1000
	CacheSize int

	// BundleCacheTrytes bounds the serialized size of the bundles cached
	// by tail.
	// Default: 100 transactions worth of trytes
	BundleCacheTrytes uint64

	// CacheTTL is how long node info is cached.
	// Default: 10 seconds
	CacheTTL time.Duration

	// LookupConcurrency bounds parallel per address queries.
	// Default: 4
	LookupConcurrency int

	// TipSelectionDuration, if set, observes the seconds spent in tip
	// selection.
	TipSelectionDuration prometheus.Observer
}

// DefaultBridgeConfig returns default configuration.
func DefaultBridgeConfig(client *Client) *BridgeConfig {
	return &BridgeConfig{
		Client:            client,
		PollInterval:      10 * time.Second,
		CacheSize:         1000,
		BundleCacheTrytes: 100 * tangle.TransactionTrytes,
		CacheTTL:          10 * time.Second,
		LookupConcurrency: 4,
	}
}

// Bridge is the typed view of a node used by the rest of the wallet.
type Bridge struct {
	cfg *BridgeConfig

	cache *cache

	watcher *ConfirmationWatcher

	started bool
	mu      sync.Mutex
}

// NewBridge creates a new Bridge.
func NewBridge(cfg *BridgeConfig) (*Bridge, error) {
	if cfg == nil || cfg.Client == nil {
		return nil, fmt.Errorf("node client is required")
	}

	bundleTrytes := cfg.BundleCacheTrytes
	if bundleTrytes == 0 {
		bundleTrytes = 100 * tangle.TransactionTrytes
	}

	c, err := newCache(cfg.CacheSize, bundleTrytes, cfg.CacheTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}

	b := &Bridge{
		cfg:   cfg,
		cache: c,
	}
	b.watcher = NewConfirmationWatcher(&WatcherConfig{
		States:       b,
		PollInterval: cfg.PollInterval,
	})

	return b, nil
}

// Start starts the confirmation watcher.
func (b *Bridge) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		return nil
	}
	b.started = true

	return b.watcher.Start()
}

// Stop stops the confirmation watcher.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.started {
		return nil
	}
	b.started = false

	return b.watcher.Stop()
}

// Watcher returns the confirmation watcher of the bridge.
func (b *Bridge) Watcher() *ConfirmationWatcher {
	return b.watcher
}

// NodeInfo returns the node's state, cached for a short while.
func (b *Bridge) NodeInfo(ctx context.Context) (*NodeInfo, error) {
	if info, ok := b.cache.getNodeInfo(); ok {
		return info, nil
	}

	info, err := b.cfg.Client.GetNodeInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get node info: %w", err)
	}

	b.cache.setNodeInfo(info)

	return info, nil
}

// Neighbors returns the node's peers.
func (b *Bridge) Neighbors(ctx context.Context) ([]Neighbor, error) {
	return b.cfg.Client.GetNeighbors(ctx)
}

// AddNeighbors adds peers to the node.
func (b *Bridge) AddNeighbors(ctx context.Context,
	uris []string) (int, error) {

	if len(uris) == 0 {
		return 0, nil
	}

	return b.cfg.Client.AddNeighbors(ctx, uris)
}

// RemoveNeighbors removes peers from the node.
func (b *Bridge) RemoveNeighbors(ctx context.Context,
	uris []string) (int, error) {

	if len(uris) == 0 {
		return 0, nil
	}

	return b.cfg.Client.RemoveNeighbors(ctx, uris)
}

// Tips returns the node's current tips.
func (b *Bridge) Tips(ctx context.Context) ([]tangle.Hash, error) {
	raw, err := b.cfg.Client.GetTips(ctx)
	if err != nil {
		return nil, err
	}

	return parseHashes(raw)
}

// TransactionsToApprove selects a trunk and a branch to attach on. The
// walk starts depth milestones back, or at reference when given.
func (b *Bridge) TransactionsToApprove(ctx context.Context, depth uint64,
	reference *tangle.Hash) (tangle.Hash, tangle.Hash, error) {

	var ref string
	if reference != nil {
		ref = reference.Trytes()
	}

	start := time.Now()
	trunkStr, branchStr, err := b.cfg.Client.GetTransactionsToApprove(
		ctx, depth, ref,
	)
	if err != nil {
		return tangle.Hash{}, tangle.Hash{}, fmt.Errorf("tip "+
			"selection failed: %w", err)
	}
	if b.cfg.TipSelectionDuration != nil {
		b.cfg.TipSelectionDuration.Observe(time.Since(start).Seconds())
	}

	trunk, err := tangle.HashFromTrytes(trunkStr)
	if err != nil {
		return tangle.Hash{}, tangle.Hash{}, fmt.Errorf("%w: trunk: %v",
			tangle.ErrSerialization, err)
	}
	branch, err := tangle.HashFromTrytes(branchStr)
	if err != nil {
		return tangle.Hash{}, tangle.Hash{}, fmt.Errorf("%w: branch: %v",
			tangle.ErrSerialization, err)
	}

	log.Debugf("Selected trunk %v and branch %v (depth %d)", trunk,
		branch, depth)

	return trunk, branch, nil
}

// AttachToTangle has the node do the proof of work. txs must be given head
// first, the result is tail first. Every returned transaction is checked
// against mwm, a node is not trusted to have done the work.
func (b *Bridge) AttachToTangle(ctx context.Context, trunk,
	branch tangle.Hash, txs []*tangle.Transaction,
	mwm int) ([]*tangle.Transaction, error) {

	if err := pow.ValidateAttachOrder(txs); err != nil {
		return nil, err
	}
	if trunk.IsNull() || branch.IsNull() {
		return nil, fmt.Errorf("%w: trunk and branch are required",
			tangle.ErrAttachment)
	}

	raw, err := serialize(txs)
	if err != nil {
		return nil, err
	}

	out, err := b.cfg.Client.AttachToTangle(
		ctx, trunk.Trytes(), branch.Trytes(), mwm, raw,
	)
	if err != nil {
		return nil, fmt.Errorf("remote attach failed: %w", err)
	}
	if len(out) != len(txs) {
		return nil, fmt.Errorf("%w: node attached %d of %d "+
			"transactions", tangle.ErrSerialization, len(out),
			len(txs))
	}

	attached, err := parseTransactions(out)
	if err != nil {
		return nil, err
	}
	for i, tx := range attached {
		weight, err := tx.Weight()
		if err != nil {
			return nil, err
		}
		if weight < mwm {
			return nil, fmt.Errorf("%w: node returned transaction "+
				"%d with weight %d, need %d",
				tangle.ErrAttachment, i, weight, mwm)
		}
		if tx.Bundle != txs[i].Bundle ||
			tx.CurrentIndex != txs[i].CurrentIndex {

			return nil, fmt.Errorf("%w: node returned foreign "+
				"transaction at %d", tangle.ErrAttachment, i)
		}
	}

	return tangle.Reverse(attached), nil
}

// StoreAndBroadcast stores attached transactions on the node and then
// broadcasts them. Neither step is retried.
func (b *Bridge) StoreAndBroadcast(ctx context.Context,
	txs []*tangle.Transaction) error {

	raw, err := serialize(txs)
	if err != nil {
		return err
	}

	if err := b.cfg.Client.StoreTransactions(ctx, raw); err != nil {
		return fmt.Errorf("failed to store transactions: %w", err)
	}
	if err := b.cfg.Client.BroadcastTransactions(ctx, raw); err != nil {
		return fmt.Errorf("failed to broadcast transactions: %w", err)
	}

	for _, tx := range txs {
		if h, err := tx.Hash(); err == nil {
			b.cache.addTransaction(h, tx)
		}
	}

	return nil
}

// BroadcastTransactions broadcasts attached transactions once.
func (b *Bridge) BroadcastTransactions(ctx context.Context,
	txs []*tangle.Transaction) error {

	raw, err := serialize(txs)
	if err != nil {
		return err
	}

	if err := b.cfg.Client.BroadcastTransactions(ctx, raw); err != nil {
		return fmt.Errorf("failed to broadcast transactions: %w", err)
	}

	return nil
}

// Transaction fetches a transaction by hash.
func (b *Bridge) Transaction(ctx context.Context,
	h tangle.Hash) (*tangle.Transaction, error) {

	if tx, ok := b.cache.getTransaction(h); ok {
		return tx, nil
	}

	raw, err := b.cfg.Client.GetTrytes(ctx, []string{h.Trytes()})
	if err != nil {
		return nil, err
	}
	if len(raw) != 1 {
		return nil, fmt.Errorf("%w: node returned %d transactions",
			tangle.ErrSerialization, len(raw))
	}

	// Unknown transactions come back as nines.
	if strings.Trim(raw[0], "9") == "" {
		return nil, fmt.Errorf("%w: transaction %v not known to node",
			tangle.ErrInvalidBundle, h)
	}

	tx, err := tangle.TransactionFromTrytes(raw[0])
	if err != nil {
		return nil, err
	}

	got, err := tx.Hash()
	if err != nil {
		return nil, err
	}
	if got != h {
		return nil, fmt.Errorf("%w: node returned transaction %v for "+
			"%v", tangle.ErrSerialization, got, h)
	}

	b.cache.addTransaction(h, tx)

	return tx, nil
}

// BundleByTail walks a bundle from its tail along the trunk references and
// returns it tail first after validating it.
func (b *Bridge) BundleByTail(ctx context.Context,
	tail tangle.Hash) ([]*tangle.Transaction, error) {

	if bundle, ok := b.cache.getBundle(tail); ok {
		return bundle, nil
	}

	tx, err := b.Transaction(ctx, tail)
	if err != nil {
		return nil, err
	}
	if !tx.IsTail() {
		return nil, fmt.Errorf("%w: %v is not a tail transaction",
			tangle.ErrInvalidBundle, tail)
	}

	bundle := []*tangle.Transaction{tx}
	for tx.CurrentIndex < tx.LastIndex {
		next, err := b.Transaction(ctx, tx.TrunkTransaction)
		if err != nil {
			return nil, err
		}
		if next.Bundle != tx.Bundle ||
			next.CurrentIndex != tx.CurrentIndex+1 {

			return nil, fmt.Errorf("%w: trunk of index %d leaves "+
				"the bundle", tangle.ErrInvalidBundle,
				tx.CurrentIndex)
		}

		bundle = append(bundle, next)
		tx = next
	}

	if err := tangle.Bundle(bundle).Validate(); err != nil {
		return nil, err
	}
	b.cache.addBundle(tail, bundle)

	return bundle, nil
}

// BroadcastBundle rebroadcasts the bundle with the given tail. Every call
// issues one broadcast, nothing is deduplicated and no proof of work is
// redone.
func (b *Bridge) BroadcastBundle(ctx context.Context,
	tail tangle.Hash) ([]*tangle.Transaction, error) {

	bundle, err := b.BundleByTail(ctx, tail)
	if err != nil {
		return nil, err
	}

	if err := b.BroadcastTransactions(ctx, bundle); err != nil {
		return nil, err
	}

	log.Infof("Rebroadcast bundle %v (%d transactions)", bundle[0].Bundle,
		len(bundle))

	return bundle, nil
}

// TailConsistency is the consistency of a single tail.
type TailConsistency struct {
	Tail       tangle.Hash `json:"tail"`
	Consistent bool        `json:"consistent"`
	Info       string      `json:"info,omitempty"`
}

// ConsistencyReport is the answer to a consistency check.
type ConsistencyReport struct {
	// Consistent is true if all tails can be approved together.
	Consistent bool `json:"consistent"`

	// Info is the node's explanation of an inconsistency.
	Info string `json:"info,omitempty"`

	// Tails holds the state of every tail in request order.
	Tails []TailConsistency `json:"tails"`
}

// CheckConsistency asks the node whether tails are consistent with the
// ledger. If the set as a whole is not, every tail is checked on its own to
// find the culprits.
func (b *Bridge) CheckConsistency(ctx context.Context,
	tails []tangle.Hash) (*ConsistencyReport, error) {

	if len(tails) == 0 {
		return nil, fmt.Errorf("%w: no tails given",
			tangle.ErrSerialization)
	}

	state, info, err := b.cfg.Client.CheckConsistency(
		ctx, hashStrings(tails),
	)
	if err != nil {
		return nil, fmt.Errorf("consistency check failed: %w", err)
	}

	report := &ConsistencyReport{
		Consistent: state,
		Info:       info,
		Tails:      make([]TailConsistency, len(tails)),
	}
	for i, tail := range tails {
		report.Tails[i] = TailConsistency{
			Tail:       tail,
			Consistent: state,
			Info:       info,
		}
	}

	if state || len(tails) == 1 {
		return report, nil
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(b.lookupConcurrency())
	for i, tail := range tails {
		i, tail := i, tail
		eg.Go(func() error {
			s, info, err := b.cfg.Client.CheckConsistency(
				egCtx, []string{tail.Trytes()},
			)
			if err != nil {
				return err
			}
			report.Tails[i].Consistent = s
			report.Tails[i].Info = info

			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, fmt.Errorf("consistency check failed: %w", err)
	}

	return report, nil
}

// Balances returns the confirmed balance of every address.
func (b *Bridge) Balances(ctx context.Context,
	addrs []tangle.Address) ([]uint64, error) {

	raw, err := b.cfg.Client.GetBalances(ctx, addressStrings(addrs))
	if err != nil {
		return nil, err
	}
	if len(raw) != len(addrs) {
		return nil, fmt.Errorf("%w: node returned %d balances for %d "+
			"addresses", tangle.ErrSerialization, len(raw), len(addrs))
	}

	balances := make([]uint64, len(raw))
	for i, s := range raw {
		balances[i], err = strconv.ParseUint(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: balance %q: %v",
				tangle.ErrSerialization, s, err)
		}
	}

	return balances, nil
}

// WereAddressesSpentFrom reports whether addresses were spent from.
func (b *Bridge) WereAddressesSpentFrom(ctx context.Context,
	addrs []tangle.Address) ([]bool, error) {

	states, err := b.cfg.Client.WereAddressesSpentFrom(
		ctx, addressStrings(addrs),
	)
	if err != nil {
		return nil, err
	}
	if len(states) != len(addrs) {
		return nil, fmt.Errorf("%w: node returned %d states for %d "+
			"addresses", tangle.ErrSerialization, len(states),
			len(addrs))
	}

	return states, nil
}

// FindTransactions returns the hashes of transactions matching q.
func (b *Bridge) FindTransactions(ctx context.Context,
	q FindQuery) ([]tangle.Hash, error) {

	raw, err := b.cfg.Client.FindTransactions(ctx, q)
	if err != nil {
		return nil, err
	}

	return parseHashes(raw)
}

// UsedAddresses reports for every address whether it was spent from or
// appears in any transaction.
func (b *Bridge) UsedAddresses(ctx context.Context,
	addrs []tangle.Address) ([]bool, error) {

	used, err := b.WereAddressesSpentFrom(ctx, addrs)
	if err != nil {
		return nil, err
	}

	// findTransactions answers with a union of hashes, so every address
	// still in question is asked for on its own.
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(b.lookupConcurrency())
	for i, addr := range addrs {
		if used[i] {
			continue
		}

		i, addr := i, addr
		eg.Go(func() error {
			hashes, err := b.cfg.Client.FindTransactions(
				egCtx, FindQuery{
					Addresses: []string{addr.Trytes()},
				},
			)
			if err != nil {
				return err
			}
			used[i] = len(hashes) > 0

			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	return used, nil
}

// InclusionStates reports whether transactions are confirmed.
func (b *Bridge) InclusionStates(ctx context.Context,
	hashes []tangle.Hash) ([]bool, error) {

	states, err := b.cfg.Client.GetInclusionStates(ctx, hashStrings(hashes))
	if err != nil {
		return nil, err
	}
	if len(states) != len(hashes) {
		return nil, fmt.Errorf("%w: node returned %d states for %d "+
			"transactions", tangle.ErrSerialization, len(states),
			len(hashes))
	}

	return states, nil
}

func (b *Bridge) lookupConcurrency() int {
	if b.cfg.LookupConcurrency <= 0 {
		return 1
	}

	return b.cfg.LookupConcurrency
}

func serialize(txs []*tangle.Transaction) ([]string, error) {
	raw := make([]string, len(txs))
	for i, tx := range txs {
		s, err := tx.Trytes()
		if err != nil {
			return nil, err
		}
		raw[i] = s
	}

	return raw, nil
}

func parseTransactions(raw []string) ([]*tangle.Transaction, error) {
	txs := make([]*tangle.Transaction, len(raw))
	for i, s := range raw {
		tx, err := tangle.TransactionFromTrytes(s)
		if err != nil {
			return nil, err
		}
		txs[i] = tx
	}

	return txs, nil
}

func parseHashes(raw []string) ([]tangle.Hash, error) {
	hashes := make([]tangle.Hash, len(raw))
	for i, s := range raw {
		h, err := tangle.HashFromTrytes(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", tangle.ErrSerialization,
				err)
		}
		hashes[i] = h
	}

	return hashes, nil
}

func hashStrings(hashes []tangle.Hash) []string {
	out := make([]string, len(hashes))
	for i, h := range hashes {
		out[i] = h.Trytes()
	}

	return out
}

func addressStrings(addrs []tangle.Address) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.Trytes()
	}

	return out
}
