package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/sputn1ck/tanglewallet/chain/node"
	"github.com/sputn1ck/tanglewallet/db"
	"github.com/sputn1ck/tanglewallet/keyring"
	"github.com/sputn1ck/tanglewallet/monitoring"
	"github.com/sputn1ck/tanglewallet/pow"
	"github.com/sputn1ck/tanglewallet/sending"
	"github.com/sputn1ck/tanglewallet/tangle"
	"github.com/sputn1ck/tanglewallet/wallet"
)

// Config holds client configuration.
type Config struct {
	// Node configures the node API client.
	Node *node.Config

	// LocalPoW performs proof of work locally instead of on the node.
	LocalPoW bool

	// PowParallelism is the number of local proof of work threads. Zero
	// uses all CPUs.
	PowParallelism int

	// MinWeightMagnitudeFloor is the lowest accepted difficulty.
	// Default: 9
	MinWeightMagnitudeFloor int

	// Depth is the default tip selection depth.
	// Default: 3
	Depth uint64

	// MinWeightMagnitude is the default difficulty.
	// Default: 14
	MinWeightMagnitude int

	// GapLimit bounds address and input searches.
	// Default: 20
	GapLimit uint64

	// KeyStateFile persists the next address indexes. If empty, they are
	// kept in memory.
	KeyStateFile string

	// JournalPath is the bundle journal database. If empty, the journal
	// is kept in memory.
	JournalPath string

	// PollInterval is how often watched tails are polled.
	// Default: 10 seconds
	PollInterval time.Duration

	// Metrics, if set, receives the wallet's metrics.
	Metrics *monitoring.Metrics

	// Clock provides timestamps.
	Clock clock.Clock
}

// DefaultConfig returns a default client configuration.
func DefaultConfig() *Config {
	return &Config{
		Node:                    node.DefaultConfig(),
		MinWeightMagnitudeFloor: pow.DefaultMinWeightMagnitudeFloor,
		Depth:                   sending.DefaultDepth,
		MinWeightMagnitude:      sending.DefaultMinWeightMagnitude,
		GapLimit:                keyring.DefaultGapLimit,
		PollInterval:            10 * time.Second,
		Clock:                   clock.NewDefaultClock(),
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Node == nil {
		return fmt.Errorf("node config required")
	}
	if err := c.Node.Validate(); err != nil {
		return fmt.Errorf("invalid node config: %w", err)
	}
	if c.Depth == 0 {
		return fmt.Errorf("depth must be positive")
	}
	if c.MinWeightMagnitude < c.MinWeightMagnitudeFloor {
		return fmt.Errorf("min weight magnitude %d below floor %d",
			c.MinWeightMagnitude, c.MinWeightMagnitudeFloor)
	}
	if c.Clock == nil {
		return fmt.Errorf("clock required")
	}

	return nil
}

// Client is the wallet API for embedding in Go applications. It composes
// the node bridge, the key ring, the bundle preparer, an attacher and the
// send pipeline.
type Client struct {
	cfg *Config

	bridge   *node.Bridge
	keyRing  *keyring.KeyRing
	preparer *wallet.Preparer
	attacher sending.Attacher
	sender   *sending.Sender
	journal  *db.Journal

	started bool
	mu      sync.Mutex
}

// New creates a new client.
func New(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	nodeCfg := *cfg.Node
	if cfg.Metrics != nil {
		nodeCfg.Requests = cfg.Metrics.NodeRequests
	}
	nodeClient := node.NewClient(&nodeCfg)

	bridgeCfg := node.DefaultBridgeConfig(nodeClient)
	bridgeCfg.PollInterval = cfg.PollInterval
	if cfg.Metrics != nil {
		bridgeCfg.TipSelectionDuration = cfg.Metrics.TipSelectionDuration
	}
	bridge, err := node.NewBridge(bridgeCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create node bridge: %w", err)
	}

	var keyStore keyring.KeyStateStore = keyring.NewMemoryKeyStateStore()
	if cfg.KeyStateFile != "" {
		keyStore, err = keyring.NewFileKeyStateStore(cfg.KeyStateFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open key state: %w", err)
		}
	}
	keyRing, err := keyring.New(&keyring.Config{
		Lookup:        bridge,
		KeyStateStore: keyStore,
		GapLimit:      cfg.GapLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create keyring: %w", err)
	}

	preparer, err := wallet.New(&wallet.Config{
		InputSource:   wallet.NewBalanceInputSource(bridge, cfg.GapLimit),
		AddressSource: keyRing,
		Clock:         cfg.Clock,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create preparer: %w", err)
	}

	c := &Client{
		cfg:      cfg,
		bridge:   bridge,
		keyRing:  keyRing,
		preparer: preparer,
		attacher: bridge,
	}

	if cfg.LocalPoW {
		powCfg := &pow.Config{
			Solver:                  pow.NewLocalSolver(cfg.PowParallelism),
			Clock:                   cfg.Clock,
			MinWeightMagnitudeFloor: cfg.MinWeightMagnitudeFloor,
		}
		if cfg.Metrics != nil {
			powCfg.SolveDuration = cfg.Metrics.PowDuration
		}
		c.attacher, err = pow.New(powCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create attacher: %w", err)
		}
	}

	sendCfg := &sending.Config{
		Preparer:                preparer,
		TipSelector:             bridge,
		Attacher:                c.attacher,
		Broadcaster:             bridge,
		MinWeightMagnitudeFloor: cfg.MinWeightMagnitudeFloor,
	}
	if cfg.Metrics != nil {
		sendCfg.Sends = cfg.Metrics.Sends
	}
	c.sender, err = sending.New(sendCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create sender: %w", err)
	}

	journalCfg := db.DefaultConfig(cfg.JournalPath)
	journalCfg.UseMemory = cfg.JournalPath == ""
	journalCfg.Clock = cfg.Clock
	c.journal, err = db.Open(journalCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	return c, nil
}

// Start starts the confirmation watcher.
func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return nil
	}

	if err := c.bridge.Start(); err != nil {
		return fmt.Errorf("failed to start node bridge: %w", err)
	}
	c.started = true

	return nil
}

// Stop stops the client and closes the journal.
func (c *Client) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	if c.started {
		c.started = false
		if err := c.bridge.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.journal.Close(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// NodeInfo returns the state of the node.
func (c *Client) NodeInfo(ctx context.Context) (*node.NodeInfo, error) {
	return c.bridge.NodeInfo(ctx)
}

// GetNewAddress returns the address at index, or the next unused address
// if index is nil. A zero security level defaults to 2.
func (c *Client) GetNewAddress(ctx context.Context, seed *keyring.Seed,
	index *uint64,
	security tangle.SecurityLevel) (uint64, tangle.Address, error) {

	if seed == nil || !seed.Valid() {
		return 0, tangle.Address{}, tangle.ErrInvalidSeed
	}

	return c.keyRing.NewAddress(ctx, seed, index, security)
}

// Balances returns the confirmed balances of addrs.
func (c *Client) Balances(ctx context.Context,
	addrs []tangle.Address) ([]uint64, error) {

	return c.bridge.Balances(ctx, addrs)
}

// PrepareTransfers builds a signed bundle and returns it tail first without
// attaching it.
func (c *Client) PrepareTransfers(ctx context.Context, seed *keyring.Seed,
	req wallet.PrepareRequest) ([]*tangle.Transaction, error) {

	if seed == nil {
		return nil, tangle.ErrMissingSeed
	}

	return c.preparer.Prepare(ctx, seed, req)
}

// AttachToTangle attaches txs, given head first, and returns them tail
// first. Without trunk and branch, tips are selected at the default depth.
// Nothing is broadcast.
func (c *Client) AttachToTangle(ctx context.Context, trunk,
	branch *tangle.Hash, txs []*tangle.Transaction,
	mwm int) ([]*tangle.Transaction, error) {

	if mwm == 0 {
		mwm = c.cfg.MinWeightMagnitude
	}
	if err := c.sender.ValidateWeightMagnitude(mwm); err != nil {
		return nil, err
	}
	if err := pow.ValidateAttachOrder(txs); err != nil {
		return nil, err
	}

	if trunk == nil || branch == nil {
		t, b, err := c.bridge.TransactionsToApprove(
			ctx, c.cfg.Depth, nil,
		)
		if err != nil {
			return nil, err
		}
		if trunk == nil {
			trunk = &t
		}
		if branch == nil {
			branch = &b
		}
	}

	return c.attacher.AttachToTangle(ctx, *trunk, *branch, txs, mwm)
}

// SendTrytes attaches and broadcasts a prepared bundle given head first.
// Zero depth and mwm use the defaults.
func (c *Client) SendTrytes(ctx context.Context, txs []*tangle.Transaction,
	depth uint64, mwm int,
	reference *tangle.Hash) ([]*tangle.Transaction, error) {

	if depth == 0 {
		depth = c.cfg.Depth
	}
	if mwm == 0 {
		mwm = c.cfg.MinWeightMagnitude
	}

	attached, err := c.sender.SendTrytes(ctx, txs, depth, mwm, reference)
	if err != nil {
		return nil, err
	}
	c.record(ctx, attached)

	return attached, nil
}

// SendTransfers runs the whole send pipeline for req and returns the
// broadcast bundle tail first. Zero depth and mwm use the defaults.
func (c *Client) SendTransfers(ctx context.Context,
	req sending.SendRequest) ([]*tangle.Transaction, error) {

	if req.Depth == 0 {
		req = req.WithDepth(c.cfg.Depth)
	}
	if req.MinWeightMagnitude == 0 {
		req = req.WithMinWeightMagnitude(c.cfg.MinWeightMagnitude)
	}

	attached, err := c.sender.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	c.record(ctx, attached)

	return attached, nil
}

// record journals a broadcast bundle. The bundle is already on the network,
// so a failure is only logged.
func (c *Client) record(ctx context.Context, txs []*tangle.Transaction) {
	if err := c.journal.SaveBundle(ctx, txs); err != nil {
		log.Warnf("Unable to journal bundle %v: %v", txs[0].Bundle, err)
	}
}

// BroadcastBundle rebroadcasts the bundle with the given tail. Journaled
// bundles are broadcast from the journal, others are fetched from the node.
func (c *Client) BroadcastBundle(ctx context.Context,
	tail tangle.Hash) ([]*tangle.Transaction, error) {

	txs, err := c.journal.BundleByTail(ctx, tail)
	switch {
	case err == nil:
		if err := c.bridge.BroadcastTransactions(ctx, txs); err != nil {
			return nil, err
		}
		log.Infof("Rebroadcast journaled bundle %v", txs[0].Bundle)

		return txs, nil

	case errors.Is(err, db.ErrBundleNotFound):
		return c.bridge.BroadcastBundle(ctx, tail)

	default:
		return nil, err
	}
}

// ListBundles returns the bundles sent by this client.
func (c *Client) ListBundles(ctx context.Context) ([]db.BundleRecord, error) {
	return c.journal.ListBundles(ctx)
}

// CheckConsistency reports whether tails are consistent with the ledger.
func (c *Client) CheckConsistency(ctx context.Context,
	tails []tangle.Hash) (*node.ConsistencyReport, error) {

	return c.bridge.CheckConsistency(ctx, tails)
}

// Neighbors returns the node's peers.
func (c *Client) Neighbors(ctx context.Context) ([]node.Neighbor, error) {
	return c.bridge.Neighbors(ctx)
}

// AddNeighbors adds peers to the node.
func (c *Client) AddNeighbors(ctx context.Context,
	uris []string) (int, error) {

	return c.bridge.AddNeighbors(ctx, uris)
}

// RemoveNeighbors removes peers from the node.
func (c *Client) RemoveNeighbors(ctx context.Context,
	uris []string) (int, error) {

	return c.bridge.RemoveNeighbors(ctx, uris)
}

// WatchConfirmation notifies once tail is confirmed. The client must be
// started for tails to be polled.
func (c *Client) WatchConfirmation(
	tail tangle.Hash) (*node.ConfirmationEvent, error) {

	return c.bridge.Watcher().RegisterConfirmation(tail)
}
