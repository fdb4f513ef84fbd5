package keyring

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/iotaledger/iota.go/consts"
	"github.com/iotaledger/iota.go/kerl"
	"github.com/iotaledger/iota.go/signing"
	"github.com/iotaledger/iota.go/signing/key"
	"github.com/sputn1ck/tanglewallet/tangle"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultGapLimit is the number of addresses derived and checked
	// against the node in one round when searching for an unused address.
	DefaultGapLimit = 20
)

// AddressLookup reports whether addresses have been used on the ledger. An
// address is used once it was spent from or appears in any transaction.
type AddressLookup interface {
	UsedAddresses(ctx context.Context,
		addrs []tangle.Address) ([]bool, error)
}

// Config holds the configuration for the KeyRing.
type Config struct {
	// Lookup is used to skip used addresses. If nil, addresses are handed
	// out sequentially without asking the node.
	Lookup AddressLookup

	// KeyStateStore is optional storage for address indexes.
	// If nil, indexes are kept in memory only.
	KeyStateStore KeyStateStore

	// GapLimit is the size of the derivation window.
	// Default: 20
	GapLimit uint64
}

// DefaultConfig returns a default KeyRing configuration.
func DefaultConfig() *Config {
	return &Config{
		GapLimit: DefaultGapLimit,
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.GapLimit == 0 {
		return fmt.Errorf("gap limit must be positive")
	}

	return nil
}

// KeyRing hands out addresses of a seed. It holds no seed itself, callers
// pass it in for every operation and remain responsible for wiping it.
type KeyRing struct {
	cfg *Config

	// Next index to hand out, per seed and security level.
	nextIndexes map[KeySlot]uint64

	mu sync.Mutex
}

// New creates a new KeyRing.
func New(cfg *Config) (*KeyRing, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	kr := &KeyRing{
		cfg:         cfg,
		nextIndexes: make(map[KeySlot]uint64),
	}

	if cfg.KeyStateStore != nil {
		if err := kr.loadKeyIndexes(); err != nil {
			return nil, fmt.Errorf("failed to load key indexes: %w", err)
		}
	}

	return kr, nil
}

// DeriveKey derives the private key at index. The key has security * 27
// key fragments of 243 trits each.
func DeriveKey(seed *Seed, index uint64,
	security tangle.SecurityLevel) ([]int8, error) {

	if !seed.Valid() {
		return nil, tangle.ErrInvalidSeed
	}
	if err := security.Validate(); err != nil {
		return nil, err
	}

	subseed, err := signing.Subseed(seed.Trytes(), index)
	if err != nil {
		return nil, fmt.Errorf("%w: subseed %d: %v", tangle.ErrDerivation,
			index, err)
	}

	// Kerl keeps derived addresses compatible with existing wallets.
	privKey, err := key.Sponge(
		subseed, consts.SecurityLevel(security), kerl.NewKerl(),
	)
	wipeTrits(subseed)
	if err != nil {
		return nil, fmt.Errorf("%w: key %d: %v", tangle.ErrDerivation,
			index, err)
	}

	return privKey, nil
}

// DeriveAddress derives the address at index.
func DeriveAddress(seed *Seed, index uint64,
	security tangle.SecurityLevel) (tangle.Address, error) {

	privKey, err := DeriveKey(seed, index, security)
	if err != nil {
		return tangle.Address{}, err
	}
	defer wipeTrits(privKey)

	digests, err := signing.Digests(privKey)
	if err != nil {
		return tangle.Address{}, fmt.Errorf("%w: digests %d: %v",
			tangle.ErrDerivation, index, err)
	}

	trits, err := signing.Address(digests)
	if err != nil {
		return tangle.Address{}, fmt.Errorf("%w: address %d: %v",
			tangle.ErrDerivation, index, err)
	}

	addr, err := tangle.AddressFromTrits(trits)
	if err != nil {
		return tangle.Address{}, fmt.Errorf("%w: %v", tangle.ErrDerivation,
			err)
	}

	return addr, nil
}

// DeriveAddresses derives count consecutive addresses starting at start.
// Derivation is spread over all CPUs, the result is in index order.
func DeriveAddresses(ctx context.Context, seed *Seed, start, count uint64,
	security tangle.SecurityLevel) ([]tangle.Address, error) {

	addrs := make([]tangle.Address, count)

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(runtime.NumCPU())
	for i := uint64(0); i < count; i++ {
		i := i
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			addr, err := DeriveAddress(seed, start+i, security)
			if err != nil {
				return err
			}
			addrs[i] = addr

			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	return addrs, nil
}

// NewAddress returns an address of seed together with its index.
//
// If index is given the address at that index is derived and returned,
// nothing else is consulted. Otherwise the search starts at the next index
// recorded for the seed and walks forward in windows of GapLimit addresses
// until the lookup reports an unused one. The index after the returned one
// is recorded so the address is not handed out twice.
func (kr *KeyRing) NewAddress(ctx context.Context, seed *Seed, index *uint64,
	security tangle.SecurityLevel) (uint64, tangle.Address, error) {

	if !seed.Valid() {
		return 0, tangle.Address{}, tangle.ErrInvalidSeed
	}
	if security == 0 {
		security = tangle.DefaultSecurity
	}
	if err := security.Validate(); err != nil {
		return 0, tangle.Address{}, err
	}

	if index != nil {
		addr, err := DeriveAddress(seed, *index, security)
		if err != nil {
			return 0, tangle.Address{}, err
		}

		return *index, addr, nil
	}

	fingerprint, err := seed.Fingerprint()
	if err != nil {
		return 0, tangle.Address{}, err
	}
	slot := KeySlot{Fingerprint: fingerprint, Security: security}

	// The lock is held across the search so two concurrent callers never
	// receive the same address.
	kr.mu.Lock()
	defer kr.mu.Unlock()

	start := kr.nextIndexes[slot]
	found, addr, err := kr.findUnused(ctx, seed, start, security)
	if err != nil {
		return 0, tangle.Address{}, err
	}

	kr.nextIndexes[slot] = found + 1
	if kr.cfg.KeyStateStore != nil {
		err := kr.cfg.KeyStateStore.SetNextIndex(slot, found+1)
		if err != nil {
			// We still have the address, the index is only a hint.
			log.Warnf("Failed to persist key index for %v: %v",
				slot, err)
		}
	}

	log.Debugf("Handing out address %v at index %d (security %d)",
		addr, found, security)

	return found, addr, nil
}

// findUnused walks forward from start until the lookup reports an unused
// address.
func (kr *KeyRing) findUnused(ctx context.Context, seed *Seed, start uint64,
	security tangle.SecurityLevel) (uint64, tangle.Address, error) {

	if kr.cfg.Lookup == nil {
		addr, err := DeriveAddress(seed, start, security)
		return start, addr, err
	}

	for window := start; ; window += kr.cfg.GapLimit {
		addrs, err := DeriveAddresses(
			ctx, seed, window, kr.cfg.GapLimit, security,
		)
		if err != nil {
			return 0, tangle.Address{}, err
		}

		used, err := kr.cfg.Lookup.UsedAddresses(ctx, addrs)
		if err != nil {
			return 0, tangle.Address{}, fmt.Errorf("unable to look "+
				"up addresses: %w", err)
		}
		if len(used) != len(addrs) {
			return 0, tangle.Address{}, fmt.Errorf("%w: lookup "+
				"returned %d states for %d addresses",
				tangle.ErrSerialization, len(used), len(addrs))
		}

		for i, u := range used {
			if !u {
				return window + uint64(i), addrs[i], nil
			}
		}

		log.Debugf("All %d addresses from index %d are used",
			len(addrs), window)
	}
}

// NextIndex returns the index the next unindexed NewAddress call starts its
// search at.
func (kr *KeyRing) NextIndex(seed *Seed,
	security tangle.SecurityLevel) (uint64, error) {

	fingerprint, err := seed.Fingerprint()
	if err != nil {
		return 0, err
	}

	kr.mu.Lock()
	defer kr.mu.Unlock()

	return kr.nextIndexes[KeySlot{
		Fingerprint: fingerprint,
		Security:    security,
	}], nil
}

// loadKeyIndexes loads key indexes from the store.
func (kr *KeyRing) loadKeyIndexes() error {
	allIndexes, err := kr.cfg.KeyStateStore.GetAllIndexes()
	if err != nil {
		return fmt.Errorf("failed to get all indexes: %w", err)
	}

	for slot, index := range allIndexes {
		kr.nextIndexes[slot] = index
	}

	return nil
}

func wipeTrits(t []int8) {
	for i := range t {
		t[i] = 0
	}
}
