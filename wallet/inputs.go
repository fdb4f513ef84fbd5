package wallet

import (
	"context"
	"fmt"

	"github.com/sputn1ck/tanglewallet/keyring"
	"github.com/sputn1ck/tanglewallet/tangle"
)

// InputSource finds spendable inputs of a seed.
type InputSource interface {
	// Inputs returns inputs whose balances add up to at least threshold.
	Inputs(ctx context.Context, seed *keyring.Seed,
		security tangle.SecurityLevel,
		threshold uint64) ([]tangle.Input, error)
}

// BalanceLookup is the part of the node API the input search needs.
type BalanceLookup interface {
	// Balances returns the confirmed balance of every address.
	Balances(ctx context.Context, addrs []tangle.Address) ([]uint64, error)

	// WereAddressesSpentFrom reports for every address whether a signature
	// for it has been published.
	WereAddressesSpentFrom(ctx context.Context,
		addrs []tangle.Address) ([]bool, error)
}

// BalanceInputSource searches the address chain of a seed from index 0 for
// funded addresses.
type BalanceInputSource struct {
	lookup   BalanceLookup
	gapLimit uint64
}

// NewBalanceInputSource creates an input source that stops searching after
// gapLimit consecutive empty addresses.
func NewBalanceInputSource(lookup BalanceLookup,
	gapLimit uint64) *BalanceInputSource {

	if gapLimit == 0 {
		gapLimit = keyring.DefaultGapLimit
	}

	return &BalanceInputSource{
		lookup:   lookup,
		gapLimit: gapLimit,
	}
}

// Inputs walks the address chain in windows of the gap limit and collects
// funded addresses until threshold is reached. Addresses that were already
// spent from are never used again since signing twice with the same key
// leaks it.
func (s *BalanceInputSource) Inputs(ctx context.Context, seed *keyring.Seed,
	security tangle.SecurityLevel,
	threshold uint64) ([]tangle.Input, error) {

	if threshold == 0 {
		return nil, nil
	}

	var (
		inputs []tangle.Input
		total  uint64
		empty  uint64
	)
	for start := uint64(0); ; start += s.gapLimit {
		addrs, err := keyring.DeriveAddresses(
			ctx, seed, start, s.gapLimit, security,
		)
		if err != nil {
			return nil, err
		}

		balances, err := s.lookup.Balances(ctx, addrs)
		if err != nil {
			return nil, fmt.Errorf("unable to fetch balances: %w", err)
		}
		spent, err := s.lookup.WereAddressesSpentFrom(ctx, addrs)
		if err != nil {
			return nil, fmt.Errorf("unable to fetch spent states: %w",
				err)
		}
		if len(balances) != len(addrs) || len(spent) != len(addrs) {
			return nil, fmt.Errorf("%w: node returned %d balances "+
				"and %d spent states for %d addresses",
				tangle.ErrSerialization, len(balances), len(spent),
				len(addrs))
		}

		for i, addr := range addrs {
			if balances[i] == 0 {
				empty++
				if empty >= s.gapLimit {
					return nil, fmt.Errorf("%w: found %d of %d",
						tangle.ErrInsufficientBalance, total,
						threshold)
				}
				continue
			}
			empty = 0

			if spent[i] {
				log.Warnf("Skipping spent address %v with "+
					"balance %d", addr, balances[i])
				continue
			}

			inputs = append(inputs, tangle.Input{
				Address:  addr,
				Balance:  balances[i],
				KeyIndex: start + uint64(i),
				Security: security,
			})
			total += balances[i]

			if total >= threshold {
				log.Debugf("Selected %d inputs with total %d "+
					"for threshold %d", len(inputs), total,
					threshold)

				return inputs, nil
			}
		}
	}
}
