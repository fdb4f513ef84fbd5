package wallet

import (
	"fmt"

	"github.com/sputn1ck/tanglewallet/tangle"
)

// MaxSupply is the total number of tokens in existence. No single value may
// exceed it.
const MaxSupply uint64 = 2779530283277761

// ValidateTransfers checks a set of transfers before any bundle work starts.
func ValidateTransfers(transfers []tangle.Transfer) error {
	if len(transfers) == 0 {
		return fmt.Errorf("%w: no transfers given", tangle.ErrInvalidTransfer)
	}

	var total uint64
	for i := range transfers {
		t := &transfers[i]
		if err := t.Validate(); err != nil {
			return fmt.Errorf("transfer %d: %w", i, err)
		}
		if t.Value > MaxSupply {
			return fmt.Errorf("%w: transfer %d value %d exceeds supply",
				tangle.ErrInvalidTransfer, i, t.Value)
		}

		total += t.Value
		if total > MaxSupply {
			return fmt.Errorf("%w: total value exceeds supply",
				tangle.ErrInvalidTransfer)
		}
	}

	return nil
}

// ValidateInputs checks caller supplied inputs.
func ValidateInputs(inputs []tangle.Input) error {
	var total uint64
	seen := make(map[tangle.Address]struct{}, len(inputs))
	for i, in := range inputs {
		if err := in.Address.Validate(); err != nil {
			return fmt.Errorf("input %d: %w", i, err)
		}
		if _, ok := seen[in.Address]; ok {
			return fmt.Errorf("%w: input %d spends %v twice",
				tangle.ErrInvalidTransfer, i, in.Address)
		}
		seen[in.Address] = struct{}{}

		if err := in.Security.Validate(); err != nil {
			return fmt.Errorf("input %d: %w", i, err)
		}
		if in.Balance > MaxSupply {
			return fmt.Errorf("%w: input %d balance %d exceeds supply",
				tangle.ErrInvalidTransfer, i, in.Balance)
		}

		total += in.Balance
		if total > MaxSupply {
			return fmt.Errorf("%w: total input balance exceeds supply",
				tangle.ErrInvalidTransfer)
		}
	}

	return nil
}
