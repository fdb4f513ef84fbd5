package tangle

import (
	"fmt"

	"github.com/iotaledger/iota.go/trinary"
)

// SecurityLevel is the number of key fragments used per input address.
type SecurityLevel uint8

const (
	// SecurityLow uses one key fragment.
	SecurityLow SecurityLevel = 1

	// SecurityMedium uses two key fragments and is the default.
	SecurityMedium SecurityLevel = 2

	// SecurityHigh uses three key fragments.
	SecurityHigh SecurityLevel = 3

	// DefaultSecurity is the security level used when none is given.
	DefaultSecurity = SecurityMedium
)

// Validate checks that s is 1, 2 or 3.
func (s SecurityLevel) Validate() error {
	if s < SecurityLow || s > SecurityHigh {
		return fmt.Errorf("%w: security level %d not in [1,3]",
			ErrDerivation, s)
	}

	return nil
}

// Transfer is a requested value movement to a destination address.
type Transfer struct {
	// Address receives the value.
	Address Address

	// Value is the amount to move and may be zero.
	Value uint64

	// Message is an optional tryte payload, split over as many
	// transactions as needed.
	Message string

	// Tag is an optional tag of up to 27 trytes.
	Tag string
}

// Validate checks the shape of a single transfer.
func (t *Transfer) Validate() error {
	if err := t.Address.Validate(); err != nil {
		return err
	}

	if t.Message != "" {
		if err := trinary.ValidTrytes(t.Message); err != nil {
			return fmt.Errorf("%w: message: %v", ErrInvalidTransfer, err)
		}
	}

	if _, err := NewTag(t.Tag); err != nil {
		return err
	}

	return nil
}

// Input is a spendable address with a known balance.
type Input struct {
	Address  Address
	Balance  uint64
	KeyIndex uint64
	Security SecurityLevel
}
