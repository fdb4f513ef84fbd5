package sending

import (
	"fmt"

	"github.com/sputn1ck/tanglewallet/keyring"
	"github.com/sputn1ck/tanglewallet/tangle"
)

const (
	// DefaultDepth is the number of milestones tip selection starts back.
	DefaultDepth = 3

	// DefaultMinWeightMagnitude is the mainnet difficulty.
	DefaultMinWeightMagnitude = 14
)

// SendRequest describes one send. It is passed by value and its setters
// return modified copies, so a request can be used as a template without
// one send affecting another.
type SendRequest struct {
	// Seed signs the inputs. It is required.
	Seed *keyring.Seed

	// Transfers are the outputs. At least one is required.
	Transfers []tangle.Transfer

	// Security is the security level of inputs and remainder.
	// Default: 2
	Security tangle.SecurityLevel

	// Inputs, if set, are spent verbatim instead of being searched for.
	Inputs []tangle.Input

	// Remainder, if set, receives the change.
	Remainder *tangle.Address

	// Depth is how many milestones back tip selection starts. Zero means
	// DefaultDepth.
	Depth uint64

	// MinWeightMagnitude is the proof of work difficulty. Zero means
	// DefaultMinWeightMagnitude.
	MinWeightMagnitude int

	// Reference, if set, is a transaction tip selection must approve.
	Reference *tangle.Hash
}

// DefaultSendRequest returns a request with default security, depth and
// difficulty and nothing else set.
func DefaultSendRequest() SendRequest {
	return SendRequest{
		Security:           tangle.DefaultSecurity,
		Depth:              DefaultDepth,
		MinWeightMagnitude: DefaultMinWeightMagnitude,
	}
}

// WithSeed returns a copy of r using seed.
func (r SendRequest) WithSeed(seed *keyring.Seed) SendRequest {
	r.Seed = seed
	return r
}

// WithTransfers returns a copy of r sending transfers.
func (r SendRequest) WithTransfers(transfers ...tangle.Transfer) SendRequest {
	r.Transfers = append([]tangle.Transfer(nil), transfers...)
	return r
}

// WithSecurity returns a copy of r using security.
func (r SendRequest) WithSecurity(security tangle.SecurityLevel) SendRequest {
	r.Security = security
	return r
}

// WithInputs returns a copy of r spending inputs.
func (r SendRequest) WithInputs(inputs ...tangle.Input) SendRequest {
	r.Inputs = append([]tangle.Input(nil), inputs...)
	return r
}

// WithRemainder returns a copy of r sending change to addr.
func (r SendRequest) WithRemainder(addr tangle.Address) SendRequest {
	r.Remainder = &addr
	return r
}

// WithDepth returns a copy of r using depth.
func (r SendRequest) WithDepth(depth uint64) SendRequest {
	r.Depth = depth
	return r
}

// WithMinWeightMagnitude returns a copy of r using mwm.
func (r SendRequest) WithMinWeightMagnitude(mwm int) SendRequest {
	r.MinWeightMagnitude = mwm
	return r
}

// WithReference returns a copy of r approving ref.
func (r SendRequest) WithReference(ref tangle.Hash) SendRequest {
	r.Reference = &ref
	return r
}

// withDefaults returns a copy of r with zero depth and difficulty replaced
// by their defaults.
func (r SendRequest) withDefaults() SendRequest {
	if r.Depth == 0 {
		r.Depth = DefaultDepth
	}
	if r.MinWeightMagnitude == 0 {
		r.MinWeightMagnitude = DefaultMinWeightMagnitude
	}

	return r
}

// Validate checks the request without touching the network. Zero depth and
// difficulty are accepted and stand for their defaults.
func (r *SendRequest) Validate() error {
	if r.Seed == nil || !r.Seed.Valid() {
		return tangle.ErrMissingSeed
	}
	if len(r.Transfers) == 0 {
		return fmt.Errorf("%w: no transfers", tangle.ErrInvalidTransfer)
	}
	req := r.withDefaults()
	if err := attachParams(req.Depth, req.MinWeightMagnitude,
		req.Reference); err != nil {

		return err
	}

	return nil
}

// attachParams checks the tip selection and difficulty parameters.
func attachParams(depth uint64, mwm int, reference *tangle.Hash) error {
	if depth == 0 {
		return fmt.Errorf("%w: depth must be positive",
			tangle.ErrAttachment)
	}
	if mwm <= 0 || mwm > tangle.HashTrytes {
		return fmt.Errorf("%w: min weight magnitude %d out of range",
			tangle.ErrAttachment, mwm)
	}
	if reference != nil && reference.IsNull() {
		return fmt.Errorf("%w: null reference", tangle.ErrAttachment)
	}

	return nil
}
