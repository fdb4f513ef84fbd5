package tangle

import "errors"

var (
	// ErrInvalidSeed is returned when a seed is not 81 valid trytes.
	ErrInvalidSeed = errors.New("invalid seed")

	// ErrInvalidAddress is returned when an address has the wrong length,
	// contains non-tryte characters or carries a bad checksum.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrInvalidHash is returned when a hash is not exactly 243 trits.
	ErrInvalidHash = errors.New("invalid hash")

	// ErrMissingSeed is returned when a send is attempted without a seed.
	ErrMissingSeed = errors.New("seed is not provided")

	// ErrInvalidTransfer is returned when a transfer is malformed.
	ErrInvalidTransfer = errors.New("invalid transfer")

	// ErrInsufficientBalance is returned when the inputs cannot cover the
	// requested transfer value.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrDerivation is returned when key or address derivation fails.
	ErrDerivation = errors.New("key derivation failed")

	// ErrAttachment is returned for bad difficulty, malformed tips or a
	// transaction sequence that cannot be attached.
	ErrAttachment = errors.New("attachment failed")

	// ErrNetwork is returned when the node cannot be reached or answers
	// with an error.
	ErrNetwork = errors.New("network error")

	// ErrSerialization is returned for malformed request or response
	// shapes.
	ErrSerialization = errors.New("serialization error")

	// ErrInvalidBundle is returned when a bundle violates its structural
	// invariants.
	ErrInvalidBundle = errors.New("invalid bundle")
)

var errorKinds = []struct {
	err  error
	name string
}{
	{ErrInvalidSeed, "InvalidSeedError"},
	{ErrInvalidAddress, "InvalidAddressError"},
	{ErrMissingSeed, "MissingSeedError"},
	{ErrInsufficientBalance, "InsufficientBalanceError"},
	{ErrAttachment, "AttachmentError"},
	{ErrNetwork, "NetworkError"},
	{ErrSerialization, "SerializationError"},
	{ErrDerivation, "DerivationError"},
	{ErrInvalidTransfer, "InvalidTransferError"},
	{ErrInvalidBundle, "InvalidBundleError"},
	{ErrInvalidHash, "InvalidHashError"},
}

// Kind returns the name of the error kind err belongs to, or "Error" if it
// does not wrap any of the package's sentinel errors.
func Kind(err error) string {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}

	return "Error"
}

// IsRetryable reports whether err is a transport failure that a caller may
// choose to retry. Validation failures are permanent.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetwork)
}
