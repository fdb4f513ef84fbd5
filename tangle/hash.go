package tangle

import (
	"fmt"
	"strings"

	"github.com/iotaledger/iota.go/consts"
	"github.com/iotaledger/iota.go/kerl"
	"github.com/iotaledger/iota.go/trinary"
)

const (
	// HashTrits is the number of trits in a hash or address.
	HashTrits = consts.HashTrinarySize

	// HashTrytes is the number of trytes in a hash or address.
	HashTrytes = consts.HashTrytesSize

	// ChecksumTrytes is the length of an address checksum.
	ChecksumTrytes = 9

	// AddressWithChecksumTrytes is the length of an address with its
	// checksum appended.
	AddressWithChecksumTrytes = HashTrytes + ChecksumTrytes

	// TagTrytes is the length of a tag, obsolete tag or nonce.
	TagTrytes = 27
)

// Hash is a fixed-size 243 trit identifier of a transaction, bundle or tip.
type Hash [HashTrits]int8

// NullHash is the all-zero hash, rendered as 81 nines.
var NullHash Hash

// HashFromTrits builds a Hash from exactly 243 trits. Inputs of any other
// length are rejected rather than truncated or padded.
func HashFromTrits(trits []int8) (Hash, error) {
	var h Hash

	if len(trits) != HashTrits {
		return h, fmt.Errorf("%w: expected %d trits, got %d",
			ErrInvalidHash, HashTrits, len(trits))
	}

	for i, t := range trits {
		if t < -1 || t > 1 {
			return h, fmt.Errorf("%w: trit %d out of range: %d",
				ErrInvalidHash, i, t)
		}
	}

	copy(h[:], trits)

	return h, nil
}

// HashFromTrytes builds a Hash from exactly 81 trytes.
func HashFromTrytes(trytes string) (Hash, error) {
	var h Hash

	if len(trytes) != HashTrytes {
		return h, fmt.Errorf("%w: expected %d trytes, got %d",
			ErrInvalidHash, HashTrytes, len(trytes))
	}

	if err := trinary.ValidTrytes(trytes); err != nil {
		return h, fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}

	copy(h[:], trinary.MustTrytesToTrits(trytes))

	return h, nil
}

// Trits returns a copy of the hash trits.
func (h Hash) Trits() []int8 {
	out := make([]int8, HashTrits)
	copy(out, h[:])

	return out
}

// Trytes renders the hash as 81 trytes.
func (h Hash) Trytes() string {
	return trinary.MustTritsToTrytes(h[:])
}

// String implements fmt.Stringer.
func (h Hash) String() string {
	return h.Trytes()
}

// IsNull reports whether h is the null hash.
func (h Hash) IsNull() bool {
	return h == NullHash
}

// TrailingZeros returns the number of trailing zero trits, which is the
// weight the hash carries against a minimum weight magnitude.
func (h Hash) TrailingZeros() int {
	n := 0
	for i := HashTrits - 1; i >= 0 && h[i] == 0; i-- {
		n++
	}

	return n
}

// MarshalText renders the hash as trytes.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.Trytes()), nil
}

// UnmarshalText parses 81 trytes.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := HashFromTrytes(string(text))
	if err != nil {
		return err
	}
	*h = parsed

	return nil
}

// Address is the hash of an address' key digests.
type Address Hash

// AddressFromTrits builds an address from exactly 243 trits.
func AddressFromTrits(trits []int8) (Address, error) {
	h, err := HashFromTrits(trits)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}

	return Address(h), nil
}

// AddressFromTrytes parses an address of 81 trytes, or 90 trytes when the
// checksum is included, in which case the checksum is verified.
func AddressFromTrytes(trytes string) (Address, error) {
	switch len(trytes) {
	case HashTrytes:
	case AddressWithChecksumTrytes:
	default:
		return Address{}, fmt.Errorf("%w: expected %d or %d trytes, "+
			"got %d", ErrInvalidAddress, HashTrytes,
			AddressWithChecksumTrytes, len(trytes))
	}

	h, err := HashFromTrytes(trytes[:HashTrytes])
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	addr := Address(h)
	if err := addr.Validate(); err != nil {
		return Address{}, err
	}

	if len(trytes) == AddressWithChecksumTrytes {
		sum, err := addr.Checksum()
		if err != nil {
			return Address{}, err
		}
		if sum != trytes[HashTrytes:] {
			return Address{}, fmt.Errorf("%w: checksum mismatch",
				ErrInvalidAddress)
		}
	}

	return addr, nil
}

// Validate checks that the address can be the output of a Kerl squeeze,
// whose last trit is always zero.
func (a Address) Validate() error {
	if a[HashTrits-1] != 0 {
		return fmt.Errorf("%w: last trit must be zero", ErrInvalidAddress)
	}

	return nil
}

// Trytes renders the address as 81 trytes without checksum.
func (a Address) Trytes() string {
	return Hash(a).Trytes()
}

// String implements fmt.Stringer.
func (a Address) String() string {
	return a.Trytes()
}

// Checksum returns the last 9 trytes of the Kerl hash of the address.
func (a Address) Checksum() (string, error) {
	k := kerl.NewKerl()
	if err := k.Absorb(Hash(a).Trits()); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	out, err := k.Squeeze(HashTrits)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}

	digest := trinary.MustTritsToTrytes(out)

	return digest[HashTrytes-ChecksumTrytes:], nil
}

// WithChecksum renders the address as 90 trytes.
func (a Address) WithChecksum() (string, error) {
	sum, err := a.Checksum()
	if err != nil {
		return "", err
	}

	return a.Trytes() + sum, nil
}

// MarshalText renders the address as trytes.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.Trytes()), nil
}

// UnmarshalText parses 81 or 90 trytes.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := AddressFromTrytes(string(text))
	if err != nil {
		return err
	}
	*a = parsed

	return nil
}

// Tag is a 27 tryte label carried by a transaction.
type Tag string

// NullTag is a tag of all nines.
const NullTag Tag = "999999999999999999999999999"

// NewTag validates t and right pads it with nines to 27 trytes.
func NewTag(t string) (Tag, error) {
	if len(t) > TagTrytes {
		return "", fmt.Errorf("%w: tag longer than %d trytes",
			ErrInvalidTransfer, TagTrytes)
	}
	if t == "" {
		return NullTag, nil
	}
	if err := trinary.ValidTrytes(t); err != nil {
		return "", fmt.Errorf("%w: tag: %v", ErrInvalidTransfer, err)
	}

	return Tag(t + strings.Repeat("9", TagTrytes-len(t))), nil
}

// Trits returns the tag as 81 trits.
func (t Tag) Trits() []int8 {
	if t == "" {
		t = NullTag
	}

	return trinary.MustTrytesToTrits(string(t))
}
