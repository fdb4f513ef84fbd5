package keyring

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/iotaledger/iota.go/kerl"
	"github.com/iotaledger/iota.go/trinary"
	"github.com/sputn1ck/tanglewallet/tangle"
	"github.com/tyler-smith/go-bip39"
)

const (
	// SeedTrytes is the length of a seed.
	SeedTrytes = 81

	// fingerprintTrytes is how much of the seed's Kerl digest identifies it
	// in the key state store.
	fingerprintTrytes = 27

	// iotaCoinType is the registered BIP44 coin type for IOTA.
	iotaCoinType = 4218
)

// Seed is the secret all keys and addresses are derived from. It is kept as
// a byte slice so it can be wiped once an operation is done with it.
type Seed struct {
	trytes []byte
}

// ParseSeed validates an 81 tryte seed.
func ParseSeed(s string) (*Seed, error) {
	if len(s) != SeedTrytes {
		return nil, fmt.Errorf("%w: expected %d trytes, got %d",
			tangle.ErrInvalidSeed, SeedTrytes, len(s))
	}
	if err := trinary.ValidTrytes(s); err != nil {
		return nil, fmt.Errorf("%w: %v", tangle.ErrInvalidSeed, err)
	}

	return &Seed{trytes: []byte(s)}, nil
}

// SeedFromTrits builds a seed from 243 trits.
func SeedFromTrits(trits []int8) (*Seed, error) {
	if len(trits) != tangle.HashTrits {
		return nil, fmt.Errorf("%w: expected %d trits, got %d",
			tangle.ErrInvalidSeed, tangle.HashTrits, len(trits))
	}

	s, err := trinary.TritsToTrytes(trits)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tangle.ErrInvalidSeed, err)
	}

	return ParseSeed(s)
}

// SeedFromMnemonic derives a seed from a BIP39 mnemonic. The BIP32 key at
// m/44'/4218'/account'/0'/0' provides 48 bytes (private key followed by the
// first half of the chain code) which are absorbed into Kerl. The squeezed
// 243 trits are the seed.
func SeedFromMnemonic(mnemonic, passphrase string,
	account uint32) (*Seed, error) {

	bipSeed, err := bip39.NewSeedWithErrorChecking(mnemonic, passphrase)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tangle.ErrInvalidSeed, err)
	}
	defer wipeBytes(bipSeed)

	key, err := hdkeychain.NewMaster(bipSeed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}

	path := []uint32{
		hdkeychain.HardenedKeyStart + 44,
		hdkeychain.HardenedKeyStart + iotaCoinType,
		hdkeychain.HardenedKeyStart + account,
		hdkeychain.HardenedKeyStart,
		hdkeychain.HardenedKeyStart,
	}
	for _, child := range path {
		key, err = key.Derive(child)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", tangle.ErrDerivation, err)
		}
	}

	privKey, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tangle.ErrDerivation, err)
	}
	defer privKey.Zero()

	material := make([]byte, 0, 48)
	material = append(material, privKey.Serialize()...)
	material = append(material, key.ChainCode()[:16]...)
	defer wipeBytes(material)

	trits, err := kerl.KerlBytesToTrits(material)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tangle.ErrDerivation, err)
	}

	k := kerl.NewKerl()
	if err := k.Absorb(trits); err != nil {
		return nil, fmt.Errorf("%w: %v", tangle.ErrDerivation, err)
	}
	out, err := k.Squeeze(tangle.HashTrits)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tangle.ErrDerivation, err)
	}

	return SeedFromTrits(out)
}

// Trytes returns the seed as a string for the signing primitives.
func (s *Seed) Trytes() string {
	return string(s.trytes)
}

// Copy returns an independent copy that can be wiped separately.
func (s *Seed) Copy() *Seed {
	c := make([]byte, len(s.trytes))
	copy(c, s.trytes)

	return &Seed{trytes: c}
}

// Wipe overwrites the seed material. The seed is unusable afterwards.
func (s *Seed) Wipe() {
	if s == nil {
		return
	}
	for i := range s.trytes {
		s.trytes[i] = '9'
	}
	s.trytes = nil
}

// Valid reports whether the seed has not been wiped.
func (s *Seed) Valid() bool {
	return s != nil && len(s.trytes) == SeedTrytes
}

// Fingerprint identifies the seed without revealing it: the first 27
// trytes of its Kerl digest.
func (s *Seed) Fingerprint() (string, error) {
	if !s.Valid() {
		return "", tangle.ErrInvalidSeed
	}

	k := kerl.NewKerl()
	if err := k.Absorb(trinary.MustTrytesToTrits(s.Trytes())); err != nil {
		return "", fmt.Errorf("%w: %v", tangle.ErrInvalidSeed, err)
	}
	out, err := k.Squeeze(tangle.HashTrits)
	if err != nil {
		return "", fmt.Errorf("%w: %v", tangle.ErrInvalidSeed, err)
	}

	return trinary.MustTritsToTrytes(out)[:fingerprintTrytes], nil
}

func wipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
