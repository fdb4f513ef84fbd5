package wallet

import (
	"context"
	"fmt"
	"runtime"

	"github.com/iotaledger/iota.go/signing"
	"github.com/iotaledger/iota.go/trinary"
	"github.com/sputn1ck/tanglewallet/keyring"
	"github.com/sputn1ck/tanglewallet/tangle"
	"golang.org/x/sync/errgroup"
)

const (
	// keyFragmentTrits is the size of one key fragment, 27 key segments of
	// 243 trits.
	keyFragmentTrits = 27 * tangle.HashTrits

	// normalizedFragmentLen is the number of normalized bundle hash
	// values one key fragment signs.
	normalizedFragmentLen = 27
)

// signInputs fills the signature fragments of every input. Each input
// writes to its own transactions only, so inputs are signed concurrently.
func signInputs(ctx context.Context, seed *keyring.Seed,
	txs []*tangle.Transaction, inputs []tangle.Input, offsets []int) error {

	if len(inputs) == 0 {
		return nil
	}

	normalized := tangle.NormalizedBundleHash(txs[0].Bundle)

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(runtime.NumCPU())
	for j, in := range inputs {
		in, offset := in, offsets[j]
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			return signInput(seed, in, normalized, txs[offset:])
		})
	}

	return eg.Wait()
}

// signInput signs the transactions of a single input, one key fragment per
// transaction.
func signInput(seed *keyring.Seed, in tangle.Input, normalized []int8,
	txs []*tangle.Transaction) error {

	key, err := keyring.DeriveKey(seed, in.KeyIndex, in.Security)
	if err != nil {
		return err
	}
	defer func() {
		for i := range key {
			key[i] = 0
		}
	}()

	for i := 0; i < int(in.Security); i++ {
		tx := txs[i]
		if tx.Address != in.Address {
			return fmt.Errorf("%w: transaction %d does not belong to "+
				"input %v", tangle.ErrInvalidBundle, tx.CurrentIndex,
				in.Address)
		}

		start := (i % 3) * normalizedFragmentLen
		normFragment := normalized[start : start+normalizedFragmentLen]
		keyFragment := key[i*keyFragmentTrits : (i+1)*keyFragmentTrits]

		sig, err := signing.SignatureFragment(normFragment, keyFragment)
		if err != nil {
			return fmt.Errorf("%w: signing input %v: %v",
				tangle.ErrDerivation, in.Address, err)
		}

		fragment, err := trinary.TritsToTrytes(sig)
		if err != nil {
			return fmt.Errorf("%w: signature: %v",
				tangle.ErrSerialization, err)
		}
		tx.SignatureMessageFragment = fragment
	}

	return nil
}

// incrementTag adds one to a tag read as a balanced ternary number.
func incrementTag(tag tangle.Tag) (tangle.Tag, error) {
	trits := tag.Trits()
	for i := range trits {
		trits[i]++
		if trits[i] <= 1 {
			break
		}
		trits[i] = -1
	}

	out, err := trinary.TritsToTrytes(trits)
	if err != nil {
		return "", fmt.Errorf("%w: obsolete tag: %v",
			tangle.ErrSerialization, err)
	}

	return tangle.Tag(out), nil
}
