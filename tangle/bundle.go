package tangle

import (
	"fmt"
	"sort"

	"github.com/iotaledger/iota.go/kerl"
	"github.com/iotaledger/iota.go/signing"
)

// Bundle is a set of transactions submitted atomically.
type Bundle []*Transaction

// ComputeBundleHash absorbs the essence of every transaction in index order
// into Kerl and squeezes the bundle hash.
func ComputeBundleHash(txs []*Transaction) (Hash, error) {
	k := kerl.NewKerl()
	for _, tx := range sortedByIndex(txs) {
		if err := k.Absorb(tx.Essence()); err != nil {
			return Hash{}, fmt.Errorf("%w: absorb essence: %v",
				ErrInvalidBundle, err)
		}
	}

	out, err := k.Squeeze(HashTrits)
	if err != nil {
		return Hash{}, fmt.Errorf("%w: squeeze: %v", ErrInvalidBundle, err)
	}

	return HashFromTrits(out)
}

// NormalizedBundleHash returns the 81 normalized tryte values of a bundle
// hash used to select signature key segments.
func NormalizedBundleHash(h Hash) []int8 {
	return signing.NormalizedBundleHash(h.Trytes())
}

// HasInsecureNormalization reports whether the normalized hash contains the
// value 13, which would reveal a full private key segment when signing.
func HasInsecureNormalization(h Hash) bool {
	for _, v := range NormalizedBundleHash(h) {
		if v == 13 {
			return true
		}
	}

	return false
}

// Tail returns the transaction with current index 0.
func (b Bundle) Tail() *Transaction {
	for _, tx := range b {
		if tx.IsTail() {
			return tx
		}
	}

	return nil
}

// Sorted returns the bundle ordered by ascending current index.
func (b Bundle) Sorted() Bundle {
	return sortedByIndex(b)
}

// Validate checks the structural invariants of a bundle: contiguous indices
// starting at 0, a shared last index and bundle hash, a zero value sum and a
// bundle hash that matches the essences.
func (b Bundle) Validate() error {
	if len(b) == 0 {
		return fmt.Errorf("%w: empty bundle", ErrInvalidBundle)
	}

	txs := sortedByIndex(b)
	lastIndex := uint64(len(txs) - 1)
	bundleHash := txs[0].Bundle

	var sum int64
	for i, tx := range txs {
		if tx.CurrentIndex != uint64(i) {
			return fmt.Errorf("%w: index gap at %d", ErrInvalidBundle, i)
		}
		if tx.LastIndex != lastIndex {
			return fmt.Errorf("%w: tx %d has last index %d, want %d",
				ErrInvalidBundle, i, tx.LastIndex, lastIndex)
		}
		if tx.Bundle != bundleHash {
			return fmt.Errorf("%w: tx %d has foreign bundle hash",
				ErrInvalidBundle, i)
		}
		sum += tx.Value
	}

	if sum != 0 {
		return fmt.Errorf("%w: values sum to %d", ErrInvalidBundle, sum)
	}

	computed, err := ComputeBundleHash(txs)
	if err != nil {
		return err
	}
	if computed != bundleHash {
		return fmt.Errorf("%w: bundle hash mismatch", ErrInvalidBundle)
	}

	return nil
}

// Reverse returns a new slice with the order of txs reversed.
func Reverse(txs []*Transaction) []*Transaction {
	out := make([]*Transaction, len(txs))
	for i, tx := range txs {
		out[len(txs)-1-i] = tx
	}

	return out
}

func sortedByIndex(txs []*Transaction) []*Transaction {
	out := make([]*Transaction, len(txs))
	copy(out, txs)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CurrentIndex < out[j].CurrentIndex
	})

	return out
}
