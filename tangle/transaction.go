package tangle

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/iotaledger/iota.go/consts"
	"github.com/iotaledger/iota.go/curl"
	"github.com/iotaledger/iota.go/trinary"
)

const (
	// TransactionTrytes is the serialized size of a transaction.
	TransactionTrytes = consts.TransactionTrytesSize

	// FragmentTrytes is the size of a signature or message fragment.
	FragmentTrytes = consts.SignatureMessageFragmentSizeInTrytes

	// EssenceTrits is the size of the part of a transaction that is
	// hashed into the bundle hash.
	EssenceTrits = 486
)

// Field offsets into the serialized transaction, in trytes.
const (
	offSignature    = 0
	offAddress      = offSignature + FragmentTrytes
	offValue        = offAddress + HashTrytes
	offObsoleteTag  = offValue + 27
	offTimestamp    = offObsoleteTag + TagTrytes
	offCurrentIndex = offTimestamp + 9
	offLastIndex    = offCurrentIndex + 9
	offBundle       = offLastIndex + 9
	offTrunk        = offBundle + HashTrytes
	offBranch       = offTrunk + HashTrytes
	offTag          = offBranch + HashTrytes
	offAttachTs     = offTag + TagTrytes
	offAttachLower  = offAttachTs + 9
	offAttachUpper  = offAttachLower + 9
	offNonce        = offAttachUpper + 9
)

// NullFragment is an empty signature or message fragment.
var NullFragment = strings.Repeat("9", FragmentTrytes)

// Transaction is a single ledger transaction. Trunk, branch, nonce and the
// attachment timestamps are unset until the transaction is attached.
type Transaction struct {
	SignatureMessageFragment string
	Address                  Address
	Value                    int64
	ObsoleteTag              Tag
	Timestamp                uint64
	CurrentIndex             uint64
	LastIndex                uint64
	Bundle                   Hash

	TrunkTransaction              Hash
	BranchTransaction             Hash
	Tag                           Tag
	AttachmentTimestamp           int64
	AttachmentTimestampLowerBound int64
	AttachmentTimestampUpperBound int64
	Nonce                         string
}

// Copy returns a shallow copy of tx. All fields are values so the copy is
// independent of the original.
func (tx *Transaction) Copy() *Transaction {
	c := *tx
	return &c
}

// IsTail reports whether tx is the first transaction of its bundle.
func (tx *Transaction) IsTail() bool {
	return tx.CurrentIndex == 0
}

// IsAttached reports whether tx carries a nonce and tips.
func (tx *Transaction) IsAttached() bool {
	if !tx.TrunkTransaction.IsNull() {
		return true
	}

	return strings.Trim(tx.Nonce, "9") != ""
}

// Essence returns the trits hashed into the bundle hash.
func (tx *Transaction) Essence() []int8 {
	essence := make([]int8, 0, EssenceTrits)
	essence = append(essence, tx.Address[:]...)
	essence = append(essence, intToTrits(tx.Value, 81)...)
	essence = append(essence, tx.ObsoleteTag.Trits()...)
	essence = append(essence, intToTrits(int64(tx.Timestamp), 27)...)
	essence = append(essence, intToTrits(int64(tx.CurrentIndex), 27)...)
	essence = append(essence, intToTrits(int64(tx.LastIndex), 27)...)

	return essence
}

// Trytes serializes tx into its 2673 tryte wire form.
func (tx *Transaction) Trytes() (string, error) {
	fragment := tx.SignatureMessageFragment
	if fragment == "" {
		fragment = NullFragment
	}
	if len(fragment) != FragmentTrytes {
		return "", fmt.Errorf("%w: fragment is %d trytes",
			ErrSerialization, len(fragment))
	}

	nonce := tx.Nonce
	if nonce == "" {
		nonce = string(NullTag)
	}
	if len(nonce) != TagTrytes {
		return "", fmt.Errorf("%w: nonce is %d trytes",
			ErrSerialization, len(nonce))
	}

	var b strings.Builder
	b.Grow(TransactionTrytes)

	b.WriteString(fragment)
	b.WriteString(tx.Address.Trytes())
	b.WriteString(intToTrytes(tx.Value, 27))
	b.WriteString(string(orNullTag(tx.ObsoleteTag)))
	b.WriteString(intToTrytes(int64(tx.Timestamp), 9))
	b.WriteString(intToTrytes(int64(tx.CurrentIndex), 9))
	b.WriteString(intToTrytes(int64(tx.LastIndex), 9))
	b.WriteString(tx.Bundle.Trytes())
	b.WriteString(tx.TrunkTransaction.Trytes())
	b.WriteString(tx.BranchTransaction.Trytes())
	b.WriteString(string(orNullTag(tx.Tag)))
	b.WriteString(intToTrytes(tx.AttachmentTimestamp, 9))
	b.WriteString(intToTrytes(tx.AttachmentTimestampLowerBound, 9))
	b.WriteString(intToTrytes(tx.AttachmentTimestampUpperBound, 9))
	b.WriteString(nonce)

	out := b.String()
	if err := trinary.ValidTrytes(out); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSerialization, err)
	}

	return out, nil
}

// Hash computes the Curl-P-81 transaction hash.
func (tx *Transaction) Hash() (Hash, error) {
	raw, err := tx.Trytes()
	if err != nil {
		return Hash{}, err
	}

	return HashTransactionTrytes(raw)
}

// Weight returns the number of trailing zero trits of the transaction hash.
func (tx *Transaction) Weight() (int, error) {
	h, err := tx.Hash()
	if err != nil {
		return 0, err
	}

	return h.TrailingZeros(), nil
}

// HashTransactionTrytes hashes serialized transaction trytes.
func HashTransactionTrytes(raw string) (Hash, error) {
	digest, err := curl.HashTrytes(raw)
	if err != nil {
		return Hash{}, fmt.Errorf("%w: %v", ErrSerialization, err)
	}

	return HashFromTrytes(digest)
}

// TransactionFromTrytes parses the 2673 tryte wire form of a transaction.
func TransactionFromTrytes(raw string) (*Transaction, error) {
	if len(raw) != TransactionTrytes {
		return nil, fmt.Errorf("%w: transaction is %d trytes, expected %d",
			ErrSerialization, len(raw), TransactionTrytes)
	}
	if err := trinary.ValidTrytes(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}

	field := func(from, to int) string { return raw[from:to] }
	hash := func(from int) Hash {
		h, _ := HashFromTrytes(raw[from : from+HashTrytes])
		return h
	}

	tx := &Transaction{
		SignatureMessageFragment: field(offSignature, offAddress),
		Address:                  Address(hash(offAddress)),
		Value:                    trytesToInt(field(offValue, offObsoleteTag)),
		ObsoleteTag:              Tag(field(offObsoleteTag, offTimestamp)),
		Timestamp:                uint64(trytesToInt(field(offTimestamp, offCurrentIndex))),
		CurrentIndex:             uint64(trytesToInt(field(offCurrentIndex, offLastIndex))),
		LastIndex:                uint64(trytesToInt(field(offLastIndex, offBundle))),
		Bundle:                   hash(offBundle),
		TrunkTransaction:         hash(offTrunk),
		BranchTransaction:        hash(offBranch),
		Tag:                      Tag(field(offTag, offAttachTs)),
		AttachmentTimestamp:      trytesToInt(field(offAttachTs, offAttachLower)),
		AttachmentTimestampLowerBound: trytesToInt(
			field(offAttachLower, offAttachUpper),
		),
		AttachmentTimestampUpperBound: trytesToInt(
			field(offAttachUpper, offNonce),
		),
		Nonce: field(offNonce, TransactionTrytes),
	}

	if tx.CurrentIndex > tx.LastIndex {
		return nil, fmt.Errorf("%w: current index %d beyond last index %d",
			ErrSerialization, tx.CurrentIndex, tx.LastIndex)
	}

	return tx, nil
}

// jsonTransaction is the JSON shape of an attached or prepared transaction.
type jsonTransaction struct {
	Hash                          string `json:"hash"`
	SignatureMessageFragment      string `json:"signatureMessageFragment"`
	Address                       string `json:"address"`
	Value                         int64  `json:"value"`
	ObsoleteTag                   string `json:"obsoleteTag"`
	Timestamp                     uint64 `json:"timestamp"`
	CurrentIndex                  uint64 `json:"currentIndex"`
	LastIndex                     uint64 `json:"lastIndex"`
	Bundle                        string `json:"bundle"`
	TrunkTransaction              string `json:"trunkTransaction"`
	BranchTransaction             string `json:"branchTransaction"`
	Tag                           string `json:"tag"`
	AttachmentTimestamp           int64  `json:"attachmentTimestamp"`
	AttachmentTimestampLowerBound int64  `json:"attachmentTimestampLowerBound"`
	AttachmentTimestampUpperBound int64  `json:"attachmentTimestampUpperBound"`
	Nonce                         string `json:"nonce"`
	IsTail                        bool   `json:"isTail"`
}

// MarshalJSON renders the transaction with all fields as trytes plus its
// hash and tail flag.
func (tx *Transaction) MarshalJSON() ([]byte, error) {
	h, err := tx.Hash()
	if err != nil {
		return nil, err
	}

	fragment := tx.SignatureMessageFragment
	if fragment == "" {
		fragment = NullFragment
	}

	return json.Marshal(&jsonTransaction{
		Hash:                          h.Trytes(),
		SignatureMessageFragment:      fragment,
		Address:                       tx.Address.Trytes(),
		Value:                         tx.Value,
		ObsoleteTag:                   string(orNullTag(tx.ObsoleteTag)),
		Timestamp:                     tx.Timestamp,
		CurrentIndex:                  tx.CurrentIndex,
		LastIndex:                     tx.LastIndex,
		Bundle:                        tx.Bundle.Trytes(),
		TrunkTransaction:              tx.TrunkTransaction.Trytes(),
		BranchTransaction:             tx.BranchTransaction.Trytes(),
		Tag:                           string(orNullTag(tx.Tag)),
		AttachmentTimestamp:           tx.AttachmentTimestamp,
		AttachmentTimestampLowerBound: tx.AttachmentTimestampLowerBound,
		AttachmentTimestampUpperBound: tx.AttachmentTimestampUpperBound,
		Nonce:                         string(orNullTag(Tag(tx.Nonce))),
		IsTail:                        tx.IsTail(),
	})
}

func orNullTag(t Tag) Tag {
	if t == "" {
		return NullTag
	}

	return t
}

// intToTrits encodes v in balanced ternary, padded to n trits.
func intToTrits(v int64, n int) []int8 {
	out := make([]int8, n)
	copy(out, trinary.IntToTrits(v))

	return out
}

func intToTrytes(v int64, n int) string {
	return trinary.MustTritsToTrytes(intToTrits(v, n*3))
}

func trytesToInt(t string) int64 {
	return trinary.TritsToInt(trinary.MustTrytesToTrits(t))
}
