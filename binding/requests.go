package binding

import (
	"context"
	"fmt"

	"github.com/sputn1ck/tanglewallet/chain/node"
	"github.com/sputn1ck/tanglewallet/keyring"
	"github.com/sputn1ck/tanglewallet/sending"
	"github.com/sputn1ck/tanglewallet/tangle"
	"github.com/sputn1ck/tanglewallet/wallet"
)

// GetNewAddressRequest asks for the address at Index, or for the next
// unused address when Index is omitted.
type GetNewAddressRequest struct {
	Seed     string  `json:"seed"`
	Index    *uint64 `json:"index,omitempty"`
	Security *uint8  `json:"security,omitempty"`
}

// GetNewAddressResponse carries a derived address.
type GetNewAddressResponse struct {
	Index               uint64         `json:"index"`
	Address             tangle.Address `json:"address"`
	AddressWithChecksum string         `json:"addressWithChecksum"`
}

// Transfer is one output of a send. Without an address the value goes to
// the seed's first address.
type Transfer struct {
	Address string `json:"address,omitempty"`
	Value   uint64 `json:"value"`
	Message string `json:"message,omitempty"`
	Tag     string `json:"tag,omitempty"`
}

// Input is an address to spend from, with its known balance.
type Input struct {
	Address  string `json:"address"`
	Balance  uint64 `json:"balance"`
	KeyIndex uint64 `json:"keyIndex"`
	Security uint8  `json:"security,omitempty"`
}

// SendTransfersRequest is the request of both sendTransfers and
// prepareTransfers. Zero depth and minWeightMagnitude use the defaults.
type SendTransfersRequest struct {
	Seed               string     `json:"seed"`
	Transfers          []Transfer `json:"transfers"`
	Inputs             []Input    `json:"inputs,omitempty"`
	Remainder          string     `json:"remainder,omitempty"`
	Security           *uint8     `json:"security,omitempty"`
	Depth              uint64     `json:"depth,omitempty"`
	MinWeightMagnitude int        `json:"minWeightMagnitude,omitempty"`
	Reference          []int8     `json:"reference,omitempty"`
}

// AttachToTangleRequest attaches a prepared bundle given head first.
// Missing tips are selected by the node.
type AttachToTangleRequest struct {
	Trunk              []int8   `json:"trunk,omitempty"`
	Branch             []int8   `json:"branch,omitempty"`
	MinWeightMagnitude int      `json:"minWeightMagnitude,omitempty"`
	Trytes             []string `json:"trytes"`
}

// SendTrytesRequest attaches and broadcasts a prepared bundle given head
// first.
type SendTrytesRequest struct {
	Trytes             []string `json:"trytes"`
	Depth              uint64   `json:"depth,omitempty"`
	MinWeightMagnitude int      `json:"minWeightMagnitude,omitempty"`
	Reference          []int8   `json:"reference,omitempty"`
}

// BroadcastBundleRequest rebroadcasts the bundle with the given tail.
type BroadcastBundleRequest struct {
	Tail []int8 `json:"tail"`
}

// BroadcastBundleResponse is the receipt of a rebroadcast.
type BroadcastBundleResponse struct {
	Tail         tangle.Hash           `json:"tail"`
	Bundle       tangle.Hash           `json:"bundle"`
	Transactions []*tangle.Transaction `json:"transactions"`
}

// CheckConsistencyRequest holds the tails to check.
type CheckConsistencyRequest struct {
	Tails [][]int8 `json:"tails"`
}

// NeighborsRequest holds peer URIs such as "tcp://host:15600".
type NeighborsRequest struct {
	URIs []string `json:"uris"`
}

// NeighborsResponse reports how many peers were changed.
type NeighborsResponse struct {
	AddedNeighbors   int `json:"addedNeighbors,omitempty"`
	RemovedNeighbors int `json:"removedNeighbors,omitempty"`
}

// GetNewAddress runs a GetNewAddressRequest.
func GetNewAddress(ctx context.Context, api API,
	req *GetNewAddressRequest) (*GetNewAddressResponse, error) {

	seed, err := keyring.ParseSeed(req.Seed)
	if err != nil {
		return nil, err
	}
	defer seed.Wipe()

	security, err := parseSecurity(req.Security)
	if err != nil {
		return nil, err
	}

	index, addr, err := api.GetNewAddress(ctx, seed, req.Index, security)
	if err != nil {
		return nil, err
	}

	withChecksum, err := addr.WithChecksum()
	if err != nil {
		return nil, err
	}

	return &GetNewAddressResponse{
		Index:               index,
		Address:             addr,
		AddressWithChecksum: withChecksum,
	}, nil
}

// PrepareTransfers builds the signed bundle of a SendTransfersRequest and
// returns it tail first without attaching it.
func PrepareTransfers(ctx context.Context, api API,
	req *SendTransfersRequest) ([]*tangle.Transaction, error) {

	seed, prepared, err := parseSendTransfers(req)
	if err != nil {
		return nil, err
	}
	defer seed.Wipe()

	return api.PrepareTransfers(ctx, seed, prepared)
}

// SendTransfers runs the whole send pipeline for a SendTransfersRequest.
func SendTransfers(ctx context.Context, api API,
	req *SendTransfersRequest) ([]*tangle.Transaction, error) {

	seed, prepared, err := parseSendTransfers(req)
	if err != nil {
		return nil, err
	}
	defer seed.Wipe()

	reference, err := parseOptionalHash(
		req.Reference, "reference", tangle.ErrAttachment,
	)
	if err != nil {
		return nil, err
	}

	send := sending.DefaultSendRequest().
		WithSeed(seed).
		WithTransfers(prepared.Transfers...).
		WithSecurity(prepared.Security).
		WithInputs(prepared.Inputs...).
		WithDepth(req.Depth).
		WithMinWeightMagnitude(req.MinWeightMagnitude)
	if prepared.Remainder != nil {
		send = send.WithRemainder(*prepared.Remainder)
	}
	if reference != nil {
		send = send.WithReference(*reference)
	}

	return api.SendTransfers(ctx, send)
}

// AttachToTangle runs an AttachToTangleRequest.
func AttachToTangle(ctx context.Context, api API,
	req *AttachToTangleRequest) ([]*tangle.Transaction, error) {

	trunk, err := parseOptionalHash(
		req.Trunk, "trunk", tangle.ErrAttachment,
	)
	if err != nil {
		return nil, err
	}
	branch, err := parseOptionalHash(
		req.Branch, "branch", tangle.ErrAttachment,
	)
	if err != nil {
		return nil, err
	}

	txs, err := parseTrytes(req.Trytes)
	if err != nil {
		return nil, err
	}

	return api.AttachToTangle(
		ctx, trunk, branch, txs, req.MinWeightMagnitude,
	)
}

// SendTrytes runs a SendTrytesRequest.
func SendTrytes(ctx context.Context, api API,
	req *SendTrytesRequest) ([]*tangle.Transaction, error) {

	reference, err := parseOptionalHash(
		req.Reference, "reference", tangle.ErrAttachment,
	)
	if err != nil {
		return nil, err
	}

	txs, err := parseTrytes(req.Trytes)
	if err != nil {
		return nil, err
	}

	return api.SendTrytes(
		ctx, txs, req.Depth, req.MinWeightMagnitude, reference,
	)
}

// BroadcastBundle runs a BroadcastBundleRequest.
func BroadcastBundle(ctx context.Context, api API,
	req *BroadcastBundleRequest) (*BroadcastBundleResponse, error) {

	tail, err := tangle.HashFromTrits(req.Tail)
	if err != nil {
		return nil, fmt.Errorf("%w: tail: %v", tangle.ErrSerialization,
			err)
	}

	txs, err := api.BroadcastBundle(ctx, tail)
	if err != nil {
		return nil, err
	}

	return &BroadcastBundleResponse{
		Tail:         tail,
		Bundle:       txs[0].Bundle,
		Transactions: txs,
	}, nil
}

// CheckConsistency runs a CheckConsistencyRequest.
func CheckConsistency(ctx context.Context, api API,
	req *CheckConsistencyRequest) (*node.ConsistencyReport, error) {

	tails := make([]tangle.Hash, len(req.Tails))
	for i, raw := range req.Tails {
		h, err := tangle.HashFromTrits(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: tail %d: %v",
				tangle.ErrSerialization, i, err)
		}
		tails[i] = h
	}

	return api.CheckConsistency(ctx, tails)
}

// parseSendTransfers parses the seed and the bundle shape of req. The caller
// owns the returned seed and must wipe it.
func parseSendTransfers(
	req *SendTransfersRequest) (*keyring.Seed, wallet.PrepareRequest, error) {

	var prepared wallet.PrepareRequest

	if req.Seed == "" {
		return nil, prepared, tangle.ErrMissingSeed
	}
	seed, err := keyring.ParseSeed(req.Seed)
	if err != nil {
		return nil, prepared, err
	}

	fail := func(err error) (*keyring.Seed, wallet.PrepareRequest, error) {
		seed.Wipe()
		return nil, prepared, err
	}

	security, err := parseSecurity(req.Security)
	if err != nil {
		return fail(err)
	}
	prepared.Security = security

	if len(req.Transfers) == 0 {
		return fail(fmt.Errorf("%w: no transfers given",
			tangle.ErrInvalidTransfer))
	}

	var defaultAddr *tangle.Address
	for i, t := range req.Transfers {
		transfer := tangle.Transfer{
			Value:   t.Value,
			Message: t.Message,
			Tag:     t.Tag,
		}

		switch {
		case t.Address != "":
			transfer.Address, err = tangle.AddressFromTrytes(t.Address)
			if err != nil {
				return fail(fmt.Errorf("transfer %d: %w", i, err))
			}

		default:
			if defaultAddr == nil {
				addr, err := keyring.DeriveAddress(seed, 0, security)
				if err != nil {
					return fail(err)
				}
				defaultAddr = &addr
			}
			transfer.Address = *defaultAddr
		}

		prepared.Transfers = append(prepared.Transfers, transfer)
	}

	for i, in := range req.Inputs {
		addr, err := tangle.AddressFromTrytes(in.Address)
		if err != nil {
			return fail(fmt.Errorf("input %d: %w", i, err))
		}

		prepared.Inputs = append(prepared.Inputs, tangle.Input{
			Address:  addr,
			Balance:  in.Balance,
			KeyIndex: in.KeyIndex,
			Security: tangle.SecurityLevel(in.Security),
		})
	}

	if req.Remainder != "" {
		addr, err := tangle.AddressFromTrytes(req.Remainder)
		if err != nil {
			return fail(fmt.Errorf("remainder: %w", err))
		}
		prepared.Remainder = &addr
	}

	return seed, prepared, nil
}

func parseSecurity(s *uint8) (tangle.SecurityLevel, error) {
	if s == nil {
		return tangle.DefaultSecurity, nil
	}

	security := tangle.SecurityLevel(*s)
	if err := security.Validate(); err != nil {
		return 0, err
	}

	return security, nil
}

// parseOptionalHash parses trits as a hash, returning nil if none were
// given. Any other length than 243 fails with kind.
func parseOptionalHash(trits []int8, name string,
	kind error) (*tangle.Hash, error) {

	if len(trits) == 0 {
		return nil, nil
	}

	h, err := tangle.HashFromTrits(trits)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", kind, name, err)
	}

	return &h, nil
}

func parseTrytes(raw []string) ([]*tangle.Transaction, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: no transactions given",
			tangle.ErrSerialization)
	}

	txs := make([]*tangle.Transaction, len(raw))
	for i, r := range raw {
		tx, err := tangle.TransactionFromTrytes(r)
		if err != nil {
			return nil, fmt.Errorf("transaction %d: %w", i, err)
		}
		txs[i] = tx
	}

	return txs, nil
}
