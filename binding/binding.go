// Package binding maps the wallet operations onto a JSON request and
// response contract so they can be driven by external callers.
package binding

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sputn1ck/tanglewallet/chain/node"
	"github.com/sputn1ck/tanglewallet/keyring"
	"github.com/sputn1ck/tanglewallet/sending"
	"github.com/sputn1ck/tanglewallet/tangle"
	"github.com/sputn1ck/tanglewallet/wallet"
)

const (
	// CmdGetNodeInfo returns the state of the node.
	CmdGetNodeInfo = "getNodeInfo"

	// CmdGetNewAddress derives an address from a seed.
	CmdGetNewAddress = "getNewAddress"

	// CmdPrepareTransfers builds a signed bundle without attaching it.
	CmdPrepareTransfers = "prepareTransfers"

	// CmdAttachToTangle attaches a prepared bundle.
	CmdAttachToTangle = "attachToTangle"

	// CmdSendTrytes attaches and broadcasts a prepared bundle.
	CmdSendTrytes = "sendTrytes"

	// CmdSendTransfers runs the whole send pipeline.
	CmdSendTransfers = "sendTransfers"

	// CmdBroadcastBundle rebroadcasts a bundle by its tail.
	CmdBroadcastBundle = "broadcastBundle"

	// CmdCheckConsistency checks tails against the ledger.
	CmdCheckConsistency = "checkConsistency"

	// CmdAddNeighbors adds peers to the node.
	CmdAddNeighbors = "addNeighbors"

	// CmdRemoveNeighbors removes peers from the node.
	CmdRemoveNeighbors = "removeNeighbors"
)

// API is the set of wallet operations exposed through the binding.
type API interface {
	NodeInfo(ctx context.Context) (*node.NodeInfo, error)

	GetNewAddress(ctx context.Context, seed *keyring.Seed, index *uint64,
		security tangle.SecurityLevel) (uint64, tangle.Address, error)

	PrepareTransfers(ctx context.Context, seed *keyring.Seed,
		req wallet.PrepareRequest) ([]*tangle.Transaction, error)

	AttachToTangle(ctx context.Context, trunk, branch *tangle.Hash,
		txs []*tangle.Transaction, mwm int) ([]*tangle.Transaction, error)

	SendTrytes(ctx context.Context, txs []*tangle.Transaction, depth uint64,
		mwm int, reference *tangle.Hash) ([]*tangle.Transaction, error)

	SendTransfers(ctx context.Context,
		req sending.SendRequest) ([]*tangle.Transaction, error)

	BroadcastBundle(ctx context.Context,
		tail tangle.Hash) ([]*tangle.Transaction, error)

	CheckConsistency(ctx context.Context,
		tails []tangle.Hash) (*node.ConsistencyReport, error)

	AddNeighbors(ctx context.Context, uris []string) (int, error)

	RemoveNeighbors(ctx context.Context, uris []string) (int, error)
}

// ErrorResponse is the JSON shape of a failed call.
type ErrorResponse struct {
	// Error is the kind of the failure, for example
	// "InsufficientBalanceError".
	Error string `json:"error"`

	// Message is the human readable description.
	Message string `json:"message"`
}

// RenderError renders err as an ErrorResponse.
func RenderError(err error) []byte {
	out, mErr := json.Marshal(&ErrorResponse{
		Error:   tangle.Kind(err),
		Message: err.Error(),
	})
	if mErr != nil {
		return []byte(`{"error":"Error","message":"unrenderable error"}`)
	}

	return out
}

// Dispatch decodes raw as the request of command, runs it against api and
// returns the encoded response. On failure the returned bytes hold the
// rendered error alongside the error itself.
func Dispatch(ctx context.Context, api API, command string,
	raw []byte) ([]byte, error) {

	resp, err := dispatch(ctx, api, command, raw)
	if err != nil {
		log.Debugf("Command %v failed: %v", command, err)
		return RenderError(err), err
	}

	out, err := json.Marshal(resp)
	if err != nil {
		err = fmt.Errorf("%w: encode %v response: %v",
			tangle.ErrSerialization, command, err)
		return RenderError(err), err
	}

	return out, nil
}

func dispatch(ctx context.Context, api API, command string,
	raw []byte) (interface{}, error) {

	switch command {
	case CmdGetNodeInfo:
		return api.NodeInfo(ctx)

	case CmdGetNewAddress:
		var req GetNewAddressRequest
		if err := decode(raw, &req); err != nil {
			return nil, err
		}
		return GetNewAddress(ctx, api, &req)

	case CmdPrepareTransfers:
		var req SendTransfersRequest
		if err := decode(raw, &req); err != nil {
			return nil, err
		}
		return PrepareTransfers(ctx, api, &req)

	case CmdAttachToTangle:
		var req AttachToTangleRequest
		if err := decode(raw, &req); err != nil {
			return nil, err
		}
		return AttachToTangle(ctx, api, &req)

	case CmdSendTrytes:
		var req SendTrytesRequest
		if err := decode(raw, &req); err != nil {
			return nil, err
		}
		return SendTrytes(ctx, api, &req)

	case CmdSendTransfers:
		var req SendTransfersRequest
		if err := decode(raw, &req); err != nil {
			return nil, err
		}
		return SendTransfers(ctx, api, &req)

	case CmdBroadcastBundle:
		var req BroadcastBundleRequest
		if err := decode(raw, &req); err != nil {
			return nil, err
		}
		return BroadcastBundle(ctx, api, &req)

	case CmdCheckConsistency:
		var req CheckConsistencyRequest
		if err := decode(raw, &req); err != nil {
			return nil, err
		}
		return CheckConsistency(ctx, api, &req)

	case CmdAddNeighbors, CmdRemoveNeighbors:
		var req NeighborsRequest
		if err := decode(raw, &req); err != nil {
			return nil, err
		}
		if command == CmdAddNeighbors {
			n, err := api.AddNeighbors(ctx, req.URIs)
			return &NeighborsResponse{AddedNeighbors: n}, err
		}
		n, err := api.RemoveNeighbors(ctx, req.URIs)
		return &NeighborsResponse{RemovedNeighbors: n}, err

	default:
		return nil, fmt.Errorf("%w: unknown command %q",
			tangle.ErrSerialization, command)
	}
}

func decode(raw []byte, v interface{}) error {
	if len(raw) == 0 {
		raw = []byte("{}")
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", tangle.ErrSerialization, err)
	}

	return nil
}
