package binding

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/sputn1ck/tanglewallet/chain/node"
	"github.com/sputn1ck/tanglewallet/chain/node/nodetest"
	"github.com/sputn1ck/tanglewallet/client"
	"github.com/sputn1ck/tanglewallet/keyring"
	"github.com/sputn1ck/tanglewallet/tangle"
	"github.com/sputn1ck/tanglewallet/wallet"
	"github.com/stretchr/testify/require"
)

var (
	testTime = time.Unix(1600000000, 0)

	testSeed = strings.Repeat("BINDINGSEED", 7) + "SEED"

	testDestination = strings.Repeat("RECEIVER", 10) + "9"
)

func newTestClient(t *testing.T) (*client.Client, *nodetest.Node) {
	t.Helper()

	clk := clock.NewTestClock(testTime)
	n := nodetest.New(clk)
	t.Cleanup(n.Close)

	cfg := client.DefaultConfig()
	cfg.Node.URL = n.URL
	cfg.Node.RetryDelay = time.Millisecond
	cfg.Node.RateLimit = 1000
	cfg.MinWeightMagnitudeFloor = 1
	cfg.MinWeightMagnitude = 3
	cfg.Clock = clk

	c, err := client.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, c.Stop())
	})

	return c, n
}

func call(t *testing.T, api API, command string,
	req interface{}) ([]byte, error) {

	t.Helper()

	raw, err := json.Marshal(req)
	require.NoError(t, err)

	return Dispatch(context.Background(), api, command, raw)
}

func requireKind(t *testing.T, out []byte, err error, kind string) {
	t.Helper()

	require.Error(t, err)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(out, &resp))
	require.Equal(t, kind, resp.Error)
	require.Equal(t, err.Error(), resp.Message)
}

func seedAddress(t *testing.T, index uint64) tangle.Address {
	t.Helper()

	seed, err := keyring.ParseSeed(testSeed)
	require.NoError(t, err)

	addr, err := keyring.DeriveAddress(seed, index, tangle.DefaultSecurity)
	require.NoError(t, err)

	return addr
}

// TestDispatch_GetNewAddress tests address derivation through the binding.
func TestDispatch_GetNewAddress(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t)

	index := uint64(3)
	out, err := call(t, c, CmdGetNewAddress, &GetNewAddressRequest{
		Seed:  testSeed,
		Index: &index,
	})
	require.NoError(t, err)

	var resp GetNewAddressResponse
	require.NoError(t, json.Unmarshal(out, &resp))
	require.Equal(t, index, resp.Index)
	require.Equal(t, seedAddress(t, 3), resp.Address)
	require.Len(t, resp.AddressWithChecksum, tangle.AddressWithChecksumTrytes)

	out, err = call(t, c, CmdGetNewAddress, &GetNewAddressRequest{
		Seed: "SHORT",
	})
	requireKind(t, out, err, "InvalidSeedError")

	security := uint8(4)
	out, err = call(t, c, CmdGetNewAddress, &GetNewAddressRequest{
		Seed:     testSeed,
		Security: &security,
	})
	requireKind(t, out, err, "DerivationError")
}

// TestDispatch_SendTransfers tests sends through the binding.
func TestDispatch_SendTransfers(t *testing.T) {
	t.Parallel()

	c, n := newTestClient(t)

	// Without an address the transfer goes to the seed's first address.
	out, err := call(t, c, CmdSendTransfers, &SendTransfersRequest{
		Seed:      testSeed,
		Transfers: []Transfer{{Message: "HELLO"}},
	})
	require.NoError(t, err)

	var txs []map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &txs))
	require.Len(t, txs, 1)
	require.Equal(t, seedAddress(t, 0).Trytes(), txs[0]["address"])
	require.Equal(t, true, txs[0]["isTail"])
	require.Len(t, n.Broadcasts(), 1)

	out, err = call(t, c, CmdSendTransfers, &SendTransfersRequest{
		Seed: testSeed,
		Transfers: []Transfer{{
			Address: testDestination,
			Value:   100,
		}},
	})
	requireKind(t, out, err, "InsufficientBalanceError")

	n.SetBalance(seedAddress(t, 0), 100)
	out, err = call(t, c, CmdSendTransfers, &SendTransfersRequest{
		Seed: testSeed,
		Transfers: []Transfer{{
			Address: testDestination,
			Value:   100,
		}},
	})
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(out, &txs))
	require.Len(t, txs, 3)
	require.Len(t, n.Broadcasts(), 2)
}

// TestDispatch_Rejects tests that malformed requests are rejected with the
// kind of their failure.
func TestDispatch_Rejects(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t)

	tests := []struct {
		name    string
		command string
		req     interface{}
		kind    string
	}{{
		name:    "missing seed",
		command: CmdSendTransfers,
		req: &SendTransfersRequest{
			Transfers: []Transfer{{Address: testDestination}},
		},
		kind: "MissingSeedError",
	}, {
		name:    "no transfers",
		command: CmdPrepareTransfers,
		req:     &SendTransfersRequest{Seed: testSeed},
		kind:    "InvalidTransferError",
	}, {
		name:    "bad address",
		command: CmdSendTransfers,
		req: &SendTransfersRequest{
			Seed:      testSeed,
			Transfers: []Transfer{{Address: "NOTANADDRESS"}},
		},
		kind: "InvalidAddressError",
	}, {
		name:    "short tail",
		command: CmdCheckConsistency,
		req: &CheckConsistencyRequest{
			Tails: [][]int8{make([]int8, tangle.HashTrits-1)},
		},
		kind: "SerializationError",
	}, {
		name:    "long trunk",
		command: CmdAttachToTangle,
		req: &AttachToTangleRequest{
			Trunk:  make([]int8, tangle.HashTrits+1),
			Trytes: []string{"A"},
		},
		kind: "AttachmentError",
	}, {
		name:    "short broadcast tail",
		command: CmdBroadcastBundle,
		req:     &BroadcastBundleRequest{Tail: []int8{1, 0, -1}},
		kind:    "SerializationError",
	}, {
		name:    "bad trytes",
		command: CmdSendTrytes,
		req:     &SendTrytesRequest{Trytes: []string{"A"}},
		kind:    "SerializationError",
	}, {
		name:    "unknown command",
		command: "getBalancesAndMore",
		req:     struct{}{},
		kind:    "SerializationError",
	}}

	for _, tc := range tests {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			out, err := call(t, c, tc.command, tc.req)
			requireKind(t, out, err, tc.kind)
		})
	}

	out, err := Dispatch(
		context.Background(), c, CmdGetNewAddress, []byte("{"),
	)
	requireKind(t, out, err, "SerializationError")
}

// TestDispatch_AttachAndBroadcast tests the separate pipeline steps through
// the binding.
func TestDispatch_AttachAndBroadcast(t *testing.T) {
	t.Parallel()

	c, n := newTestClient(t)
	ctx := context.Background()

	seed, err := keyring.ParseSeed(testSeed)
	require.NoError(t, err)

	dest, err := tangle.AddressFromTrytes(testDestination)
	require.NoError(t, err)

	prepared, err := c.PrepareTransfers(ctx, seed, wallet.PrepareRequest{
		Transfers: []tangle.Transfer{{Address: dest}},
	})
	require.NoError(t, err)

	raw, err := prepared[0].Trytes()
	require.NoError(t, err)

	out, err := call(t, c, CmdAttachToTangle, &AttachToTangleRequest{
		Trunk:  n.Trunk.Trits(),
		Branch: n.Branch.Trits(),
		Trytes: []string{raw},
	})
	require.NoError(t, err)

	var attached []map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &attached))
	require.Len(t, attached, 1)
	require.Equal(t, n.Trunk.Trytes(), attached[0]["trunkTransaction"])
	require.Zero(t, n.Calls(node.CmdGetTransactionsToApprove))
	require.Empty(t, n.Broadcasts())

	out, err = call(t, c, CmdSendTrytes, &SendTrytesRequest{
		Trytes: []string{raw},
	})
	require.NoError(t, err)

	var sent []*struct {
		Hash tangle.Hash `json:"hash"`
	}
	require.NoError(t, json.Unmarshal(out, &sent))
	require.Len(t, sent, 1)

	out, err = call(t, c, CmdBroadcastBundle, &BroadcastBundleRequest{
		Tail: sent[0].Hash.Trits(),
	})
	require.NoError(t, err)

	var receipt struct {
		Tail   tangle.Hash `json:"tail"`
		Bundle tangle.Hash `json:"bundle"`
	}
	require.NoError(t, json.Unmarshal(out, &receipt))
	require.Equal(t, sent[0].Hash, receipt.Tail)
	require.Equal(t, prepared[0].Bundle, receipt.Bundle)
	require.Len(t, n.Broadcasts(), 2)

	out, err = call(t, c, CmdCheckConsistency, &CheckConsistencyRequest{
		Tails: [][]int8{sent[0].Hash.Trits()},
	})
	require.NoError(t, err)

	var report node.ConsistencyReport
	require.NoError(t, json.Unmarshal(out, &report))
	require.True(t, report.Consistent)
}

// TestDispatch_Neighbors tests the peer commands.
func TestDispatch_Neighbors(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t)

	out, err := call(t, c, CmdAddNeighbors, &NeighborsRequest{
		URIs: []string{"tcp://peer:15600"},
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"addedNeighbors":1}`, string(out))

	out, err = call(t, c, CmdRemoveNeighbors, &NeighborsRequest{
		URIs: []string{"tcp://peer:15600"},
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"removedNeighbors":1}`, string(out))

	out, err = call(t, c, CmdGetNodeInfo, nil)
	require.NoError(t, err)
	require.Contains(t, string(out), `"appName"`)
}
