package node

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/sputn1ck/tanglewallet/chain/node/nodetest"
	"github.com/sputn1ck/tanglewallet/tangle"
	"github.com/stretchr/testify/require"
)

const testMWM = 3

func testAddress(t *testing.T, prefix string) tangle.Address {
	t.Helper()

	addr, err := tangle.AddressFromTrytes(
		prefix + strings.Repeat("9", tangle.HashTrytes-len(prefix)),
	)
	require.NoError(t, err)

	return addr
}

// testBundle returns a hashed zero value bundle of n transactions in head
// first order.
func testBundle(t *testing.T, n int) []*tangle.Transaction {
	t.Helper()

	addr := testAddress(t, "NODEBUNDLE")

	txs := make([]*tangle.Transaction, n)
	for i := range txs {
		txs[i] = &tangle.Transaction{
			Address:      addr,
			ObsoleteTag:  tangle.NullTag,
			Tag:          tangle.NullTag,
			Timestamp:    uint64(testTime.Unix()),
			CurrentIndex: uint64(i),
			LastIndex:    uint64(n - 1),
		}
	}

	h, err := tangle.ComputeBundleHash(txs)
	require.NoError(t, err)
	for _, tx := range txs {
		tx.Bundle = h
	}

	return tangle.Reverse(txs)
}

func newTestBridge(t *testing.T, url string) *Bridge {
	t.Helper()

	b, err := NewBridge(DefaultBridgeConfig(newTestClient(url)))
	require.NoError(t, err)

	return b
}

// attachBundle attaches and stores a bundle on n and returns it tail first.
func attachBundle(t *testing.T, n *nodetest.Node,
	size int) []*tangle.Transaction {

	t.Helper()

	ctx := context.Background()
	b := newTestBridge(t, n.URL)

	trunk, branch, err := b.TransactionsToApprove(ctx, 3, nil)
	require.NoError(t, err)

	attached, err := b.AttachToTangle(
		ctx, trunk, branch, testBundle(t, size), testMWM,
	)
	require.NoError(t, err)
	require.NoError(t, b.StoreAndBroadcast(ctx, tangle.Reverse(attached)))

	return attached
}

// TestBridge_TransactionsToApprove tests tip selection.
func TestBridge_TransactionsToApprove(t *testing.T) {
	t.Parallel()

	n := nodetest.New(clock.NewTestClock(testTime))
	defer n.Close()

	b := newTestBridge(t, n.URL)
	duration := &countingObserver{}
	b.cfg.TipSelectionDuration = duration

	trunk, branch, err := b.TransactionsToApprove(
		context.Background(), 3, nil,
	)
	require.NoError(t, err)
	require.Equal(t, n.Trunk, trunk)
	require.Equal(t, n.Branch, branch)
	require.Equal(t, 1, duration.count)

	// The node rejects a zero depth.
	_, _, err = b.TransactionsToApprove(context.Background(), 0, nil)
	require.ErrorIs(t, err, tangle.ErrNetwork)
}

// countingObserver counts observations.
type countingObserver struct {
	count int
}

func (c *countingObserver) Observe(float64) {
	c.count++
}

// TestBridge_TransactionsToApprove_Malformed tests that malformed tips are
// rejected.
func TestBridge_TransactionsToApprove_Malformed(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"trunkTransaction":  "TOOSHORT",
				"branchTransaction": "TOOSHORT",
			})
		},
	))
	defer server.Close()

	b := newTestBridge(t, server.URL)
	_, _, err := b.TransactionsToApprove(context.Background(), 3, nil)
	require.ErrorIs(t, err, tangle.ErrSerialization)
}

// TestBridge_AttachToTangle tests remote proof of work.
func TestBridge_AttachToTangle(t *testing.T) {
	t.Parallel()

	n := nodetest.New(clock.NewTestClock(testTime))
	defer n.Close()

	b := newTestBridge(t, n.URL)
	ctx := context.Background()

	txs := testBundle(t, 3)
	attached, err := b.AttachToTangle(ctx, n.Trunk, n.Branch, txs, testMWM)
	require.NoError(t, err)
	require.Len(t, attached, 3)

	for i, tx := range attached {
		require.Equal(t, uint64(i), tx.CurrentIndex)

		weight, err := tx.Weight()
		require.NoError(t, err)
		require.GreaterOrEqual(t, weight, testMWM)
	}
	require.Equal(t, n.Trunk, attached[2].TrunkTransaction)
	require.Equal(t, n.Branch, attached[2].BranchTransaction)
	require.NoError(t, tangle.Bundle(attached).Validate())

	// Tail first input is rejected before anything is sent.
	_, err = b.AttachToTangle(
		ctx, n.Trunk, n.Branch, tangle.Reverse(txs), testMWM,
	)
	require.ErrorIs(t, err, tangle.ErrAttachment)
	require.Equal(t, 1, n.Calls(CmdAttachToTangle))

	_, err = b.AttachToTangle(ctx, tangle.NullHash, n.Branch, txs, testMWM)
	require.ErrorIs(t, err, tangle.ErrAttachment)
}

// TestBridge_AttachToTangle_Unverified tests that a node skipping the proof
// of work is caught.
func TestBridge_AttachToTangle_Unverified(t *testing.T) {
	t.Parallel()

	// The node echoes the trytes without doing any work.
	server := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Trytes []string `json:"trytes"`
			}
			_ = json.NewDecoder(r.Body).Decode(&req)

			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(map[string][]string{
				"trytes": req.Trytes,
			})
		},
	))
	defer server.Close()

	b := newTestBridge(t, server.URL)

	trunk := testAddress(t, "TRUNK")
	branch := testAddress(t, "BRANCH")
	_, err := b.AttachToTangle(
		context.Background(), tangle.Hash(trunk), tangle.Hash(branch),
		testBundle(t, 2), 40,
	)
	require.ErrorIs(t, err, tangle.ErrAttachment)
}

// TestBridge_BundleByTail tests fetching a stored bundle by its tail.
func TestBridge_BundleByTail(t *testing.T) {
	t.Parallel()

	n := nodetest.New(clock.NewTestClock(testTime))
	defer n.Close()

	attached := attachBundle(t, n, 3)

	tail, err := attached[0].Hash()
	require.NoError(t, err)

	b := newTestBridge(t, n.URL)
	ctx := context.Background()

	bundle, err := b.BundleByTail(ctx, tail)
	require.NoError(t, err)
	require.Equal(t, attached, bundle)

	// The second walk is served from the cache.
	calls := n.Calls(CmdGetTrytes)
	_, err = b.BundleByTail(ctx, tail)
	require.NoError(t, err)
	require.Equal(t, calls, n.Calls(CmdGetTrytes))

	// A non tail transaction is not a bundle start.
	head, err := attached[2].Hash()
	require.NoError(t, err)
	_, err = b.BundleByTail(ctx, head)
	require.ErrorIs(t, err, tangle.ErrInvalidBundle)

	// Unknown transactions are reported.
	_, err = b.BundleByTail(ctx, tangle.Hash(testAddress(t, "UNKNOWN")))
	require.ErrorIs(t, err, tangle.ErrInvalidBundle)
}

// TestBridge_BroadcastBundle tests rebroadcasting a stored bundle.
func TestBridge_BroadcastBundle(t *testing.T) {
	t.Parallel()

	n := nodetest.New(clock.NewTestClock(testTime))
	defer n.Close()

	attached := attachBundle(t, n, 2)
	require.Len(t, n.Broadcasts(), 1)

	tail, err := attached[0].Hash()
	require.NoError(t, err)

	b := newTestBridge(t, n.URL)
	ctx := context.Background()

	// Every call broadcasts again.
	for i := 0; i < 2; i++ {
		bundle, err := b.BroadcastBundle(ctx, tail)
		require.NoError(t, err)
		require.Len(t, bundle, 2)
	}

	broadcasts := n.Broadcasts()
	require.Len(t, broadcasts, 3)
	require.Len(t, broadcasts[2], 2)
	require.Equal(t, 1, n.Calls(CmdAttachToTangle))
}

// TestBridge_CheckConsistency tests consistency reports.
func TestBridge_CheckConsistency(t *testing.T) {
	t.Parallel()

	n := nodetest.New(clock.NewTestClock(testTime))
	defer n.Close()

	b := newTestBridge(t, n.URL)
	ctx := context.Background()

	good := tangle.Hash(testAddress(t, "GOODTAIL"))
	bad := tangle.Hash(testAddress(t, "BADTAIL"))

	report, err := b.CheckConsistency(ctx, []tangle.Hash{good})
	require.NoError(t, err)
	require.True(t, report.Consistent)
	require.Len(t, report.Tails, 1)

	n.SetInconsistent(bad, "tails are not solid")

	report, err = b.CheckConsistency(ctx, []tangle.Hash{good, bad})
	require.NoError(t, err)
	require.False(t, report.Consistent)
	require.Equal(t, "tails are not solid", report.Info)
	require.Equal(t, []TailConsistency{
		{Tail: good, Consistent: true},
		{Tail: bad, Consistent: false, Info: "tails are not solid"},
	}, report.Tails)

	_, err = b.CheckConsistency(ctx, nil)
	require.ErrorIs(t, err, tangle.ErrSerialization)
}

// TestBridge_Addresses tests balance and usage queries.
func TestBridge_Addresses(t *testing.T) {
	t.Parallel()

	n := nodetest.New(clock.NewTestClock(testTime))
	defer n.Close()

	attachBundle(t, n, 1)

	rich := testAddress(t, "RICH")
	spent := testAddress(t, "SPENT")
	fresh := testAddress(t, "FRESH")
	withTx := testAddress(t, "NODEBUNDLE")

	n.SetBalance(rich, 1000)
	n.SetSpent(spent)

	b := newTestBridge(t, n.URL)
	ctx := context.Background()

	addrs := []tangle.Address{rich, spent, fresh, withTx}

	balances, err := b.Balances(ctx, addrs)
	require.NoError(t, err)
	require.Equal(t, []uint64{1000, 0, 0, 0}, balances)

	spentStates, err := b.WereAddressesSpentFrom(ctx, addrs)
	require.NoError(t, err)
	require.Equal(t, []bool{false, true, false, false}, spentStates)

	used, err := b.UsedAddresses(ctx, addrs)
	require.NoError(t, err)
	require.Equal(t, []bool{false, true, false, true}, used)

	hashes, err := b.FindTransactions(ctx, FindQuery{
		Addresses: []string{withTx.Trytes()},
	})
	require.NoError(t, err)
	require.Len(t, hashes, 1)
}

// TestBridge_NodeInfo tests that node info is cached.
func TestBridge_NodeInfo(t *testing.T) {
	t.Parallel()

	n := nodetest.New(clock.NewTestClock(testTime))
	defer n.Close()

	b := newTestBridge(t, n.URL)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		info, err := b.NodeInfo(ctx)
		require.NoError(t, err)
		require.Equal(t, "nodetest", info.AppName)
	}
	require.Equal(t, 1, n.Calls(CmdGetNodeInfo))

	tips, err := b.Tips(ctx)
	require.NoError(t, err)
	require.Equal(t, []tangle.Hash{n.Trunk, n.Branch}, tips)
}

// TestBridge_Neighbors tests peer management.
func TestBridge_Neighbors(t *testing.T) {
	t.Parallel()

	n := nodetest.New(clock.NewTestClock(testTime))
	defer n.Close()

	b := newTestBridge(t, n.URL)
	ctx := context.Background()

	added, err := b.AddNeighbors(ctx, []string{
		"tcp://peer1:15600", "tcp://peer2:15600",
	})
	require.NoError(t, err)
	require.Equal(t, 2, added)

	// Nothing to do is not a network call.
	added, err = b.AddNeighbors(ctx, nil)
	require.NoError(t, err)
	require.Zero(t, added)
	require.Equal(t, 1, n.Calls(CmdAddNeighbors))

	_, err = b.AddNeighbors(ctx, []string{"peer3"})
	require.ErrorIs(t, err, tangle.ErrNetwork)

	removed, err := b.RemoveNeighbors(ctx, []string{"tcp://peer1:15600"})
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	neighbors, err := b.Neighbors(ctx)
	require.NoError(t, err)
	require.Len(t, neighbors, 1)
	require.Equal(t, "tcp://peer2:15600", neighbors[0].Address)
}
