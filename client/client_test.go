package client

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/sputn1ck/tanglewallet/chain/node"
	"github.com/sputn1ck/tanglewallet/chain/node/nodetest"
	"github.com/sputn1ck/tanglewallet/keyring"
	"github.com/sputn1ck/tanglewallet/monitoring"
	"github.com/sputn1ck/tanglewallet/sending"
	"github.com/sputn1ck/tanglewallet/tangle"
	"github.com/sputn1ck/tanglewallet/wallet"
	"github.com/stretchr/testify/require"
)

const testMWM = 3

var testTime = time.Unix(1600000000, 0)

func newTestSeed(t *testing.T) *keyring.Seed {
	t.Helper()

	seed, err := keyring.ParseSeed(strings.Repeat("CLIENTSEED", 8) + "C")
	require.NoError(t, err)

	return seed
}

func testDestination(t *testing.T) tangle.Address {
	t.Helper()

	addr, err := tangle.AddressFromTrytes(
		strings.Repeat("DESTINATION", 7) + "DEAD",
	)
	require.NoError(t, err)

	return addr
}

func newTestClient(t *testing.T, localPoW bool) (*Client, *nodetest.Node) {
	t.Helper()

	return newConfiguredClient(t, func(cfg *Config) {
		cfg.LocalPoW = localPoW
		cfg.MinWeightMagnitudeFloor = 1
		cfg.MinWeightMagnitude = testMWM
	})
}

// newConfiguredClient starts a client against a fresh fake node. modify is
// applied on top of the test defaults.
func newConfiguredClient(t *testing.T,
	modify func(*Config)) (*Client, *nodetest.Node) {

	t.Helper()

	clk := clock.NewTestClock(testTime)
	n := nodetest.New(clk)
	t.Cleanup(n.Close)

	cfg := DefaultConfig()
	cfg.Node.URL = n.URL
	cfg.Node.RetryDelay = time.Millisecond
	cfg.Node.RateLimit = 1000
	cfg.PowParallelism = 1
	cfg.PollInterval = 10 * time.Millisecond
	cfg.KeyStateFile = filepath.Join(t.TempDir(), "keys.json")
	cfg.Clock = clk
	modify(cfg)

	metrics, err := monitoring.NewMetrics()
	require.NoError(t, err)
	cfg.Metrics = metrics

	c, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, c.Start())
	t.Cleanup(func() {
		require.NoError(t, c.Stop())
	})

	return c, n
}

// TestClient_GetNewAddress tests address generation.
func TestClient_GetNewAddress(t *testing.T) {
	t.Parallel()

	c, n := newTestClient(t, false)
	ctx := context.Background()
	seed := newTestSeed(t)

	index := uint64(7)
	gotIndex, addr, err := c.GetNewAddress(ctx, seed, &index, 0)
	require.NoError(t, err)
	require.Equal(t, index, gotIndex)

	want, err := keyring.DeriveAddress(seed, 7, tangle.DefaultSecurity)
	require.NoError(t, err)
	require.Equal(t, want, addr)

	// Spent addresses are skipped when searching.
	first, err := keyring.DeriveAddress(seed, 0, tangle.DefaultSecurity)
	require.NoError(t, err)
	n.SetSpent(first)

	gotIndex, _, err = c.GetNewAddress(ctx, seed, nil, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(1), gotIndex)

	_, _, err = c.GetNewAddress(ctx, nil, nil, 0)
	require.ErrorIs(t, err, tangle.ErrInvalidSeed)
}

// TestClient_SendTransfers tests a send and rebroadcasts from the journal.
func TestClient_SendTransfers(t *testing.T) {
	t.Parallel()

	for _, local := range []bool{false, true} {
		local := local
		name := "remote pow"
		if local {
			name = "local pow"
		}

		t.Run(name, func(t *testing.T) {
			t.Parallel()

			c, n := newTestClient(t, local)
			ctx := context.Background()
			seed := newTestSeed(t)

			funded, err := keyring.DeriveAddress(
				seed, 0, tangle.DefaultSecurity,
			)
			require.NoError(t, err)
			n.SetBalance(funded, 40)

			req := sending.DefaultSendRequest().
				WithSeed(seed).
				WithMinWeightMagnitude(testMWM).
				WithTransfers(tangle.Transfer{
					Address: testDestination(t),
					Value:   40,
				})

			txs, err := c.SendTransfers(ctx, req)
			require.NoError(t, err)
			require.Len(t, txs, 3)

			records, err := c.ListBundles(ctx)
			require.NoError(t, err)
			require.Len(t, records, 1)
			require.Equal(t, txs[0].Bundle, records[0].Bundle)

			tail, err := txs[0].Hash()
			require.NoError(t, err)

			// Journaled bundles are not fetched from the node.
			bundle, err := c.BroadcastBundle(ctx, tail)
			require.NoError(t, err)
			require.Len(t, bundle, 3)
			require.Zero(t, n.Calls(node.CmdGetTrytes))
			require.Len(t, n.Broadcasts(), 2)
		})
	}
}

// TestClient_BroadcastBundle_Node tests rebroadcasting a bundle the journal
// does not know.
func TestClient_BroadcastBundle_Node(t *testing.T) {
	t.Parallel()

	c, n := newTestClient(t, true)
	other, _ := newTestClient(t, true)
	ctx := context.Background()

	txs, err := other.SendTransfers(ctx, sending.DefaultSendRequest().
		WithSeed(newTestSeed(t)).
		WithMinWeightMagnitude(testMWM).
		WithTransfers(tangle.Transfer{Address: testDestination(t)}),
	)
	require.NoError(t, err)

	raw := make([]string, len(txs))
	for i, tx := range txs {
		raw[i], err = tx.Trytes()
		require.NoError(t, err)
	}
	require.NoError(t, n.AddTransactions(raw))

	tail, err := txs[0].Hash()
	require.NoError(t, err)

	bundle, err := c.BroadcastBundle(ctx, tail)
	require.NoError(t, err)
	require.Len(t, bundle, 1)
	require.Equal(t, 1, n.Calls(node.CmdGetTrytes))
	require.Len(t, n.Broadcasts(), 1)

	_, err = c.BroadcastBundle(ctx, tangle.Hash(testDestination(t)))
	require.ErrorIs(t, err, tangle.ErrInvalidBundle)
}

// TestClient_PrepareAndAttach tests the separate pipeline steps.
func TestClient_PrepareAndAttach(t *testing.T) {
	t.Parallel()

	c, n := newTestClient(t, true)
	ctx := context.Background()

	prepared, err := c.PrepareTransfers(ctx, newTestSeed(t),
		wallet.PrepareRequest{
			Transfers: []tangle.Transfer{{
				Address: testDestination(t),
				Message: strings.Repeat("A", 3000),
			}},
		},
	)
	require.NoError(t, err)
	require.Len(t, prepared, 2)

	// Tips are selected when none are given.
	attached, err := c.AttachToTangle(
		ctx, nil, nil, tangle.Reverse(prepared), 0,
	)
	require.NoError(t, err)
	require.Len(t, attached, 2)
	require.Equal(t, n.Trunk, attached[1].TrunkTransaction)
	require.Equal(t, 1, n.Calls(node.CmdGetTransactionsToApprove))
	require.Empty(t, n.Broadcasts())

	_, err = c.AttachToTangle(ctx, nil, nil, prepared, 0)
	require.ErrorIs(t, err, tangle.ErrAttachment)

	_, err = c.PrepareTransfers(ctx, nil, wallet.PrepareRequest{})
	require.ErrorIs(t, err, tangle.ErrMissingSeed)

	sent, err := c.SendTrytes(ctx, tangle.Reverse(prepared), 0, 0, nil)
	require.NoError(t, err)
	require.Len(t, sent, 2)
	require.Len(t, n.Broadcasts(), 1)
}

// TestClient_WeightFloor tests that the difficulty floor holds whether proof
// of work is done locally or by the node.
func TestClient_WeightFloor(t *testing.T) {
	t.Parallel()

	for _, local := range []bool{false, true} {
		local := local
		name := "remote pow"
		if local {
			name = "local pow"
		}

		t.Run(name, func(t *testing.T) {
			t.Parallel()

			// Default floor of 9.
			c, n := newConfiguredClient(t, func(cfg *Config) {
				cfg.LocalPoW = local
			})
			ctx := context.Background()
			seed := newTestSeed(t)

			_, err := c.SendTransfers(ctx, sending.DefaultSendRequest().
				WithSeed(seed).
				WithMinWeightMagnitude(2).
				WithTransfers(tangle.Transfer{
					Address: testDestination(t),
				}),
			)
			require.ErrorIs(t, err, tangle.ErrAttachment)

			prepared, err := c.PrepareTransfers(ctx, seed,
				wallet.PrepareRequest{
					Transfers: []tangle.Transfer{{
						Address: testDestination(t),
					}},
				},
			)
			require.NoError(t, err)

			_, err = c.AttachToTangle(
				ctx, nil, nil, tangle.Reverse(prepared), 2,
			)
			require.ErrorIs(t, err, tangle.ErrAttachment)

			_, err = c.SendTrytes(
				ctx, tangle.Reverse(prepared), 0, 2, nil,
			)
			require.ErrorIs(t, err, tangle.ErrAttachment)

			require.Zero(t, n.Calls(node.CmdGetTransactionsToApprove))
			require.Zero(t, n.Calls(node.CmdAttachToTangle))
			require.Empty(t, n.Broadcasts())
		})
	}
}

// TestClient_WatchConfirmation tests confirmation notifications.
func TestClient_WatchConfirmation(t *testing.T) {
	t.Parallel()

	c, n := newTestClient(t, true)

	tail := tangle.Hash(testDestination(t))
	event, err := c.WatchConfirmation(tail)
	require.NoError(t, err)

	n.Confirm(tail)

	select {
	case conf := <-event.Confirmed:
		require.Equal(t, tail, conf.Tail)

	case err := <-event.Err:
		t.Fatalf("watch failed: %v", err)

	case <-time.After(5 * time.Second):
		t.Fatal("confirmation not delivered")
	}
}

// TestClient_Node tests the node facing queries.
func TestClient_Node(t *testing.T) {
	t.Parallel()

	c, n := newTestClient(t, false)
	ctx := context.Background()

	info, err := c.NodeInfo(ctx)
	require.NoError(t, err)
	require.True(t, info.IsSynced())

	added, err := c.AddNeighbors(ctx, []string{"tcp://peer:15600"})
	require.NoError(t, err)
	require.Equal(t, 1, added)

	neighbors, err := c.Neighbors(ctx)
	require.NoError(t, err)
	require.Len(t, neighbors, 1)

	removed, err := c.RemoveNeighbors(ctx, []string{"tcp://peer:15600"})
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	addr := testDestination(t)
	n.SetBalance(addr, 12)
	balances, err := c.Balances(ctx, []tangle.Address{addr})
	require.NoError(t, err)
	require.Equal(t, []uint64{12}, balances)

	report, err := c.CheckConsistency(ctx, []tangle.Hash{n.Trunk})
	require.NoError(t, err)
	require.True(t, report.Consistent)
}

// TestConfig_Validate tests configuration validation.
func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Node = nil
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.MinWeightMagnitude = 5
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Depth = 0
	require.Error(t, cfg.Validate())
}
