package sending

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sputn1ck/tanglewallet/chain/node"
	"github.com/sputn1ck/tanglewallet/chain/node/nodetest"
	"github.com/sputn1ck/tanglewallet/keyring"
	"github.com/sputn1ck/tanglewallet/pow"
	"github.com/sputn1ck/tanglewallet/tangle"
	"github.com/sputn1ck/tanglewallet/wallet"
	"github.com/stretchr/testify/require"
)

const testMWM = 3

var (
	testTime = time.Unix(1600000000, 0)

	testSeedTrytes = strings.Repeat("SENDERSEED", 8) + "S"
)

func newTestSeed(t *testing.T) *keyring.Seed {
	t.Helper()

	seed, err := keyring.ParseSeed(testSeedTrytes)
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

// recorder is a pipeline stage that records whether it was reached.
type recorder struct {
	prepared    int
	selected    int
	attached    int
	broadcasted int

	depth uint64
	mwm   int

	attachErr error
}

func (r *recorder) Prepare(context.Context, *keyring.Seed,
	wallet.PrepareRequest) ([]*tangle.Transaction, error) {

	r.prepared++
	return nil, errors.New("not reached")
}

func (r *recorder) TransactionsToApprove(_ context.Context, depth uint64,
	_ *tangle.Hash) (tangle.Hash, tangle.Hash, error) {

	r.selected++
	r.depth = depth
	return tangle.Hash{1}, tangle.Hash{1}, nil
}

func (r *recorder) AttachToTangle(_ context.Context, _, _ tangle.Hash,
	txs []*tangle.Transaction, mwm int) ([]*tangle.Transaction, error) {

	r.attached++
	r.mwm = mwm
	if r.attachErr != nil {
		return nil, r.attachErr
	}

	return tangle.Reverse(txs), nil
}

func (r *recorder) StoreAndBroadcast(context.Context,
	[]*tangle.Transaction) error {

	r.broadcasted++
	return nil
}

func newRecordingSender(t *testing.T, rec *recorder,
	preparer Preparer) *Sender {

	t.Helper()

	s, err := New(&Config{
		Preparer:    preparer,
		TipSelector: rec,
		Attacher:    rec,
		Broadcaster: rec,
	})
	require.NoError(t, err)

	return s
}

// TestSend_MissingSeed tests that a send without a seed fails before any
// other work.
func TestSend_MissingSeed(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	s := newRecordingSender(t, rec, rec)

	req := DefaultSendRequest().WithTransfers(tangle.Transfer{
		Address: testDestination(t),
		Value:   1,
	})

	_, err := s.Send(context.Background(), req)
	require.ErrorIs(t, err, tangle.ErrMissingSeed)

	// A wiped seed is as good as none.
	seed := newTestSeed(t)
	seed.Wipe()
	_, err = s.Send(context.Background(), req.WithSeed(seed))
	require.ErrorIs(t, err, tangle.ErrMissingSeed)

	require.Zero(t, rec.prepared)
	require.Zero(t, rec.selected)
	require.Zero(t, rec.attached)
	require.Zero(t, rec.broadcasted)
}

// TestSend_Validation tests that bad requests fail before any work.
func TestSend_Validation(t *testing.T) {
	t.Parallel()

	base := DefaultSendRequest().WithSeed(newTestSeed(t)).WithTransfers(
		tangle.Transfer{Address: testDestination(t)},
	)

	tests := []struct {
		name    string
		req     SendRequest
		wantErr error
	}{
		{
			name:    "no transfers",
			req:     base.WithTransfers(),
			wantErr: tangle.ErrInvalidTransfer,
		},
		{
			name:    "mwm below floor",
			req:     base.WithMinWeightMagnitude(2),
			wantErr: tangle.ErrAttachment,
		},
		{
			name:    "mwm too large",
			req:     base.WithMinWeightMagnitude(82),
			wantErr: tangle.ErrAttachment,
		},
		{
			name:    "null reference",
			req:     base.WithReference(tangle.NullHash),
			wantErr: tangle.ErrAttachment,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec := &recorder{}
			s := newRecordingSender(t, rec, rec)

			_, err := s.Send(context.Background(), tt.req)
			require.ErrorIs(t, err, tt.wantErr)
			require.Zero(t, rec.prepared)
			require.Zero(t, rec.selected)
		})
	}
}

// TestSend_ZeroParamsUseDefaults tests that zero depth and difficulty fall
// back to their defaults instead of failing.
func TestSend_ZeroParamsUseDefaults(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	s := newRecordingSender(t, rec, rec)

	req := SendRequest{
		Seed: newTestSeed(t),
		Transfers: []tangle.Transfer{{
			Address: testDestination(t),
		}},
	}
	require.NoError(t, req.Validate())

	// The recorder refuses to prepare, so getting there means the
	// request passed validation.
	_, err := s.Send(context.Background(), req)
	require.ErrorContains(t, err, "not reached")
	require.NotErrorIs(t, err, tangle.ErrAttachment)
	require.Equal(t, 1, rec.prepared)

	txs := []*tangle.Transaction{{}}
	_, err = s.SendTrytes(context.Background(), txs, 0, 0, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(DefaultDepth), rec.depth)
	require.Equal(t, DefaultMinWeightMagnitude, rec.mwm)
	require.Equal(t, 1, rec.broadcasted)
}

// TestSend_WeightFloor tests that a difficulty below the floor is rejected
// before tip selection for any attacher.
func TestSend_WeightFloor(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	s := newRecordingSender(t, rec, rec)

	req := DefaultSendRequest().WithSeed(newTestSeed(t)).WithTransfers(
		tangle.Transfer{Address: testDestination(t)},
	).WithMinWeightMagnitude(pow.DefaultMinWeightMagnitudeFloor - 1)

	_, err := s.Send(context.Background(), req)
	require.ErrorIs(t, err, tangle.ErrAttachment)

	txs := []*tangle.Transaction{{}}
	_, err = s.SendTrytes(
		context.Background(), txs, DefaultDepth, 2, nil,
	)
	require.ErrorIs(t, err, tangle.ErrAttachment)

	require.Zero(t, rec.prepared)
	require.Zero(t, rec.selected)
	require.Zero(t, rec.attached)
	require.Zero(t, rec.broadcasted)

	// The floor itself is accepted.
	_, err = s.SendTrytes(
		context.Background(), txs, DefaultDepth,
		pow.DefaultMinWeightMagnitudeFloor, nil,
	)
	require.NoError(t, err)
	require.Equal(t, pow.DefaultMinWeightMagnitudeFloor, rec.mwm)
}

// TestSendRequest_Setters tests that setters leave the receiver untouched.
func TestSendRequest_Setters(t *testing.T) {
	t.Parallel()

	base := DefaultSendRequest()
	require.Equal(t, tangle.DefaultSecurity, base.Security)
	require.Equal(t, uint64(DefaultDepth), base.Depth)
	require.Equal(t, DefaultMinWeightMagnitude, base.MinWeightMagnitude)

	transfers := []tangle.Transfer{{Address: testDestination(t)}}
	derived := base.WithTransfers(transfers...).WithDepth(5).
		WithSecurity(tangle.SecurityLevel(3)).
		WithRemainder(testDestination(t))

	require.Empty(t, base.Transfers)
	require.Nil(t, base.Remainder)
	require.Equal(t, uint64(DefaultDepth), base.Depth)
	require.Equal(t, uint64(5), derived.Depth)
	require.Len(t, derived.Transfers, 1)

	// The request does not alias the caller's slice.
	transfers[0].Value = 99
	require.Zero(t, derived.Transfers[0].Value)
}

// TestSend_AttachFailure tests that nothing is broadcast if attachment
// fails.
func TestSend_AttachFailure(t *testing.T) {
	t.Parallel()

	preparer, err := wallet.New(&wallet.Config{
		Clock: clock.NewTestClock(testTime),
	})
	require.NoError(t, err)

	rec := &recorder{attachErr: tangle.ErrAttachment}
	s := newRecordingSender(t, rec, preparer)

	req := DefaultSendRequest().WithSeed(newTestSeed(t)).WithTransfers(
		tangle.Transfer{Address: testDestination(t)},
	)

	txs, err := s.Send(context.Background(), req)
	require.ErrorIs(t, err, tangle.ErrAttachment)
	require.Nil(t, txs)
	require.Equal(t, 1, rec.attached)
	require.Zero(t, rec.broadcasted)

	// The caller's seed survives the send.
	require.True(t, req.Seed.Valid())
}

type pipeline struct {
	node   *nodetest.Node
	bridge *node.Bridge
	sender *Sender
	sends  *prometheus.CounterVec
}

func newPipeline(t *testing.T, remotePoW bool) *pipeline {
	t.Helper()

	clk := clock.NewTestClock(testTime)

	n := nodetest.New(clk)
	t.Cleanup(n.Close)

	client := node.NewClient(&node.Config{
		URL:           n.URL,
		RateLimit:     100,
		Timeout:       time.Minute,
		RetryAttempts: 1,
		RetryDelay:    time.Millisecond,
	})
	bridge, err := node.NewBridge(node.DefaultBridgeConfig(client))
	require.NoError(t, err)

	kr, err := keyring.New(&keyring.Config{
		Lookup:        bridge,
		KeyStateStore: keyring.NewMemoryKeyStateStore(),
		GapLimit:      keyring.DefaultGapLimit,
	})
	require.NoError(t, err)

	preparer, err := wallet.New(&wallet.Config{
		InputSource:   wallet.NewBalanceInputSource(bridge, 5),
		AddressSource: kr,
		Clock:         clk,
	})
	require.NoError(t, err)

	var attacher Attacher = bridge
	if !remotePoW {
		attacher, err = pow.New(&pow.Config{
			Solver:                  pow.NewLocalSolver(1),
			Clock:                   clk,
			MinWeightMagnitudeFloor: 1,
		})
		require.NoError(t, err)
	}

	sends := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "test_sends_total",
	}, []string{"result"})

	s, err := New(&Config{
		Preparer:                preparer,
		TipSelector:             bridge,
		Attacher:                attacher,
		Broadcaster:             bridge,
		MinWeightMagnitudeFloor: 1,
		Sends:                   sends,
	})
	require.NoError(t, err)

	return &pipeline{
		node:   n,
		bridge: bridge,
		sender: s,
		sends:  sends,
	}
}

// TestSend_RoundTrip tests a value transfer through the whole pipeline and a
// rebroadcast of the result.
func TestSend_RoundTrip(t *testing.T) {
	t.Parallel()

	for _, remote := range []bool{false, true} {
		remote := remote
		name := "local pow"
		if remote {
			name = "remote pow"
		}

		t.Run(name, func(t *testing.T) {
			t.Parallel()

			p := newPipeline(t, remote)
			seed := newTestSeed(t)
			ctx := context.Background()

			// The seed's first address holds the funds.
			funded, err := keyring.DeriveAddress(
				seed, 0, tangle.DefaultSecurity,
			)
			require.NoError(t, err)
			p.node.SetBalance(funded, 150)

			req := DefaultSendRequest().
				WithSeed(seed).
				WithMinWeightMagnitude(testMWM).
				WithTransfers(tangle.Transfer{
					Address: testDestination(t),
					Value:   100,
				})

			txs, err := p.sender.Send(ctx, req)
			require.NoError(t, err)

			// Output, two input fragments and the remainder.
			require.Len(t, txs, 4)
			require.True(t, txs[0].IsTail())
			require.NoError(t, tangle.Bundle(txs).Validate())

			for i, tx := range txs {
				require.Equal(t, uint64(i), tx.CurrentIndex)

				weight, err := tx.Weight()
				require.NoError(t, err)
				require.GreaterOrEqual(t, weight, testMWM)
			}

			// The head approves the selected tips.
			require.Equal(t, p.node.Trunk, txs[3].TrunkTransaction)
			require.Equal(t, p.node.Branch, txs[3].BranchTransaction)

			// Everything was stored and broadcast once.
			require.Len(t, p.node.Broadcasts(), 1)
			tail, err := txs[0].Hash()
			require.NoError(t, err)
			_, ok := p.node.Stored(tail)
			require.True(t, ok)

			// Rebroadcasting the tail does not touch the bundle.
			bundle, err := p.bridge.BroadcastBundle(ctx, tail)
			require.NoError(t, err)
			require.Equal(t, bundleHashes(t, txs), bundleHashes(t, bundle))
			require.Len(t, p.node.Broadcasts(), 2)

			require.Equal(t, 1.0, testutil.ToFloat64(
				p.sends.WithLabelValues("ok"),
			))
		})
	}
}

func bundleHashes(t *testing.T, txs []*tangle.Transaction) []tangle.Hash {
	t.Helper()

	hashes := make([]tangle.Hash, len(txs))
	for i, tx := range txs {
		h, err := tx.Hash()
		require.NoError(t, err)
		hashes[i] = h
	}

	return hashes
}

// TestSend_InsufficientBalance tests that an unfunded seed sends nothing.
func TestSend_InsufficientBalance(t *testing.T) {
	t.Parallel()

	p := newPipeline(t, false)

	req := DefaultSendRequest().
		WithSeed(newTestSeed(t)).
		WithMinWeightMagnitude(testMWM).
		WithTransfers(tangle.Transfer{
			Address: testDestination(t),
			Value:   100,
		})

	_, err := p.sender.Send(context.Background(), req)
	require.ErrorIs(t, err, tangle.ErrInsufficientBalance)
	require.Zero(t, p.node.Calls(node.CmdGetTransactionsToApprove))
	require.Empty(t, p.node.Broadcasts())

	require.Equal(t, 1.0, testutil.ToFloat64(
		p.sends.WithLabelValues("InsufficientBalanceError"),
	))
}

// TestSend_BroadcastFailure tests that a rejected broadcast is reported and
// not retried.
func TestSend_BroadcastFailure(t *testing.T) {
	t.Parallel()

	p := newPipeline(t, false)
	p.node.FailNext(node.CmdStoreTransactions, http.StatusServiceUnavailable)

	req := DefaultSendRequest().
		WithSeed(newTestSeed(t)).
		WithMinWeightMagnitude(testMWM).
		WithTransfers(tangle.Transfer{Address: testDestination(t)})

	_, err := p.sender.Send(context.Background(), req)
	require.ErrorIs(t, err, tangle.ErrNetwork)
	require.Equal(t, 1, p.node.Calls(node.CmdStoreTransactions))
	require.Empty(t, p.node.Broadcasts())
}

// TestSendTrytes tests attaching a prepared bundle.
func TestSendTrytes(t *testing.T) {
	t.Parallel()

	p := newPipeline(t, false)
	ctx := context.Background()

	preparer, err := wallet.New(&wallet.Config{
		Clock: clock.NewTestClock(testTime),
	})
	require.NoError(t, err)

	prepared, err := preparer.Prepare(ctx, newTestSeed(t),
		wallet.PrepareRequest{
			Transfers: []tangle.Transfer{{
				Address: testDestination(t),
				Message: strings.Repeat("HELLO", 500),
			}},
		},
	)
	require.NoError(t, err)
	require.Len(t, prepared, 2)

	// Tail first input is rejected.
	_, err = p.sender.SendTrytes(ctx, prepared, 3, testMWM, nil)
	require.ErrorIs(t, err, tangle.ErrAttachment)
	require.Empty(t, p.node.Broadcasts())

	txs, err := p.sender.SendTrytes(
		ctx, tangle.Reverse(prepared), 3, testMWM, nil,
	)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	require.True(t, txs[0].IsTail())
	require.Equal(t, prepared[0].Bundle, txs[0].Bundle)
	require.Len(t, p.node.Broadcasts(), 1)
}
