package pow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sputn1ck/tanglewallet/tangle"
)

const (
	// DefaultMinWeightMagnitudeFloor is the lowest difficulty accepted.
	DefaultMinWeightMagnitudeFloor = 9

	// MaxWeightMagnitude is the highest difficulty accepted. Mainnet
	// nodes ask for 14.
	MaxWeightMagnitude = tangle.HashTrytes

	// maxTimestampUpperBound is the largest value a 27 trit attachment
	// timestamp field can hold, (3^27 - 1) / 2.
	maxTimestampUpperBound = 3812798742493
)

// Config holds the configuration for the Attacher.
type Config struct {
	// Solver performs the nonce search.
	Solver Solver

	// Clock provides attachment timestamps.
	Clock clock.Clock

	// MinWeightMagnitudeFloor is the lowest accepted difficulty.
	// Default: 9
	MinWeightMagnitudeFloor int

	// SolveDuration, if set, observes the seconds spent per transaction.
	SolveDuration prometheus.Observer
}

// DefaultConfig returns a default Attacher configuration using the local
// solver.
func DefaultConfig() *Config {
	return &Config{
		Solver:                  NewLocalSolver(0),
		Clock:                   clock.NewDefaultClock(),
		MinWeightMagnitudeFloor: DefaultMinWeightMagnitudeFloor,
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Solver == nil {
		return fmt.Errorf("solver is required")
	}
	if c.Clock == nil {
		return fmt.Errorf("clock is required")
	}
	if c.MinWeightMagnitudeFloor < 1 ||
		c.MinWeightMagnitudeFloor > MaxWeightMagnitude {

		return fmt.Errorf("min weight magnitude floor %d not in [1,%d]",
			c.MinWeightMagnitudeFloor, MaxWeightMagnitude)
	}

	return nil
}

// Attacher links the transactions of a bundle into the tangle and seals
// each with proof of work.
type Attacher struct {
	cfg *Config
}

// New creates a new Attacher.
func New(cfg *Config) (*Attacher, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Attacher{cfg: cfg}, nil
}

// ValidateWeightMagnitude checks mwm against the accepted range.
func (a *Attacher) ValidateWeightMagnitude(mwm int) error {
	if mwm < a.cfg.MinWeightMagnitudeFloor || mwm > MaxWeightMagnitude {
		return fmt.Errorf("%w: min weight magnitude %d not in [%d,%d]",
			tangle.ErrAttachment, mwm, a.cfg.MinWeightMagnitudeFloor,
			MaxWeightMagnitude)
	}

	return nil
}

// ValidateAttachOrder checks that txs form a single bundle given head
// first, the order attachment walks a bundle in.
func ValidateAttachOrder(txs []*tangle.Transaction) error {
	if len(txs) == 0 {
		return fmt.Errorf("%w: no transactions", tangle.ErrAttachment)
	}

	lastIndex := txs[0].LastIndex
	if uint64(len(txs)) != lastIndex+1 {
		return fmt.Errorf("%w: %d transactions for last index %d",
			tangle.ErrAttachment, len(txs), lastIndex)
	}

	bundle := txs[0].Bundle
	for i, tx := range txs {
		if tx.CurrentIndex != lastIndex-uint64(i) {
			return fmt.Errorf("%w: transaction %d has index %d, "+
				"expected head first order", tangle.ErrAttachment,
				i, tx.CurrentIndex)
		}
		if tx.LastIndex != lastIndex || tx.Bundle != bundle {
			return fmt.Errorf("%w: transaction %d belongs to another "+
				"bundle", tangle.ErrAttachment, i)
		}
	}

	return nil
}

// AttachToTangle attaches txs, given head first, on top of trunk and
// branch. The head references the two tips; every following transaction
// references the previously solved one as trunk and the original trunk as
// branch. The returned transactions are copies in tail first order, txs is
// left untouched. Nothing is returned if ctx is cancelled midway.
func (a *Attacher) AttachToTangle(ctx context.Context, trunk,
	branch tangle.Hash, txs []*tangle.Transaction,
	mwm int) ([]*tangle.Transaction, error) {

	if err := a.ValidateWeightMagnitude(mwm); err != nil {
		return nil, err
	}
	if trunk.IsNull() || branch.IsNull() {
		return nil, fmt.Errorf("%w: trunk and branch are required",
			tangle.ErrAttachment)
	}
	if err := ValidateAttachOrder(txs); err != nil {
		return nil, err
	}

	start := a.cfg.Clock.Now()
	attached := make([]*tangle.Transaction, 0, len(txs))

	var prev *tangle.Hash
	for _, orig := range txs {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", tangle.ErrAttachment, err)
		}

		tx := orig.Copy()
		if prev == nil {
			tx.TrunkTransaction = trunk
			tx.BranchTransaction = branch
		} else {
			tx.TrunkTransaction = *prev
			tx.BranchTransaction = trunk
		}

		h, err := a.solve(ctx, tx, mwm)
		if err != nil {
			return nil, err
		}

		attached = append(attached, tx)
		prev = &h
	}

	log.Debugf("Attached bundle %v (%d transactions, mwm %d) in %v",
		txs[0].Bundle, len(txs), mwm, a.cfg.Clock.Now().Sub(start))

	return tangle.Reverse(attached), nil
}

// solve stamps tx with attachment timestamps, finds its nonce and returns
// its hash.
func (a *Attacher) solve(ctx context.Context, tx *tangle.Transaction,
	mwm int) (tangle.Hash, error) {

	start := a.cfg.Clock.Now()

	tx.AttachmentTimestamp = start.UnixNano() / int64(time.Millisecond)
	tx.AttachmentTimestampLowerBound = 0
	tx.AttachmentTimestampUpperBound = maxTimestampUpperBound
	tx.Nonce = ""

	raw, err := tx.Trytes()
	if err != nil {
		return tangle.Hash{}, err
	}

	nonce, err := a.cfg.Solver.Solve(ctx, raw, mwm)
	switch {
	case errors.Is(err, tangle.ErrAttachment):
		return tangle.Hash{}, err

	case err != nil:
		return tangle.Hash{}, fmt.Errorf("%w: %w", tangle.ErrAttachment,
			err)
	}
	if len(nonce) != tangle.TagTrytes {
		return tangle.Hash{}, fmt.Errorf("%w: solver returned %d "+
			"nonce trytes", tangle.ErrAttachment, len(nonce))
	}
	tx.Nonce = nonce

	h, err := tx.Hash()
	if err != nil {
		return tangle.Hash{}, err
	}
	if weight := h.TrailingZeros(); weight < mwm {
		return tangle.Hash{}, fmt.Errorf("%w: nonce gives weight %d, "+
			"need %d", tangle.ErrAttachment, weight, mwm)
	}

	if a.cfg.SolveDuration != nil {
		a.cfg.SolveDuration.Observe(
			a.cfg.Clock.Now().Sub(start).Seconds(),
		)
	}

	return h, nil
}
