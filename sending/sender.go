package sending

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sputn1ck/tanglewallet/keyring"
	"github.com/sputn1ck/tanglewallet/pow"
	"github.com/sputn1ck/tanglewallet/tangle"
	"github.com/sputn1ck/tanglewallet/wallet"
)

// Preparer builds signed bundles. wallet.Preparer implements it.
type Preparer interface {
	Prepare(ctx context.Context, seed *keyring.Seed,
		req wallet.PrepareRequest) ([]*tangle.Transaction, error)
}

// TipSelector picks the transactions a new bundle approves.
type TipSelector interface {
	TransactionsToApprove(ctx context.Context, depth uint64,
		reference *tangle.Hash) (tangle.Hash, tangle.Hash, error)
}

// Attacher performs the proof of work of a bundle given head first and
// returns it tail first. Both pow.Attacher and node.Bridge implement it.
type Attacher interface {
	AttachToTangle(ctx context.Context, trunk, branch tangle.Hash,
		txs []*tangle.Transaction, mwm int) ([]*tangle.Transaction, error)
}

// Broadcaster submits attached transactions to the network.
type Broadcaster interface {
	StoreAndBroadcast(ctx context.Context, txs []*tangle.Transaction) error
}

// Config holds configuration for the Sender.
type Config struct {
	// Preparer builds the bundle.
	Preparer Preparer

	// TipSelector picks trunk and branch.
	TipSelector TipSelector

	// Attacher performs the proof of work.
	Attacher Attacher

	// Broadcaster submits the attached bundle.
	Broadcaster Broadcaster

	// MinWeightMagnitudeFloor is the lowest difficulty a send may ask
	// for. It is enforced whichever Attacher does the work.
	// Default: 9
	MinWeightMagnitudeFloor int

	// Sends, if set, counts sends by result. It must have the label
	// "result".
	Sends *prometheus.CounterVec
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Preparer == nil {
		return fmt.Errorf("preparer required")
	}
	if c.TipSelector == nil {
		return fmt.Errorf("tip selector required")
	}
	if c.Attacher == nil {
		return fmt.Errorf("attacher required")
	}
	if c.Broadcaster == nil {
		return fmt.Errorf("broadcaster required")
	}
	if c.MinWeightMagnitudeFloor < 0 ||
		c.MinWeightMagnitudeFloor > pow.MaxWeightMagnitude {

		return fmt.Errorf("min weight magnitude floor %d not in [0,%d]",
			c.MinWeightMagnitudeFloor, pow.MaxWeightMagnitude)
	}

	return nil
}

// Sender runs the whole send pipeline: prepare, select tips, attach and
// broadcast. A send either submits the complete bundle or fails without
// submitting anything. Nothing is retried.
type Sender struct {
	cfg *Config

	floor int
}

// New creates a new Sender.
func New(cfg *Config) (*Sender, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	floor := cfg.MinWeightMagnitudeFloor
	if floor == 0 {
		floor = pow.DefaultMinWeightMagnitudeFloor
	}

	return &Sender{cfg: cfg, floor: floor}, nil
}

// Send prepares, attaches and broadcasts the bundle described by req and
// returns the submitted transactions tail first. The seed is copied for the
// duration of the call and the copy is wiped before returning; the caller
// still owns req.Seed.
func (s *Sender) Send(ctx context.Context,
	req SendRequest) ([]*tangle.Transaction, error) {

	txs, err := s.send(ctx, req)
	s.count(err)

	return txs, err
}

func (s *Sender) send(ctx context.Context,
	req SendRequest) ([]*tangle.Transaction, error) {

	req = req.withDefaults()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := s.ValidateWeightMagnitude(req.MinWeightMagnitude); err != nil {
		return nil, err
	}

	seed := req.Seed.Copy()
	defer seed.Wipe()

	prepared, err := s.cfg.Preparer.Prepare(ctx, seed, wallet.PrepareRequest{
		Transfers: req.Transfers,
		Security:  req.Security,
		Inputs:    req.Inputs,
		Remainder: req.Remainder,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to prepare transfers: %w", err)
	}

	// The key material is not needed past signing.
	seed.Wipe()

	// Prepared bundles are tail first, attachment walks them from the
	// head.
	return s.sendTrytes(
		ctx, tangle.Reverse(prepared), req.Depth, req.MinWeightMagnitude,
		req.Reference,
	)
}

// SendTrytes attaches and broadcasts an already prepared bundle. txs must be
// given head first. The submitted transactions are returned tail first.
// Zero depth and mwm use DefaultDepth and DefaultMinWeightMagnitude.
func (s *Sender) SendTrytes(ctx context.Context, txs []*tangle.Transaction,
	depth uint64, mwm int,
	reference *tangle.Hash) ([]*tangle.Transaction, error) {

	if depth == 0 {
		depth = DefaultDepth
	}
	if mwm == 0 {
		mwm = DefaultMinWeightMagnitude
	}
	if err := attachParams(depth, mwm, reference); err != nil {
		return nil, err
	}
	if err := s.ValidateWeightMagnitude(mwm); err != nil {
		return nil, err
	}

	return s.sendTrytes(ctx, txs, depth, mwm, reference)
}

func (s *Sender) sendTrytes(ctx context.Context, txs []*tangle.Transaction,
	depth uint64, mwm int,
	reference *tangle.Hash) ([]*tangle.Transaction, error) {

	if len(txs) == 0 {
		return nil, fmt.Errorf("%w: no transactions", tangle.ErrAttachment)
	}

	trunk, branch, err := s.cfg.TipSelector.TransactionsToApprove(
		ctx, depth, reference,
	)
	if err != nil {
		return nil, err
	}

	attached, err := s.cfg.Attacher.AttachToTangle(
		ctx, trunk, branch, txs, mwm,
	)
	if err != nil {
		return nil, fmt.Errorf("unable to attach bundle: %w", err)
	}

	if err := s.cfg.Broadcaster.StoreAndBroadcast(ctx, attached); err != nil {
		return nil, fmt.Errorf("unable to broadcast bundle: %w", err)
	}

	tail, err := attached[0].Hash()
	if err != nil {
		return nil, err
	}
	log.Infof("Sent bundle %v with tail %v (%d transactions)",
		attached[0].Bundle, tail, len(attached))

	return attached, nil
}

// ValidateWeightMagnitude checks mwm against the configured floor. Sends
// call it before any network work is done.
func (s *Sender) ValidateWeightMagnitude(mwm int) error {
	if mwm < s.floor || mwm > pow.MaxWeightMagnitude {
		return fmt.Errorf("%w: min weight magnitude %d not in [%d,%d]",
			tangle.ErrAttachment, mwm, s.floor, pow.MaxWeightMagnitude)
	}

	return nil
}

func (s *Sender) count(err error) {
	if s.cfg.Sends == nil {
		return
	}

	result := "ok"
	if err != nil {
		result = tangle.Kind(err)
	}
	s.cfg.Sends.WithLabelValues(result).Inc()
}
