package wallet

import (
	"context"
	"fmt"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/sputn1ck/tanglewallet/keyring"
	"github.com/sputn1ck/tanglewallet/tangle"
)

// AddressSource hands out fresh addresses for the remainder of a bundle.
// keyring.KeyRing implements it.
type AddressSource interface {
	NewAddress(ctx context.Context, seed *keyring.Seed, index *uint64,
		security tangle.SecurityLevel) (uint64, tangle.Address, error)
}

// Config holds the configuration for the Preparer.
type Config struct {
	// InputSource finds inputs when a request does not name any.
	// If nil, requests that move value must supply their inputs.
	InputSource InputSource

	// AddressSource provides remainder addresses. If nil, the address
	// following the highest input index is used.
	AddressSource AddressSource

	// Clock provides transaction timestamps.
	Clock clock.Clock
}

// DefaultConfig returns a default Preparer configuration.
func DefaultConfig() *Config {
	return &Config{
		Clock: clock.NewDefaultClock(),
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Clock == nil {
		return fmt.Errorf("clock is required")
	}

	return nil
}

// PrepareRequest describes the bundle to build.
type PrepareRequest struct {
	// Transfers are the outputs of the bundle. At least one is required.
	Transfers []tangle.Transfer

	// Security is used for discovered inputs and the remainder address.
	// Default: 2
	Security tangle.SecurityLevel

	// Inputs, when set, are spent verbatim. Supplying them is strongly
	// preferred over letting the preparer search the address chain, the
	// search issues node queries from index 0 on every call.
	Inputs []tangle.Input

	// Remainder receives any input balance not sent to an output.
	Remainder *tangle.Address
}

// Preparer turns transfers into a signed, hashed bundle ready for
// attachment.
type Preparer struct {
	cfg *Config
}

// New creates a new Preparer.
func New(cfg *Config) (*Preparer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Preparer{cfg: cfg}, nil
}

// Prepare builds the bundle for req and returns its transactions in
// ascending index order, the tail first and the head last. The caller owns
// seed and is responsible for wiping it.
func (p *Preparer) Prepare(ctx context.Context, seed *keyring.Seed,
	req PrepareRequest) ([]*tangle.Transaction, error) {

	if !seed.Valid() {
		return nil, tangle.ErrInvalidSeed
	}

	security := req.Security
	if security == 0 {
		security = tangle.DefaultSecurity
	}
	if err := security.Validate(); err != nil {
		return nil, err
	}

	if err := ValidateTransfers(req.Transfers); err != nil {
		return nil, err
	}

	inputs := make([]tangle.Input, len(req.Inputs))
	copy(inputs, req.Inputs)
	for i := range inputs {
		if inputs[i].Security == 0 {
			inputs[i].Security = security
		}
	}
	if err := ValidateInputs(inputs); err != nil {
		return nil, err
	}
	if req.Remainder != nil {
		if err := req.Remainder.Validate(); err != nil {
			return nil, fmt.Errorf("remainder: %w", err)
		}
	}

	var outputTotal uint64
	for _, t := range req.Transfers {
		outputTotal += t.Value
	}

	if len(inputs) == 0 && outputTotal > 0 {
		if p.cfg.InputSource == nil {
			return nil, fmt.Errorf("%w: no inputs given and no input "+
				"source configured", tangle.ErrInsufficientBalance)
		}

		var err error
		inputs, err = p.cfg.InputSource.Inputs(
			ctx, seed, security, outputTotal,
		)
		if err != nil {
			return nil, err
		}
	}

	var inputTotal uint64
	for _, in := range inputs {
		inputTotal += in.Balance
	}
	if inputTotal < outputTotal {
		return nil, fmt.Errorf("%w: inputs hold %d, transfers need %d",
			tangle.ErrInsufficientBalance, inputTotal, outputTotal)
	}

	// Inputs are only spent if value moves. A zero value bundle never
	// touches a key.
	if outputTotal == 0 {
		inputs = nil
		inputTotal = 0
	}

	var remainder *tangle.Address
	if inputTotal > outputTotal {
		addr, err := p.remainderAddress(ctx, seed, security, inputs,
			req.Remainder)
		if err != nil {
			return nil, err
		}
		remainder = &addr
	}

	txs, offsets, err := p.buildBundle(
		req.Transfers, inputs, remainder, inputTotal-outputTotal,
	)
	if err != nil {
		return nil, err
	}

	if err := signInputs(ctx, seed, txs, inputs, offsets); err != nil {
		return nil, err
	}

	log.Debugf("Prepared bundle %v with %d transactions (%d inputs, "+
		"remainder %v)", txs[0].Bundle, len(txs), len(inputs),
		remainder != nil)
	log.Tracef("Prepared bundle: %v", spewValue(txs))

	return txs, nil
}

// remainderAddress picks the address the change of the bundle goes to. A
// fresh address must never coincide with one of the inputs.
func (p *Preparer) remainderAddress(ctx context.Context, seed *keyring.Seed,
	security tangle.SecurityLevel, inputs []tangle.Input,
	explicit *tangle.Address) (tangle.Address, error) {

	if explicit != nil {
		return *explicit, nil
	}

	var next uint64
	spending := make(map[tangle.Address]struct{}, len(inputs))
	for _, in := range inputs {
		spending[in.Address] = struct{}{}
		if in.KeyIndex >= next {
			next = in.KeyIndex + 1
		}
	}

	if p.cfg.AddressSource != nil {
		_, addr, err := p.cfg.AddressSource.NewAddress(
			ctx, seed, nil, security,
		)
		if err != nil {
			return tangle.Address{}, fmt.Errorf("unable to get "+
				"remainder address: %w", err)
		}
		if _, ok := spending[addr]; !ok {
			return addr, nil
		}

		log.Debugf("Address source returned input address %v, "+
			"deriving remainder at index %d", addr, next)
	}

	return keyring.DeriveAddress(seed, next, security)
}

// buildBundle lays out outputs, input debits and the remainder, assigns
// indices and finalizes the bundle hash. The returned offsets hold the
// index of the first transaction of every input.
func (p *Preparer) buildBundle(transfers []tangle.Transfer,
	inputs []tangle.Input, remainder *tangle.Address,
	change uint64) ([]*tangle.Transaction, []int, error) {

	timestamp := uint64(p.cfg.Clock.Now().Unix())

	tag, err := tangle.NewTag(transfers[0].Tag)
	if err != nil {
		return nil, nil, err
	}

	var txs []*tangle.Transaction
	for _, t := range transfers {
		transferTag, err := tangle.NewTag(t.Tag)
		if err != nil {
			return nil, nil, err
		}

		for i, fragment := range splitMessage(t.Message) {
			var value int64
			if i == 0 {
				value = int64(t.Value)
			}
			txs = append(txs, &tangle.Transaction{
				SignatureMessageFragment: fragment,
				Address:                  t.Address,
				Value:                    value,
				ObsoleteTag:              transferTag,
				Tag:                      transferTag,
				Timestamp:                timestamp,
			})
		}
	}

	// One transaction per key fragment of every input. The first one
	// carries the debit, the others only hold signature fragments.
	offsets := make([]int, len(inputs))
	for j, in := range inputs {
		offsets[j] = len(txs)
		for i := 0; i < int(in.Security); i++ {
			var value int64
			if i == 0 {
				value = -int64(in.Balance)
			}
			txs = append(txs, &tangle.Transaction{
				SignatureMessageFragment: tangle.NullFragment,
				Address:                  in.Address,
				Value:                    value,
				ObsoleteTag:              tag,
				Tag:                      tag,
				Timestamp:                timestamp,
			})
		}
	}

	if remainder != nil {
		txs = append(txs, &tangle.Transaction{
			SignatureMessageFragment: tangle.NullFragment,
			Address:                  *remainder,
			Value:                    int64(change),
			ObsoleteTag:              tag,
			Tag:                      tag,
			Timestamp:                timestamp,
		})
	}

	lastIndex := uint64(len(txs) - 1)
	for i, tx := range txs {
		tx.CurrentIndex = uint64(i)
		tx.LastIndex = lastIndex
	}

	if err := finalizeBundle(txs); err != nil {
		return nil, nil, err
	}

	return txs, offsets, nil
}

// finalizeBundle computes the bundle hash and stamps it on every
// transaction. The obsolete tag of the tail is incremented until the
// normalized hash is safe to sign.
func finalizeBundle(txs []*tangle.Transaction) error {
	for {
		h, err := tangle.ComputeBundleHash(txs)
		if err != nil {
			return err
		}

		if !tangle.HasInsecureNormalization(h) {
			for _, tx := range txs {
				tx.Bundle = h
			}

			return nil
		}

		tail := txs[0]
		tail.ObsoleteTag, err = incrementTag(tail.ObsoleteTag)
		if err != nil {
			return err
		}
	}
}

// splitMessage cuts a message into fragments padded with nines. An empty
// message still occupies one fragment.
func splitMessage(msg string) []string {
	if msg == "" {
		return []string{tangle.NullFragment}
	}

	var fragments []string
	for len(msg) > 0 {
		n := tangle.FragmentTrytes
		if len(msg) < n {
			n = len(msg)
		}
		fragments = append(
			fragments, msg[:n]+tangle.NullFragment[n:],
		)
		msg = msg[n:]
	}

	return fragments
}
