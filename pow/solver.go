package pow

import (
	"context"
	"fmt"
	"runtime"

	iotapow "github.com/iotaledger/iota.go/pow"
	"github.com/sputn1ck/tanglewallet/tangle"
)

// Solver finds a nonce for serialized transaction trytes such that the
// transaction hash ends in at least mwm zero trits.
type Solver interface {
	Solve(ctx context.Context, trytes string, mwm int) (string, error)
}

// LocalSolver runs the fastest proof of work implementation available on
// this machine. Searches are handed to a bounded set of workers so callers
// can give up on a search without blocking on it.
type LocalSolver struct {
	name        string
	powFn       iotapow.ProofOfWorkFunc
	parallelism int

	// workers bounds the number of searches running at the same time.
	workers chan struct{}
}

// NewLocalSolver creates a solver using parallelism threads per search. A
// parallelism of 0 uses every CPU.
func NewLocalSolver(parallelism int) *LocalSolver {
	if parallelism <= 0 {
		parallelism = runtime.NumCPU()
	}

	name, powFn := iotapow.GetFastestProofOfWorkImpl()
	log.Infof("Using %s proof of work with %d threads", name, parallelism)

	return &LocalSolver{
		name:        name,
		powFn:       powFn,
		parallelism: parallelism,
		workers:     make(chan struct{}, 1),
	}
}

// Name returns the name of the proof of work implementation.
func (s *LocalSolver) Name() string {
	return s.name
}

type solveResult struct {
	nonce string
	err   error
}

// Solve searches for a nonce on a worker goroutine. If ctx is done first
// an ErrAttachment wrapping the error of ctx is returned. A search that already started runs to
// completion in the background and its result is dropped.
func (s *LocalSolver) Solve(ctx context.Context, trytes string,
	mwm int) (string, error) {

	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %w", tangle.ErrAttachment, err)
	}

	select {
	case s.workers <- struct{}{}:
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %w", tangle.ErrAttachment, ctx.Err())
	}

	resultChan := make(chan solveResult, 1)
	go func() {
		defer func() { <-s.workers }()

		nonce, err := s.powFn(trytes, mwm, s.parallelism)
		resultChan <- solveResult{nonce: nonce, err: err}
	}()

	select {
	case res := <-resultChan:
		if res.err != nil {
			return "", fmt.Errorf("%w: proof of work: %v",
				tangle.ErrAttachment, res.err)
		}

		return res.nonce, nil

	case <-ctx.Done():
		return "", fmt.Errorf("%w: %w", tangle.ErrAttachment, ctx.Err())
	}
}
