package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/ticker"
	"github.com/sputn1ck/tanglewallet/tangle"
)

// InclusionStateSource reports whether transactions are confirmed.
type InclusionStateSource interface {
	InclusionStates(ctx context.Context,
		hashes []tangle.Hash) ([]bool, error)
}

// WatcherConfig holds configuration for the ConfirmationWatcher.
type WatcherConfig struct {
	// States answers the confirmation polls.
	States InclusionStateSource

	// PollInterval is how often pending tails are polled.
	// Default: 10 seconds
	PollInterval time.Duration

	// Ticker, if set, replaces the poll ticker.
	Ticker ticker.Ticker
}

// Confirmation is delivered once a watched tail is confirmed.
type Confirmation struct {
	Tail tangle.Hash

	// Polls is the number of polls it took to see the confirmation.
	Polls int
}

// ConfirmationEvent carries the outcome of a confirmation watch. Exactly
// one of the channels receives a value.
type ConfirmationEvent struct {
	Confirmed <-chan *Confirmation
	Err       <-chan error

	cancel func()
}

// Cancel stops watching the tail.
func (e *ConfirmationEvent) Cancel() {
	e.cancel()
}

// confirmationRequest is a pending watch.
type confirmationRequest struct {
	tail  tangle.Hash
	polls int

	confChan chan *Confirmation
	errChan  chan error
}

// ConfirmationWatcher polls the node for the inclusion state of bundle
// tails and notifies once they confirm. All pending tails share one poll.
type ConfirmationWatcher struct {
	cfg *WatcherConfig

	ticker ticker.Ticker

	requests map[tangle.Hash][]*confirmationRequest
	mu       sync.Mutex

	started bool
	quit    chan struct{}
	wg      sync.WaitGroup
}

// NewConfirmationWatcher creates a new confirmation watcher.
func NewConfirmationWatcher(cfg *WatcherConfig) *ConfirmationWatcher {
	t := cfg.Ticker
	if t == nil {
		interval := cfg.PollInterval
		if interval <= 0 {
			interval = 10 * time.Second
		}
		t = ticker.New(interval)
	}

	return &ConfirmationWatcher{
		cfg:      cfg,
		ticker:   t,
		requests: make(map[tangle.Hash][]*confirmationRequest),
	}
}

// Start starts the poll loop. A stopped watcher may be started again.
func (w *ConfirmationWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return fmt.Errorf("confirmation watcher already started")
	}
	w.started = true
	w.quit = make(chan struct{})

	w.ticker.Resume()

	w.wg.Add(1)
	go w.pollLoop(w.quit)

	return nil
}

// Stop stops the poll loop and fails all pending watches.
func (w *ConfirmationWatcher) Stop() error {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return nil
	}
	w.started = false
	quit := w.quit
	w.mu.Unlock()

	close(quit)
	w.wg.Wait()

	// Pausing keeps the ticker usable for the next Start.
	w.ticker.Pause()

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, reqs := range w.requests {
		for _, req := range reqs {
			req.errChan <- fmt.Errorf("confirmation watcher stopped")
		}
	}
	w.requests = make(map[tangle.Hash][]*confirmationRequest)

	return nil
}

// RegisterConfirmation starts watching tail.
func (w *ConfirmationWatcher) RegisterConfirmation(
	tail tangle.Hash) (*ConfirmationEvent, error) {

	if tail.IsNull() {
		return nil, fmt.Errorf("%w: tail is required",
			tangle.ErrSerialization)
	}

	req := &confirmationRequest{
		tail:     tail,
		confChan: make(chan *Confirmation, 1),
		errChan:  make(chan error, 1),
	}

	w.mu.Lock()
	w.requests[tail] = append(w.requests[tail], req)
	w.mu.Unlock()

	log.Debugf("Watching tail %v for confirmation", tail)

	return &ConfirmationEvent{
		Confirmed: req.confChan,
		Err:       req.errChan,
		cancel: func() {
			w.remove(req)
		},
	}, nil
}

// Pending returns the number of tails being watched.
func (w *ConfirmationWatcher) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	return len(w.requests)
}

func (w *ConfirmationWatcher) remove(req *confirmationRequest) {
	w.mu.Lock()
	defer w.mu.Unlock()

	reqs := w.requests[req.tail]
	for i, r := range reqs {
		if r == req {
			reqs = append(reqs[:i], reqs[i+1:]...)
			break
		}
	}

	if len(reqs) == 0 {
		delete(w.requests, req.tail)
		return
	}
	w.requests[req.tail] = reqs
}

// pollLoop polls all pending tails on every tick.
func (w *ConfirmationWatcher) pollLoop(quit chan struct{}) {
	defer w.wg.Done()

	for {
		select {
		case <-w.ticker.Ticks():
			w.poll(quit)

		case <-quit:
			return
		}
	}
}

// poll performs one inclusion state query for all pending tails.
func (w *ConfirmationWatcher) poll(quit chan struct{}) {
	w.mu.Lock()
	tails := make([]tangle.Hash, 0, len(w.requests))
	for tail := range w.requests {
		tails = append(tails, tail)
	}
	w.mu.Unlock()

	if len(tails) == 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	states, err := w.cfg.States.InclusionStates(ctx, tails)
	if err != nil {
		// Failed polls are retried on the next tick.
		log.Warnf("Failed to poll inclusion states: %v", err)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for i, tail := range tails {
		reqs := w.requests[tail]
		for _, req := range reqs {
			req.polls++
		}

		if !states[i] {
			continue
		}

		for _, req := range reqs {
			req.confChan <- &Confirmation{
				Tail:  tail,
				Polls: req.polls,
			}
		}
		delete(w.requests, tail)

		log.Infof("Tail %v confirmed", tail)
	}
}
