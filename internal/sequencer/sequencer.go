// Package sequencer allocates outbound transaction nonces for the shared
// funding account and tops up smart accounts that pay their own gas.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var ErrClosed = errors.New("sequencer closed")

// NonceSource reads the pending nonce of an address. *ethclient.Client
// satisfies it.
type NonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// MetricsRecorder is an optional interface for recording allocations.
type MetricsRecorder interface {
	IncSequencerAllocation()
}

type request struct {
	ctx   context.Context
	reset bool
	reply chan allocation
}

type allocation struct {
	nonce uint64
	err   error
}

// Sequencer hands out consecutive nonces for one address. A single goroutine
// owns the counter; callers reach it only through a request channel. The
// counter is read from the network once and then advanced in memory, so
// concurrent callers never see the same value.
type Sequencer struct {
	addr    common.Address
	src     NonceSource
	metrics MetricsRecorder

	reqs      chan request
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a sequencer for addr and starts its owning goroutine.
func New(addr common.Address, src NonceSource) *Sequencer {
	s := &Sequencer{
		addr: addr,
		src:  src,
		reqs: make(chan request),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

// SetMetrics sets the optional metrics recorder. Call it before the first
// allocation.
func (s *Sequencer) SetMetrics(m MetricsRecorder) {
	s.metrics = m
}

// Address returns the sequenced address.
func (s *Sequencer) Address() common.Address { return s.addr }

func (s *Sequencer) run() {
	var (
		next   uint64
		loaded bool
	)
	for {
		select {
		case <-s.done:
			return
		case req := <-s.reqs:
			if req.reset {
				loaded = false
				req.reply <- allocation{}
				continue
			}
			if !loaded {
				n, err := s.src.PendingNonceAt(req.ctx, s.addr)
				if err != nil {
					req.reply <- allocation{err: fmt.Errorf("loading nonce for %s: %w", s.addr.Hex(), err)}
					continue
				}
				next, loaded = n, true
			}
			req.reply <- allocation{nonce: next}
			next++
			if s.metrics != nil {
				s.metrics.IncSequencerAllocation()
			}
		}
	}
}

func (s *Sequencer) do(ctx context.Context, reset bool) (allocation, error) {
	reply := make(chan allocation, 1)
	select {
	case s.reqs <- request{ctx: ctx, reset: reset, reply: reply}:
	case <-ctx.Done():
		return allocation{}, ctx.Err()
	case <-s.done:
		return allocation{}, ErrClosed
	}
	// An accepted request is always answered.
	return <-reply, nil
}

// Next returns the next nonce, loading the counter from the network on
// first use.
func (s *Sequencer) Next(ctx context.Context) (uint64, error) {
	a, err := s.do(ctx, false)
	if err != nil {
		return 0, err
	}
	return a.nonce, a.err
}

// Reset drops the in-memory counter so the next allocation reloads it.
// Call it after a send fails with a nonce error.
func (s *Sequencer) Reset() {
	_, _ = s.do(context.Background(), true)
}

// Close stops the owning goroutine. Later calls to Next return ErrClosed.
func (s *Sequencer) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}
