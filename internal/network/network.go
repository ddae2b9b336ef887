// Package network implements Network: an ownership and scoping layer over
// Loop that groups Endpoints and tags every Ticker it creates with a
// caller-id, so destroying a Network cancels only its own timers without
// disturbing siblings sharing the same Loop.
package network

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/mpretty-cyro/oxen-libquic/internal/logging"
	"github.com/mpretty-cyro/oxen-libquic/internal/loop"
)

// ErrClosed is returned by Endpoint when a Network that has already closed
// is asked to create one.
var ErrClosed = errors.New("network: closed")

// nextCallerID is the process-wide monotonic caller-id counter, initialized
// at process start. Truncating to uint16 on assignment wraps safely at
// 2^16 without extra bookkeeping.
var nextCallerID atomic.Uint32

func allocCallerID() loop.CallerID {
	return loop.CallerID(uint16(nextCallerID.Add(1)))
}

// Option configures a Network at construction time.
type Option func(*Network)

// WithLogger overrides the default no-op Logger, propagated to every
// Endpoint and Ticker the Network creates.
func WithLogger(l logging.Logger) Option {
	return func(n *Network) { n.logger = l }
}

// Network groups Endpoints under a Loop and scopes Ticker lifetimes by its
// own caller-id.
type Network struct {
	lp       *loop.Loop
	callerID loop.CallerID
	ownsLoop bool
	refcount *atomic.Int32
	logger   logging.Logger

	mu        sync.Mutex
	endpoints map[*Endpoint]struct{}
	closed    bool
}

// New starts a private Loop and returns a Network that owns it: closing the
// last Network in this lineage shuts the Loop down.
func New(opts ...Option) *Network {
	rc := new(atomic.Int32)
	rc.Store(1)

	return newNetwork(loop.New(), true, rc, opts...)
}

// Adopt returns a Network bound to an externally supplied Loop. The Loop
// outlives this Network and is never shut down by it.
func Adopt(l *loop.Loop, opts ...Option) *Network {
	rc := new(atomic.Int32)
	rc.Store(1)

	return newNetwork(l, false, rc, opts...)
}

func newNetwork(l *loop.Loop, ownsLoop bool, rc *atomic.Int32, opts ...Option) *Network {
	n := &Network{
		lp:        l,
		callerID:  allocCallerID(),
		ownsLoop:  ownsLoop,
		refcount:  rc,
		logger:    logging.NewNop(),
		endpoints: make(map[*Endpoint]struct{}),
	}

	for _, opt := range opts {
		opt(n)
	}

	return n
}

// CreateLinked returns a fresh Network bound to the same Loop with a
// distinct caller-id, sharing this lineage's Loop-ownership bookkeeping.
func (n *Network) CreateLinked(opts ...Option) *Network {
	n.refcount.Add(1)

	return newNetwork(n.lp, n.ownsLoop, n.refcount, opts...)
}

// Loop returns the Loop this Network is bound to.
func (n *Network) Loop() *loop.Loop { return n.lp }

// CallerID returns the caller-id this Network tags its Tickers with.
func (n *Network) CallerID() loop.CallerID { return n.callerID }

// Endpoint creates and registers a new listening Endpoint on addr, tagged
// with this Network's caller-id for any Tickers it spins up internally.
func (n *Network) Endpoint(localAddr string, opts ...EndpointOption) (*Endpoint, error) {
	ep, err := newEndpoint(n.lp, localAddr, n.callerID, n.logger, opts...)
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		_ = ep.CloseImmediate()

		return nil, ErrClosed
	}

	n.endpoints[ep] = struct{}{}
	n.mu.Unlock()

	return ep, nil
}

// Close tears the Network down: (1) closes owned Endpoints concurrently
// (immediate selects Endpoint.CloseImmediate, which behaves the same as
// Endpoint.Close), (2) if this was the last Network in a self-owned Loop's
// lineage, stops that Loop (immediate is passed to Loop.Shutdown), (3)
// cancels this caller-id's Tickers.
// Safe to call more than once; later calls are no-ops.
func (n *Network) Close(ctx context.Context, immediate bool) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}

	n.closed = true

	eps := make([]*Endpoint, 0, len(n.endpoints))
	for ep := range n.endpoints {
		eps = append(eps, ep)
	}

	n.endpoints = nil
	n.mu.Unlock()

	var g errgroup.Group

	for _, ep := range eps {
		ep := ep

		g.Go(func() error {
			if immediate {
				return ep.CloseImmediate()
			}

			return ep.Close(ctx)
		})
	}

	err := g.Wait()

	if n.refcount.Add(-1) == 0 && n.ownsLoop {
		n.lp.Shutdown(immediate)
	}

	n.lp.StopTickers(n.callerID)

	return err
}
