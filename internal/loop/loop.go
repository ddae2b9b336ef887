// Package loop implements the single-threaded cooperative executor at the
// core of this library: exactly one worker goroutine runs every callback
// (timer fires, user jobs, stream completions), and any other goroutine may
// submit work to it safely.
//
// Loop never reacts to raw socket readiness itself; QUIC wire I/O is
// delegated entirely to quic-go's own engine. What Loop actually has to
// serialize is: user-submitted jobs, Ticker fires rebased onto the loop
// thread, and QUIC accept/stream completions handed off by the network
// package. So the reactor here reduces to the job queue plus its wake
// signal — the job queue is the only mutex-protected structure, and the
// wake channel is the only cross-thread signal, rather than a second
// epoll/kqueue poller reimplemented on top of quic-go's.
package loop

import (
	"bytes"
	"context"
	"errors"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mpretty-cyro/oxen-libquic/internal/logging"
	"github.com/mpretty-cyro/oxen-libquic/internal/syncutil"
)

// ErrShutdown is returned by submission APIs once the Loop has begun (or
// finished) shutting down.
var ErrShutdown = errors.New("loop: shut down")

// CallerID tags a group of Tickers for bulk cancellation. Zero is the
// default group for Tickers created without an owning Network.
type CallerID uint16

// TickerHandle is the minimal lifecycle surface Loop needs from a Ticker to
// cancel it on shutdown or caller-id teardown, without importing the ticker
// package (ticker imports loop, so the dependency can't run the other way).
type TickerHandle interface {
	// StopForShutdown disarms the ticker and releases its callback. It is
	// invoked by Loop itself during Shutdown or StopTickers and is distinct
	// from the public, idempotent Stop() a caller uses directly.
	StopForShutdown()
}

// Option configures a Loop at construction time.
type Option func(*Loop)

// WithLogger overrides the default no-op Logger.
func WithLogger(l logging.Logger) Option {
	return func(lo *Loop) { lo.logger = l }
}

// Loop owns one worker goroutine that executes every submitted job and
// every Ticker fire. See the package doc for the overall shape.
type Loop struct {
	logger logging.Logger

	mu      sync.Mutex
	jobs    []func()
	tickers map[CallerID]map[TickerHandle]struct{}

	wake      chan struct{}
	done      chan struct{}
	workerGID atomic.Uint64
	closing   atomic.Bool
}

// New constructs a Loop and starts its dedicated worker goroutine.
func New(opts ...Option) *Loop {
	l := &Loop{
		logger:  logging.NewNop(),
		tickers: make(map[CallerID]map[TickerHandle]struct{}),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	for _, opt := range opts {
		opt(l)
	}

	go l.run()

	return l
}

// InEventLoop reports whether the calling goroutine is the Loop's worker.
// Go exposes no public goroutine-identity API, so this parses the current
// goroutine's id out of runtime.Stack once per check.
func (l *Loop) InEventLoop() bool {
	return currentGoroutineID() == l.workerGID.Load()
}

// CallSoon enqueues f for execution on the Loop thread. FIFO with respect
// to other CallSoon calls from the same goroutine. Returns ErrShutdown if
// the Loop has begun shutting down; f is then never run.
func (l *Loop) CallSoon(f func()) error {
	l.mu.Lock()
	if l.closing.Load() {
		l.mu.Unlock()
		return ErrShutdown
	}

	l.jobs = append(l.jobs, f)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}

	return nil
}

// Call runs f inline if already on the Loop thread, otherwise forwards to
// CallSoon. This collapses the "maybe already on loop" decision callers
// otherwise have to make themselves.
func (l *Loop) Call(f func()) error {
	if l.InEventLoop() {
		f()
		return nil
	}

	return l.CallSoon(f)
}

// CallLater schedules a one-shot execution of f at now+delay. The target
// instant is snapshotted at submission time; once the Loop actually
// dequeues the job, the residual delay is recomputed and, if it has
// already elapsed, f runs immediately instead of being rescheduled.
func (l *Loop) CallLater(delay time.Duration, f func()) error {
	target := time.Now().Add(delay)

	return l.CallSoon(func() {
		residual := time.Until(target)
		if residual <= 0 {
			f()
			return
		}

		time.AfterFunc(residual, func() { _ = l.CallSoon(f) })
	})
}

// RegisterTicker adds t to the registry under caller-id id. Used by the
// ticker package; not part of the public embedding-application surface.
func (l *Loop) RegisterTicker(id CallerID, t TickerHandle) {
	l.mu.Lock()
	defer l.mu.Unlock()

	m := l.tickers[id]
	if m == nil {
		m = make(map[TickerHandle]struct{})
		l.tickers[id] = m
	}

	m[t] = struct{}{}
}

// UnregisterTicker removes t from the registry, e.g. on the ticker's own
// handle-drop teardown.
func (l *Loop) UnregisterTicker(id CallerID, t TickerHandle) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if m, ok := l.tickers[id]; ok {
		delete(m, t)
		if len(m) == 0 {
			delete(l.tickers, id)
		}
	}
}

// StopTickers cancels every Ticker tagged with id — the mechanism Network
// uses to tear down its own timers without disturbing siblings that share
// this Loop. A fire already queued on the job queue finds the ticker stopped
// and does nothing; a callback that is already executing is not aborted and
// runs to completion.
func (l *Loop) StopTickers(id CallerID) {
	l.mu.Lock()
	m := l.tickers[id]
	delete(l.tickers, id)
	l.mu.Unlock()

	for t := range m {
		t.StopForShutdown()
	}
}

// Shutdown tears the Loop down. immediate=false drains queued jobs and lets
// the worker exit once the queue is empty; immediate=true discards queued
// jobs and stops at the next safe point. Either way, every registered
// Ticker is stopped and joined after the worker goroutine has exited, so
// no Ticker callback can race the teardown.
func (l *Loop) Shutdown(immediate bool) {
	if !l.closing.CompareAndSwap(false, true) {
		return
	}

	if immediate {
		l.mu.Lock()
		l.jobs = nil
		l.mu.Unlock()
	}

	select {
	case l.wake <- struct{}{}:
	default:
	}

	<-l.done

	l.mu.Lock()
	all := l.tickers
	l.tickers = make(map[CallerID]map[TickerHandle]struct{})
	l.mu.Unlock()

	for _, m := range all {
		for t := range m {
			t.StopForShutdown()
		}
	}
}

func (l *Loop) run() {
	l.workerGID.Store(currentGoroutineID())
	defer close(l.done)

	for {
		l.drainJobs()

		if l.closing.Load() && l.jobsEmpty() {
			return
		}

		<-l.wake
	}
}

func (l *Loop) jobsEmpty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.jobs) == 0
}

func (l *Loop) drainJobs() {
	for {
		l.mu.Lock()
		if len(l.jobs) == 0 {
			l.mu.Unlock()
			return
		}

		job := l.jobs[0]
		l.jobs = l.jobs[1:]
		l.mu.Unlock()

		l.runJob(job)
	}
}

func (l *Loop) runJob(job func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("loop: job panic recovered:", r)
		}
	}()

	job()
}

// callGetResult carries either f's return value or a recovered panic back
// across the completion channel, so CallGet can re-panic on the caller's
// own goroutine instead of crashing the Loop's worker.
type callGetResult[T any] struct {
	val      T
	panicVal any
	hasPanic bool
}

// CallGet performs a synchronous RPC into the Loop: it submits f via
// CallSoon and blocks until f completes. Calling CallGet from the Loop
// thread is a programming error (it would deadlock the only worker) and
// panics immediately rather than hanging.
func CallGet[T any](l *Loop, f func() T) (T, error) {
	var zero T

	if l.InEventLoop() {
		panic("loop: CallGet invoked on the loop thread")
	}

	result := syncutil.New[callGetResult[T]](1)

	err := l.CallSoon(func() {
		defer func() {
			if r := recover(); r != nil {
				result.TrySend(callGetResult[T]{panicVal: r, hasPanic: true})
			}
		}()

		result.TrySend(callGetResult[T]{val: f()})
	})
	if err != nil {
		return zero, err
	}

	res, ok, err := result.Recv(context.Background())
	if err != nil {
		return zero, err
	}

	if !ok {
		return zero, ErrShutdown
	}

	if res.hasPanic {
		panic(res.panicVal)
	}

	return res.val, nil
}

func currentGoroutineID() uint64 {
	var buf [64]byte

	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	b = bytes.TrimPrefix(b, []byte("goroutine "))

	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}

	id, _ := strconv.ParseUint(string(b), 10, 64)

	return id
}
