// Package ticker implements a Loop-bound, start/stop-idempotent timer
// handle: supports one-shot and periodic firing, in both fixed-interval
// and best-effort cadence, plus a weak-owner-bound variant that
// self-cancels once its owner is gone.
//
// Ticker lives in its own package, rather than as methods on *loop.Loop,
// because Go forbids generic methods and EveryWeak needs to be generic
// over the owner type; Every and EveryWeak are free functions taking the
// Loop as their first argument, the same shape as context.WithTimeout(parent,
// ...).
//
// Tickers are registered per-Loop, per-caller-id via
// loop.RegisterTicker/StopTickers so a group of timers can be torn down
// together without disturbing unrelated ones sharing the same Loop.
package ticker

import (
	"sync"
	"time"
	"weak"

	"github.com/mpretty-cyro/oxen-libquic/internal/logging"
	"github.com/mpretty-cyro/oxen-libquic/internal/loop"
)

// Option configures a Ticker at construction time.
type Option func(*Ticker)

// WithCallerID tags the ticker for group cancellation via loop.StopTickers,
// the mechanism network.Network uses to scope tickers to itself.
func WithCallerID(id loop.CallerID) Option {
	return func(t *Ticker) { t.callerID = id }
}

// WithFixedInterval schedules the next fire after the callback returns,
// rather than at the original autonomous cadence.
func WithFixedInterval() Option {
	return func(t *Ticker) { t.fixedInterval = true }
}

// WithOneShot makes the ticker cancel itself after its first fire.
func WithOneShot() Option {
	return func(t *Ticker) { t.oneShot = true }
}

// WithStartImmediately arms the ticker as part of construction instead of
// leaving it in the initial Armed-Stopped state.
func WithStartImmediately() Option {
	return func(t *Ticker) { t.startImmediately = true }
}

// WithLogger overrides the default no-op Logger.
func WithLogger(l logging.Logger) Option {
	return func(t *Ticker) { t.logger = l }
}

// Ticker is a timer handle bound to a Loop. The callback always executes on
// the Loop thread, regardless of which goroutine actually measures the
// interval (time.Timer/time.Ticker fire on their own internal goroutines;
// Ticker re-marshals onto the Loop via CallSoon before invoking anything).
type Ticker struct {
	lp       *loop.Loop
	callerID loop.CallerID
	interval time.Duration
	logger   logging.Logger

	fixedInterval    bool
	oneShot          bool
	startImmediately bool

	mu      sync.Mutex
	running bool
	timer   *time.Timer
	ticking *time.Ticker
	stopCh  chan struct{}
	fire    func()
}

func newTicker(l *loop.Loop, interval time.Duration, opts ...Option) *Ticker {
	t := &Ticker{lp: l, interval: interval, logger: logging.NewNop()}
	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Every creates a periodic (or, with WithOneShot, single-fire) Ticker
// bound to l that invokes f on each fire.
func Every(l *loop.Loop, interval time.Duration, f func(), opts ...Option) *Ticker {
	t := newTicker(l, interval, opts...)
	t.fire = f
	l.RegisterTicker(t.callerID, t)

	if t.startImmediately {
		t.Start()
	}

	return t
}

// EveryWeak creates a Ticker that checks owner's liveness before each fire;
// once owner has been garbage collected, the ticker silently self-cancels
// instead of invoking f.
func EveryWeak[T any](l *loop.Loop, interval time.Duration, owner *T, f func(), opts ...Option) *Ticker {
	t := newTicker(l, interval, opts...)
	wp := weak.Make(owner)

	t.fire = func() {
		if wp.Value() == nil {
			t.selfCancel()
			return
		}

		f()
	}

	l.RegisterTicker(t.callerID, t)

	if t.startImmediately {
		t.Start()
	}

	return t
}

// Start arms the ticker. Returns false if it was already running.
func (t *Ticker) Start() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return false
	}

	t.running = true
	t.armLocked()

	return true
}

// Stop disarms the ticker. Returns false if it was already stopped. Does
// not abort a callback currently executing on the Loop thread.
func (t *Ticker) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return false
	}

	t.running = false
	t.disarmLocked()

	return true
}

// IsRunning reports the last successful Start/Stop transition.
func (t *Ticker) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.running
}

// Close stops the ticker and releases it from its Loop's registry. Go has
// no deterministic destructors, so callers that own a Ticker must call
// Close explicitly once they're done with it.
func (t *Ticker) Close() {
	t.Stop()
	t.lp.UnregisterTicker(t.callerID, t)
}

// StopForShutdown implements loop.TickerHandle. It is invoked by the Loop
// itself during Shutdown or StopTickers, never by application code.
func (t *Ticker) StopForShutdown() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.running = false
	t.disarmLocked()
	t.fire = func() {}
}

func (t *Ticker) selfCancel() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return
	}

	t.running = false
	t.disarmLocked()
	t.logger.Debug("ticker: weak owner expired, self-cancelled")
}

// armLocked must be called with t.mu held.
func (t *Ticker) armLocked() {
	if t.oneShot || t.fixedInterval {
		t.timer = time.AfterFunc(t.interval, t.onFire)
		return
	}

	ticking := time.NewTicker(t.interval)
	stop := make(chan struct{})
	t.ticking = ticking
	t.stopCh = stop

	go func() {
		for {
			select {
			case <-ticking.C:
				t.onFire()
			case <-stop:
				return
			}
		}
	}()
}

// disarmLocked must be called with t.mu held.
func (t *Ticker) disarmLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}

	if t.ticking != nil {
		t.ticking.Stop()
		t.ticking = nil
	}

	if t.stopCh != nil {
		close(t.stopCh)
		t.stopCh = nil
	}
}

// onFire runs on whichever goroutine time.Timer/time.Ticker used to signal
// the deadline; it re-marshals onto the Loop thread before doing anything
// observable.
func (t *Ticker) onFire() {
	_ = t.lp.CallSoon(func() {
		t.mu.Lock()
		if !t.running {
			t.mu.Unlock()
			return
		}
		fire := t.fire
		t.mu.Unlock()

		t.invoke(fire)

		t.mu.Lock()
		defer t.mu.Unlock()

		if !t.running {
			return
		}

		switch {
		case t.oneShot:
			t.running = false
			t.disarmLocked()
		case t.fixedInterval:
			t.timer = time.AfterFunc(t.interval, t.onFire)
		}
	})
}

func (t *Ticker) invoke(fire func()) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("ticker: callback panic recovered:", r)
		}
	}()

	fire()
}
