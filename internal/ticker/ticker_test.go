package ticker

import (
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mpretty-cyro/oxen-libquic/internal/loop"
)

func runtimeGC() { runtime.GC() }

func TestStartStop_Idempotent(t *testing.T) {
	l := loop.New()
	defer l.Shutdown(false)

	tk := Every(l, time.Hour, func() {})
	defer tk.Close()

	if started := tk.Start(); !started {
		t.Fatal("first Start() should return true")
	}

	if started := tk.Start(); started {
		t.Fatal("redundant Start() should return false")
	}

	if stopped := tk.Stop(); !stopped {
		t.Fatal("first Stop() should return true")
	}

	if stopped := tk.Stop(); stopped {
		t.Fatal("redundant Stop() should return false")
	}
}

func TestIsRunning_TracksTransitions(t *testing.T) {
	l := loop.New()
	defer l.Shutdown(false)

	tk := Every(l, time.Hour, func() {})
	defer tk.Close()

	if tk.IsRunning() {
		t.Fatal("new ticker should start Armed-Stopped")
	}

	tk.Start()

	if !tk.IsRunning() {
		t.Fatal("IsRunning should be true after Start")
	}

	tk.Stop()

	if tk.IsRunning() {
		t.Fatal("IsRunning should be false after Stop")
	}
}

func TestManagedLifecycle_RestartsAfterStop(t *testing.T) {
	l := loop.New()
	defer l.Shutdown(false)

	var fires atomic.Int64
	tk := Every(l, 5*time.Millisecond, func() { fires.Add(1) }, WithStartImmediately())
	defer tk.Close()

	waitForAtLeast(t, &fires, 3, time.Second)

	tk.Stop()
	if tk.IsRunning() {
		t.Fatal("expected Armed-Stopped after Stop")
	}

	stoppedAt := fires.Load()
	time.Sleep(50 * time.Millisecond)
	if fires.Load() != stoppedAt {
		t.Fatal("ticker kept firing after Stop")
	}

	if !tk.Start() {
		t.Fatal("Start after Stop should succeed")
	}

	waitForAtLeast(t, &fires, stoppedAt+3, time.Second)

	tk.Stop()
}

func TestOneShot_CancelsAfterFirstFire(t *testing.T) {
	l := loop.New()
	defer l.Shutdown(false)

	var fires atomic.Int64
	tk := Every(l, 5*time.Millisecond, func() { fires.Add(1) }, WithOneShot(), WithStartImmediately())
	defer tk.Close()

	waitForAtLeast(t, &fires, 1, time.Second)
	time.Sleep(50 * time.Millisecond)

	if got := fires.Load(); got != 1 {
		t.Fatalf("one-shot ticker fired %d times, want 1", got)
	}

	if tk.IsRunning() {
		t.Fatal("one-shot ticker should self-cancel after firing")
	}
}

func TestFixedInterval_WaitsForCallbackToFinish(t *testing.T) {
	l := loop.New()
	defer l.Shutdown(false)

	var fires atomic.Int64
	tk := Every(l, 10*time.Millisecond, func() {
		fires.Add(1)
		time.Sleep(40 * time.Millisecond)
	}, WithFixedInterval(), WithStartImmediately())
	defer tk.Close()

	time.Sleep(120 * time.Millisecond)
	// With a 40ms callback and a 10ms interval, fixed-interval scheduling
	// should yield roughly one fire per ~50ms, not one per 10ms.
	if got := fires.Load(); got > 3 {
		t.Fatalf("fixed-interval ticker fired %d times in 120ms, want <=3", got)
	}

	tk.Stop()
}

func TestCallbackPanic_LeavesTickerArmed(t *testing.T) {
	l := loop.New()
	defer l.Shutdown(false)

	var fires atomic.Int64
	tk := Every(l, 5*time.Millisecond, func() {
		fires.Add(1)
		panic("boom")
	}, WithStartImmediately())
	defer tk.Close()

	waitForAtLeast(t, &fires, 3, time.Second)

	if !tk.IsRunning() {
		t.Fatal("ticker should remain armed after a callback panic")
	}

	tk.Stop()
}

func TestWeakBound_SelfCancelsAfterOwnerDrop(t *testing.T) {
	l := loop.New()
	defer l.Shutdown(false)

	type owner struct{ _ int }

	var fires atomic.Int64
	o := new(owner)
	tk := EveryWeak(l, 5*time.Millisecond, o, func() { fires.Add(1) }, WithStartImmediately())
	defer tk.Close()

	waitForAtLeast(t, &fires, 2, time.Second)

	o = nil
	runtimeGC()

	waitForOwnerDrop(t, tk, time.Second)

	stoppedAt := fires.Load()
	time.Sleep(150 * time.Millisecond)

	if got := fires.Load(); got > stoppedAt+1 {
		t.Fatalf("weak ticker fired %d times after owner drop, want at most 1 extra", got-stoppedAt)
	}
}

func waitForAtLeast(t *testing.T, counter *atomic.Int64, n int64, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if counter.Load() >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}

	t.Fatalf("counter never reached %d (stuck at %d)", n, counter.Load())
}

func waitForOwnerDrop(t *testing.T, tk *Ticker, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !tk.IsRunning() {
			return
		}
		runtimeGC()
		time.Sleep(5 * time.Millisecond)
	}

	t.Fatal("weak-bound ticker never self-cancelled after owner drop")
}
