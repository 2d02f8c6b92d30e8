package eventloop

import (
	"testing"
	"time"

	v8 "github.com/tommie/v8go"
)

func newTestContext(t *testing.T) *v8.Context {
	t.Helper()
	iso := v8.NewIsolate()
	ctx := v8.NewContext(iso)
	t.Cleanup(func() {
		ctx.Close()
		iso.Dispose()
	})
	return ctx
}

func TestEventLoop_RegisterAndClearTimer(t *testing.T) {
	l := New()
	id := l.RegisterTimer(time.Hour, 0)
	if !l.HasPending() {
		t.Fatal("a freshly registered timer should count as pending")
	}
	l.ClearTimer(id)
	if l.HasPending() {
		t.Fatal("clearing the only timer should leave nothing pending")
	}
}

func TestEventLoop_ClearingUnknownTimerIsANoOp(t *testing.T) {
	l := New()
	l.ClearTimer(999) // must not panic
	if l.HasPending() {
		t.Fatal("should have nothing pending")
	}
}

func TestEventLoop_DrainFiresDueTimersAndDropsOneShots(t *testing.T) {
	ctx := newTestContext(t)
	l := New()

	// Install a callback table and a due timer the same way
	// internal/webapi/timers.go's timer installer does, so fireTimerJS has something to invoke.
	_, err := ctx.RunScript(`
		globalThis.fired = 0;
		globalThis.__timerCallbacks = { 1: { fn: function() { globalThis.fired++; }, args: [] } };
	`, "setup.js")
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	l.timers[1] = &timerEntry{id: 1, fireAt: time.Now().Add(-time.Millisecond)}

	if !l.Drain(ctx) {
		t.Fatal("Drain should report it did work")
	}

	val, err := ctx.RunScript("globalThis.fired", "check.js")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if val.Integer() != 1 {
		t.Errorf("fired = %d, want 1", val.Integer())
	}
	if l.HasPending() {
		t.Error("a one-shot timer should be removed once fired")
	}
}

func TestEventLoop_IntervalTimerSurvivesAFiring(t *testing.T) {
	ctx := newTestContext(t)
	l := New()
	_, err := ctx.RunScript(`globalThis.__timerCallbacks = { 1: { fn: function() {}, args: [], interval: 5 } };`, "setup.js")
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	l.timers[1] = &timerEntry{id: 1, fireAt: time.Now().Add(-time.Millisecond), interval: 5 * time.Millisecond}
	l.Drain(ctx)

	if !l.HasPending() {
		t.Error("an interval timer should still be pending after firing once")
	}
	if _, ok := l.timers[1]; !ok {
		t.Error("the interval timer entry should not have been deleted")
	}
}

func TestEventLoop_PendingAsyncResolvesThePromise(t *testing.T) {
	ctx := newTestContext(t)
	l := New()

	resolver, err := v8.NewPromiseResolver(ctx)
	if err != nil {
		t.Fatalf("NewPromiseResolver: %v", err)
	}

	done := make(chan AsyncResult, 1)
	done <- AsyncResult{}
	l.AddPendingAsync(resolver, done)

	if !l.HasPending() {
		t.Fatal("a registered pending async op should count as pending")
	}
	if !l.Drain(ctx) {
		t.Fatal("Drain should report it did work")
	}
	if l.HasPending() {
		t.Error("the resolved op should have been removed")
	}
}

func TestEventLoop_PendingCallbackRunsOnceReady(t *testing.T) {
	ctx := newTestContext(t)
	l := New()

	ready := make(chan struct{})
	close(ready)

	invoked := false
	l.AddPendingCallback(ready, func(ctx *v8.Context) { invoked = true })

	if !l.HasPending() {
		t.Fatal("a registered pending callback should count as pending")
	}
	l.Drain(ctx)
	if !invoked {
		t.Error("the callback should have run")
	}
	if l.HasPending() {
		t.Error("the callback should have been removed after running")
	}
}

func TestEventLoop_PendingCallbackWaitsUntilReady(t *testing.T) {
	ctx := newTestContext(t)
	l := New()

	ready := make(chan struct{})
	invoked := false
	l.AddPendingCallback(ready, func(ctx *v8.Context) { invoked = true })

	l.Drain(ctx)
	if invoked {
		t.Fatal("the callback must not run before its ready channel fires")
	}
	if !l.HasPending() {
		t.Error("an unready callback should still count as pending")
	}
}

func TestEventLoop_ResetClearsEverything(t *testing.T) {
	l := New()
	l.RegisterTimer(time.Hour, 0)
	l.AddPendingAsync(nil, make(chan AsyncResult))
	l.AddPendingCallback(make(chan struct{}), nil)

	l.Reset()

	if l.HasPending() {
		t.Error("Reset should clear timers, pending async ops, and pending callbacks")
	}
}
