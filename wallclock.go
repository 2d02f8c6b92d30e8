package worker

import (
	"time"

	v8 "github.com/tommie/v8go"
)

// isolateHandle is the clonable, thread-safe handle the spec calls out
// separately from the isolate itself. In practice *v8go.Isolate's
// TerminateExecution/IsExecutionTerminating are already documented safe to
// call from any goroutine, so isolateHandle is a thin wrapper that keeps the
// guards and the enforcer from reaching into the isolate for anything but
// that one operation.
type isolateHandle struct {
	iso *v8.Isolate
}

func newIsolateHandle(iso *v8.Isolate) isolateHandle {
	return isolateHandle{iso: iso}
}

func (h isolateHandle) terminateExecution() {
	h.iso.TerminateExecution()
}

func (h isolateHandle) isTerminating() bool {
	return h.iso.IsExecutionTerminating()
}

// wallClockGuard arms a real-time deadline for a single task. Constructing
// it spawns a goroutine; Disarm must be called exactly once to stop it,
// whether or not it fired.
type wallClockGuard struct {
	cancel chan struct{}
	done   chan struct{}
}

// armWallClockGuard starts the guard. If timeoutMS is 0 the guard never
// fires (the wall-clock ceiling is disabled for this task).
func armWallClockGuard(handle isolateHandle, reason *TerminationReason, timeoutMS int) *wallClockGuard {
	g := &wallClockGuard{
		cancel: make(chan struct{}),
		done:   make(chan struct{}),
	}

	go func() {
		defer close(g.done)
		if timeoutMS <= 0 {
			<-g.cancel
			return
		}
		timer := time.NewTimer(time.Duration(timeoutMS) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-g.cancel:
			return
		case <-timer.C:
			reason.latch(WallClockExceeded, "")
			handle.terminateExecution()
		}
	}()

	return g
}

// disarm cancels the guard if it has not already fired, and waits for its
// goroutine to exit. Disarming before the timeout guarantees
// terminateExecution is never called for this guard.
func (g *wallClockGuard) disarm() {
	close(g.cancel)
	<-g.done
}
