package worker

import (
	"testing"
	"time"

	v8 "github.com/tommie/v8go"
)

func newTestIsolateHandle(t *testing.T) isolateHandle {
	t.Helper()
	iso := v8.NewIsolate()
	t.Cleanup(iso.Dispose)
	return newIsolateHandle(iso)
}

func TestWallClockGuard_FiresAfterTimeout(t *testing.T) {
	handle := newTestIsolateHandle(t)
	reason := &TerminationReason{}

	g := armWallClockGuard(handle, reason, 10)
	time.Sleep(100 * time.Millisecond)
	g.disarm()

	if reason.Kind() != WallClockExceeded {
		t.Errorf("Kind() = %v, want WallClockExceeded", reason.Kind())
	}
	if !handle.isTerminating() {
		t.Error("expected the isolate to be marked terminating")
	}
}

func TestWallClockGuard_DisarmBeforeTimeoutNeverFires(t *testing.T) {
	handle := newTestIsolateHandle(t)
	reason := &TerminationReason{}

	g := armWallClockGuard(handle, reason, 10_000)
	g.disarm()

	if reason.Kind() != Normal {
		t.Errorf("Kind() = %v, want Normal", reason.Kind())
	}
	if handle.isTerminating() {
		t.Error("isolate should not be marked terminating when disarmed before the deadline")
	}
}

func TestWallClockGuard_ZeroTimeoutDisablesTheGuard(t *testing.T) {
	handle := newTestIsolateHandle(t)
	reason := &TerminationReason{}

	g := armWallClockGuard(handle, reason, 0)
	time.Sleep(20 * time.Millisecond)
	g.disarm()

	if reason.Kind() != Normal {
		t.Errorf("Kind() = %v, want Normal (timeout disabled)", reason.Kind())
	}
}
