//go:build linux

package worker

import (
	"runtime"
	"testing"
	"time"
)

func TestCPUEnforcer_FiresOnSustainedBusyLoop(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	handle := newTestIsolateHandle(t)
	reason := &TerminationReason{}

	e := armCPUEnforcer(currentThreadID(), handle, reason, 10)

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if reason.Kind() == CpuTimeExceeded {
			break
		}
		// Busy-spin on the locked OS thread the enforcer is watching.
		for i := 0; i < 1_000_000; i++ {
		}
	}
	e.disarm()

	if reason.Kind() != CpuTimeExceeded {
		t.Errorf("Kind() = %v, want CpuTimeExceeded", reason.Kind())
	}
}

func TestCPUEnforcer_DisarmBeforeLimitNeverFires(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	handle := newTestIsolateHandle(t)
	reason := &TerminationReason{}

	e := armCPUEnforcer(currentThreadID(), handle, reason, 10_000)
	e.disarm()

	if reason.Kind() != Normal {
		t.Errorf("Kind() = %v, want Normal", reason.Kind())
	}
}

func TestCPUEnforcer_ZeroTimeoutDisablesIt(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	handle := newTestIsolateHandle(t)
	reason := &TerminationReason{}

	e := armCPUEnforcer(currentThreadID(), handle, reason, 0)
	time.Sleep(20 * time.Millisecond)
	e.disarm()

	if reason.Kind() != Normal {
		t.Errorf("Kind() = %v, want Normal (timeout disabled)", reason.Kind())
	}
}

func TestPerThreadCPUClockID_IsNegative(t *testing.T) {
	if id := perThreadCPUClockID(currentThreadID()); id >= 0 {
		t.Errorf("perThreadCPUClockID = %d, want a negative dynamic clock id", id)
	}
}

func TestThreadCPUTime_AdvancesUnderLoad(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	tid := currentThreadID()
	before, err := threadCPUTime(tid)
	if err != nil {
		t.Fatalf("threadCPUTime: %v", err)
	}
	for i := 0; i < 20_000_000; i++ {
	}
	after, err := threadCPUTime(tid)
	if err != nil {
		t.Fatalf("threadCPUTime: %v", err)
	}
	if after <= before {
		t.Errorf("CPU time did not advance: before=%v after=%v", before, after)
	}
}
