package worker

import (
	"testing"
	"time"

	v8 "github.com/tommie/v8go"
)

func TestHeapWatchdog_FiresWhenCeilingExceeded(t *testing.T) {
	iso := v8.NewIsolate()
	t.Cleanup(iso.Dispose)
	handle := newIsolateHandle(iso)
	reason := &TerminationReason{}

	// A 1-byte ceiling is already exceeded by the isolate's baseline heap
	// usage, so the watchdog should latch on its very first poll.
	w := armHeapWatchdog(iso, handle, reason, 1)
	time.Sleep(50 * time.Millisecond)
	w.disarm()

	if reason.Kind() != HeapLimitExceeded {
		t.Errorf("Kind() = %v, want HeapLimitExceeded", reason.Kind())
	}
}

func TestHeapWatchdog_ZeroCeilingDisablesTheWatchdog(t *testing.T) {
	iso := v8.NewIsolate()
	t.Cleanup(iso.Dispose)
	handle := newIsolateHandle(iso)
	reason := &TerminationReason{}

	w := armHeapWatchdog(iso, handle, reason, 0)
	time.Sleep(20 * time.Millisecond)
	w.disarm()

	if reason.Kind() != Normal {
		t.Errorf("Kind() = %v, want Normal (watchdog disabled)", reason.Kind())
	}
}
