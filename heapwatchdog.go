package worker

import (
	"time"

	v8 "github.com/tommie/v8go"
)

// heapWatchdogPollInterval bounds how promptly a heap overrun is caught; V8
// itself has no near-heap-limit callback reachable from this binding (see
// allocator.go's doc comment on the companion JS-instrumentation approach),
// so polling GetHeapStatistics is the only observation point available.
const heapWatchdogPollInterval = 5 * time.Millisecond

// heapWatchdog polls an isolate's heap statistics for the span of one task
// and terminates execution if used heap crosses the configured ceiling. Exec
// arms it per task alongside wallClockGuard and cpuEnforcer, which both
// watch time budgets rather than heap.
type heapWatchdog struct {
	cancel chan struct{}
	done   chan struct{}
}

// armHeapWatchdog starts the watchdog. ceilingBytes of 0 disables it.
func armHeapWatchdog(iso *v8.Isolate, handle isolateHandle, reason *TerminationReason, ceilingBytes uint64) *heapWatchdog {
	w := &heapWatchdog{cancel: make(chan struct{}), done: make(chan struct{})}

	go func() {
		defer close(w.done)
		if ceilingBytes == 0 {
			<-w.cancel
			return
		}
		ticker := time.NewTicker(heapWatchdogPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-w.cancel:
				return
			case <-ticker.C:
				stats := iso.GetHeapStatistics()
				if stats.UsedHeapSize >= ceilingBytes {
					reason.latch(HeapLimitExceeded, "")
					handle.terminateExecution()
					return
				}
			}
		}
	}()

	return w
}

// disarm cancels the watchdog and waits for its goroutine to exit.
func (w *heapWatchdog) disarm() {
	close(w.cancel)
	<-w.done
}
