//go:build linux

package worker

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Dynamic-clockid flags for constructing a per-thread CPU clock id from a
// tid, per clock_gettime(2)'s "POSIX CPU clocks" discussion: a negative
// clock id of the form (~tid << 3) | flag names "this thread's CPU clock"
// to the kernel, no pthread_t or signal delivery required.
const (
	cpuclockSched     = 2
	cpuclockPerThread = 4
)

func perThreadCPUClockID(tid int) int32 {
	return int32(^int32(tid))<<3 | int32(cpuclockSched|cpuclockPerThread)
}

func threadCPUTime(tid int) (time.Duration, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(perThreadCPUClockID(tid), &ts); err != nil {
		return 0, err
	}
	return time.Duration(ts.Sec)*time.Second + time.Duration(ts.Nsec)*time.Nanosecond, nil
}

// cpuEnforcerPollInterval is the dynamic-clockid poll granularity. It bounds
// the ε in "returns CpuTimeExceeded within max_cpu_time_ms + ε".
const cpuEnforcerPollInterval = 1 * time.Millisecond

// enforcerRegistration is what the global registry tracks per armed thread.
type enforcerRegistration struct {
	handle     isolateHandle
	terminated bool
}

var (
	enforcerRegistryMu sync.Mutex
	enforcerRegistry   = map[int]*enforcerRegistration{}
)

// cpuEnforcer watches a single worker's locked OS thread for CPU-time
// overrun for the span of one task. Available only where thread-CPU-time
// clocks are supported (Linux); see cpuenforcer_other.go for the no-op used
// everywhere else.
type cpuEnforcer struct {
	tid    int
	cancel chan struct{}
	done   chan struct{}
}

// armCPUEnforcer starts the enforcer. If timeoutMS is 0 the CPU-time
// ceiling is disabled for this task. tid must be the OS thread id the
// caller is currently locked to (runtime.LockOSThread) for the task's
// duration — see Worker.Exec.
func armCPUEnforcer(tid int, handle isolateHandle, reason *TerminationReason, timeoutMS int) *cpuEnforcer {
	e := &cpuEnforcer{
		tid:    tid,
		cancel: make(chan struct{}),
		done:   make(chan struct{}),
	}

	enforcerRegistryMu.Lock()
	enforcerRegistry[tid] = &enforcerRegistration{handle: handle}
	enforcerRegistryMu.Unlock()

	go func() {
		defer close(e.done)
		if timeoutMS <= 0 {
			<-e.cancel
			return
		}

		start, err := threadCPUTime(tid)
		if err != nil {
			// Clock unavailable for this tid (e.g. already exited); fail open
			// like the no-op enforcer rather than spuriously terminating.
			<-e.cancel
			return
		}
		limit := time.Duration(timeoutMS) * time.Millisecond
		ticker := time.NewTicker(cpuEnforcerPollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-e.cancel:
				return
			case <-ticker.C:
				now, err := threadCPUTime(tid)
				if err != nil {
					continue
				}
				if now-start >= limit {
					reason.latch(CpuTimeExceeded, "")
					enforcerRegistryMu.Lock()
					if reg, ok := enforcerRegistry[tid]; ok {
						reg.terminated = true
					}
					enforcerRegistryMu.Unlock()
					handle.terminateExecution()
					return
				}
			}
		}
	}()

	return e
}

// disarm stops the enforcer goroutine and unregisters the thread. Disarming
// before the limit is reached guarantees terminateExecution is never called
// for this enforcer instance.
func (e *cpuEnforcer) disarm() {
	close(e.cancel)
	<-e.done
	enforcerRegistryMu.Lock()
	delete(enforcerRegistry, e.tid)
	enforcerRegistryMu.Unlock()
}

const cpuEnforcerSupported = true
