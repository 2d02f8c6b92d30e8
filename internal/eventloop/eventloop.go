// Package eventloop drains timers and pending asynchronous host operations
// between JS re-entries, the same role internal/eventloop plays in the
// QuickJS/V8 dual-backend runtime this package is adapted from, narrowed to
// a single concrete backend (*v8go.Context) instead of a core.JSRuntime.
package eventloop

import (
	"fmt"
	"sync"
	"time"

	v8 "github.com/tommie/v8go"
)

// AsyncResult is what a pending async operation resolves or rejects a
// JS promise with, once its Go-side work completes off the isolate's
// goroutine.
type AsyncResult struct {
	Value *v8.Value
	Err   string // non-empty rejects the promise with a JS Error(Err)
}

// pendingAsync pairs a PromiseResolver with the channel its Go-side work
// will eventually signal on. Resolver.Resolve/Reject must only be called
// from the goroutine that owns the isolate, which is why this is drained
// rather than resolved directly from the worker goroutine.
type pendingAsync struct {
	resolver *v8.PromiseResolver
	done     <-chan AsyncResult
}

// pendingCallback is for Go-side work whose completion needs more than a
// plain resolve/reject once it lands — e.g. fetch(), which has to run JS to
// turn a completed HTTP round trip into a Response object, and that RunScript
// call must happen on the isolate's own goroutine, not the one that did the
// actual networking.
type pendingCallback struct {
	ready <-chan struct{}
	fn    func(ctx *v8.Context)
}

type timerEntry struct {
	id       int32
	fireAt   time.Time
	interval time.Duration // 0 for setTimeout, >0 for setInterval
	cleared  bool
}

// EventLoop tracks timers and in-flight asynchronous host operations for a
// single worker's isolate across one Exec call. It is not safe for
// concurrent use; every method must be called from the goroutine that owns
// the isolate.
type EventLoop struct {
	mu        sync.Mutex
	timers    map[int32]*timerEntry
	nextID    int32
	pending   []*pendingAsync
	callbacks []*pendingCallback
}

func New() *EventLoop {
	return &EventLoop{timers: make(map[int32]*timerEntry)}
}

// RegisterTimer records the scheduling metadata for a setTimeout/setInterval
// call and returns its id. The callback itself is never seen on the Go side:
// it stays in globalThis.__timerCallbacks, keyed by this id, and Drain fires
// it by generating and evaluating a small JS snippet that looks the id back
// up, the same division of labor the runtime this is adapted from uses.
func (l *EventLoop) RegisterTimer(delay, interval time.Duration) int32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	id := l.nextID
	l.timers[id] = &timerEntry{id: id, fireAt: time.Now().Add(delay), interval: interval}
	return id
}

// ClearTimer cancels a previously registered timer. Clearing an unknown or
// already-fired one-shot id is a no-op, matching clearTimeout/clearInterval.
func (l *EventLoop) ClearTimer(id int32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.timers[id]; ok {
		t.cleared = true
	}
}

// AddPendingAsync registers a promise resolver awaiting a Go-side result.
func (l *EventLoop) AddPendingAsync(resolver *v8.PromiseResolver, done <-chan AsyncResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = append(l.pending, &pendingAsync{resolver: resolver, done: done})
}

// AddPendingCallback registers fn to run on the isolate's own goroutine once
// ready fires, for Go-side work that needs to build a JS value rather than
// just resolve/reject with one already in hand.
func (l *EventLoop) AddPendingCallback(ready <-chan struct{}, fn func(ctx *v8.Context)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.callbacks = append(l.callbacks, &pendingCallback{ready: ready, fn: fn})
}

// HasPending reports whether any timer or async op is still outstanding.
func (l *EventLoop) HasPending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.timers {
		if !t.cleared {
			return true
		}
	}
	return len(l.pending) > 0 || len(l.callbacks) > 0
}

// Drain runs one pass: fires any due timers and resolves any completed
// pending async ops, then performs a microtask checkpoint so chained
// .then() callbacks run before the caller re-checks HasPending. Returns
// true if it did any work (the caller should keep looping).
func (l *EventLoop) Drain(ctx *v8.Context) bool {
	did := false

	l.mu.Lock()
	due := make([]*timerEntry, 0)
	now := time.Now()
	for _, t := range l.timers {
		if t.cleared {
			delete(l.timers, t.id)
			continue
		}
		if !now.Before(t.fireAt) {
			due = append(due, t)
		}
	}
	l.mu.Unlock()

	for _, t := range due {
		fireTimerJS(ctx, t.id)
		did = true
		l.mu.Lock()
		if t.interval > 0 && !t.cleared {
			t.fireAt = time.Now().Add(t.interval)
		} else {
			delete(l.timers, t.id)
		}
		l.mu.Unlock()
	}

	l.mu.Lock()
	remaining := make([]*pendingAsync, 0, len(l.pending))
	type readyOp struct {
		p   *pendingAsync
		res AsyncResult
	}
	ready := make([]readyOp, 0)
	for _, p := range l.pending {
		select {
		case res, ok := <-p.done:
			if ok {
				ready = append(ready, readyOp{p: p, res: res})
			}
		default:
			remaining = append(remaining, p)
		}
	}
	l.pending = remaining
	l.mu.Unlock()

	for _, r := range ready {
		resolvePending(r.p, r.res)
	}

	if len(ready) > 0 {
		did = true
	}

	l.mu.Lock()
	remainingCB := make([]*pendingCallback, 0, len(l.callbacks))
	fireCB := make([]*pendingCallback, 0)
	for _, c := range l.callbacks {
		select {
		case <-c.ready:
			fireCB = append(fireCB, c)
		default:
			remainingCB = append(remainingCB, c)
		}
	}
	l.callbacks = remainingCB
	l.mu.Unlock()

	for _, c := range fireCB {
		c.fn(ctx)
		did = true
	}

	iso := ctx.Isolate()
	iso.PerformMicrotaskCheckpoint()

	return did
}

// fireTimerJS invokes the JS-side callback stored at
// globalThis.__timerCallbacks[id], dropping the entry before the call unless
// it is a setInterval. An error thrown by the callback comes back through
// ctx.RunScript's error return, which is discarded here.
func fireTimerJS(ctx *v8.Context, id int32) {
	script := fmt.Sprintf(`(function() {
		var entry = globalThis.__timerCallbacks[%d];
		if (!entry) return;
		if (!entry.interval) delete globalThis.__timerCallbacks[%d];
		entry.fn.apply(null, entry.args || []);
	})()`, id, id)
	_, _ = ctx.RunScript(script, "timer.js")
}

func resolvePending(p *pendingAsync, res AsyncResult) {
	if res.Err != "" {
		errVal, _ := v8.NewValue(p.resolver.GetPromise().Context().Isolate(), res.Err)
		p.resolver.Reject(errVal)
		return
	}
	if res.Value != nil {
		p.resolver.Resolve(res.Value)
		return
	}
	undef, _ := v8.NewValue(p.resolver.GetPromise().Context().Isolate(), nil)
	p.resolver.Resolve(undef)
}

// Reset discards all timers and pending ops, for reuse across tasks when the
// caller does not want cross-task timer leakage (fetch/scheduled tasks do
// not persist timers between invocations per the dispatch model).
func (l *EventLoop) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.timers = make(map[int32]*timerEntry)
	l.pending = nil
	l.callbacks = nil
}
