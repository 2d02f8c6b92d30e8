package worker

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"math"
	"runtime"
	"sync"
	"time"

	v8 "github.com/tommie/v8go"

	"github.com/cryguy/isoworker/internal/eventloop"
	"github.com/cryguy/isoworker/internal/webapi"
)

// Worker is a single sandboxed V8 isolate bound to one compiled script. A
// Worker is single-tenant and serial: exactly one Exec call runs at a time,
// and once TerminationReason latches a non-Normal kind the worker is
// unusable and must be discarded, mirroring the teacher's own
// discard-on-timeout-or-panic pool discipline (internal/v8engine/execute.go)
// narrowed to a single isolate instead of a per-site pool — this core has no
// multi-tenant scheduling layer (see SPEC_FULL.md Non-goals).
type Worker struct {
	mu sync.Mutex

	iso    *v8.Isolate
	ctx    *v8.Context
	handle isolateHandle

	reason *TerminationReason
	alloc  *bufferAllocator
	loop   *eventloop.EventLoop
	reg    *taskRegistry

	limits RuntimeLimits
	closed bool
}

// New constructs a Worker: allocates an isolate sized by limits, installs
// the full Web API surface (bootstrap), and evaluates script's source. A
// non-nil snapshot is rejected with ErrSnapshotUnsupported (see errors.go
// and SPEC_FULL.md §4.1/§9); this binding has no SnapshotCreator/StartupData
// access, so every worker always bootstraps fresh.
func New(script Script, snapshot []byte, limits RuntimeLimits) (*Worker, error) {
	if snapshot != nil {
		return nil, ErrSnapshotUnsupported
	}

	var iso *v8.Isolate
	if limits.HeapMaxMB > 0 {
		initial := uint64(limits.HeapInitialMB) * 1024 * 1024
		max := uint64(limits.HeapMaxMB) * 1024 * 1024
		iso = v8.NewIsolate(v8.WithResourceConstraints(initial, max))
	} else {
		iso = v8.NewIsolate()
	}
	ctx := v8.NewContext(iso)

	w := &Worker{
		iso:    iso,
		ctx:    ctx,
		handle: newIsolateHandle(iso),
		reason: &TerminationReason{},
		alloc:  newBufferAllocator(limits.MaxArrayBufferBytes),
		loop:   eventloop.New(),
		reg:    newTaskRegistry(),
		limits: limits,
	}

	maxResponseBytes := limits.MaxResponseBytes
	if maxResponseBytes <= 0 {
		maxResponseBytes = math.MaxInt64 - 1
	}
	fetchTimeoutMS := limits.FetchTimeoutMS
	if fetchTimeoutMS <= 0 {
		fetchTimeoutMS = limits.MaxWallClockTimeMS
	}

	cfg := bootstrapConfig{
		limits: limits,
		fetchCfg: webapi.FetchConfig{
			Timeout:          time.Duration(fetchTimeoutMS) * time.Millisecond,
			MaxResponseBytes: maxResponseBytes,
			MaxFetches:       limits.MaxFetches,
			SSRFProtect:      true,
		},
		logSink: defaultLogSink,
		env:     script.Env,
	}

	if err := bootstrap(iso, ctx, cfg, w.alloc, w.reg, w.loop); err != nil {
		ctx.Close()
		iso.Dispose()
		return nil, fmt.Errorf("worker: bootstrap: %w", err)
	}

	if err := evalUserScript(ctx, script.Source); err != nil {
		ctx.Close()
		iso.Dispose()
		return nil, err
	}

	return w, nil
}

// defaultLogSink is the console backing used when no other sink is wired
// in; carried forward from the teacher's own reliance on the standard log
// package for every runtime log line (see SPEC_FULL.md §9's logging note).
func defaultLogSink(level, message string) {
	log.Printf("worker: console.%s: %s", level, message)
}

// TerminationReason reports the kind latched by the worker's most recent (or
// in-flight) task.
func (w *Worker) TerminationReason() TerminationKind {
	return w.reason.Kind()
}

// Close disposes the isolate. Safe to call once; further calls are no-ops.
func (w *Worker) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	w.ctx.Close()
	w.iso.Dispose()
}

// Exec dispatches a single task against the worker per SPEC_FULL.md §4.1's
// numbered sequence: refuse if already unusable, arm the guards, register
// and dispatch the task, drive the event loop to quiescence, then read back
// TerminationReason and settle any reply the handler never produced itself.
//
// ctx here is the caller's cancellation context for the host-visible Exec
// call, distinct from the JS *v8go.Context field also named ctx on Worker;
// it is honored only as an additional wall-clock-like cancellation source
// (the spec names no other role for it — exec's own guards are what
// actually bound the task).
func (w *Worker) Exec(ctx context.Context, task Task) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWorkerUnusable
	}
	if !w.reason.IsNormal() {
		return ErrWorkerUnusable
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	wcGuard := armWallClockGuard(w.handle, w.reason, w.limits.MaxWallClockTimeMS)
	cpuGuard := armCPUEnforcer(currentThreadID(), w.handle, w.reason, w.limits.MaxCPUTimeMS)
	var heapCeiling uint64
	if w.limits.HeapMaxMB > 0 {
		heapCeiling = uint64(w.limits.HeapMaxMB) * 1024 * 1024
	}
	heapGuard := armHeapWatchdog(w.iso, w.handle, w.reason, heapCeiling)

	ctxCancelled := make(chan struct{})
	ctxDone := ctx.Done()
	var ctxWatch sync.WaitGroup
	if ctxDone != nil {
		ctxWatch.Add(1)
		go func() {
			defer ctxWatch.Done()
			select {
			case <-ctxDone:
				w.reason.latch(WallClockExceeded, ctx.Err().Error())
				w.handle.terminateExecution()
			case <-ctxCancelled:
			}
		}()
	}

	defer func() {
		close(ctxCancelled)
		ctxWatch.Wait()
		wcGuard.disarm()
		cpuGuard.disarm()
		heapGuard.disarm()
	}()

	err := w.dispatch(task)

	w.loop.Reset()

	return err
}

// dispatch registers the task, invokes its JS trigger, drains the event
// loop to quiescence, and settles any reply the handler never produced.
func (w *Worker) dispatch(task Task) error {
	switch task.kind {
	case taskKindFetch:
		return w.dispatchFetch(task.fetch)
	case taskKindScheduled:
		return w.dispatchScheduled(task.scheduled)
	default:
		return fmt.Errorf("worker: unknown task kind")
	}
}

func (w *Worker) dispatchFetch(init *FetchInit) error {
	id := w.reg.registerFetch(init.Request, init.Reply)
	fr, _ := w.reg.getFetch(id)

	var bodyB64 *string
	if init.Request.Body != nil {
		s := base64.StdEncoding.EncodeToString(init.Request.Body)
		bodyB64 = &s
	}
	headers := make([][2]string, 0, len(init.Request.Headers))
	for _, h := range init.Request.Headers {
		headers = append(headers, [2]string{h.Name, h.Value})
	}

	payload := dispatchRequestPayload{
		ID:         id,
		Method:     init.Request.Method,
		URL:        init.Request.URL,
		Headers:    headers,
		BodyBase64: bodyB64,
	}

	if err := setJSONPayload(w.ctx, payload); err != nil {
		fr.completeError(fmt.Errorf("worker: staging request payload: %w", err))
		return w.finishTask()
	}

	res, err := runDispatch(w.ctx, triggerFetchEventJS, "trigger_fetch.js")
	if err != nil {
		fr.completeError(w.uncaughtOrUnknown(err))
		return w.drainAndFinish()
	}
	if res.NoHandler {
		fr.completeError(&NoHandlerError{Kind: "fetch"})
		return w.finishTask()
	}

	return w.drainAndFinish()
}

func (w *Worker) dispatchScheduled(init *ScheduledInit) error {
	id := w.reg.registerScheduled(init.Input, init.Reply)
	sr, _ := w.reg.getScheduled(id)

	payload := dispatchScheduledPayload{
		ID:            id,
		ScheduledTime: init.Input.ScheduledTime,
		Cron:          init.Input.Cron,
	}

	if err := setJSONPayload(w.ctx, payload); err != nil {
		_ = sr.complete(fmt.Errorf("worker: staging scheduled payload: %w", err))
		return w.finishTask()
	}

	if _, err := runDispatch(w.ctx, triggerScheduledEventJS, "trigger_scheduled.js"); err != nil {
		_ = sr.complete(w.uncaughtOrUnknown(err))
		return w.drainAndFinish()
	}

	return w.drainAndFinish()
}

// eventLoopPollInterval is how often drainAndFinish re-checks the event
// loop while waiting on in-flight async work (fetch round trips, stream
// backpressure) that has nothing to fire yet. The wall-clock guard and CPU
// enforcer are what actually bound how long this can run for; this is only
// the idle-poll granularity between their checks.
const eventLoopPollInterval = 1 * time.Millisecond

// drainAndFinish pumps the event loop until neither timers nor pending
// async ops remain, or until termination latches, then finishes the task.
// Drain reports whether it did work on a given pass; a false result only
// means nothing was ready *yet* (e.g. an HTTP round trip still in flight),
// not that the loop is quiescent, so this keeps polling rather than
// stopping the first time a pass comes back empty.
//
// The first Drain call happens unconditionally, before ever checking
// HasPending: a handler that calls respondWith synchronously schedules its
// response-building work as microtasks (respondWith's own
// Promise.resolve().then(), then __sendFetchResponse's body-read chain) and
// registers nothing with the Go-side loop at all, so HasPending would read
// false immediately after dispatch even though the native respond op hasn't
// run yet. Draining once always flushes that chain before the registry is
// inspected.
//
// The loop condition also holds open while hasAckedUnresolvedFetch is true:
// a handler that calls respondWith and then suspends on I/O that never
// resolves (a pure-JS promise with no Go-side timer or async op behind it)
// leaves HasPending false forever, even though a response is genuinely still
// expected. Without this, such a handler would fall straight through to
// finishTask and get the generic "handler completed without producing a
// response" error at ~0ms instead of letting the wall-clock guard (or CPU
// enforcer, or heap watchdog) run its course and latch the real reason.
func (w *Worker) drainAndFinish() error {
	w.loop.Drain(w.ctx)
	for w.reason.IsNormal() && (w.loop.HasPending() || w.reg.hasAckedUnresolvedFetch()) {
		if !w.loop.Drain(w.ctx) {
			time.Sleep(eventLoopPollInterval)
		}
	}
	return w.finishTask()
}

// finishTask reads back TerminationReason, cancels any reply the handler
// never produced with a matching error, and returns the Exec-level error.
func (w *Worker) finishTask() error {
	termErr := terminationError(w.reason)

	w.reg.mu.Lock()
	fetches := make([]*fetchRegistration, 0, len(w.reg.fetches))
	for _, fr := range w.reg.fetches {
		fetches = append(fetches, fr)
	}
	scheduled := make([]*scheduledRegistration, 0, len(w.reg.scheduled))
	for _, sr := range w.reg.scheduled {
		scheduled = append(scheduled, sr)
	}
	w.reg.fetches = make(map[int32]*fetchRegistration)
	w.reg.scheduled = make(map[int32]*scheduledRegistration)
	w.reg.mu.Unlock()

	// unresolved catches the case where every guard stayed Normal yet a
	// registration was still sitting unresponded at task end: the handler
	// dispatched cleanly but its respondWith chain never actually reached
	// __op_fetch_respond*. completeError/complete below are no-ops against
	// an already-fulfilled registration, so this only ever fires the
	// synthesized error into a reply channel that is genuinely still open.
	var unresolved error
	synthesized := fmt.Errorf("worker: handler completed without producing a response")

	for _, fr := range fetches {
		if termErr != nil {
			fr.completeError(termErr)
			continue
		}
		if fr.completeError(synthesized) {
			unresolved = synthesized
		}
	}
	for _, sr := range scheduled {
		if termErr != nil {
			_ = sr.complete(termErr)
			continue
		}
		_ = sr.complete(nil)
	}

	if termErr != nil {
		return termErr
	}
	return unresolved
}

// uncaughtOrUnknown latches Uncaught for a JS exception escaping RunScript,
// unless a guard already latched something else first (set-once semantics
// mean the earlier reason always wins).
func (w *Worker) uncaughtOrUnknown(err error) error {
	w.reason.latch(Uncaught, err.Error())
	return terminationError(w.reason)
}
