package worker

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// streamState is the lifecycle of a streaming fetch response, as seen by the
// native op bridge: Idle until op_fetch_respond_stream_start, Streaming while
// chunks are accepted, Closed once op_fetch_respond_stream_end has run. Any
// op called out of turn against a registration in the wrong state is a
// protocol misuse and throws a JS TypeError rather than panicking Go-side.
type streamState int32

const (
	streamIdle streamState = iota
	streamStreaming
	streamClosed
)

// fetchRegistration is the Go-side bookkeeping for one in-flight Fetch task,
// keyed by the id handed to the JS FetchEvent so op_fetch_respond* calls can
// find their way back to the right reply channel. Exactly one of the
// immediate-response path (op_fetch_respond) or the streaming path
// (op_fetch_respond_stream_*) may be used per registration.
type fetchRegistration struct {
	mu        sync.Mutex
	req       HttpRequest
	reply     chan<- FetchReply
	responded bool
	acked     bool
	state     streamState
	chunks    chan StreamChunk
}

// scheduledRegistration is the analogous bookkeeping for a Scheduled task.
// There is no streaming variant; a scheduled handler either calls
// op_scheduled_respond or the task ages out at task end with an implicit
// nil-error completion (event.waitUntil having already been drained).
type scheduledRegistration struct {
	mu        sync.Mutex
	input     ScheduledInput
	reply     chan<- ScheduledReply
	responded bool
}

// taskRegistry is a single worker's table of in-flight tasks. A worker only
// ever has one task in flight at a time (Exec is not reentrant), so in
// practice the maps hold at most one entry each, but they are keyed by id
// rather than hardcoded to a singleton to match the bridge's op surface,
// which addresses everything by id, and to leave room for a future
// multi-task-in-flight dispatch model without changing the op contract.
type taskRegistry struct {
	mu        sync.Mutex
	nextID    int32
	fetches   map[int32]*fetchRegistration
	scheduled map[int32]*scheduledRegistration
}

func newTaskRegistry() *taskRegistry {
	return &taskRegistry{
		fetches:   make(map[int32]*fetchRegistration),
		scheduled: make(map[int32]*scheduledRegistration),
	}
}

func (r *taskRegistry) allocID() int32 {
	return atomic.AddInt32(&r.nextID, 1)
}

// registerFetch installs a new fetch registration and returns its id.
func (r *taskRegistry) registerFetch(req HttpRequest, reply chan<- FetchReply) int32 {
	id := r.allocID()
	r.mu.Lock()
	r.fetches[id] = &fetchRegistration{req: req, reply: reply}
	r.mu.Unlock()
	return id
}

func (r *taskRegistry) getFetch(id int32) (*fetchRegistration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fr, ok := r.fetches[id]
	return fr, ok
}

// registerScheduled installs a new scheduled-task registration.
func (r *taskRegistry) registerScheduled(input ScheduledInput, reply chan<- ScheduledReply) int32 {
	id := r.allocID()
	r.mu.Lock()
	r.scheduled[id] = &scheduledRegistration{input: input}
	r.scheduled[id].reply = reply
	r.mu.Unlock()
	return id
}

func (r *taskRegistry) getScheduled(id int32) (*scheduledRegistration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sr, ok := r.scheduled[id]
	return sr, ok
}

// completeImmediate fulfills a fetch's reply channel with an immediate
// (non-streaming) response. Returns an error (never panics) if the
// registration was already responded or already mid-stream — the bridge
// turns that error into a thrown JS TypeError.
func (fr *fetchRegistration) completeImmediate(resp *HttpResponse) error {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	if fr.responded {
		return fmt.Errorf("fetch already responded")
	}
	if fr.state != streamIdle {
		return fmt.Errorf("fetch is in streaming mode")
	}
	fr.responded = true
	fr.reply <- FetchReply{Response: resp}
	return nil
}

// completeError fulfills a fetch's reply channel with a terminal error, used
// when a fetch registration is abandoned (e.g. the task ends without ever
// calling respondWith, or the worker is torn down mid-stream). Reports false
// without sending anything if the registration was already responded.
func (fr *fetchRegistration) completeError(err error) bool {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	if fr.responded {
		return false
	}
	fr.responded = true
	fr.reply <- FetchReply{Err: err}
	return true
}

// startStream transitions Idle -> Streaming, allocating the channel the
// host reads HttpResponse.Stream from, and immediately publishes the
// response header (status/headers fixed at stream start, matching the
// Streams spec's headers-before-body ordering).
//
// The channel holds 2, not 1: writeChunk's backpressure promise resolves as
// soon as a data chunk lands in the buffer (not once the host actually reads
// it), so a stream that enqueues one chunk and immediately closes can have
// both the unread data chunk and the terminal Done marker pending at once.
// endStream runs synchronously on the isolate goroutine (unlike writeChunk,
// which offloads to a helper goroutine), so if its send blocked on a full
// buffer it would wedge the isolate with no way for TerminateExecution to
// interrupt it. A cap of 2 lets the Done marker land without a prior host
// read while at most one data chunk is unread; if the buffer is full,
// endStream hands the Done send to a helper goroutine instead of blocking.
func (fr *fetchRegistration) startStream(status int, headers Headers) error {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	if fr.responded || fr.state != streamIdle {
		return fmt.Errorf("fetch already responded or streaming")
	}
	fr.state = streamStreaming
	fr.responded = true
	fr.chunks = make(chan StreamChunk, 2)
	fr.reply <- FetchReply{Response: &HttpResponse{Status: status, Headers: headers, Stream: fr.chunks}}
	return nil
}

// writeChunk pushes one data chunk to the host. While the stream's buffer is
// full it blocks (the caller must run this off the isolate goroutine, via the
// event loop's pending-async mechanism) until the host has read a prior
// chunk, providing the
// backpressure the spec requires of streaming responses.
func (fr *fetchRegistration) writeChunk(data []byte) error {
	fr.mu.Lock()
	if fr.state != streamStreaming {
		fr.mu.Unlock()
		return fmt.Errorf("stream is not open")
	}
	ch := fr.chunks
	fr.mu.Unlock()
	ch <- StreamChunk{Data: data}
	return nil
}

// endStream closes the stream with a terminal outcome. Idempotent calls
// (double end) are rejected rather than silently accepted, since JS code
// that calls end twice has a bug worth surfacing.
func (fr *fetchRegistration) endStream(streamErr error) error {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	if fr.state != streamStreaming {
		return fmt.Errorf("stream is not open")
	}
	fr.state = streamClosed
	done := StreamChunk{Done: true, Err: streamErr}
	select {
	case fr.chunks <- done:
		close(fr.chunks)
	default:
		ch := fr.chunks
		go func() {
			ch <- done
			close(ch)
		}()
	}
	return nil
}

// ack records that respondWith was called in JS, even though the response
// itself may still be pending (e.g. a handler suspended on I/O that never
// completes). It is idempotent: respondWith itself rejects a second call, so
// this only ever runs once per registration in practice.
func (fr *fetchRegistration) ack() {
	fr.mu.Lock()
	fr.acked = true
	fr.mu.Unlock()
}

// ackedUnresolved reports whether respondWith ran but no response has
// landed yet.
func (fr *fetchRegistration) ackedUnresolved() bool {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return fr.acked && !fr.responded
}

// hasAckedUnresolvedFetch reports whether any in-flight fetch has been
// respondWith-acknowledged but has not yet produced a response. Exec's
// drain loop uses this to keep waiting on genuinely in-flight work (a
// handler suspended on I/O with nothing queued on the Go-side event loop)
// instead of giving up the instant the loop has nothing left to pump.
func (r *taskRegistry) hasAckedUnresolvedFetch() bool {
	r.mu.Lock()
	fetches := make([]*fetchRegistration, 0, len(r.fetches))
	for _, fr := range r.fetches {
		fetches = append(fetches, fr)
	}
	r.mu.Unlock()

	for _, fr := range fetches {
		if fr.ackedUnresolved() {
			return true
		}
	}
	return false
}

// complete fulfills a scheduled task's reply channel.
func (sr *scheduledRegistration) complete(err error) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	if sr.responded {
		return fmt.Errorf("scheduled task already responded")
	}
	sr.responded = true
	sr.reply <- ScheduledReply{Err: err}
	return nil
}
