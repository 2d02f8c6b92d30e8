package worker

import (
	"context"
	"encoding/json"
	"runtime"
	"testing"
	"time"
)

// TestScenario_CPUTimeExceeded exercises SPEC_FULL §8 scenario 2: a
// handler that burns CPU forever must be cut off by the CPU-time
// enforcer well before the wall-clock guard would ever fire, and the
// worker must refuse further tasks afterward.
func TestScenario_CPUTimeExceeded(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("CPU-time enforcement is Linux-only")
	}

	limits := DefaultRuntimeLimits()
	limits.MaxCPUTimeMS = 50
	limits.MaxWallClockTimeMS = 30000

	w, err := New(Script{Source: `
addEventListener('fetch', function(event) {
	while (true) { Math.sqrt(2); }
});
`}, nil, limits)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(w.Close)

	reply := make(chan FetchReply, 1)
	start := time.Now()
	err = w.Exec(context.Background(), NewFetchTask(HttpRequest{Method: "GET", URL: "http://example.com/"}, reply))
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected an error from a CPU-exhausting handler")
	}
	if w.TerminationReason() != CpuTimeExceeded {
		t.Errorf("termination reason = %v, want CpuTimeExceeded", w.TerminationReason())
	}
	if elapsed > 200*time.Millisecond {
		t.Errorf("took %v to terminate, want <= 200ms", elapsed)
	}

	second := make(chan FetchReply, 1)
	if err := w.Exec(context.Background(), NewFetchTask(HttpRequest{Method: "GET", URL: "http://example.com/"}, second)); err != ErrWorkerUnusable {
		t.Errorf("second Exec error = %v, want ErrWorkerUnusable", err)
	}
}

// TestScenario_SleepAllowance exercises SPEC_FULL §8 scenario 3: a
// handler that merely awaits setTimeout must succeed even with a tight
// CPU-time budget, because sleeping does not consume CPU.
func TestScenario_SleepAllowance(t *testing.T) {
	limits := DefaultRuntimeLimits()
	limits.MaxCPUTimeMS = 10
	limits.MaxWallClockTimeMS = 30000

	w, err := New(Script{Source: `
addEventListener('fetch', function(event) {
	event.respondWith(new Promise(function(resolve) {
		setTimeout(function() { resolve(new Response('ok')); }, 100);
	}));
});
`}, nil, limits)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(w.Close)

	resp, err := doFetch(t, w, HttpRequest{Method: "GET", URL: "http://example.com/"})
	if err != nil {
		t.Fatalf("doFetch: %v", err)
	}
	if string(resp.Body) != "ok" {
		t.Errorf("body = %q, want %q", resp.Body, "ok")
	}
	if w.TerminationReason() != Normal {
		t.Errorf("termination reason = %v, want Normal", w.TerminationReason())
	}
}

// TestScenario_HeapLimitExceeded exercises SPEC_FULL §8 scenario 5: a
// handler that grows an array past the configured heap ceiling must be
// cut off by the heap watchdog.
func TestScenario_HeapLimitExceeded(t *testing.T) {
	limits := DefaultRuntimeLimits()
	limits.HeapMaxMB = 1
	limits.MaxWallClockTimeMS = 5000
	limits.MaxCPUTimeMS = 0

	w, err := New(Script{Source: `
addEventListener('fetch', function(event) {
	var chunks = [];
	while (true) { chunks.push(new Array(1 << 20).fill(7)); }
});
`}, nil, limits)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(w.Close)

	reply := make(chan FetchReply, 1)
	err = w.Exec(context.Background(), NewFetchTask(HttpRequest{Method: "GET", URL: "http://example.com/"}, reply))
	if err == nil {
		t.Fatal("expected an error from a heap-exhausting handler")
	}
	if w.TerminationReason() != HeapLimitExceeded {
		t.Errorf("termination reason = %v, want HeapLimitExceeded", w.TerminationReason())
	}
}

// TestScenario_StreamingResponse exercises SPEC_FULL §8 scenario 6: a
// handler responding with a ReadableStream must deliver its chunks to
// the host in order, followed by a clean end-of-stream.
func TestScenario_StreamingResponse(t *testing.T) {
	w := newTestWorker(t, `
addEventListener('fetch', function(event) {
	var chunks = ['a', 'b', 'c'];
	var i = 0;
	var stream = new ReadableStream({
		pull: function(controller) {
			if (i < chunks.length) {
				controller.enqueue(new TextEncoder().encode(chunks[i++]));
			} else {
				controller.close();
			}
		}
	});
	event.respondWith(new Response(stream));
});
`)

	reply := make(chan FetchReply, 1)
	execErrCh := make(chan error, 1)
	go func() {
		execErrCh <- w.Exec(context.Background(), NewFetchTask(HttpRequest{Method: "GET", URL: "http://example.com/"}, reply))
	}()

	got := <-reply
	if got.Err != nil {
		t.Fatalf("reply err: %v", got.Err)
	}
	if got.Response.Stream == nil {
		t.Fatal("expected a streaming response")
	}

	var collected []byte
	for chunk := range got.Response.Stream {
		if chunk.Done {
			if chunk.Err != nil {
				t.Errorf("stream ended with error: %v", chunk.Err)
			}
			break
		}
		collected = append(collected, chunk.Data...)
	}
	if string(collected) != "abc" {
		t.Errorf("collected = %q, want %q", collected, "abc")
	}

	if err := <-execErrCh; err != nil {
		t.Errorf("Exec: %v", err)
	}
	if w.TerminationReason() != Normal {
		t.Errorf("termination reason = %v, want Normal", w.TerminationReason())
	}
}

// TestScenario_RequestHeadersRoundTrip exercises the SPEC_FULL §8
// round-trip law that request headers appear byte-identical to the
// script.
func TestScenario_RequestHeadersRoundTrip(t *testing.T) {
	w := newTestWorker(t, `
addEventListener('fetch', function(event) {
	var out = {};
	for (const [k, v] of event.request.headers.entries()) { out[k] = v; }
	event.respondWith(new Response(JSON.stringify(out)));
});
`)

	resp, err := doFetch(t, w, HttpRequest{
		Method: "GET",
		URL:    "http://example.com/",
		Headers: Headers{
			{Name: "x-trace-id", Value: "abc-123"},
			{Name: "x-custom", Value: "hello world"},
		},
	})
	if err != nil {
		t.Fatalf("doFetch: %v", err)
	}

	var got map[string]string
	if err := json.Unmarshal(resp.Body, &got); err != nil {
		t.Fatalf("unmarshal %q: %v", resp.Body, err)
	}
	if got["x-trace-id"] != "abc-123" || got["x-custom"] != "hello world" {
		t.Errorf("headers = %+v", got)
	}
}

// TestScenario_DuplicateRequestHeadersCombine exercises the round-trip law
// for a repeated header name: per the Fetch spec, Headers combines
// same-name values with ", " rather than letting the later one win, which
// only holds if the ordered pairs (not a map) cross the Go -> JS boundary.
func TestScenario_DuplicateRequestHeadersCombine(t *testing.T) {
	w := newTestWorker(t, `
addEventListener('fetch', function(event) {
	event.respondWith(new Response(event.request.headers.get('x-trace-id')));
});
`)

	resp, err := doFetch(t, w, HttpRequest{
		Method: "GET",
		URL:    "http://example.com/",
		Headers: Headers{
			{Name: "x-trace-id", Value: "first"},
			{Name: "x-trace-id", Value: "second"},
		},
	})
	if err != nil {
		t.Fatalf("doFetch: %v", err)
	}
	if string(resp.Body) != "first, second" {
		t.Errorf("body = %q, want %q", resp.Body, "first, second")
	}
}

// TestScenario_HangingIO exercises SPEC_FULL §8 scenario 4: a handler that
// acknowledges the fetch via respondWith but then suspends on a promise
// that never resolves must still be cut off by the wall-clock guard, not
// fall through to a synthesized "no response" error the instant the
// Go-side event loop runs dry.
func TestScenario_HangingIO(t *testing.T) {
	limits := DefaultRuntimeLimits()
	limits.MaxWallClockTimeMS = 100
	limits.MaxCPUTimeMS = 0

	w, err := New(Script{Source: `
addEventListener('fetch', function(event) {
	event.respondWith(new Promise(function() {}));
});
`}, nil, limits)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(w.Close)

	reply := make(chan FetchReply, 1)
	start := time.Now()
	execErr := w.Exec(context.Background(), NewFetchTask(HttpRequest{Method: "GET", URL: "http://example.com/"}, reply))
	elapsed := time.Since(start)

	if execErr == nil {
		t.Fatal("expected a wall-clock termination error")
	}
	if w.TerminationReason() != WallClockExceeded {
		t.Errorf("termination reason = %v, want WallClockExceeded", w.TerminationReason())
	}
	if elapsed > 200*time.Millisecond {
		t.Errorf("took %v to terminate, want <= 200ms", elapsed)
	}
}
