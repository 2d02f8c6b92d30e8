package worker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestWorker(t *testing.T, source string) *Worker {
	t.Helper()
	w, err := New(Script{Source: source}, nil, DefaultRuntimeLimits())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(w.Close)
	return w
}

func doFetch(t *testing.T, w *Worker, req HttpRequest) (*HttpResponse, error) {
	t.Helper()
	reply := make(chan FetchReply, 1)
	err := w.Exec(context.Background(), NewFetchTask(req, reply))
	select {
	case r := <-reply:
		if err != nil {
			return r.Response, err
		}
		return r.Response, r.Err
	default:
		return nil, err
	}
}

func TestWorker_EchoFetch(t *testing.T) {
	w := newTestWorker(t, `
addEventListener('fetch', function(event) {
	event.respondWith(new Response('hello from worker', {
		status: 201,
		headers: { 'x-test': 'yes' },
	}));
});
`)

	resp, err := doFetch(t, w, HttpRequest{Method: "GET", URL: "http://example.com/"})
	if err != nil {
		t.Fatalf("doFetch: %v", err)
	}
	if resp.Status != 201 {
		t.Errorf("status = %d, want 201", resp.Status)
	}
	if string(resp.Body) != "hello from worker" {
		t.Errorf("body = %q, want %q", resp.Body, "hello from worker")
	}
	if v, ok := resp.Headers.Get("x-test"); !ok || v != "yes" {
		t.Errorf("x-test header = %q, %v", v, ok)
	}
	if w.TerminationReason() != Normal {
		t.Errorf("termination reason = %v, want Normal", w.TerminationReason())
	}
}

func TestWorker_EchoesRequestMethodAndURL(t *testing.T) {
	w := newTestWorker(t, `
addEventListener('fetch', function(event) {
	event.respondWith(new Response(event.request.method + ' ' + event.request.url));
});
`)

	resp, err := doFetch(t, w, HttpRequest{Method: "POST", URL: "http://example.com/widgets"})
	if err != nil {
		t.Fatalf("doFetch: %v", err)
	}
	if string(resp.Body) != "POST http://example.com/widgets" {
		t.Errorf("body = %q", resp.Body)
	}
}

func TestWorker_RequestBodyRoundTrips(t *testing.T) {
	w := newTestWorker(t, `
addEventListener('fetch', function(event) {
	event.respondWith(event.request.text().then(function(body) {
		return new Response('got: ' + body);
	}));
});
`)

	resp, err := doFetch(t, w, HttpRequest{Method: "POST", URL: "http://example.com/", Body: []byte("payload")})
	if err != nil {
		t.Fatalf("doFetch: %v", err)
	}
	if string(resp.Body) != "got: payload" {
		t.Errorf("body = %q", resp.Body)
	}
}

func TestWorker_NoHandlerRegisteredReturnsNoHandlerError(t *testing.T) {
	w := newTestWorker(t, `// no addEventListener call at all`)

	_, err := doFetch(t, w, HttpRequest{Method: "GET", URL: "http://example.com/"})
	if err == nil {
		t.Fatal("expected an error for a script with no fetch handler")
	}
	var noHandler *NoHandlerError
	if !errors.As(err, &noHandler) {
		t.Fatalf("err = %v, want *NoHandlerError", err)
	}
	if noHandler.Kind != "fetch" {
		t.Errorf("noHandler.Kind = %q, want %q", noHandler.Kind, "fetch")
	}
	if w.TerminationReason() != Normal {
		t.Errorf("termination reason = %v, want Normal (missing handler is a usage error, not a script fault)", w.TerminationReason())
	}
}

func TestWorker_ThrowingHandlerLatchesUncaughtAndTerminatesReplies(t *testing.T) {
	w := newTestWorker(t, `
addEventListener('fetch', function(event) {
	throw new Error('boom');
});
`)

	_, err := doFetch(t, w, HttpRequest{Method: "GET", URL: "http://example.com/"})
	if err == nil {
		t.Fatal("expected an error")
	}
	if w.TerminationReason() != Uncaught {
		t.Errorf("termination reason = %v, want Uncaught", w.TerminationReason())
	}
}

func TestWorker_UnusableAfterNonNormalTermination(t *testing.T) {
	w := newTestWorker(t, `
addEventListener('fetch', function(event) {
	throw new Error('boom');
});
`)

	if _, err := doFetch(t, w, HttpRequest{Method: "GET", URL: "http://example.com/"}); err == nil {
		t.Fatal("expected first call to fail")
	}

	reply := make(chan FetchReply, 1)
	err := w.Exec(context.Background(), NewFetchTask(HttpRequest{Method: "GET", URL: "http://example.com/"}, reply))
	if err != ErrWorkerUnusable {
		t.Errorf("second Exec error = %v, want ErrWorkerUnusable", err)
	}
}

func TestWorker_SnapshotUnsupported(t *testing.T) {
	_, err := New(Script{Source: "1"}, []byte{0x01}, DefaultRuntimeLimits())
	if err != ErrSnapshotUnsupported {
		t.Errorf("err = %v, want ErrSnapshotUnsupported", err)
	}
}

func TestWorker_BootstrapFailurePropagates(t *testing.T) {
	_, err := New(Script{Source: `throw new Error('top level boom');`}, nil, DefaultRuntimeLimits())
	if err == nil {
		t.Fatal("expected an error from a throwing top-level script")
	}
	if _, ok := err.(*BootstrapFailedError); !ok {
		t.Errorf("err = %T, want *BootstrapFailedError", err)
	}
}

func TestWorker_ScheduledTaskCompletesWithoutWaitUntil(t *testing.T) {
	w := newTestWorker(t, `
addEventListener('scheduled', function(event) {});
`)

	reply := make(chan ScheduledReply, 1)
	err := w.Exec(context.Background(), NewScheduledTask("* * * * *", time.Now().UnixMilli(), reply))
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	r := <-reply
	if r.Err != nil {
		t.Errorf("scheduled reply err = %v", r.Err)
	}
}

func TestWorker_ScheduledTaskWaitsOnWaitUntil(t *testing.T) {
	w := newTestWorker(t, `
addEventListener('scheduled', function(event) {
	event.waitUntil(new Promise(function(resolve) { resolve(); }));
});
`)

	reply := make(chan ScheduledReply, 1)
	err := w.Exec(context.Background(), NewScheduledTask("* * * * *", time.Now().UnixMilli(), reply))
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	r := <-reply
	if r.Err != nil {
		t.Errorf("scheduled reply err = %v", r.Err)
	}
}

func TestWorker_EnvIsFrozenAndVisible(t *testing.T) {
	w, err := New(Script{
		Source: `
addEventListener('fetch', function(event) {
	var mutated = false;
	try { env.GREETING = 'nope'; } catch (e) { mutated = true; }
	event.respondWith(new Response(env.GREETING + ':' + (Object.isFrozen(env) || mutated)));
});
`,
		Env: map[string]string{"GREETING": "hi"},
	}, nil, DefaultRuntimeLimits())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(w.Close)

	resp, err := doFetch(t, w, HttpRequest{Method: "GET", URL: "http://example.com/"})
	if err != nil {
		t.Fatalf("doFetch: %v", err)
	}
	if !strings.HasPrefix(string(resp.Body), "hi:true") {
		t.Errorf("body = %q", resp.Body)
	}
}

func TestWorker_WallClockGuardTerminatesHangingHandler(t *testing.T) {
	limits := DefaultRuntimeLimits()
	limits.MaxWallClockTimeMS = 20
	limits.MaxCPUTimeMS = 0

	w, err := New(Script{Source: `
addEventListener('fetch', function(event) {
	while (true) {}
});
`}, nil, limits)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(w.Close)

	reply := make(chan FetchReply, 1)
	execErr := w.Exec(context.Background(), NewFetchTask(HttpRequest{Method: "GET", URL: "http://example.com/"}, reply))
	if execErr == nil {
		t.Fatal("expected wall-clock termination error")
	}
	if w.TerminationReason() != WallClockExceeded {
		t.Errorf("termination reason = %v, want WallClockExceeded", w.TerminationReason())
	}
}
