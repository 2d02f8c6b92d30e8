package worker

import (
	"errors"
	"testing"
)

var errBoom = errors.New("boom")

func TestTaskRegistry_RegisterFetchAssignsDistinctIDs(t *testing.T) {
	r := newTaskRegistry()
	reply := make(chan FetchReply, 2)
	id1 := r.registerFetch(HttpRequest{}, reply)
	id2 := r.registerFetch(HttpRequest{}, reply)
	if id1 == id2 {
		t.Fatalf("expected distinct ids, got %d and %d", id1, id2)
	}
	if _, ok := r.getFetch(id1); !ok {
		t.Error("getFetch(id1) not found")
	}
	if _, ok := r.getFetch(id1 + id2 + 1000); ok {
		t.Error("getFetch should report false for an unknown id")
	}
}

func TestFetchRegistration_CompleteImmediateFulfillsReplyOnce(t *testing.T) {
	r := newTaskRegistry()
	reply := make(chan FetchReply, 1)
	id := r.registerFetch(HttpRequest{}, reply)
	fr, _ := r.getFetch(id)

	if err := fr.completeImmediate(&HttpResponse{Status: 200}); err != nil {
		t.Fatalf("completeImmediate: %v", err)
	}
	if err := fr.completeImmediate(&HttpResponse{Status: 500}); err == nil {
		t.Fatal("a second completeImmediate should be rejected")
	}

	got := <-reply
	if got.Response.Status != 200 {
		t.Errorf("reply status = %d, want 200 (the first response)", got.Response.Status)
	}
}

func TestFetchRegistration_CompleteErrorReportsWhetherItSent(t *testing.T) {
	r := newTaskRegistry()
	reply := make(chan FetchReply, 1)
	id := r.registerFetch(HttpRequest{}, reply)
	fr, _ := r.getFetch(id)

	if !fr.completeError(errBoom) {
		t.Fatal("first completeError should report true")
	}
	if fr.completeError(errBoom) {
		t.Fatal("second completeError should report false (already responded)")
	}

	got := <-reply
	if got.Err != errBoom {
		t.Errorf("reply err = %v, want %v", got.Err, errBoom)
	}
}

func TestFetchRegistration_CompleteErrorAfterImmediateIsANoOp(t *testing.T) {
	r := newTaskRegistry()
	reply := make(chan FetchReply, 1)
	id := r.registerFetch(HttpRequest{}, reply)
	fr, _ := r.getFetch(id)

	if err := fr.completeImmediate(&HttpResponse{Status: 204}); err != nil {
		t.Fatalf("completeImmediate: %v", err)
	}
	if fr.completeError(errBoom) {
		t.Fatal("completeError after completeImmediate should report false")
	}

	got := <-reply
	if got.Response == nil || got.Response.Status != 204 {
		t.Errorf("reply = %+v, want the original 204 response", got)
	}
}

func TestFetchRegistration_StreamLifecycle(t *testing.T) {
	r := newTaskRegistry()
	reply := make(chan FetchReply, 1)
	id := r.registerFetch(HttpRequest{}, reply)
	fr, _ := r.getFetch(id)

	if err := fr.startStream(200, Headers{{Name: "content-type", Value: "text/plain"}}); err != nil {
		t.Fatalf("startStream: %v", err)
	}
	got := <-reply
	if got.Response.Stream == nil {
		t.Fatal("expected a streaming response")
	}

	writeErrs := make(chan error, 2)
	go func() {
		writeErrs <- fr.writeChunk([]byte("a"))
		writeErrs <- fr.endStream(nil)
	}()

	first := <-got.Response.Stream
	if string(first.Data) != "a" || first.Done {
		t.Errorf("first chunk = %+v", first)
	}
	last := <-got.Response.Stream
	if !last.Done || last.Err != nil {
		t.Errorf("final chunk = %+v, want Done with no error", last)
	}
	if err := <-writeErrs; err != nil {
		t.Errorf("writeChunk: %v", err)
	}
	if err := <-writeErrs; err != nil {
		t.Errorf("endStream: %v", err)
	}
}

func TestFetchRegistration_StreamStartAfterRespondedRejected(t *testing.T) {
	r := newTaskRegistry()
	reply := make(chan FetchReply, 1)
	id := r.registerFetch(HttpRequest{}, reply)
	fr, _ := r.getFetch(id)

	if err := fr.completeImmediate(&HttpResponse{Status: 200}); err != nil {
		t.Fatalf("completeImmediate: %v", err)
	}
	if err := fr.startStream(200, nil); err == nil {
		t.Fatal("startStream after an immediate response should be rejected")
	}
}

func TestFetchRegistration_DoubleEndStreamRejected(t *testing.T) {
	r := newTaskRegistry()
	reply := make(chan FetchReply, 1)
	id := r.registerFetch(HttpRequest{}, reply)
	fr, _ := r.getFetch(id)
	fr.startStream(200, nil)
	<-reply

	if err := fr.endStream(nil); err != nil {
		t.Fatalf("first endStream: %v", err)
	}
	if err := fr.endStream(nil); err == nil {
		t.Fatal("second endStream should be rejected")
	}
}

func TestScheduledRegistration_CompleteOnce(t *testing.T) {
	r := newTaskRegistry()
	reply := make(chan ScheduledReply, 1)
	id := r.registerScheduled(ScheduledInput{Cron: "* * * * *"}, reply)
	sr, _ := r.getScheduled(id)

	if err := sr.complete(nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := sr.complete(errBoom); err == nil {
		t.Fatal("a second complete should be rejected")
	}

	got := <-reply
	if got.Err != nil {
		t.Errorf("reply err = %v, want nil (the first completion)", got.Err)
	}
}
