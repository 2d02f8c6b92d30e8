package worker

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	v8 "github.com/tommie/v8go"

	"github.com/cryguy/isoworker/internal/eventloop"
)

// installBridge registers the respond-direction native ops on ctx's global
// object. Requests flow Go -> JS directly (events.go constructs a Request
// object and calls the registered listener), so only the JS -> Go response
// direction needs native ops: __op_fetch_respond, __op_fetch_ack, the three
// __op_fetch_respond_stream_* ops, and __op_scheduled_respond.
//
// Structured arguments cross the boundary the same way the rest of this
// codebase does it: the JS value is stashed on a temp global, a small script
// JSON.stringifies the fields we care about (base64-encoding any binary
// body), and Go unmarshals the result. There is no Go-side object/array
// introspection API in play, by design — RunScript plus JSON is the one
// marshaling path used everywhere.
func installBridge(iso *v8.Isolate, ctx *v8.Context, reg *taskRegistry, loop *eventloop.EventLoop) error {
	set := func(name string, fn v8.FunctionCallback) error {
		ft := v8.NewFunctionTemplate(iso, fn)
		return ctx.Global().Set(name, ft.GetFunction(ctx))
	}

	if err := set("__op_fetch_respond", func(info *v8.FunctionCallbackInfo) *v8.Value {
		return bridgeFetchRespond(iso, ctx, info, reg)
	}); err != nil {
		return err
	}
	if err := set("__op_fetch_ack", func(info *v8.FunctionCallbackInfo) *v8.Value {
		return bridgeFetchAck(iso, info, reg)
	}); err != nil {
		return err
	}
	if err := set("__op_fetch_respond_stream_start", func(info *v8.FunctionCallbackInfo) *v8.Value {
		return bridgeFetchStreamStart(iso, ctx, info, reg)
	}); err != nil {
		return err
	}
	if err := set("__op_fetch_respond_stream_chunk", func(info *v8.FunctionCallbackInfo) *v8.Value {
		return bridgeFetchStreamChunk(iso, ctx, info, reg, loop)
	}); err != nil {
		return err
	}
	if err := set("__op_fetch_respond_stream_end", func(info *v8.FunctionCallbackInfo) *v8.Value {
		return bridgeFetchStreamEnd(iso, ctx, info, reg)
	}); err != nil {
		return err
	}
	if err := set("__op_scheduled_respond", func(info *v8.FunctionCallbackInfo) *v8.Value {
		return bridgeScheduledRespond(iso, ctx, info, reg)
	}); err != nil {
		return err
	}
	return nil
}

func throwTypeError(iso *v8.Isolate, msg string) *v8.Value {
	jsMsg, _ := v8.NewValue(iso, msg)
	iso.ThrowException(jsMsg)
	return nil
}

func fetchIDFromArg(info *v8.FunctionCallbackInfo) (int32, bool) {
	args := info.Args()
	if len(args) < 1 {
		return 0, false
	}
	return int32(args[0].Integer()), true
}

// responseExtraction mirrors fetch.go's fetchArgs struct: a plain-data
// shadow of the JS Response-shaped object passed to respondWith, with any
// binary body carried as a base64 string.
type responseExtraction struct {
	Status       int               `json:"status"`
	Headers      map[string]string `json:"headers"`
	Body         *string           `json:"body"`
	BodyIsBase64 bool              `json:"bodyIsBase64"`
}

// extractResponse stashes args[argIdx] on a temp global, evaluates a script
// that normalizes it to responseExtraction JSON, and unmarshals the result.
// The same __bufferSourceToB64 helper internal/webapi/binary.go installs is reused here
// rather than redefined.
func extractResponse(ctx *v8.Context, info *v8.FunctionCallbackInfo, argIdx int) (*HttpResponse, error) {
	args := info.Args()
	if len(args) <= argIdx {
		return nil, fmt.Errorf("missing response argument")
	}
	if err := ctx.Global().Set("__tmp_resp_arg", args[argIdx]); err != nil {
		return nil, err
	}
	defer ctx.Global().Delete("__tmp_resp_arg")

	result, err := ctx.RunScript(`(function() {
		var r = globalThis.__tmp_resp_arg;
		var status = 200, headers = {}, body = null, bodyIsBase64 = false;
		if (r && typeof r === 'object') {
			if (typeof r.status === 'number') status = r.status;
			var h = r.headers;
			if (h && h._map) { for (var k in h._map) { if (h._map.hasOwnProperty(k)) headers[k] = String(h._map[k]); } }
			else if (h && typeof h === 'object') { for (var k2 in h) { if (h.hasOwnProperty(k2)) headers[k2] = String(h[k2]); } }
			var b = r.body;
			if (b != null) {
				if (typeof b === 'string') { body = b; }
				else { body = __bufferSourceToB64(b); bodyIsBase64 = true; }
			}
		}
		return JSON.stringify({status: status, headers: headers, body: body, bodyIsBase64: bodyIsBase64});
	})()`, "fetch_respond_extract.js")
	if err != nil {
		return nil, err
	}

	var extracted responseExtraction
	if err := json.Unmarshal([]byte(result.String()), &extracted); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}

	var body []byte
	if extracted.Body != nil {
		if extracted.BodyIsBase64 {
			decoded, derr := base64.StdEncoding.DecodeString(*extracted.Body)
			if derr != nil {
				return nil, fmt.Errorf("decoding body: %w", derr)
			}
			body = decoded
		} else {
			body = []byte(*extracted.Body)
		}
	}

	headers := make(Headers, 0, len(extracted.Headers))
	for k, v := range extracted.Headers {
		headers = append(headers, Header{Name: k, Value: v})
	}

	return &HttpResponse{Status: extracted.Status, Headers: headers, Body: body}, nil
}

// extractChunkBytes stashes a chunk argument (string, ArrayBuffer, or typed
// array) on a temp global and base64-round-trips it the same way fetch's
// body extraction does for ReadableStream chunks.
func extractChunkBytes(ctx *v8.Context, info *v8.FunctionCallbackInfo, argIdx int) ([]byte, error) {
	args := info.Args()
	if len(args) <= argIdx || args[argIdx] == nil {
		return nil, nil
	}
	if args[argIdx].IsString() {
		return []byte(args[argIdx].String()), nil
	}
	if err := ctx.Global().Set("__tmp_chunk_arg", args[argIdx]); err != nil {
		return nil, err
	}
	defer ctx.Global().Delete("__tmp_chunk_arg")
	result, err := ctx.RunScript(`__bufferSourceToB64(globalThis.__tmp_chunk_arg)`, "stream_chunk_extract.js")
	if err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(result.String())
}

func bridgeFetchRespond(iso *v8.Isolate, ctx *v8.Context, info *v8.FunctionCallbackInfo, reg *taskRegistry) *v8.Value {
	id, ok := fetchIDFromArg(info)
	if !ok {
		return throwTypeError(iso, "op_fetch_respond: missing id")
	}
	fr, ok := reg.getFetch(id)
	if !ok {
		return throwTypeError(iso, "op_fetch_respond: unknown fetch id")
	}
	resp, err := extractResponse(ctx, info, 1)
	if err != nil {
		return throwTypeError(iso, "op_fetch_respond: "+err.Error())
	}
	if err := fr.completeImmediate(resp); err != nil {
		return throwTypeError(iso, "op_fetch_respond: "+err.Error())
	}
	return nil
}

// bridgeFetchAck records that respondWith ran, so drainAndFinish knows a
// response is genuinely still in flight rather than never coming.
func bridgeFetchAck(iso *v8.Isolate, info *v8.FunctionCallbackInfo, reg *taskRegistry) *v8.Value {
	id, ok := fetchIDFromArg(info)
	if !ok {
		return throwTypeError(iso, "op_fetch_ack: missing id")
	}
	fr, ok := reg.getFetch(id)
	if !ok {
		return throwTypeError(iso, "op_fetch_ack: unknown fetch id")
	}
	fr.ack()
	return nil
}

func bridgeFetchStreamStart(iso *v8.Isolate, ctx *v8.Context, info *v8.FunctionCallbackInfo, reg *taskRegistry) *v8.Value {
	id, ok := fetchIDFromArg(info)
	if !ok {
		return throwTypeError(iso, "op_fetch_respond_stream_start: missing id")
	}
	fr, ok := reg.getFetch(id)
	if !ok {
		return throwTypeError(iso, "op_fetch_respond_stream_start: unknown fetch id")
	}
	resp, err := extractResponse(ctx, info, 1)
	if err != nil {
		return throwTypeError(iso, "op_fetch_respond_stream_start: "+err.Error())
	}
	if err := fr.startStream(resp.Status, resp.Headers); err != nil {
		return throwTypeError(iso, "op_fetch_respond_stream_start: "+err.Error())
	}
	return nil
}

// bridgeFetchStreamChunk writes one chunk and returns a Promise that
// resolves once the chunk has landed in the stream's buffer, giving the
// stream backpressure. The channel send happens on a helper goroutine
// (fr.writeChunk blocks while the buffer is full, until the host reads) so
// the isolate's own goroutine is never blocked;
// the event loop drains the completion and resolves the promise.
func bridgeFetchStreamChunk(iso *v8.Isolate, ctx *v8.Context, info *v8.FunctionCallbackInfo, reg *taskRegistry, loop *eventloop.EventLoop) *v8.Value {
	id, ok := fetchIDFromArg(info)
	if !ok {
		return throwTypeError(iso, "op_fetch_respond_stream_chunk: missing id")
	}
	fr, ok := reg.getFetch(id)
	if !ok {
		return throwTypeError(iso, "op_fetch_respond_stream_chunk: unknown fetch id")
	}
	data, err := extractChunkBytes(ctx, info, 1)
	if err != nil {
		return throwTypeError(iso, "op_fetch_respond_stream_chunk: "+err.Error())
	}

	resolver, err := v8.NewPromiseResolver(ctx)
	if err != nil {
		return throwTypeError(iso, "op_fetch_respond_stream_chunk: "+err.Error())
	}

	done := make(chan eventloop.AsyncResult, 1)
	go func() {
		if err := fr.writeChunk(data); err != nil {
			done <- eventloop.AsyncResult{Err: err.Error()}
			return
		}
		done <- eventloop.AsyncResult{}
	}()
	loop.AddPendingAsync(resolver, done)

	return resolver.GetPromise().Value
}

func bridgeFetchStreamEnd(iso *v8.Isolate, ctx *v8.Context, info *v8.FunctionCallbackInfo, reg *taskRegistry) *v8.Value {
	id, ok := fetchIDFromArg(info)
	if !ok {
		return throwTypeError(iso, "op_fetch_respond_stream_end: missing id")
	}
	fr, ok := reg.getFetch(id)
	if !ok {
		return throwTypeError(iso, "op_fetch_respond_stream_end: unknown fetch id")
	}
	args := info.Args()
	var streamErr error
	if len(args) > 1 && args[1] != nil && !args[1].IsUndefined() && !args[1].IsNull() {
		streamErr = fmt.Errorf("%s", args[1].String())
	}
	if err := fr.endStream(streamErr); err != nil {
		return throwTypeError(iso, "op_fetch_respond_stream_end: "+err.Error())
	}
	return nil
}

func bridgeScheduledRespond(iso *v8.Isolate, ctx *v8.Context, info *v8.FunctionCallbackInfo, reg *taskRegistry) *v8.Value {
	id, ok := fetchIDFromArg(info)
	if !ok {
		return throwTypeError(iso, "op_scheduled_respond: missing id")
	}
	sr, ok := reg.getScheduled(id)
	if !ok {
		return throwTypeError(iso, "op_scheduled_respond: unknown scheduled id")
	}
	args := info.Args()
	var taskErr error
	if len(args) > 1 && args[1] != nil && !args[1].IsUndefined() && !args[1].IsNull() {
		taskErr = fmt.Errorf("%s", args[1].String())
	}
	if err := sr.complete(taskErr); err != nil {
		return throwTypeError(iso, "op_scheduled_respond: "+err.Error())
	}
	return nil
}
