package worker

import (
	"encoding/json"
	"fmt"

	v8 "github.com/tommie/v8go"
)

// eventsJS defines FetchEvent and ScheduledEvent on top of the
// Event/EventTarget base classes installed by webapi.InstallAbort, and makes
// globalThis itself the single EventTarget add/removeEventListener target,
// the same shape the runtime's own ScheduledEvent (abort.go) and
// globalThis-as-EventTarget (globals.go) polyfills use.
const eventsJS = `
(function() {
if (typeof globalThis.addEventListener !== 'function') {
	var __gt = new EventTarget();
	globalThis.addEventListener = __gt.addEventListener.bind(__gt);
	globalThis.removeEventListener = __gt.removeEventListener.bind(__gt);
	globalThis.dispatchEvent = __gt.dispatchEvent.bind(__gt);
	globalThis._listeners = __gt._listeners;
}

class FetchEvent extends Event {
	constructor(id, request) {
		super('fetch');
		this._id = id;
		this.request = request;
		this._responded = false;
		this._waitUntilPromises = [];
	}
	respondWith(responseOrPromise) {
		if (this._responded) throw new TypeError('respondWith already called');
		this._responded = true;
		__op_fetch_ack(this._id);
		var self = this;
		Promise.resolve(responseOrPromise).then(function(response) {
			return __sendFetchResponse(self._id, response);
		}).catch(function(err) {
			try { __op_fetch_respond(self._id, { status: 500, headers: {}, body: String(err && err.message || err) }); } catch (e2) {}
		});
	}
	waitUntil(promise) {
		this._waitUntilPromises.push(Promise.resolve(promise));
	}
}

class ScheduledEvent extends Event {
	constructor(id, scheduledTime, cron) {
		super('scheduled');
		this._id = id;
		this.scheduledTime = scheduledTime;
		this.cron = cron;
		this._waitUntilPromises = [];
	}
	waitUntil(promise) {
		this._waitUntilPromises.push(Promise.resolve(promise));
	}
}

globalThis.FetchEvent = FetchEvent;
globalThis.ScheduledEvent = ScheduledEvent;

// __sendFetchResponse pumps a streaming body chunk-by-chunk (preserving the
// stream ops' backpressure) or sends an eagerly-read body via the plain op.
// It branches on the raw _body field rather than the .body getter: the
// getter lazily coerces every non-null, non-stream body (a plain string, an
// ArrayBuffer) into a ReadableStream via bodyToStream so Request/Response
// both expose a uniform stream-shaped body to user code, but that would make
// every Response with a body look streaming here too, permanently starving
// the immediate op path this function also needs to reach.
globalThis.__sendFetchResponse = function(id, response) {
	var status = (response && response.status) || 200;
	var headers = {};
	if (response && response.headers) {
		if (response.headers._map) { for (var k in response.headers._map) if (response.headers._map.hasOwnProperty(k)) headers[k] = String(response.headers._map[k]); }
		else if (typeof response.headers.forEach === 'function') { response.headers.forEach(function(v, k) { headers[k] = String(v); }); }
		else { for (var k2 in response.headers) if (response.headers.hasOwnProperty(k2)) headers[k2] = String(response.headers[k2]); }
	}
	var rawBody = response ? response._body : null;

	if (rawBody instanceof ReadableStream) {
		__op_fetch_respond_stream_start(id, { status: status, headers: headers });
		var reader = rawBody.getReader();
		function pump() {
			return reader.read().then(function(result) {
				if (result.done) {
					__op_fetch_respond_stream_end(id, null);
					return;
				}
				return Promise.resolve(__op_fetch_respond_stream_chunk(id, result.value)).then(pump);
			});
		}
		return pump().catch(function(err) {
			try { __op_fetch_respond_stream_end(id, String(err && err.message || err)); } catch (e2) {}
		});
	}

	return Promise.resolve(response && typeof response.text === 'function' ? response.text() : (rawBody || '')).then(function(text) {
		__op_fetch_respond(id, { status: status, headers: headers, body: text });
	});
};
})();
`

// installEvents evaluates the FetchEvent/ScheduledEvent polyfills. Must run
// after webapi.InstallAbort (Event/EventTarget) and installBridge (the
// __op_fetch_respond* functions it calls).
func installEvents(ctx *v8.Context) error {
	_, err := ctx.RunScript(eventsJS, "events.js")
	return err
}

// triggerFetchEventJS constructs a Request and a FetchEvent wrapping it,
// then dispatches it. Request headers and body are
// passed as a JSON payload (encoded by the caller) to stay on the same
// RunScript+JSON marshaling path as the rest of the bridge. If no 'fetch'
// listener was ever registered, that is reported back as a distinct
// noHandler result rather than thrown, so the Go side can surface
// NoHandlerError instead of latching Uncaught for what is a usage error,
// not a script fault.
const triggerFetchEventJS = `
(function() {
	var payload = JSON.parse(globalThis.__tmp_dispatch_payload);
	delete globalThis.__tmp_dispatch_payload;
	var listeners = globalThis._listeners && globalThis._listeners['fetch'];
	if (!listeners || listeners.length === 0) {
		return JSON.stringify({ noHandler: true });
	}
	var reqHeaders = new Headers(payload.headers || []);
	var body = payload.bodyBase64 !== null ? __b64ToBuffer(payload.bodyBase64) : null;
	var request = new Request(payload.url, { method: payload.method, headers: reqHeaders, body: body });
	var event = new FetchEvent(payload.id, request);
	var handled = globalThis.dispatchEvent(event);
	if (!handled || !event._responded) {
		throw new Error('no fetch handler responded to the request');
	}
	return JSON.stringify({ waitUntilCount: event._waitUntilPromises.length });
})()
`

const triggerScheduledEventJS = `
(function() {
	var payload = JSON.parse(globalThis.__tmp_dispatch_payload);
	delete globalThis.__tmp_dispatch_payload;
	var event = new ScheduledEvent(payload.id, payload.scheduledTime, payload.cron);
	var listeners = globalThis._listeners && globalThis._listeners['scheduled'];
	var handled = !!(listeners && listeners.length > 0) && globalThis.dispatchEvent(event);
	if (!handled) {
		__op_scheduled_respond(payload.id, 'no scheduled handler registered');
	} else if (event._waitUntilPromises.length === 0) {
		__op_scheduled_respond(payload.id, null);
	} else {
		Promise.allSettled(event._waitUntilPromises).then(function() {
			try { __op_scheduled_respond(payload.id, null); } catch (e) {}
		});
	}
	return JSON.stringify({ waitUntilCount: event._waitUntilPromises.length });
})()
`

// Headers is carried as an ordered array of [name, value] pairs rather than
// a map, so that duplicate header names and their relative order survive
// the Go -> JS boundary; Headers' own array-of-pairs constructor branch
// combines duplicates the same way append() does, matching the Fetch
// spec's header-combining behavior.
type dispatchRequestPayload struct {
	ID         int32       `json:"id"`
	Method     string      `json:"method"`
	URL        string      `json:"url"`
	Headers    [][2]string `json:"headers"`
	BodyBase64 *string     `json:"bodyBase64"`
}

type dispatchScheduledPayload struct {
	ID            int32  `json:"id"`
	ScheduledTime int64  `json:"scheduledTime"`
	Cron          string `json:"cron"`
}

// dispatchResult reports how many waitUntil promises the handler registered,
// so the caller knows whether it must drain the event loop before Exec can
// return. NoHandler is set instead of WaitUntilCount when the dispatch
// script found no listener registered for the event at all.
type dispatchResult struct {
	WaitUntilCount int  `json:"waitUntilCount"`
	NoHandler      bool `json:"noHandler"`
}

func setJSONPayload(ctx *v8.Context, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	v, err := v8.NewValue(ctx.Isolate(), string(data))
	if err != nil {
		return err
	}
	return ctx.Global().Set("__tmp_dispatch_payload", v)
}

func runDispatch(ctx *v8.Context, script, name string) (dispatchResult, error) {
	val, err := ctx.RunScript(script, name)
	if err != nil {
		return dispatchResult{}, err
	}
	var res dispatchResult
	if err := json.Unmarshal([]byte(val.String()), &res); err != nil {
		return dispatchResult{}, fmt.Errorf("parsing dispatch result: %w", err)
	}
	return res, nil
}
