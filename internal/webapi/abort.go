// Package webapi installs the ambient Web API surface every worker isolate
// gets before the user script runs: events, URL, encoding, streams,
// compression, timers, and fetch. Each installer is a pure function of
// (*v8go.Isolate, *v8go.Context) plus whatever native-op collaborators it
// needs, mirroring the teacher's per-concern setup* functions.
package webapi

import v8 "github.com/tommie/v8go"

// abortJS defines Event, EventTarget, AbortController, AbortSignal,
// DOMException, and CustomEvent as pure JS polyfills, adapted from the
// worker runtime's own abort.go (ScheduledEvent and FetchEvent are
// task-specific and live in the embedding package's events.go instead).
const abortJS = `
(function() {
class Event {
	constructor(type, options) {
		this.type = type;
		this.bubbles = !!(options && options.bubbles);
		this.cancelable = !!(options && options.cancelable);
		this.defaultPrevented = false;
		this.target = null;
		this.currentTarget = null;
		this.timeStamp = performance.now();
	}
	preventDefault() {
		if (this.cancelable) this.defaultPrevented = true;
	}
	stopPropagation() {}
	stopImmediatePropagation() {}
}

class EventTarget {
	constructor() {
		this._listeners = {};
	}
	addEventListener(type, callback, options) {
		if (typeof callback !== 'function') return;
		if (!this._listeners[type]) this._listeners[type] = [];
		const once = options && options.once;
		this._listeners[type].push({ callback, once });
	}
	removeEventListener(type, callback) {
		if (!this._listeners[type]) return;
		this._listeners[type] = this._listeners[type].filter(l => l.callback !== callback);
	}
	dispatchEvent(event) {
		event.target = this;
		event.currentTarget = this;
		const listeners = this._listeners[event.type];
		if (!listeners) return true;
		const copy = listeners.slice();
		for (const entry of copy) {
			entry.callback.call(this, event);
			if (entry.once) {
				this.removeEventListener(event.type, entry.callback);
			}
		}
		return !event.defaultPrevented;
	}
}

if (typeof globalThis.DOMException === 'undefined') {
	globalThis.DOMException = class DOMException extends Error {
		constructor(message, name) {
			super(message);
			this.name = name || 'Error';
			this.code = 0;
		}
	};
}

class AbortSignal extends EventTarget {
	constructor() {
		super();
		this.aborted = false;
		this.reason = undefined;
	}
	throwIfAborted() {
		if (this.aborted) throw this.reason;
	}
	static abort(reason) {
		const signal = new AbortSignal();
		signal.aborted = true;
		signal.reason = reason !== undefined ? reason : new DOMException('signal is aborted without reason', 'AbortError');
		return signal;
	}
	static timeout(ms) {
		const signal = new AbortSignal();
		setTimeout(() => {
			if (!signal.aborted) {
				signal.aborted = true;
				signal.reason = new DOMException('signal timed out', 'TimeoutError');
				signal.dispatchEvent(new Event('abort'));
			}
		}, ms);
		return signal;
	}
}
AbortSignal.any = function(signals) {
	if (!Array.isArray(signals)) signals = Array.from(signals);
	const controller = new AbortController();
	for (var i = 0; i < signals.length; i++) {
		if (signals[i].aborted) {
			controller.abort(signals[i].reason);
			return controller.signal;
		}
	}
	function onAbort(ev) {
		controller.abort(ev.target.reason);
		for (var j = 0; j < signals.length; j++) signals[j].removeEventListener('abort', onAbort);
	}
	for (var i2 = 0; i2 < signals.length; i2++) signals[i2].addEventListener('abort', onAbort);
	return controller.signal;
};

class AbortController {
	constructor() {
		this.signal = new AbortSignal();
	}
	abort(reason) {
		if (this.signal.aborted) return;
		this.signal.aborted = true;
		this.signal.reason = reason !== undefined ? reason : new DOMException('signal is aborted without reason', 'AbortError');
		this.signal.dispatchEvent(new Event('abort'));
	}
}

class CustomEvent extends Event {
	constructor(type, options) {
		super(type, options);
		this.detail = (options && options.detail !== undefined) ? options.detail : null;
	}
}

globalThis.Event = Event;
globalThis.EventTarget = EventTarget;
globalThis.AbortSignal = AbortSignal;
globalThis.AbortController = AbortController;
globalThis.CustomEvent = CustomEvent;
})();
`

// InstallAbort evaluates the Event/EventTarget/AbortController polyfills.
func InstallAbort(ctx *v8.Context) error {
	_, err := ctx.RunScript(abortJS, "webapi_abort.js")
	return err
}
