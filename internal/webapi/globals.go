package webapi

import (
	"time"

	v8 "github.com/tommie/v8go"
)

// globalsJS defines structuredClone, queueMicrotask, and navigator, adapted
// from the runtime's own globals.go polyfill with sendBeacon dropped (no
// outbound network side channel is in scope for this embedding).
const globalsJS = `
(function() {
globalThis.structuredClone = (function() {
	var TYPED_ARRAY_CONSTRUCTORS = [
		typeof Uint8Array !== 'undefined' && Uint8Array,
		typeof Int8Array !== 'undefined' && Int8Array,
		typeof Uint8ClampedArray !== 'undefined' && Uint8ClampedArray,
		typeof Int16Array !== 'undefined' && Int16Array,
		typeof Uint16Array !== 'undefined' && Uint16Array,
		typeof Int32Array !== 'undefined' && Int32Array,
		typeof Uint32Array !== 'undefined' && Uint32Array,
		typeof Float32Array !== 'undefined' && Float32Array,
		typeof Float64Array !== 'undefined' && Float64Array,
	].filter(Boolean);

	function cloneError(msg) { return new DOMException(msg, 'DataCloneError'); }

	function deepClone(value, seen) {
		if (value === undefined) throw cloneError('value could not be cloned');
		if (value === null) return null;
		var type = typeof value;
		if (type === 'boolean' || type === 'number' || type === 'string' || type === 'bigint') return value;
		if (type === 'function' || type === 'symbol') throw cloneError('value could not be cloned');
		if (typeof Promise !== 'undefined' && value instanceof Promise) throw cloneError('Promise cannot be cloned');
		if (seen.has(value)) throw cloneError('value could not be cloned: circular reference');
		seen.set(value, true);
		if (value instanceof Date) return new Date(value.getTime());
		if (value instanceof RegExp) return new RegExp(value.source, value.flags);
		if (value instanceof ArrayBuffer) return value.slice(0);
		for (var ti = 0; ti < TYPED_ARRAY_CONSTRUCTORS.length; ti++) {
			var TA = TYPED_ARRAY_CONSTRUCTORS[ti];
			if (value instanceof TA) {
				var clonedBuf = value.buffer.slice(value.byteOffset, value.byteOffset + value.byteLength);
				return new TA(clonedBuf);
			}
		}
		if (typeof Map !== 'undefined' && value instanceof Map) {
			var clonedMap = new Map();
			value.forEach(function(v, k) { clonedMap.set(deepClone(k, seen), deepClone(v, seen)); });
			return clonedMap;
		}
		if (typeof Set !== 'undefined' && value instanceof Set) {
			var clonedSet = new Set();
			value.forEach(function(v) { clonedSet.add(deepClone(v, seen)); });
			return clonedSet;
		}
		if (Array.isArray(value)) {
			var arr = new Array(value.length);
			for (var i = 0; i < value.length; i++) arr[i] = deepClone(value[i], seen);
			return arr;
		}
		var result = {};
		var keys = Object.keys(value);
		for (var j = 0; j < keys.length; j++) result[keys[j]] = deepClone(value[keys[j]], seen);
		return result;
	}

	return function structuredClone(value) { return deepClone(value, new WeakMap()); };
})();

globalThis.queueMicrotask = function(fn) { Promise.resolve().then(fn); };

Object.defineProperty(globalThis, 'navigator', {
	value: { userAgent: "isoworker/1.0", scheduling: { isInputPending: function() { return false; } } },
	writable: true,
	configurable: true,
});
})();
`

// reportErrorJS wires globalThis as its own EventTarget and defines
// ErrorEvent/reportError, adapted from the runtime's reportError polyfill.
const reportErrorJS = `
(function() {
class ErrorEvent extends Event {
	constructor(type, init) {
		super(type);
		this.error = init && init.error !== undefined ? init.error : null;
		this.message = (init && init.message) || '';
	}
}
if (typeof globalThis.addEventListener !== 'function') {
	var __gt = new EventTarget();
	globalThis.addEventListener = __gt.addEventListener.bind(__gt);
	globalThis.removeEventListener = __gt.removeEventListener.bind(__gt);
	globalThis.dispatchEvent = __gt.dispatchEvent.bind(__gt);
	globalThis._listeners = __gt._listeners;
}
globalThis.ErrorEvent = ErrorEvent;
globalThis.reportError = function(error) {
	var msg = (error !== null && error !== undefined) ? (error.message !== undefined ? error.message : String(error)) : '';
	globalThis.dispatchEvent(new ErrorEvent('error', { error: error, message: msg }));
};
})();
`

// InstallGlobals registers performance.now() (Go-backed, monotonic from
// worker construction) and evaluates the structuredClone/navigator and
// globalThis-as-EventTarget/reportError polyfills. Must run after
// InstallAbort (it depends on Event/EventTarget/DOMException).
func InstallGlobals(iso *v8.Isolate, ctx *v8.Context) error {
	start := time.Now()
	ft := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		ms := float64(time.Since(start).Nanoseconds()) / 1e6
		v, _ := v8.NewValue(iso, ms)
		return v
	})
	if err := ctx.Global().Set("__performanceNow", ft.GetFunction(ctx)); err != nil {
		return err
	}
	if _, err := ctx.RunScript(`globalThis.performance = { now: function() { return __performanceNow(); } };`, "webapi_performance.js"); err != nil {
		return err
	}
	if _, err := ctx.RunScript(globalsJS, "webapi_globals.js"); err != nil {
		return err
	}
	_, err := ctx.RunScript(reportErrorJS, "webapi_report_error.js")
	return err
}
