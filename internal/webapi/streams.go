package webapi

import (
	"fmt"

	v8 "github.com/tommie/v8go"
)

// streamsJS implements ReadableStream, WritableStream, and TransformStream
// as pure JS polyfills. The internal field names (_queue, _locked, _closed,
// _controller, _pullFn, _cancelFn, _pull, _closeInternal, _errorInternal)
// match what the runtime's byob_reader.go and textstreams.go polyfills
// expect to monkey-patch and extend, so those two files can be adapted
// on top of this base unchanged in shape.
const streamsJS = `
(function() {

class ReadableStreamDefaultController {
	constructor(stream) {
		this._stream = stream;
	}
	enqueue(chunk) {
		const stream = this._stream;
		if (stream._closed || stream._errored) throw new TypeError('Cannot enqueue after close or error');
		if (stream._reads.length > 0) {
			const { resolve } = stream._reads.shift();
			resolve({ value: chunk, done: false });
			return;
		}
		stream._queue.push(chunk);
	}
	close() { this._stream._closeInternal(); }
	error(e) { this._stream._errorInternal(e); }
	get desiredSize() { return this._stream._highWaterMark - this._stream._queue.length; }
}

class ReadableStreamDefaultReader {
	constructor(stream) {
		if (stream._locked) throw new TypeError('ReadableStream is already locked');
		this._stream = stream;
		stream._locked = true;
		stream._reader = this;
		const self = this;
		this._closedPromise = new Promise(function(resolve, reject) {
			self._closedResolve = resolve;
			self._closedReject = reject;
		});
		if (stream._closed) this._closedResolve();
		if (stream._errored) this._closedReject(stream._error);
	}
	read() {
		const stream = this._stream;
		if (stream._errored) return Promise.reject(stream._error);
		if (stream._queue.length > 0) return Promise.resolve({ value: stream._queue.shift(), done: false });
		if (stream._closed) return Promise.resolve({ value: undefined, done: true });
		const self = this;
		return new Promise(function(resolve, reject) {
			stream._reads.push({ resolve, reject });
			stream._pull();
		});
	}
	releaseLock() {
		if (this._stream) { this._stream._locked = false; this._stream._reader = null; }
	}
	get closed() { return this._closedPromise; }
	cancel(reason) { return this._stream.cancel(reason); }
}

class ReadableStream {
	constructor(underlyingSource, strategy) {
		underlyingSource = underlyingSource || {};
		this._queue = [];
		this._reads = [];
		this._locked = false;
		this._closed = false;
		this._errored = false;
		this._error = undefined;
		this._highWaterMark = (strategy && strategy.highWaterMark) || 1;
		this._controller = new ReadableStreamDefaultController(this);
		this._pulling = false;
		if (typeof underlyingSource.pull === 'function') this._pullFn = underlyingSource.pull.bind(underlyingSource);
		if (typeof underlyingSource.cancel === 'function') this._cancelFn = underlyingSource.cancel.bind(underlyingSource);
		if (typeof underlyingSource.start === 'function') underlyingSource.start(this._controller);
	}
	_pull() {
		if (this._pullFn && !this._pulling && !this._closed && !this._errored) {
			this._pulling = true;
			const self = this;
			Promise.resolve().then(function() {
				self._pulling = false;
				try {
					const r = self._pullFn(self._controller);
					if (r && typeof r.then === 'function') r.then(undefined, function(e) { self._errorInternal(e); });
				} catch (e) { self._errorInternal(e); }
			});
		}
	}
	_closeInternal() {
		this._closed = true;
		while (this._reads.length > 0) this._reads.shift().resolve({ value: undefined, done: true });
		if (this._reader && this._reader._closedResolve) this._reader._closedResolve();
	}
	_errorInternal(e) {
		this._errored = true;
		this._error = e;
		while (this._reads.length > 0) this._reads.shift().reject(e);
		if (this._reader && this._reader._closedReject) this._reader._closedReject(e);
	}
	get locked() { return this._locked; }
	getReader(options) { return new ReadableStreamDefaultReader(this); }
	cancel(reason) {
		if (this._cancelFn) { try { this._cancelFn(reason); } catch (e) {} }
		this._closeInternal();
		return Promise.resolve();
	}
	pipeTo(dest) {
		const reader = this.getReader();
		const writer = dest.getWriter();
		function step() {
			return reader.read().then(function(result) {
				if (result.done) return writer.close();
				return writer.write(result.value).then(step);
			});
		}
		return step();
	}
	tee() {
		const self = this;
		const branch1Queue = [];
		const branch2Queue = [];
		const reader = this.getReader();
		function pump() {
			return reader.read().then(function(result) {
				if (result.done) return { done: true };
				return result;
			});
		}
		const s1 = new ReadableStream({
			pull(controller) {
				return pump().then(function(result) {
					if (result.done) controller.close(); else controller.enqueue(result.value);
				});
			}
		});
		const s2 = new ReadableStream({
			pull(controller) {
				return pump().then(function(result) {
					if (result.done) controller.close(); else controller.enqueue(result.value);
				});
			}
		});
		return [s1, s2];
	}
	static from(iterable) {
		const it = iterable[Symbol.iterator] ? iterable[Symbol.iterator]() : iterable;
		return new ReadableStream({
			pull(controller) {
				const r = it.next();
				if (r.done) controller.close(); else controller.enqueue(r.value);
			}
		});
	}
}

class WritableStreamDefaultWriter {
	constructor(stream) {
		if (stream._locked) throw new TypeError('WritableStream is already locked');
		this._stream = stream;
		stream._locked = true;
	}
	write(chunk) { return this._stream._write(chunk); }
	close() { return this._stream._close(); }
	abort(reason) { return this._stream._abort(reason); }
	releaseLock() { this._stream._locked = false; }
	get closed() { return this._stream._closedPromise; }
	get ready() { return Promise.resolve(); }
}

class WritableStream {
	constructor(underlyingSink, strategy) {
		underlyingSink = underlyingSink || {};
		this._locked = false;
		this._state = 'writable';
		const self = this;
		this._closedPromise = new Promise(function(resolve, reject) {
			self._closedResolve = resolve;
			self._closedReject = reject;
		});
		this._writeFn = underlyingSink.write ? underlyingSink.write.bind(underlyingSink) : function() {};
		this._closeFn = underlyingSink.close ? underlyingSink.close.bind(underlyingSink) : function() {};
		this._abortFn = underlyingSink.abort ? underlyingSink.abort.bind(underlyingSink) : function() {};
		this._controller = { error: function(e) { self._state = 'errored'; self._closedReject(e); } };
		if (typeof underlyingSink.start === 'function') underlyingSink.start(this._controller);
	}
	get locked() { return this._locked; }
	getWriter() { return new WritableStreamDefaultWriter(this); }
	_write(chunk) {
		if (this._state !== 'writable') return Promise.reject(new TypeError('stream is not writable'));
		return Promise.resolve(this._writeFn(chunk, this._controller));
	}
	_close() {
		this._state = 'closed';
		this._closedResolve();
		return Promise.resolve(this._closeFn());
	}
	_abort(reason) {
		this._state = 'errored';
		this._closedReject(reason);
		return Promise.resolve(this._abortFn(reason));
	}
}

class TransformStream {
	constructor(transformer, writableStrategy, readableStrategy) {
		transformer = transformer || {};
		const self = this;
		let readableController;
		this.readable = new ReadableStream({
			start(controller) { readableController = controller; }
		}, readableStrategy);
		const transformFn = transformer.transform
			? transformer.transform.bind(transformer)
			: function(chunk, controller) { controller.enqueue(chunk); };
		const flushFn = transformer.flush ? transformer.flush.bind(transformer) : null;
		this.writable = new WritableStream({
			write(chunk) {
				return Promise.resolve(transformFn(chunk, readableController));
			},
			close() {
				if (flushFn) {
					return Promise.resolve(flushFn(readableController)).then(function() { readableController.close(); });
				}
				readableController.close();
			},
			abort(reason) { readableController.error(reason); }
		}, writableStrategy);
		if (typeof transformer.start === 'function') transformer.start(readableController);
	}
}

globalThis.ReadableStream = ReadableStream;
globalThis.ReadableStreamDefaultReader = ReadableStreamDefaultReader;
globalThis.ReadableStreamDefaultController = ReadableStreamDefaultController;
globalThis.WritableStream = WritableStream;
globalThis.WritableStreamDefaultWriter = WritableStreamDefaultWriter;
globalThis.TransformStream = TransformStream;

})();
`

// InstallStreams evaluates the ReadableStream/WritableStream/TransformStream
// polyfills. Must run before InstallURL (Request/Response bodies) and
// before the byobJS/textStreamsJS extensions this package's other
// installers layer on top.
func InstallStreams(ctx *v8.Context) error {
	if _, err := ctx.RunScript(streamsJS, "webapi_streams.js"); err != nil {
		return fmt.Errorf("evaluating streams: %w", err)
	}
	return nil
}
