package webapi

import (
	"fmt"

	v8 "github.com/tommie/v8go"
)

// byobJS adds ReadableStreamBYOBReader and ReadableByteStreamController
// support, monkey-patching the base ReadableStream (InstallStreams) to
// support { type: 'bytes' } underlying sources and getReader({ mode: 'byob' }),
// adapted from the runtime's own byob_reader.go.
const byobJS = `
(function() {

class ReadableByteStreamController {
	constructor(stream) {
		this._stream = stream;
		this._closeRequested = false;
	}
	enqueue(chunk) {
		if (this._closeRequested) throw new TypeError('Cannot enqueue after close');
		if (this._stream._byobReads && this._stream._byobReads.length > 0) {
			const { resolve, view } = this._stream._byobReads.shift();
			const src = chunk instanceof ArrayBuffer ? new Uint8Array(chunk) : chunk instanceof Uint8Array ? chunk : new Uint8Array(chunk.buffer || chunk);
			const dst = new Uint8Array(view.buffer, view.byteOffset, view.byteLength);
			const copyLen = Math.min(src.length, dst.length);
			for (let i = 0; i < copyLen; i++) dst[i] = src[i];
			resolve({ value: new Uint8Array(view.buffer, view.byteOffset, copyLen), done: false });
			return;
		}
		this._stream._queue.push(chunk);
		this._stream._pull();
	}
	close() {
		this._closeRequested = true;
		this._stream._closeInternal();
		if (this._stream._byobReads) {
			while (this._stream._byobReads.length > 0) {
				const { resolve, view } = this._stream._byobReads.shift();
				resolve({ value: new Uint8Array(view.buffer, view.byteOffset, 0), done: true });
			}
		}
	}
	error(e) {
		this._stream._errorInternal(e);
		if (this._stream._byobReads) {
			while (this._stream._byobReads.length > 0) this._stream._byobReads.shift().reject(e);
		}
	}
	get desiredSize() { return this._stream._highWaterMark - this._stream._queue.length; }
}

class ReadableStreamBYOBReader {
	constructor(stream) {
		if (stream._locked) throw new TypeError('ReadableStream is already locked');
		if (!stream._byteStream) throw new TypeError('ReadableStreamBYOBReader can only be used with byte streams');
		this._stream = stream;
		stream._locked = true;
		stream._reader = this;
		const self = this;
		this._closedPromise = new Promise(function(resolve, reject) { self._closedResolve = resolve; self._closedReject = reject; });
		if (stream._closed) this._closedResolve();
	}
	read(view) {
		const stream = this._stream;
		if (!view || typeof view.byteLength !== 'number') return Promise.reject(new TypeError('read() requires a typed array view'));
		if (view.byteLength === 0) return Promise.reject(new TypeError('view must have non-zero byteLength'));
		if (stream._errored) return Promise.reject(stream._error);
		if (stream._queue.length > 0) {
			const chunk = stream._queue.shift();
			const src = chunk instanceof ArrayBuffer ? new Uint8Array(chunk) : chunk instanceof Uint8Array ? chunk : new Uint8Array(chunk.buffer || chunk);
			const dst = new Uint8Array(view.buffer, view.byteOffset, view.byteLength);
			const copyLen = Math.min(src.length, dst.length);
			for (let i = 0; i < copyLen; i++) dst[i] = src[i];
			return Promise.resolve({ value: new Uint8Array(view.buffer, view.byteOffset, copyLen), done: false });
		}
		if (stream._closed) return Promise.resolve({ value: new Uint8Array(view.buffer, view.byteOffset, 0), done: true });
		return new Promise(function(resolve, reject) {
			stream._byobReads.push({ resolve, reject, view });
			stream._pull();
		});
	}
	releaseLock() { if (this._stream) { this._stream._locked = false; this._stream._reader = null; } }
	get closed() { return this._closedPromise; }
	cancel(reason) { return this._stream.cancel(reason); }
}

const OrigReadableStream = globalThis.ReadableStream;
const origGetReader = OrigReadableStream.prototype.getReader;

globalThis.ReadableStream = function ReadableStream(underlyingSource, strategy) {
	if (underlyingSource && underlyingSource.type === 'bytes') {
		const stream = new OrigReadableStream(undefined, strategy);
		stream._byteStream = true;
		stream._byobReads = [];
		stream._controller = new ReadableByteStreamController(stream);
		if (typeof underlyingSource.pull === 'function') stream._pullFn = underlyingSource.pull.bind(underlyingSource);
		if (typeof underlyingSource.cancel === 'function') stream._cancelFn = underlyingSource.cancel.bind(underlyingSource);
		if (typeof underlyingSource.start === 'function') underlyingSource.start(stream._controller);
		return stream;
	}
	return new OrigReadableStream(underlyingSource, strategy);
};
globalThis.ReadableStream.prototype = OrigReadableStream.prototype;
globalThis.ReadableStream.from = OrigReadableStream.from;

OrigReadableStream.prototype.getReader = function(options) {
	if (options && options.mode === 'byob') return new ReadableStreamBYOBReader(this);
	return origGetReader.call(this, options);
};

globalThis.ReadableStreamBYOBReader = ReadableStreamBYOBReader;
globalThis.ReadableByteStreamController = ReadableByteStreamController;

})();
`

// InstallBYOBReader registers ReadableStreamBYOBReader and
// ReadableByteStreamController. Must run after InstallStreams.
func InstallBYOBReader(ctx *v8.Context) error {
	if _, err := ctx.RunScript(byobJS, "webapi_byob.js"); err != nil {
		return fmt.Errorf("evaluating byob reader: %w", err)
	}
	return nil
}

// textStreamsJS implements TextEncoderStream, TextDecoderStream, and
// IdentityTransformStream wrapping TransformStream, adapted from the
// runtime's own textstreams.go.
const textStreamsJS = `
(function() {

class TextEncoderStream extends TransformStream {
	constructor() {
		const encoder = new TextEncoder();
		super({
			transform(chunk, controller) {
				if (typeof chunk !== 'string') throw new TypeError('TextEncoderStream expects string chunks');
				controller.enqueue(encoder.encode(chunk));
			}
		});
		this._encoding = 'utf-8';
	}
	get encoding() { return this._encoding; }
}

class TextDecoderStream extends TransformStream {
	constructor(label, options) {
		const decoder = new TextDecoder(label, options);
		super({
			transform(chunk, controller) {
				let data;
				if (chunk instanceof ArrayBuffer) data = new Uint8Array(chunk);
				else if (ArrayBuffer.isView(chunk)) data = new Uint8Array(chunk.buffer, chunk.byteOffset, chunk.byteLength);
				else throw new TypeError('TextDecoderStream expects BufferSource chunks');
				const text = decoder.decode(data);
				if (text.length > 0) controller.enqueue(text);
			}
		});
		this._encoding = decoder.encoding || 'utf-8';
	}
	get encoding() { return this._encoding; }
}

class IdentityTransformStream extends TransformStream {
	constructor() { super(); }
}

globalThis.TextEncoderStream = TextEncoderStream;
globalThis.TextDecoderStream = TextDecoderStream;
globalThis.IdentityTransformStream = IdentityTransformStream;

})();
`

// InstallTextStreams evaluates the TextEncoderStream/TextDecoderStream
// polyfills. Must run after InstallStreams and InstallEncoding.
func InstallTextStreams(ctx *v8.Context) error {
	if _, err := ctx.RunScript(textStreamsJS, "webapi_textstreams.js"); err != nil {
		return fmt.Errorf("evaluating text streams: %w", err)
	}
	return nil
}
