package webapi

import v8 "github.com/tommie/v8go"

// binaryJS provides __bufferSourceToB64/__b64ToBuffer, lifted verbatim from
// the runtime's crypto.go (where the same helpers are defined inline) since
// the fetch/event bridge needs them independently of WebCrypto being
// installed.
const binaryJS = `
(function() {
	const _b64e = 'ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/';
	const _b64d = new Uint8Array(128);
	for (let i = 0; i < _b64e.length; i++) _b64d[_b64e.charCodeAt(i)] = i;

	function __bufferSourceToB64(data) {
		let arr;
		if (data instanceof ArrayBuffer) {
			arr = new Uint8Array(data);
		} else if (data && data.buffer instanceof ArrayBuffer) {
			arr = new Uint8Array(data.buffer, data.byteOffset || 0, data.byteLength || data.length);
		} else if (typeof data === 'string') {
			var enc = new TextEncoder();
			arr = enc.encode(data);
		} else if (data && typeof data.length === 'number') {
			arr = new Uint8Array(data.length);
			for (let i = 0; i < data.length; i++) arr[i] = data[i];
		} else {
			throw new TypeError('expected BufferSource');
		}
		const len = arr.length;
		let r = '';
		for (let i = 0; i < len; i += 3) {
			const a = arr[i];
			const b = i + 1 < len ? arr[i + 1] : 0;
			const c = i + 2 < len ? arr[i + 2] : 0;
			r += _b64e[a >> 2];
			r += _b64e[((a & 3) << 4) | (b >> 4)];
			r += i + 1 < len ? _b64e[((b & 15) << 2) | (c >> 6)] : '=';
			r += i + 2 < len ? _b64e[c & 63] : '=';
		}
		return r;
	}

	function __b64ToBuffer(b64) {
		let pad = 0;
		if (b64.length > 0 && b64[b64.length - 1] === '=') pad++;
		if (b64.length > 1 && b64[b64.length - 2] === '=') pad++;
		const outLen = (b64.length * 3 / 4) - pad;
		const buf = new ArrayBuffer(outLen);
		const out = new Uint8Array(buf);
		let j = 0;
		for (let i = 0; i < b64.length; i += 4) {
			const a = _b64d[b64.charCodeAt(i)];
			const b = _b64d[b64.charCodeAt(i + 1)];
			const c = _b64d[b64.charCodeAt(i + 2)];
			const d = _b64d[b64.charCodeAt(i + 3)];
			out[j++] = (a << 2) | (b >> 4);
			if (j < outLen) out[j++] = ((b & 15) << 4) | (c >> 2);
			if (j < outLen) out[j++] = ((c & 3) << 6) | d;
		}
		return buf;
	}

	globalThis.__bufferSourceToB64 = __bufferSourceToB64;
	globalThis.__b64ToBuffer = __b64ToBuffer;
})();
`

// InstallBinaryHelpers evaluates the __bufferSourceToB64/__b64ToBuffer
// polyfills. Must run after InstallEncoding (TextEncoder).
func InstallBinaryHelpers(ctx *v8.Context) error {
	_, err := ctx.RunScript(binaryJS, "webapi_binary.js")
	return err
}
