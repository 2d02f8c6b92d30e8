package webapi

import (
	"encoding/json"
	"fmt"
	"net/url"

	v8 "github.com/tommie/v8go"
)

// classesJS defines Headers, URL, URLSearchParams, Request, and Response,
// adapted from the runtime's webapi.go. Response gains a stream-aware body
// getter identical to Request's, and Request/Response both expose .body as
// a ReadableStream lazily constructed from whatever was passed in, matching
// the Fetch spec's body-is-a-stream model closely enough for worker code
// written against it to run unmodified.
const classesJS = `
(function() {
class Headers {
	constructor(init) {
		this._map = {};
		if (init) {
			if (init instanceof Headers) {
				for (const k in init._map) if (init._map.hasOwnProperty(k)) this._map[k] = init._map[k];
			} else if (Array.isArray(init)) {
				for (const pair of init) {
					const key = String(pair[0]).toLowerCase();
					const val = String(pair[1]);
					this._map[key] = this._map.hasOwnProperty(key) ? this._map[key] + ', ' + val : val;
				}
			} else {
				for (const k in init) if (init.hasOwnProperty(k)) this._map[k.toLowerCase()] = String(init[k]);
			}
		}
	}
	get(name) { var v = this._map[name.toLowerCase()]; return v === undefined ? null : v; }
	set(name, value) { this._map[name.toLowerCase()] = String(value); }
	has(name) { return name.toLowerCase() in this._map; }
	delete(name) { delete this._map[name.toLowerCase()]; }
	append(name, value) {
		const key = name.toLowerCase();
		this._map[key] = this._map[key] ? this._map[key] + ', ' + String(value) : String(value);
	}
	forEach(cb) { for (const k in this._map) if (this._map.hasOwnProperty(k)) cb(this._map[k], k, this); }
	entries() { return Object.entries(this._map)[Symbol.iterator](); }
	keys() { return Object.keys(this._map)[Symbol.iterator](); }
	values() { return Object.values(this._map)[Symbol.iterator](); }
}

class URL {
	constructor(input, base) {
		const parsed = JSON.parse(__parseURL(String(input), base !== undefined && base !== null ? String(base) : ''));
		if (parsed.error) throw new TypeError(parsed.error);
		this.href = parsed.href;
		this.protocol = parsed.protocol;
		this.hostname = parsed.hostname;
		this.port = parsed.port;
		this.pathname = parsed.pathname;
		this.search = parsed.search;
		this.hash = parsed.hash;
		this.origin = parsed.origin;
		this.host = parsed.host;
		this.username = parsed.username || '';
		this.password = parsed.password || '';
		this.searchParams = new URLSearchParams(this.search);
		this.searchParams._url = this;
	}
	toString() { return this.href; }
	static canParse(u, base) {
		try { new URL(u, base); return true; } catch (e) { return false; }
	}
}

class URLSearchParams {
	constructor(init) {
		this._entries = [];
		if (typeof init === 'string') {
			const s = init.indexOf('?') === 0 ? init.slice(1) : init;
			if (s) {
				for (const pair of s.split('&')) {
					const idx = pair.indexOf('=');
					const k = idx === -1 ? pair : pair.slice(0, idx);
					const v = idx === -1 ? '' : pair.slice(idx + 1);
					this._entries.push([decodeURIComponent(k.replace(/\+/g, '%20')), decodeURIComponent(v.replace(/\+/g, '%20'))]);
				}
			}
		} else if (Array.isArray(init)) {
			for (const pair of init) this._entries.push([String(pair[0]), String(pair[1])]);
		}
	}
	get(name) { const e = this._entries.find(function(x) { return x[0] === name; }); return e ? e[1] : null; }
	getAll(name) { return this._entries.filter(function(x) { return x[0] === name; }).map(function(x) { return x[1]; }); }
	has(name) { return this._entries.some(function(x) { return x[0] === name; }); }
	set(name, value) {
		const s = String(value);
		let found = false;
		const filtered = [];
		for (const e of this._entries) {
			if (e[0] === name) { if (!found) { filtered.push([name, s]); found = true; } }
			else { filtered.push(e); }
		}
		if (!found) filtered.push([name, s]);
		this._entries = filtered;
		this._sync();
	}
	append(name, value) { this._entries.push([name, String(value)]); this._sync(); }
	delete(name) { this._entries = this._entries.filter(function(e) { return e[0] !== name; }); this._sync(); }
	sort() { this._entries.sort(function(a, b) { return a[0] < b[0] ? -1 : a[0] > b[0] ? 1 : 0; }); this._sync(); }
	toString() { return this._entries.map(function(e) { return encodeURIComponent(e[0]) + '=' + encodeURIComponent(e[1]); }).join('&'); }
	forEach(cb) { for (const e of this._entries) cb(e[1], e[0], this); }
	entries() { return this._entries[Symbol.iterator](); }
	keys() { return this._entries.map(function(e) { return e[0]; })[Symbol.iterator](); }
	values() { return this._entries.map(function(e) { return e[1]; })[Symbol.iterator](); }
	_sync() {
		if (this._url) {
			const s = this.toString();
			this._url.search = s ? '?' + s : '';
			this._url.href = this._url.origin + this._url.pathname + this._url.search + this._url.hash;
		}
	}
}

function bodyToStream(content) {
	return new ReadableStream({
		start(controller) {
			if (content === null || content === undefined) { controller.close(); return; }
			if (typeof content === 'string') controller.enqueue(new TextEncoder().encode(content));
			else if (content instanceof ArrayBuffer) controller.enqueue(new Uint8Array(content));
			else if (ArrayBuffer.isView(content)) controller.enqueue(new Uint8Array(content.buffer, content.byteOffset, content.byteLength));
			else controller.enqueue(new TextEncoder().encode(String(content)));
			controller.close();
		}
	});
}

async function readAllFromStream(stream) {
	const reader = stream.getReader();
	const chunks = [];
	let total = 0;
	for (;;) {
		const { done, value } = await reader.read();
		if (done) break;
		chunks.push(value);
		total += value.byteLength;
	}
	const out = new Uint8Array(total);
	let offset = 0;
	for (const c of chunks) { out.set(c, offset); offset += c.byteLength; }
	return out.buffer;
}

// bodyToArrayBuffer normalizes a Request/Response's raw _body (string,
// ArrayBuffer, typed array, ReadableStream, or null) to an ArrayBuffer, the
// common representation .text()/.json()/.bytes() all decode from.
async function bodyToArrayBuffer(body) {
	if (body === null || body === undefined) return new ArrayBuffer(0);
	if (body instanceof ReadableStream) return readAllFromStream(body);
	if (body instanceof ArrayBuffer) return body;
	if (ArrayBuffer.isView(body)) return body.buffer.slice(body.byteOffset, body.byteOffset + body.byteLength);
	if (typeof body === 'string') return new TextEncoder().encode(body).buffer;
	return new TextEncoder().encode(String(body)).buffer;
}

class Request {
	constructor(input, init) {
		init = init || {};
		if (input instanceof Request) {
			this.url = input.url;
			this.method = input.method;
			this.headers = new Headers(input.headers);
			this._body = input._body;
		} else {
			try { this.url = new URL(String(input)).href; } catch (e) { this.url = String(input); }
			this.method = (init.method || 'GET').toUpperCase();
			this.headers = new Headers(init.headers);
			this._body = init.body !== undefined ? init.body : null;
		}
		if (init.method) this.method = init.method.toUpperCase();
		if (init.headers) this.headers = new Headers(init.headers);
		if (init.body !== undefined) this._body = init.body;
	}
	get body() {
		if (this._body === null || this._body === undefined) return null;
		if (this._body instanceof ReadableStream) return this._body;
		this._body = bodyToStream(this._body);
		return this._body;
	}
	get bodyUsed() { return this._body instanceof ReadableStream ? !!this._body._locked : false; }
	async arrayBuffer() { return bodyToArrayBuffer(this._body); }
	async bytes() { return new Uint8Array(await this.arrayBuffer()); }
	async text() { return new TextDecoder().decode(await this.arrayBuffer()); }
	async json() { return JSON.parse(await this.text()); }
	clone() { return new Request(this); }
}

class Response {
	constructor(body, init) {
		init = init || {};
		this._body = body !== undefined && body !== null ? body : null;
		this.status = init.status !== undefined ? init.status : 200;
		this.statusText = init.statusText || '';
		this.headers = new Headers(init.headers);
		this.ok = this.status >= 200 && this.status < 300;
		this.url = init.url || '';
	}
	get body() {
		if (this._body === null || this._body === undefined) return null;
		if (this._body instanceof ReadableStream) return this._body;
		this._body = bodyToStream(this._body);
		return this._body;
	}
	get bodyUsed() { return this._body instanceof ReadableStream ? !!this._body._locked : false; }
	async arrayBuffer() { return bodyToArrayBuffer(this._body); }
	async bytes() { return new Uint8Array(await this.arrayBuffer()); }
	async text() { return new TextDecoder().decode(await this.arrayBuffer()); }
	async json() { return JSON.parse(await this.text()); }
	clone() {
		return new Response(this._body, { status: this.status, statusText: this.statusText, headers: new Headers(this.headers) });
	}
	static json(data, init) {
		init = init || {};
		const headers = new Headers(init.headers);
		if (!headers.has('content-type')) headers.set('content-type', 'application/json');
		return new Response(JSON.stringify(data), { status: init.status, statusText: init.statusText, headers: headers });
	}
	static redirect(u, status) {
		status = status || 302;
		if ([301, 302, 303, 307, 308].indexOf(status) === -1) throw new RangeError('Invalid redirect status: ' + status);
		return new Response(null, { status: status, headers: { location: u } });
	}
	static error() {
		const r = new Response(null, { status: 0, statusText: '' });
		r.type = 'error';
		return r;
	}
}

globalThis.Headers = Headers;
globalThis.URL = URL;
globalThis.URLSearchParams = URLSearchParams;
globalThis.Request = Request;
globalThis.Response = Response;
})();
`

// urlParsed is the JSON structure __parseURL returns, identical in shape to
// the runtime's own urlParsed type.
type urlParsed struct {
	Error    string `json:"error,omitempty"`
	Href     string `json:"href"`
	Protocol string `json:"protocol"`
	Hostname string `json:"hostname"`
	Port     string `json:"port"`
	Pathname string `json:"pathname"`
	Search   string `json:"search"`
	Hash     string `json:"hash"`
	Origin   string `json:"origin"`
	Host     string `json:"host"`
	Username string `json:"username"`
	Password string `json:"password"`
}

func parseURL(rawURL, base string) *urlParsed {
	var u *url.URL
	var err error

	if base != "" {
		baseURL, berr := url.Parse(base)
		if berr != nil {
			return &urlParsed{Error: fmt.Sprintf("invalid base URL: %s", base)}
		}
		ref, rerr := url.Parse(rawURL)
		if rerr != nil {
			return &urlParsed{Error: fmt.Sprintf("invalid URL: %s", rawURL)}
		}
		u = baseURL.ResolveReference(ref)
	} else {
		u, err = url.Parse(rawURL)
		if err != nil || u.Scheme == "" {
			return &urlParsed{Error: fmt.Sprintf("invalid URL: %s", rawURL)}
		}
	}
	if u.Scheme == "" {
		return &urlParsed{Error: fmt.Sprintf("invalid URL: %s", rawURL)}
	}

	protocol := u.Scheme + ":"
	host := u.Host
	hostname := u.Hostname()
	port := u.Port()
	origin := protocol + "//" + host
	username := ""
	password := ""
	if u.User != nil {
		username = u.User.Username()
		password, _ = u.User.Password()
	}
	pathname := u.Path
	if pathname == "" {
		pathname = "/"
	}
	search := ""
	if u.RawQuery != "" {
		search = "?" + u.RawQuery
	}
	hash := ""
	if u.Fragment != "" {
		hash = "#" + u.Fragment
	}

	return &urlParsed{
		Href: u.String(), Protocol: protocol, Hostname: hostname, Port: port,
		Pathname: pathname, Search: search, Hash: hash, Origin: origin, Host: host,
		Username: username, Password: password,
	}
}

// InstallURL registers the Go-backed __parseURL helper and evaluates the
// Headers/URL/URLSearchParams/Request/Response class definitions. Must run
// after InstallEncoding and InstallStreams (Request/Response bodies use
// TextEncoder and ReadableStream).
func InstallURL(iso *v8.Isolate, ctx *v8.Context) error {
	ft := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		args := info.Args()
		raw, base := "", ""
		if len(args) > 0 {
			raw = args[0].String()
		}
		if len(args) > 1 {
			base = args[1].String()
		}
		parsed := parseURL(raw, base)
		data, _ := json.Marshal(parsed)
		v, _ := v8.NewValue(iso, string(data))
		return v
	})
	if err := ctx.Global().Set("__parseURL", ft.GetFunction(ctx)); err != nil {
		return err
	}
	_, err := ctx.RunScript(classesJS, "webapi_url.js")
	return err
}
