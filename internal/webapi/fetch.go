package webapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	v8 "github.com/tommie/v8go"

	"github.com/cryguy/isoworker/internal/eventloop"
)

// FetchConfig bounds what an in-worker fetch() call is allowed to do,
// adapted from the runtime's own EngineConfig fields that setupFetch reads.
type FetchConfig struct {
	Timeout          time.Duration
	MaxResponseBytes int64
	MaxFetches       int
	SSRFProtect      bool // false only in tests, to let httptest servers on 127.0.0.1 through
}

// forbiddenFetchHeaders is the blocklist of headers a worker cannot set
// directly; they are controlled by the HTTP transport or could enable
// header smuggling, copied from the runtime's fetch.go.
var forbiddenFetchHeaders = map[string]bool{
	"host": true, "transfer-encoding": true, "connection": true, "keep-alive": true,
	"upgrade": true, "proxy-authorization": true, "proxy-connection": true, "te": true,
	"trailer": true, "x-forwarded-for": true, "x-forwarded-host": true,
	"x-forwarded-proto": true, "x-real-ip": true,
}

type fetchArgs struct {
	URL           string            `json:"url"`
	Method        string            `json:"method"`
	Headers       map[string]string `json:"headers"`
	Body          *string           `json:"body"`
	BodyIsBase64  bool              `json:"bodyIsBase64"`
	Redirect      string            `json:"redirect"`
	SignalAborted bool              `json:"signalAborted"`
}

// fetchState tracks in-flight fetch() calls for one worker so an
// AbortSignal listener can cancel the underlying HTTP request. A worker
// handles one task at a time, so a simple id-keyed map scoped to the
// installer call stands in for the runtime's per-requestID registry.
type fetchState struct {
	mu      sync.Mutex
	nextID  int64
	cancels map[string]context.CancelFunc
	count   int
}

func (fs *fetchState) register(cancel context.CancelFunc) string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.nextID++
	id := strconv.FormatInt(fs.nextID, 10)
	fs.cancels[id] = cancel
	return id
}

func (fs *fetchState) remove(id string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	delete(fs.cancels, id)
}

func (fs *fetchState) cancel(id string) {
	fs.mu.Lock()
	cancel, ok := fs.cancels[id]
	fs.mu.Unlock()
	if ok {
		cancel()
	}
}

// InstallFetch registers the global fetch() function, backed by a
// PromiseResolver settled through loop.AddPendingCallback once the HTTP round
// trip (run on its own goroutine, never touching v8) completes. Must run
// after InstallURL, InstallStreams, InstallBinaryHelpers, and InstallAbort.
func InstallFetch(iso *v8.Isolate, ctx *v8.Context, cfg FetchConfig, loop *eventloop.EventLoop) error {
	fs := &fetchState{cancels: make(map[string]context.CancelFunc)}

	transport := &http.Transport{}
	if cfg.SSRFProtect {
		transport.DialContext = ssrfSafeDialContext
	}

	abortFT := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		args := info.Args()
		if len(args) < 1 {
			return v8.Undefined(iso)
		}
		fs.cancel(args[0].String())
		return v8.Undefined(iso)
	})
	if err := ctx.Global().Set("__fetchAbort", abortFT.GetFunction(ctx)); err != nil {
		return err
	}

	fetchFT := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		resolver, _ := v8.NewPromiseResolver(ctx)
		args := info.Args()

		fs.mu.Lock()
		if cfg.MaxFetches > 0 && fs.count >= cfg.MaxFetches {
			fs.mu.Unlock()
			errVal, _ := v8.NewValue(iso, fmt.Sprintf("exceeded maximum fetch requests (%d)", cfg.MaxFetches))
			resolver.Reject(errVal)
			return resolver.GetPromise().Value
		}
		fs.count++
		fs.mu.Unlock()

		if len(args) == 0 {
			errVal, _ := v8.NewValue(iso, "fetch requires at least 1 argument")
			resolver.Reject(errVal)
			return resolver.GetPromise().Value
		}

		ctx.Global().Set("__tmp_fetch_arg0", args[0])
		if len(args) > 1 {
			ctx.Global().Set("__tmp_fetch_arg1", args[1])
		}

		extracted, err := ctx.RunScript(fetchExtractJS, "fetch_extract.js")
		if err != nil {
			errVal, _ := v8.NewValue(iso, fmt.Sprintf("fetch: extracting arguments: %s", err))
			resolver.Reject(errVal)
			return resolver.GetPromise().Value
		}

		var fa fetchArgs
		if err := json.Unmarshal([]byte(extracted.String()), &fa); err != nil {
			errVal, _ := v8.NewValue(iso, fmt.Sprintf("fetch: parsing arguments: %s", err))
			resolver.Reject(errVal)
			return resolver.GetPromise().Value
		}

		if fa.SignalAborted {
			ctx.Global().Delete("__tmp_fetch_signal")
			abortErr, _ := ctx.RunScript(`new DOMException("The operation was aborted.", "AbortError")`, "fetch_abort.js")
			resolver.Reject(abortErr)
			return resolver.GetPromise().Value
		}

		if cfg.SSRFProtect && isPrivateHostname(fa.URL) {
			ctx.Global().Delete("__tmp_fetch_signal")
			errVal, _ := v8.NewValue(iso, "fetch to private IP addresses is not allowed")
			resolver.Reject(errVal)
			return resolver.GetPromise().Value
		}

		var bodyReader io.Reader
		if fa.Body != nil && *fa.Body != "" {
			if fa.BodyIsBase64 {
				decoded, decErr := base64.StdEncoding.DecodeString(*fa.Body)
				if decErr != nil {
					errVal, _ := v8.NewValue(iso, fmt.Sprintf("fetch: decoding binary body: %s", decErr))
					resolver.Reject(errVal)
					return resolver.GetPromise().Value
				}
				bodyReader = strings.NewReader(string(decoded))
			} else {
				bodyReader = strings.NewReader(*fa.Body)
			}
		}

		fetchCtx, fetchCancel := context.WithCancel(context.Background())
		fetchID := fs.register(fetchCancel)

		fetchIDVal, _ := v8.NewValue(iso, fetchID)
		ctx.Global().Set("__tmp_fetch_id", fetchIDVal)
		ctx.RunScript(fetchWireAbortJS, "fetch_wire_abort.js")

		httpReq, err := http.NewRequestWithContext(fetchCtx, fa.Method, fa.URL, bodyReader)
		if err != nil {
			fetchCancel()
			fs.remove(fetchID)
			ctx.RunScript(fetchCleanupJS, "fetch_cleanup.js")
			ctx.Global().Delete("__tmp_fetch_signal")
			errVal, _ := v8.NewValue(iso, fmt.Sprintf("fetch: %s", err))
			resolver.Reject(errVal)
			return resolver.GetPromise().Value
		}
		for k, v := range fa.Headers {
			if forbiddenFetchHeaders[strings.ToLower(k)] {
				continue
			}
			httpReq.Header.Set(k, v)
		}

		redirectMode := fa.Redirect
		if redirectMode == "" {
			redirectMode = "follow"
		}
		var checkRedirect func(req *http.Request, via []*http.Request) error
		switch redirectMode {
		case "manual":
			checkRedirect = func(req *http.Request, via []*http.Request) error { return http.ErrUseLastResponse }
		case "error":
			checkRedirect = func(req *http.Request, via []*http.Request) error {
				return fmt.Errorf("fetch failed: redirect mode is 'error'")
			}
		default:
			checkRedirect = func(req *http.Request, via []*http.Request) error {
				if len(via) >= 20 {
					return fmt.Errorf("too many redirects")
				}
				if cfg.SSRFProtect && isPrivateHostname(req.URL.String()) {
					return fmt.Errorf("redirect to private IP address is not allowed")
				}
				return nil
			}
		}

		client := &http.Client{Timeout: cfg.Timeout, Transport: transport, CheckRedirect: checkRedirect}

		outcome := &fetchOutcome{}
		ready := make(chan struct{})
		go func() {
			defer close(ready)
			resp, err := client.Do(httpReq)
			abortedBySignal := fetchCtx.Err() != nil
			fs.remove(fetchID)
			fetchCancel()

			if err != nil {
				if redirectMode == "error" {
					outcome.errMsg = "fetch failed: redirect mode is 'error'"
				} else if abortedBySignal {
					outcome.aborted = true
				} else {
					outcome.errMsg = fmt.Sprintf("fetch: %s", err)
				}
				return
			}
			defer resp.Body.Close()

			limited := io.LimitReader(resp.Body, cfg.MaxResponseBytes+1)
			body, err := io.ReadAll(limited)
			if err != nil {
				outcome.errMsg = fmt.Sprintf("fetch: reading body: %s", err)
				return
			}
			if int64(len(body)) > cfg.MaxResponseBytes {
				body = body[:cfg.MaxResponseBytes]
			}

			headers := make(map[string]string)
			for k, vals := range resp.Header {
				headers[strings.ToLower(k)] = strings.Join(vals, ", ")
			}
			headersJSON, _ := json.Marshal(headers)

			finalURL := fa.URL
			if resp.Request != nil && resp.Request.URL != nil {
				finalURL = resp.Request.URL.String()
			}

			outcome.status = resp.StatusCode
			outcome.statusText = resp.Status
			outcome.headersJSON = string(headersJSON)
			outcome.bodyB64 = base64.StdEncoding.EncodeToString(body)
			outcome.url = finalURL
			outcome.redirected = finalURL != fa.URL
		}()

		loop.AddPendingCallback(ready, func(ctx *v8.Context) {
			if outcome.aborted {
				v, _ := ctx.RunScript(`new DOMException("The operation was aborted.", "AbortError")`, "fetch_abort_inflight.js")
				resolver.Reject(v)
				return
			}
			if outcome.errMsg != "" {
				errVal, _ := v8.NewValue(iso, outcome.errMsg)
				resolver.Reject(errVal)
				return
			}
			payload, _ := json.Marshal(struct {
				Status     int    `json:"status"`
				StatusText string `json:"statusText"`
				Headers    string `json:"headers"`
				Body       string `json:"body"`
				URL        string `json:"url"`
				Redirected bool   `json:"redirected"`
			}{
				Status: outcome.status, StatusText: outcome.statusText,
				Headers: outcome.headersJSON, Body: outcome.bodyB64,
				URL: outcome.url, Redirected: outcome.redirected,
			})
			payloadVal, _ := v8.NewValue(iso, string(payload))
			ctx.Global().Set("__tmp_fetch_resp_payload", payloadVal)
			jsResp, err := ctx.RunScript(fetchBuildResponseJS, "fetch_response.js")
			if err != nil {
				errVal, _ := v8.NewValue(iso, fmt.Sprintf("fetch: building response: %s", err))
				resolver.Reject(errVal)
				return
			}
			resolver.Resolve(jsResp)
		})
		return resolver.GetPromise().Value
	})

	return ctx.Global().Set("fetch", fetchFT.GetFunction(ctx))
}

// fetchOutcome carries the result of one HTTP round trip from the goroutine
// that ran it to the AddPendingCallback closure that turns it into a JS
// value on the isolate's own goroutine. Built and written only by that
// goroutine before it closes the ready channel, then read-only afterward.
type fetchOutcome struct {
	aborted     bool
	errMsg      string
	status      int
	statusText  string
	headersJSON string
	bodyB64     string
	url         string
	redirected  bool
}

const fetchExtractJS = `
(function() {
	var a0 = globalThis.__tmp_fetch_arg0;
	var a1 = globalThis.__tmp_fetch_arg1;
	delete globalThis.__tmp_fetch_arg0;
	delete globalThis.__tmp_fetch_arg1;
	var url = '', method = 'GET', headers = {}, body = null, bodyIsBase64 = false;
	var redirect = 'follow', signalAborted = false, signal = null;
	function extractBody(b) {
		if (b == null) return;
		if (b instanceof ArrayBuffer || ArrayBuffer.isView(b)) {
			body = __bufferSourceToB64(b);
			bodyIsBase64 = true;
		} else if (b instanceof ReadableStream) {
			var chunks = [];
			for (var i = 0; i < b._queue.length; i++) {
				var c = b._queue[i];
				var arr = c instanceof Uint8Array ? c : (ArrayBuffer.isView(c) ? new Uint8Array(c.buffer, c.byteOffset, c.byteLength) : (c instanceof ArrayBuffer ? new Uint8Array(c) : new TextEncoder().encode(String(c))));
				for (var j = 0; j < arr.length; j++) chunks.push(arr[j]);
			}
			b._queue = [];
			if (chunks.length > 0) { body = __bufferSourceToB64(new Uint8Array(chunks)); bodyIsBase64 = true; }
		} else {
			body = String(b);
		}
	}
	if (typeof a0 === 'string') {
		url = a0;
	} else if (a0 && typeof a0 === 'object') {
		url = a0.url || '';
		method = a0.method || 'GET';
		if (a0.headers && a0.headers._map) {
			var m = a0.headers._map;
			for (var k in m) if (m.hasOwnProperty(k)) headers[k] = String(m[k]);
		}
		if (a0._body != null) extractBody(a0._body);
		if (a0.redirect !== undefined) redirect = String(a0.redirect);
		if (a0.signal) { signal = a0.signal; if (a0.signal.aborted) signalAborted = true; }
	}
	if (a1 && typeof a1 === 'object') {
		if (a1.method !== undefined) method = String(a1.method).toUpperCase();
		if (a1.headers) {
			var src = a1.headers._map || a1.headers;
			if (typeof src === 'object') for (var k2 in src) if (src.hasOwnProperty(k2)) headers[k2.toLowerCase()] = String(src[k2]);
		}
		if (a1.body != null) extractBody(a1.body);
		if (a1.redirect !== undefined) redirect = String(a1.redirect);
		if (a1.signal) { signal = a1.signal; if (a1.signal.aborted) signalAborted = true; }
	}
	if (!method) method = 'GET';
	globalThis.__tmp_fetch_signal = signal;
	return JSON.stringify({url: url, method: method, headers: headers, body: body, bodyIsBase64: bodyIsBase64, redirect: redirect, signalAborted: signalAborted});
})()
`

const fetchWireAbortJS = `
(function() {
	var sig = globalThis.__tmp_fetch_signal;
	var fid = globalThis.__tmp_fetch_id;
	delete globalThis.__tmp_fetch_signal;
	delete globalThis.__tmp_fetch_id;
	if (sig && !sig.aborted) {
		var onAbort = function() { sig.removeEventListener('abort', onAbort); __fetchAbort(fid); };
		sig.addEventListener('abort', onAbort, {once: true});
		globalThis.__tmp_fetch_cleanup = function() { sig.removeEventListener('abort', onAbort); };
	}
})()
`

const fetchCleanupJS = `
if (typeof globalThis.__tmp_fetch_cleanup === 'function') { globalThis.__tmp_fetch_cleanup(); delete globalThis.__tmp_fetch_cleanup; }
`

const fetchBuildResponseJS = `
(function() {
	var payload = JSON.parse(globalThis.__tmp_fetch_resp_payload);
	delete globalThis.__tmp_fetch_resp_payload;
	var hdrs = JSON.parse(payload.headers);
	var body = null;
	if (payload.body && payload.body.length > 0) {
		var buf = __b64ToBuffer(payload.body);
		var ct = (hdrs['content-type'] || '').toLowerCase();
		if (ct.indexOf('text/') === 0 || ct.indexOf('application/json') !== -1 ||
		    ct.indexOf('application/xml') !== -1 || ct.indexOf('application/javascript') !== -1 ||
		    ct.indexOf('application/x-www-form-urlencoded') !== -1) {
			body = new TextDecoder().decode(buf);
		} else {
			body = buf;
		}
	}
	var r = new Response(body, {status: payload.status, statusText: payload.statusText, headers: hdrs, url: payload.url});
	if (payload.redirected) Object.defineProperty(r, 'redirected', {value: true, writable: false});
	return r;
})()
`

// isPrivateHostname performs a fast, non-resolving pre-check for obviously
// private hostnames and literal IP addresses. The real SSRF protection
// happens in ssrfSafeDialContext at connect time.
func isPrivateHostname(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return true
	}
	hostname := u.Hostname()
	if hostname == "" {
		return true
	}
	lower := strings.ToLower(hostname)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") {
		return true
	}
	if ip := net.ParseIP(hostname); ip != nil {
		return isPrivateIP(ip)
	}
	return false
}

// ssrfSafeDialContext resolves DNS and validates the resolved IP against
// private ranges at actual connect time, preventing DNS rebinding / TOCTOU
// attacks that a pre-check against the hostname alone would miss.
func ssrfSafeDialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("DNS lookup failed for %s: %w", host, err)
	}
	var safeIP net.IPAddr
	found := false
	for _, ip := range ips {
		if !isPrivateIP(ip.IP) {
			safeIP = ip
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("fetch to private IP addresses is not allowed")
	}
	dialer := &net.Dialer{}
	return dialer.DialContext(ctx, network, net.JoinHostPort(safeIP.IP.String(), port))
}

var privateRanges []*net.IPNet

func init() {
	for _, cidr := range []string{
		"0.0.0.0/8", "10.0.0.0/8", "100.64.0.0/10", "127.0.0.0/8", "169.254.0.0/16",
		"172.16.0.0/12", "192.0.0.0/24", "192.0.2.0/24", "192.168.0.0/16", "198.18.0.0/15",
		"198.51.100.0/24", "203.0.113.0/24", "240.0.0.0/4", "::1/128", "fc00::/7", "fe80::/10",
	} {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			panic("invalid CIDR: " + cidr)
		}
		privateRanges = append(privateRanges, n)
	}
}

func isPrivateIP(ip net.IP) bool {
	for _, n := range privateRanges {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
