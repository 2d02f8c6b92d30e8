package webapi

import (
	v8 "github.com/tommie/v8go"
)

// LogSink receives one console call. level is one of log/info/warn/error/debug.
type LogSink func(level, message string)

// consoleJS mirrors the teacher's console.go polyfill: a thin JS console
// object that stringifies its arguments and forwards to a single Go-backed
// function, plus the extended (time/count/assert/table/...) methods that are
// pure JS on top of it.
const consoleJS = `
(function() {
	var levels = ['log', 'info', 'warn', 'error', 'debug'];
	var con = {};
	for (var i = 0; i < levels.length; i++) {
		(function(lvl) {
			con[lvl] = function() {
				var parts = [];
				for (var j = 0; j < arguments.length; j++) {
					var arg = arguments[j];
					if (typeof arg === 'object' && arg !== null) {
						try { parts.push(JSON.stringify(arg)); } catch (e) { parts.push('[object Object]'); }
					} else {
						parts.push(String(arg));
					}
				}
				__console(lvl, parts.join(' '));
			};
		})(levels[i]);
	}
	globalThis.console = con;
})();
`

const consoleExtJS = `
(function() {
var __timers = {};
var __counters = {};
var __groupDepth = 0;

console.time = function(label) {
	__timers[label || 'default'] = performance.now();
};
console.timeEnd = function(label) {
	var l = label || 'default';
	var start = __timers[l];
	if (start === undefined) { console.warn('Timer "' + l + '" does not exist'); return; }
	var elapsed = performance.now() - start;
	delete __timers[l];
	console.log(l + ': ' + elapsed.toFixed(3) + 'ms');
};
console.count = function(label) {
	var l = label || 'default';
	__counters[l] = (__counters[l] || 0) + 1;
	console.log(l + ': ' + __counters[l]);
};
console.countReset = function(label) {
	__counters[label || 'default'] = 0;
};
console.assert = function(cond) {
	if (!cond) {
		var args = Array.prototype.slice.call(arguments, 1);
		console.error.apply(console, ['Assertion failed' + (args.length ? ':' : '')].concat(args));
	}
};
console.table = function(data) {
	console.log(JSON.stringify(data, null, 2));
};
console.trace = function() {
	var args = Array.prototype.slice.call(arguments);
	console.log.apply(console, ['Trace:'].concat(args));
};
console.group = function(label) {
	if (label) console.log(label);
	__groupDepth++;
};
console.groupEnd = function() {
	if (__groupDepth > 0) __groupDepth--;
};
console.dir = function(obj) {
	console.log(JSON.stringify(obj, null, 2));
};
})();
`

// InstallConsole registers the Go-backed __console sink and evaluates the
// console polyfills on top of it.
func InstallConsole(iso *v8.Isolate, ctx *v8.Context, sink LogSink) error {
	ft := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		args := info.Args()
		if len(args) < 2 || sink == nil {
			return nil
		}
		sink(args[0].String(), args[1].String())
		return nil
	})
	if err := ctx.Global().Set("__console", ft.GetFunction(ctx)); err != nil {
		return err
	}
	if _, err := ctx.RunScript(consoleJS, "webapi_console.js"); err != nil {
		return err
	}
	_, err := ctx.RunScript(consoleExtJS, "webapi_console_ext.js")
	return err
}
