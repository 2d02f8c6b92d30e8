package webapi

import (
	"time"

	v8 "github.com/tommie/v8go"
)

// TimerRegistrar is the subset of *eventloop.EventLoop the timers polyfill
// needs, so InstallTimers depends on these two methods alone.
type TimerRegistrar interface {
	RegisterTimer(delay, interval time.Duration) int32
	ClearTimer(id int32)
}

// timersJS is the JavaScript polyfill for setTimeout/setInterval/clearTimeout/
// clearInterval, adapted from the runtime's own timers.go. Callbacks live in
// globalThis.__timerCallbacks; Go only ever sees scheduling metadata via
// __timerRegister/__timerClear and fires a callback by generating and
// evaluating a script that looks its id back up in that map.
const timersJS = `
(function() {
	globalThis.__timerCallbacks = {};
	globalThis.setTimeout = function(fn, delay) {
		if (arguments.length === 0 || typeof fn !== 'function') {
			return 0;
		}
		var args = [];
		for (var i = 2; i < arguments.length; i++) args.push(arguments[i]);
		var id = __timerRegister(delay || 0, false);
		globalThis.__timerCallbacks[id] = { fn: fn, args: args };
		return id;
	};
	globalThis.setInterval = function(fn, interval) {
		if (arguments.length === 0 || typeof fn !== 'function') {
			return 0;
		}
		var args = [];
		for (var i = 2; i < arguments.length; i++) args.push(arguments[i]);
		var id = __timerRegister(interval || 0, true);
		globalThis.__timerCallbacks[id] = { fn: fn, args: args, interval: true };
		return id;
	};
	globalThis.clearTimeout = globalThis.clearInterval = function(id) {
		if (arguments.length === 0 || typeof id !== 'number') {
			return;
		}
		__timerClear(id);
		delete globalThis.__timerCallbacks[id];
	};
})();
`

// InstallTimers registers the Go-backed __timerRegister/__timerClear ops and
// evaluates the setTimeout/setInterval/clearTimeout/clearInterval polyfill.
// Timer callbacks fire during loop.Drain, called by the worker's dispatch
// loop after the handler returns and between re-entries. Has no dependency
// on any other installer.
func InstallTimers(iso *v8.Isolate, ctx *v8.Context, loop TimerRegistrar) error {
	registerFt := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		args := info.Args()
		var delayMs int64
		var isInterval bool
		if len(args) > 0 {
			delayMs = args[0].Integer()
		}
		if len(args) > 1 {
			isInterval = args[1].Boolean()
		}
		delay := time.Duration(delayMs) * time.Millisecond
		if delay < 0 {
			delay = 0
		}
		var interval time.Duration
		if isInterval {
			interval = delay
		}
		id := loop.RegisterTimer(delay, interval)
		v, _ := v8.NewValue(iso, id)
		return v
	})
	if err := ctx.Global().Set("__timerRegister", registerFt.GetFunction(ctx)); err != nil {
		return err
	}

	clearFt := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		args := info.Args()
		if len(args) < 1 {
			return v8.Undefined(iso)
		}
		loop.ClearTimer(int32(args[0].Integer()))
		return v8.Undefined(iso)
	})
	if err := ctx.Global().Set("__timerClear", clearFt.GetFunction(ctx)); err != nil {
		return err
	}

	_, err := ctx.RunScript(timersJS, "webapi_timers.js")
	return err
}
