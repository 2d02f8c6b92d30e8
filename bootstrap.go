package worker

import (
	"encoding/json"
	"fmt"

	v8 "github.com/tommie/v8go"

	"github.com/cryguy/isoworker/internal/eventloop"
	"github.com/cryguy/isoworker/internal/webapi"
)

// bootstrapCleanupJS deletes every temp-global the installers may have left
// behind mid-setup (none should survive a successful install, but a future
// installer added without matching discipline would otherwise leak an
// embedding-identity global into user code) plus the marker the teacher's
// own bootstrap uses to signal "framework code, not user code".
const bootstrapCleanupJS = `
(function() {
	var names = Object.getOwnPropertyNames(globalThis);
	for (var i = 0; i < names.length; i++) {
		var n = names[i];
		if (n.indexOf('__tmp_') === 0) {
			try { delete globalThis[n]; } catch (e) {}
		}
	}
	delete globalThis.__bootstrap;
	delete globalThis.__ops;
})();
`

// bootstrapConfig collects everything the installer sequence needs beyond an
// (isolate, context) pair: the Go-side collaborators each native op closure
// captures.
type bootstrapConfig struct {
	limits   RuntimeLimits
	fetchCfg webapi.FetchConfig
	logSink  webapi.LogSink
	env      map[string]string
}

// bootstrap installs the full Web API surface on ctx in dependency order;
// New evaluates the user script afterwards. This is the worker-runtime analogue of the
// teacher's buildSetupFuncs list plus WrapESModule/script.Run, adapted to
// this runtime's addEventListener dispatch model instead of an ES-module
// default export (see DESIGN.md).
//
// Order matters: each installer's doc comment on the concrete Must run
// after dependency it has is honored here; webapi.InstallFetch and
// webapi.InstallTimers take the root package's eventloop.EventLoop directly
// (InstallTimers) or need it threaded through (InstallFetch), and
// installBridge/installEvents are root-package concerns layered on top of
// the ambient webapi surface, mirroring the teacher's custom fetch-event and
// scheduled-event extensions coming last in its install list.
func bootstrap(iso *v8.Isolate, ctx *v8.Context, cfg bootstrapConfig, alloc *bufferAllocator, reg *taskRegistry, loop *eventloop.EventLoop) error {
	if err := webapi.InstallAbort(ctx); err != nil {
		return fmt.Errorf("installing abort: %w", err)
	}
	if err := webapi.InstallGlobals(iso, ctx); err != nil {
		return fmt.Errorf("installing globals: %w", err)
	}
	if err := webapi.InstallEncoding(ctx); err != nil {
		return fmt.Errorf("installing encoding: %w", err)
	}
	if err := webapi.InstallBinaryHelpers(ctx); err != nil {
		return fmt.Errorf("installing binary helpers: %w", err)
	}
	if err := webapi.InstallStreams(ctx); err != nil {
		return fmt.Errorf("installing streams: %w", err)
	}
	if err := webapi.InstallBYOBReader(ctx); err != nil {
		return fmt.Errorf("installing byob reader: %w", err)
	}
	if err := webapi.InstallTextStreams(ctx); err != nil {
		return fmt.Errorf("installing text streams: %w", err)
	}
	if err := webapi.InstallURL(iso, ctx); err != nil {
		return fmt.Errorf("installing url: %w", err)
	}
	if err := webapi.InstallConsole(iso, ctx, cfg.logSink); err != nil {
		return fmt.Errorf("installing console: %w", err)
	}
	if err := webapi.InstallCompression(iso, ctx); err != nil {
		return fmt.Errorf("installing compression: %w", err)
	}
	if err := installBufferAllocator(iso, ctx, alloc); err != nil {
		return fmt.Errorf("installing array-buffer allocator: %w", err)
	}
	if err := webapi.InstallFetch(iso, ctx, cfg.fetchCfg, loop); err != nil {
		return fmt.Errorf("installing fetch: %w", err)
	}
	if err := webapi.InstallTimers(iso, ctx, loop); err != nil {
		return fmt.Errorf("installing timers: %w", err)
	}
	if err := installBridge(iso, ctx, reg, loop); err != nil {
		return fmt.Errorf("installing native op bridge: %w", err)
	}
	if err := installEvents(ctx); err != nil {
		return fmt.Errorf("installing events: %w", err)
	}
	if err := installEnv(ctx, cfg.env); err != nil {
		return fmt.Errorf("installing env: %w", err)
	}

	if _, err := ctx.RunScript(bootstrapCleanupJS, "bootstrap_cleanup.js"); err != nil {
		return fmt.Errorf("running bootstrap cleanup: %w", err)
	}
	return nil
}

// envJSTemplate exposes the script's read-only environment bindings the same shape
// Cloudflare Workers-style runtimes do: a plain object, not process.env.
const envJSTemplate = `globalThis.env = Object.freeze(%s);`

// installEnv evaluates a small literal object assignment built from a JSON
// encoding of env, rather than round-tripping through a native op, since env
// is fixed at construction time and never changes within a worker's life.
func installEnv(ctx *v8.Context, env map[string]string) error {
	if env == nil {
		env = map[string]string{}
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = ctx.RunScript(fmt.Sprintf(envJSTemplate, string(data)), "bootstrap_env.js")
	return err
}

// evalUserScript runs the user's top-level source. A throw here is reported
// as BootstrapFailedError, distinct from an Uncaught latched during exec:
// the worker never becomes usable at all, rather than becoming unusable
// after having run at least once.
func evalUserScript(ctx *v8.Context, source string) error {
	_, err := ctx.RunScript(source, "worker.js")
	if err != nil {
		return &BootstrapFailedError{Message: err.Error()}
	}
	return nil
}
