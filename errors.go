package worker

import (
	"errors"
	"fmt"
)

// ErrWorkerUnusable is returned by Exec when a prior task already latched a
// non-Normal TerminationReason. The host must discard the worker.
var ErrWorkerUnusable = errors.New("worker: unusable after non-normal termination")

// ErrSnapshotUnsupported is returned by New when a non-nil snapshot blob is
// supplied. See SPEC_FULL.md §4.1/§9: the V8 binding this runtime is built on
// does not expose SnapshotCreator/StartupData to Go callers, so every worker
// bootstraps fresh.
var ErrSnapshotUnsupported = errors.New("worker: snapshot loading is not supported by this build")

// BootstrapFailedError reports that the user script threw during its
// top-level evaluation.
type BootstrapFailedError struct{ Message string }

func (e *BootstrapFailedError) Error() string { return "worker: bootstrap failed: " + e.Message }

// NoHandlerError reports that exec(task) was invoked but no listener of the
// matching kind was ever registered via addEventListener.
type NoHandlerError struct{ Kind string }

func (e *NoHandlerError) Error() string {
	return fmt.Sprintf("worker: no %q handler registered", e.Kind)
}

// TerminationError wraps a non-Normal TerminationReason as the error
// returned from Exec.
type TerminationError struct {
	Kind    TerminationKind
	Message string
}

func (e *TerminationError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("worker: %s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("worker: %s", e.Kind)
}

// ProtocolMisuseError mirrors a native-op bridge TypeError thrown into the
// isolate (unknown id, double respond, wrong stream state). Nothing in this
// package constructs it: such an exception that escapes uncaught reaches the
// host as a TerminationError of kind Uncaught.
type ProtocolMisuseError struct{ Reason string }

func (e *ProtocolMisuseError) Error() string { return "worker: protocol misuse: " + e.Reason }

func terminationError(r *TerminationReason) error {
	kind := r.Kind()
	if kind == Normal {
		return nil
	}
	return &TerminationError{Kind: kind, Message: r.Message()}
}
