package errs

import "errors"

// Sentinel errors for the sandbox kernel. Callers match with errors.Is and
// wrap with fmt.Errorf("...: %w", err) to add context.
var (
	// ErrCapacityExceeded is returned by the pool when the concurrent
	// isolate cap is reached. Callers must retry; acquisitions never queue.
	ErrCapacityExceeded = errors.New("isolate capacity exceeded")

	// ErrStartupTimeout is returned when an isolate fails to signal
	// readiness within the startup window.
	ErrStartupTimeout = errors.New("isolate startup timeout")

	// ErrPermissionDenied is returned when a block's permission level does
	// not dominate the level required by a capability namespace.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrUnauthorizedURL is returned before any network I/O when a request
	// or import target does not match the configured allow-list.
	ErrUnauthorizedURL = errors.New("url not allow-listed")

	// ErrUnknownCapability is returned for methods outside the recognized
	// namespace.verb surface.
	ErrUnknownCapability = errors.New("unknown capability")

	// ErrCallTimeout is returned when an RPC or handler deadline expires.
	ErrCallTimeout = errors.New("call timeout")

	// ErrResourceLimit is returned when an isolate breaches its memory or
	// execution-time ceiling. The pool manager owns termination.
	ErrResourceLimit = errors.New("resource limit exceeded")

	// ErrQuotaExceeded is returned by isolate-local storage when a write
	// would push usage over the configured byte quota.
	ErrQuotaExceeded = errors.New("storage quota exceeded")

	ErrVersionNotFound = errors.New("version not found")
	ErrNothingToUndo   = errors.New("nothing to undo")
	ErrNothingToRedo   = errors.New("nothing to redo")

	// ErrIsolateTerminated resolves in-flight calls against an isolate that
	// was torn down while they were pending.
	ErrIsolateTerminated = errors.New("isolate terminated")
)
