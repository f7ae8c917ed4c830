package domain

import "errors"

// Sentinel errors for the controller-internal error taxonomy of spec §7.
// Transport layers translate these to HTTP status codes; callers use
// errors.Is to branch on them.
var (
	// ErrPlacementConflict names the outcome where Assign's compare-and-set
	// found the task already taken or changed by another dispatch attempt.
	// Assign and Place report that outcome as a false result rather than
	// returning this error. It is an expected, silent outcome, not a failure.
	ErrPlacementConflict = errors.New("distribution: placement conflict")

	// ErrCapacityExceeded means the target device has no spare capacity.
	ErrCapacityExceeded = errors.New("distribution: capacity exceeded")

	// ErrNotFound means the requested device/task/assignment row does not exist.
	ErrNotFound = errors.New("distribution: not found")

	// ErrBadInput means the caller supplied an invalid task_type, device ID,
	// or other malformed request; no state change occurs.
	ErrBadInput = errors.New("distribution: bad input")

	// ErrTransientStore wraps a store-layer error considered retryable
	// (connection reset, deadlock) rather than a logical failure.
	ErrTransientStore = errors.New("distribution: transient store error")
)
