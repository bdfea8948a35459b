// Package errs defines the sentinel error taxonomy shared by the
// control-plane components: which failures are transient and retried,
// which are fatal, and which indicate a programmer error that must fail
// loud rather than be swallowed.
package errs

import "errors"

var (
	// ErrStoreFatal indicates the store connection was refused; the
	// daemon cannot make progress and should exit.
	ErrStoreFatal = errors.New("store: connection refused")

	// ErrLockAcquireTimeout is returned when a lock could not be
	// acquired before its timeout elapsed.
	ErrLockAcquireTimeout = errors.New("lock: acquire timeout")

	// ErrLockExpired is returned by Refresh when the lease is no longer
	// held by the caller.
	ErrLockExpired = errors.New("lock: expired")

	// ErrLockReleaseFailed is returned by Release when the key is
	// missing or owned by another holder.
	ErrLockReleaseFailed = errors.New("lock: release failed")

	// ErrForbiddenWhileCached is a programmer error: a mutation or lock
	// acquisition was attempted while a read-only snapshot was active.
	ErrForbiddenWhileCached = errors.New("forbidden while snapshot cache is active")

	// ErrIllegalStateTransition is a programmer error: a write of
	// `state` was attempted to a value not listed as a legal successor.
	ErrIllegalStateTransition = errors.New("illegal state transition")

	// ErrChannelIdle signals that a side-channel has gone silent for
	// longer than the idle threshold and should be dropped.
	ErrChannelIdle = errors.New("sidechannel: idle")

	// ErrChannelIO wraps an I/O failure observed while reading or
	// writing a side-channel socket (broken pipe, reset, refused).
	ErrChannelIO = errors.New("sidechannel: io error")

	// ErrUnknownAgentCommand is raised internally when a queued agent
	// operation names a command the dispatcher does not recognize. It
	// never propagates to the caller: spec.md's open question on
	// unknown commands is answered by surfacing it via the operation's
	// `error` attribute instead of failing the transition.
	ErrUnknownAgentCommand = errors.New("sidechannel: unknown agent command")

	// ErrNotFound indicates a Get/FromDB found no value for the key.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyExists is returned by Create when the key is already
	// present.
	ErrAlreadyExists = errors.New("store: already exists")
)
