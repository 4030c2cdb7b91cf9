package rtcore

import (
	"errors"
	"fmt"
)

// Kind identifies one of the error categories spec.md §7 enumerates. It is
// the discriminator every kernel-entry operation's result is tested against,
// rather than matching on a specific error value, since the same Kind can be
// produced by several call sites with different messages.
type Kind int

const (
	// KindInvalidArg indicates a malformed or out-of-range argument.
	KindInvalidArg Kind = iota
	// KindNoResource indicates a registry or arena is exhausted (max_tasks,
	// max_semaphores, max_names, stack/heap exhaustion).
	KindNoResource
	// KindBusy indicates the target is held or in a state that refuses the
	// call: a resource semaphore held by another task in a non-blocking
	// call, an unlock or condition wait by a task that is not the owner, a
	// registry name already bound, deleting a held spinlock, or Start on a
	// task that is not dormant.
	KindBusy
	// KindTimeout indicates a timed wait's deadline elapsed before the
	// condition was satisfied.
	KindTimeout
	// KindInterrupted indicates an explicit Unblock() ended a wait.
	KindInterrupted
	// KindDestroyed indicates the object a caller was waiting on was
	// deleted while the wait was outstanding.
	KindDestroyed
	// KindWouldBlock indicates a non-blocking wait found no resource
	// available.
	KindWouldBlock
	// KindFault indicates a bad address or invalid callback was supplied by
	// a caller.
	KindFault
	// KindOverrun indicates a periodic task missed a release point.
	KindOverrun
)

// String returns the canonical lower-snake-case name of the error kind.
func (k Kind) String() string {
	switch k {
	case KindInvalidArg:
		return "invalid_arg"
	case KindNoResource:
		return "no_resource"
	case KindBusy:
		return "busy"
	case KindTimeout:
		return "timeout"
	case KindInterrupted:
		return "interrupted"
	case KindDestroyed:
		return "destroyed"
	case KindWouldBlock:
		return "would_block"
	case KindFault:
		return "fault"
	case KindOverrun:
		return "overrun"
	default:
		return fmt.Sprintf("unknown_kind(%d)", int(k))
	}
}

// Error is the single discriminated result type every kernel-entry
// operation returns on failure (spec.md §7: "Every kernel-entry operation
// returns a single discriminated result. No exceptions or panics in the
// fast path.").
type Error struct {
	Kind Kind
	// Op names the operation that failed (e.g. "sem_wait", "task_delete").
	Op string
	// Cause, when non-nil, is wrapped for errors.Is/errors.As.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("rtcore: %s: %s: %v", e.Op, e.Kind, e.Cause)
	}
	return fmt.Sprintf("rtcore: %s: %s", e.Op, e.Kind)
}

// Unwrap supports errors.Is/errors.As against Cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same Kind, so that
// errors.Is(err, rtcore.ErrTimeout) style checks work without exposing a
// distinct sentinel per call site.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

// newErr constructs an *Error for the named operation and kind.
func newErr(op string, kind Kind) *Error {
	return &Error{Op: op, Kind: kind}
}

// wrapErr constructs an *Error for the named operation and kind, wrapping
// cause for errors.Is/errors.As traversal.
func wrapErr(op string, kind Kind, cause error) *Error {
	return &Error{Op: op, Kind: kind, Cause: cause}
}

// Sentinel errors for use with errors.Is, one per Kind, with Op left blank
// (Op is compared to "" by nothing — equality is Kind-only via Error.Is).
var (
	ErrInvalidArg   = &Error{Kind: KindInvalidArg}
	ErrNoResource   = &Error{Kind: KindNoResource}
	ErrBusy         = &Error{Kind: KindBusy}
	ErrTimeout      = &Error{Kind: KindTimeout}
	ErrInterrupted  = &Error{Kind: KindInterrupted}
	ErrDestroyed    = &Error{Kind: KindDestroyed}
	ErrWouldBlock   = &Error{Kind: KindWouldBlock}
	ErrFault        = &Error{Kind: KindFault}
	ErrOverrun      = &Error{Kind: KindOverrun}
	ErrLoopStopped  = errors.New("rtcore: scheduler is not running")
	ErrAlreadyOwner = errors.New("rtcore: unlock by non-owner")
)
