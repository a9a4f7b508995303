// Package errs gives every engine entry point a single structured error
// kind instead of ad-hoc sentinel values, per the engine's error handling
// design: internal helpers return the most specific kind, outer wrappers
// only convert OS errors to IO and mutex/region failures to PANIC.
package errs

import "fmt"

// Kind enumerates the error kinds an engine entry point may return.
type Kind uint8

const (
	OK Kind = iota
	INVAL
	NOENT
	BUSY
	NOTFOUND
	KEYEMPTY
	KEYEXIST
	LOCK_TIMEOUT
	TXN_TIMEOUT
	DEADLOCK
	RUNRECOVERY
	NOTGRANTED
	OLD_VERSION
	VERIFY_BAD
	IO
	NOSPACE
	OPNOTSUP
	NOSERVER
	PANIC
)

func (k Kind) String() string {
	switch k {
	case OK:
		return "OK"
	case INVAL:
		return "INVAL"
	case NOENT:
		return "NOENT"
	case BUSY:
		return "BUSY"
	case NOTFOUND:
		return "NOTFOUND"
	case KEYEMPTY:
		return "KEYEMPTY"
	case KEYEXIST:
		return "KEYEXIST"
	case LOCK_TIMEOUT:
		return "LOCK_TIMEOUT"
	case TXN_TIMEOUT:
		return "TXN_TIMEOUT"
	case DEADLOCK:
		return "DEADLOCK"
	case RUNRECOVERY:
		return "RUNRECOVERY"
	case NOTGRANTED:
		return "NOTGRANTED"
	case OLD_VERSION:
		return "OLD_VERSION"
	case VERIFY_BAD:
		return "VERIFY_BAD"
	case IO:
		return "IO"
	case NOSPACE:
		return "NOSPACE"
	case OPNOTSUP:
		return "OPNOTSUP"
	case NOSERVER:
		return "NOSERVER"
	case PANIC:
		return "PANIC"
	default:
		return "UNKNOWN"
	}
}

// Error is the concrete error type returned by engine entry points.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with no wrapped cause.
func New(op string, kind Kind) *Error {
	return &Error{Op: op, Kind: kind}
}

// Wrap attaches kind and op to an existing cause.
func Wrap(op string, kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Kind: kind, Err: err}
}

// KindOf extracts the Kind from err, defaulting to IO for unrecognized
// errors reaching an API boundary (the policy for OS-level failures).
func KindOf(err error) Kind {
	if err == nil {
		return OK
	}
	var e *Error
	if as(err, &e) {
		return e.Kind
	}
	return IO
}

func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func Is(err error, kind Kind) bool { return KindOf(err) == kind }

func IsBusy(err error) bool        { return Is(err, BUSY) }
func IsDeadlock(err error) bool    { return Is(err, DEADLOCK) }
func IsNotFound(err error) bool    { return Is(err, NOTFOUND) }
func IsLockTimeout(err error) bool { return Is(err, LOCK_TIMEOUT) }
func IsTxnTimeout(err error) bool  { return Is(err, TXN_TIMEOUT) }
func IsRunRecovery(err error) bool { return Is(err, RUNRECOVERY) }
func IsPanic(err error) bool       { return Is(err, PANIC) }
