package reconcile

import (
	"errors"
	"fmt"
)

// Kind classifies engine failures for routing: retryable kinds go back on
// the queue, invalid input goes to the dead letter log, storage failures
// stop the worker.
type Kind string

const (
	KindRetryableConflict Kind = "retryable_conflict"
	KindLockTimeout       Kind = "lock_timeout"
	KindInvalidRaw        Kind = "invalid_raw"
	KindStorageFailure    Kind = "storage_failure"
)

// Error is the engine's failure type. Every error leaving Reconcile is one
// of these, wrapping the underlying cause when there is one.
type Error struct {
	Kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.err)
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

func newError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, msg: msg}
}

func wrapError(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, msg: msg, err: err}
}

func invalidRawf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindInvalidRaw, msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the failure kind, or "" for errors the engine did not
// produce.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether re-running the same event later can succeed.
func IsRetryable(err error) bool {
	k := KindOf(err)
	return k == KindRetryableConflict || k == KindLockTimeout
}
