package zinject

import (
	"errors"
	"fmt"
	"syscall"
)

// Error represents a structured injector error: registration and
// namespace failures (spec §7), as opposed to match-path outcomes,
// which are returned as a raw syscall.Errno — the injected fault *is*
// the errno.
type Error struct {
	Op    string // operation that failed, e.g. "InjectFault", "ClearFault"
	Code  ErrorCode
	Errno syscall.Errno // 0 if not applicable
	Msg   string
	Inner error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Op != "" {
		if e.Errno != 0 {
			return fmt.Sprintf("zinject: %s: %s (errno=%d)", e.Op, msg, e.Errno)
		}
		return fmt.Sprintf("zinject: %s: %s", e.Op, msg)
	}
	return fmt.Sprintf("zinject: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error { return e.Inner }

// Is supports errors.Is comparison by error code.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// ErrorCode represents high-level error categories from spec §7's taxonomy.
type ErrorCode string

const (
	ErrCodeInvalid        ErrorCode = "invalid parameters"
	ErrCodeDomain         ErrorCode = "level exceeds dnode depth"
	ErrCodeNotFound       ErrorCode = "no matching handler"
	ErrCodePoolNotLoaded  ErrorCode = "pool not loaded"
	ErrCodeAlreadyExists  ErrorCode = "duplicate pool-delay handler"
	ErrCodePoolResolution ErrorCode = "pool resolution failed"
)

// newError builds a structured *Error from the given operation, code,
// errno and message, stored as supplied.
func newError(op string, code ErrorCode, errno syscall.Errno, msg string) *Error {
	return &Error{Op: op, Code: code, Errno: errno, Msg: msg}
}

// wrapResolverError wraps a PoolResolver failure unchanged, per spec §7:
// "registration precondition failures ... propagated unchanged; no
// partial state is left behind."
func wrapResolverError(op string, err error) *Error {
	if err == nil {
		return nil
	}
	if errno, ok := err.(syscall.Errno); ok {
		return newError(op, ErrCodePoolResolution, errno, errno.Error())
	}
	return &Error{Op: op, Code: ErrCodePoolResolution, Msg: err.Error(), Inner: err}
}

// IsCode reports whether err is a *Error with the given code.
func IsCode(err error, code ErrorCode) bool {
	var ze *Error
	if errors.As(err, &ze) {
		return ze.Code == code
	}
	return false
}
