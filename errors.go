package bdus

import (
	"errors"
	"fmt"
	"syscall"
)

// Error is a structured bdus error: an operation, the device it
// concerns (if any), an error-kind classification (§7), and the
// underlying errno.
//
// Grounded on the teacher's errors.go Error/UblkErrorCode pair,
// regrouped from the teacher's op-centric code list to the §7 kind
// taxonomy (Validation/ResourceExhaustion/Lifecycle/HandleMismatch/
// PathResolution/RequestFailure).
type Error struct {
	Op    string // operation that failed ("CREATE_DEVICE", "ATTACH", ...)
	DevID uint64 // device id, 0 if not applicable
	Kind  Kind
	Errno syscall.Errno
	Msg   string
	Inner error
}

func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.DevID != 0 {
		parts = append(parts, fmt.Sprintf("dev=%d", e.DevID))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	if len(parts) > 0 {
		return fmt.Sprintf("bdus: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("bdus: %s", msg)
}

// Unwrap supports errors.Is/As against the wrapped error.
func (e *Error) Unwrap() error { return e.Inner }

// Is supports errors.Is comparison by Kind, ignoring Op/DevID/Errno.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == te.Kind
}

// Kind is one of §7's error-kind categories (kinds, not type names).
type Kind string

const (
	KindValidation         Kind = "validation"
	KindResourceExhaustion Kind = "resource exhaustion"
	KindLifecycle          Kind = "lifecycle"
	KindHandleMismatch     Kind = "handle mismatch"
	KindPathResolution     Kind = "path resolution"
	KindRequestFailure     Kind = "request-level failure"
)

// NewError builds a bare structured error of the given kind.
func NewError(op string, kind Kind, msg string) *Error {
	return &Error{Op: op, Kind: kind, Msg: msg}
}

// NewDeviceError builds a structured error scoped to one device.
func NewDeviceError(op string, devID uint64, kind Kind, msg string) *Error {
	return &Error{Op: op, DevID: devID, Kind: kind, Msg: msg}
}

// WrapErrno wraps a kernel/syscall errno with op context and a §7
// kind classification.
func WrapErrno(op string, devID uint64, errno syscall.Errno) *Error {
	return &Error{
		Op:    op,
		DevID: devID,
		Kind:  classifyErrno(errno),
		Errno: errno,
		Msg:   errno.Error(),
		Inner: errno,
	}
}

// WrapError wraps an arbitrary error with op context, passing
// *Error and syscall.Errno values through with their kind intact.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if be, ok := inner.(*Error); ok {
		return &Error{Op: op, DevID: be.DevID, Kind: be.Kind, Errno: be.Errno, Msg: be.Msg, Inner: be.Inner}
	}
	if errno, ok := inner.(syscall.Errno); ok {
		return WrapErrno(op, 0, errno)
	}
	return &Error{Op: op, Kind: KindRequestFailure, Msg: inner.Error(), Inner: inner}
}

// classifyErrno maps a raw errno to the §7 kind it belongs to. This
// is necessarily approximate: the same errno (EINVAL, say) appears
// under more than one kind in §7 depending on context, so callers
// with more specific knowledge should build an *Error directly rather
// than relying on this guess.
func classifyErrno(errno syscall.Errno) Kind {
	switch errno {
	case syscall.EINVAL:
		return KindValidation
	case syscall.ENOSPC, syscall.ENOMEM:
		return KindResourceExhaustion
	case syscall.ENODEV, syscall.EBUSY, syscall.EINPROGRESS, syscall.EINTR:
		return KindLifecycle
	case syscall.ENOTBLK, syscall.ECHILD:
		return KindPathResolution
	default:
		return KindRequestFailure
	}
}

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind == kind
	}
	return false
}
