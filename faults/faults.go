// Package faults defines the failure taxonomy of a function invocation.
//
// Every error the executor returns is a *Error carrying one Kind. Callers
// branch on the kind with errors.Is against the sentinels or with KindOf:
//
//	if errors.Is(err, faults.ErrLink) { ... }
package faults

import (
	"errors"
	"fmt"
	"strings"
)

// Kind categorizes a failure.
type Kind string

const (
	KindArtifactFetch        Kind = "artifact_fetch"
	KindCompile              Kind = "compile"
	KindLink                 Kind = "link"
	KindGuestTrap            Kind = "guest_trap"
	KindPayloadSerialization Kind = "payload_serialization"
	KindTimeout              Kind = "timeout"
	KindCanceled             Kind = "canceled"
)

// Sentinels for errors.Is. Only the kind is compared.
var (
	ErrArtifactFetch        = &Error{Kind: KindArtifactFetch}
	ErrCompile              = &Error{Kind: KindCompile}
	ErrLink                 = &Error{Kind: KindLink}
	ErrGuestTrap            = &Error{Kind: KindGuestTrap}
	ErrPayloadSerialization = &Error{Kind: KindPayloadSerialization}
	ErrTimeout              = &Error{Kind: KindTimeout}
	ErrCanceled             = &Error{Kind: KindCanceled}
)

// Error is a categorized invocation failure.
type Error struct {
	Cause  error
	Kind   Kind
	Op     string // stage or component that failed, e.g. "fetch" or "exec"
	Detail string
}

func (e *Error) Error() string {
	var b strings.Builder

	b.WriteString(string(e.Kind))
	if e.Op != "" {
		b.WriteString(" in ")
		b.WriteString(e.Op)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Cause != nil {
		if e.Detail != "" {
			b.WriteString(" (")
			b.WriteString(e.Cause.Error())
			b.WriteByte(')')
		} else {
			b.WriteString(": ")
			b.WriteString(e.Cause.Error())
		}
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error with the same kind.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

func newError(kind Kind, op string, cause error, format string, args []any) *Error {
	e := &Error{Kind: kind, Op: op, Cause: cause}
	if len(args) > 0 {
		e.Detail = fmt.Sprintf(format, args...)
	} else {
		e.Detail = format
	}
	return e
}

// ArtifactFetch reports that the function binary could not be retrieved.
func ArtifactFetch(op string, cause error, format string, args ...any) *Error {
	return newError(KindArtifactFetch, op, cause, format, args)
}

// Compile reports a malformed binary or one with the wrong interface shape.
func Compile(op string, cause error, format string, args ...any) *Error {
	return newError(KindCompile, op, cause, format, args)
}

// Link reports an artifact that needs something the sandbox does not provide.
func Link(op string, cause error, format string, args ...any) *Error {
	return newError(KindLink, op, cause, format, args)
}

// GuestTrap reports a runtime fault raised by guest code.
func GuestTrap(op string, cause error, format string, args ...any) *Error {
	return newError(KindGuestTrap, op, cause, format, args)
}

// PayloadSerialization reports an input or output payload that is not JSON.
func PayloadSerialization(op string, cause error, format string, args ...any) *Error {
	return newError(KindPayloadSerialization, op, cause, format, args)
}

// Timeout reports a guest that ran past the invocation deadline.
func Timeout(op string, cause error, format string, args ...any) *Error {
	return newError(KindTimeout, op, cause, format, args)
}

// Canceled reports an invocation abandoned by its caller. It says nothing
// about the guest.
func Canceled(op string, cause error, format string, args ...any) *Error {
	return newError(KindCanceled, op, cause, format, args)
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Category returns a caller-facing category for any error. Errors outside
// the taxonomy are reported as "internal".
func Category(err error) string {
	if err == nil {
		return ""
	}
	if k := KindOf(err); k != "" {
		return string(k)
	}
	return "internal"
}

// FromPanic converts a recovered panic value into a guest trap.
func FromPanic(op string, v any) *Error {
	if err, ok := v.(error); ok {
		return GuestTrap(op, err, "panic at sandbox boundary")
	}
	return GuestTrap(op, nil, "panic at sandbox boundary: %v", v)
}
