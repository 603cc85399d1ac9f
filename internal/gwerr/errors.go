// Package gwerr defines the gateway's canonical error kinds and the gRPC
// status mapping for them. Every component returns errors constructed here
// rather than raw fmt.Errorf so the gRPC edge and the retry logic can switch
// on Kind without string matching.
package gwerr

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind is one of the canonical error kinds.
type Kind string

const (
	InvalidArgument  Kind = "invalid_argument"
	NotFound         Kind = "not_found"
	AlreadyExists    Kind = "already_exists"
	FailedPrecond    Kind = "failed_precondition"
	Aborted          Kind = "aborted"
	ResourceExhaust  Kind = "resource_exhausted"
	DeadlineExceeded Kind = "deadline_exceeded"
	Internal         Kind = "internal"
	Unavailable      Kind = "unavailable"
)

// Error is a canonical gateway error: a kind, a human message, and an
// optional wrapped cause (which may carry an engine-specific detail).
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs a canonical error with no cause.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs a canonical error around an underlying cause, preserving
// it for errors.Is/As and for the TGT-error-code passthrough in §7.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the Kind from err, defaulting to Internal for anything
// that wasn't constructed by this package — an invariant the gRPC edge and
// metrics labeling both rely on.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return Internal
}

// ToGRPC maps a canonical error onto the nearest grpc/codes.Code, per §7.
func ToGRPC(err error) error {
	if err == nil {
		return nil
	}
	var ge *Error
	if !errors.As(err, &ge) {
		return status.Error(codes.Internal, err.Error())
	}
	var code codes.Code
	switch ge.Kind {
	case InvalidArgument:
		code = codes.InvalidArgument
	case NotFound:
		code = codes.NotFound
	case AlreadyExists:
		code = codes.AlreadyExists
	case FailedPrecond:
		code = codes.FailedPrecondition
	case Aborted:
		code = codes.Aborted
	case ResourceExhaust:
		code = codes.ResourceExhausted
	case DeadlineExceeded:
		code = codes.DeadlineExceeded
	case Unavailable:
		code = codes.Unavailable
	default:
		code = codes.Internal
	}
	return status.Error(code, ge.Error())
}

// Is reports whether err is a canonical error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
