// Package errors defines the typed failures surfaced by the approval-routing
// core. Every failure carries a Code so that transports (HTTP, gRPC) and
// callers can branch on the kind of failure without string matching.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
)

// Re-exported so callers only need this package for error handling.
var (
	Is   = errors.Is
	As   = errors.As
	Join = errors.Join
)

// Code classifies a failure.
type Code string

const (
	ErrCodeNotFound      Code = "NOT_FOUND"
	ErrCodeConflict      Code = "CONFLICT"
	ErrCodeInvalidInput  Code = "INVALID_INPUT"
	ErrCodeUnauthorized  Code = "UNAUTHORIZED"
	ErrCodeUnavailable   Code = "UNAVAILABLE"
	ErrCodePartialFanout Code = "PARTIAL_FANOUT"
	ErrCodeInternal      Code = "INTERNAL"
)

// Error is the typed failure returned by repositories and services.
type Error struct {
	Code    Code
	Message string
	Field   string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// NotFound reports that a lookup of resource by id matched nothing.
func NotFound(resource, id string) *Error {
	return &Error{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s not found: %s", resource, id)}
}

// InvalidInput reports a rejected request field.
func InvalidInput(field, message string) *Error {
	return &Error{Code: ErrCodeInvalidInput, Message: message, Field: field}
}

// Conflict reports an attempted transition that the current state forbids.
func Conflict(message string) *Error {
	return &Error{Code: ErrCodeConflict, Message: message}
}

// Unavailable reports a failed call to an external collaborator
// (user directory, store, cache, broker).
func Unavailable(collaborator string, err error) *Error {
	return &Error{Code: ErrCodeUnavailable, Message: collaborator + " unavailable", Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or
// ErrCodeInternal for untyped errors.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// HTTPStatus maps err to a response status.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodeUnauthorized:
		return http.StatusForbidden
	case ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// GRPCCode maps err to a gRPC status code.
func GRPCCode(err error) codes.Code {
	switch CodeOf(err) {
	case "":
		return codes.OK
	case ErrCodeNotFound:
		return codes.NotFound
	case ErrCodeConflict:
		return codes.FailedPrecondition
	case ErrCodeInvalidInput:
		return codes.InvalidArgument
	case ErrCodeUnauthorized:
		return codes.PermissionDenied
	case ErrCodeUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}
