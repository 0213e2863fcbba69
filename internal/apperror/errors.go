// Package apperror defines the error taxonomy shared by the service layer
// and its translation into HTTP responses.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an application error
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuthentication
	KindForbidden
	KindNotFound
	KindDuplicate
	KindInvalidState
	KindUpstreamGateway
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthentication:
		return "authentication"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindDuplicate:
		return "duplicate"
	case KindInvalidState:
		return "invalid_state"
	case KindUpstreamGateway:
		return "upstream_gateway"
	default:
		return "internal"
	}
}

// Error is a classified application error
type Error struct {
	Kind    Kind
	Message string
	// Fields maps request field names to messages for validation failures
	Fields map[string]string
	// Details carries an upstream payload, e.g. the gateway's rejection body
	Details interface{}
	// Status overrides the default HTTP status of the kind when non-zero
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the error to a response status code
func (e *Error) HTTPStatus() int {
	if e.Status != 0 {
		return e.Status
	}
	switch e.Kind {
	case KindValidation, KindDuplicate, KindInvalidState, KindUpstreamGateway:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Validation builds a validation error with per-field messages
func Validation(message string, fields map[string]string) *Error {
	return &Error{Kind: KindValidation, Message: message, Fields: fields}
}

// InvalidField is a validation error for a single field
func InvalidField(field, message string) *Error {
	return Validation("validation failed", map[string]string{field: message})
}

func Authentication(message string) *Error {
	return &Error{Kind: KindAuthentication, Message: message}
}

func Forbidden(message string) *Error {
	return &Error{Kind: KindForbidden, Message: message}
}

// NotFound reports a missing resource, or one the caller may not see
func NotFound(resource string) *Error {
	return &Error{Kind: KindNotFound, Message: resource + " not found"}
}

func Duplicate(message string) *Error {
	return &Error{Kind: KindDuplicate, Message: message}
}

func InvalidState(message string) *Error {
	return &Error{Kind: KindInvalidState, Message: message}
}

// Upstream wraps a payment gateway failure. A nil details payload means
// the gateway could not be reached and maps to 502.
func Upstream(message string, details interface{}, err error) *Error {
	e := &Error{Kind: KindUpstreamGateway, Message: message, Details: details, Err: err}
	if details == nil {
		e.Status = http.StatusBadGateway
	}
	return e
}

// Internal wraps an unexpected failure
func Internal(message string, err error) *Error {
	return &Error{Kind: KindInternal, Message: message, Err: err}
}

// As extracts an *Error from err
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Is reports whether err is an application error of the given kind
func Is(err error, kind Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == kind
}
