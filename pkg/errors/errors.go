// Package errors provides typed application errors and their RFC 7807 rendering
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Standard error functions
var (
	Is     = errors.Is
	As     = errors.As
	Join   = errors.Join
	Unwrap = errors.Unwrap
)

// Kinds used across the service
const (
	KindInvalidRequest = "InvalidRequest"
	KindUnavailable    = "Unavailable"
	KindInternal       = "Internal"
)

var (
	InvalidRequest = &Error{Kind: KindInvalidRequest, Status: http.StatusBadRequest, Message: "All fields are required"}
	Unavailable    = &Error{Kind: KindUnavailable, Status: http.StatusInternalServerError, Message: "Server Error"}
	Internal       = &Error{Kind: KindInternal, Status: http.StatusInternalServerError, Message: "Server Error"}
)

// FieldError represents a validation error for a specific field
type FieldError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Message string `json:"message,omitempty"`
}

func (f FieldError) Error() string {
	return fmt.Sprintf("%s (%s): %s", f.Field, f.Tag, f.Message)
}

// Error is a custom error type for passing more information
type Error struct {
	// Kind is the returned error type
	Kind string `json:"kind"`
	// Status is the HTTP status the kind maps to
	Status int `json:"-"`
	// Message is the human readable string that indicate the error
	Message string `json:"message"`
	// Fields used when there's validation error for a field.
	Fields []FieldError `json:"fields,omitempty"`

	cause error
}

var _ error = (*Error)(nil)

// Error implements error
func (e *Error) Error() string {
	str := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.cause != nil {
		str += fmt.Sprintf(" (%s)", e.cause)
	}
	return str
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Wrap returns a copy of the error with the cause set
func (e *Error) Wrap(cause error) *Error {
	err := *e
	err.cause = cause
	return &err
}

// Explain makes a copy of the error with given message
func (e *Error) Explain(message string, args ...any) *Error {
	err := *e
	err.Message = fmt.Sprintf(message, args...)
	return &err
}

// WithField returns a copy of error with one more field error appended.
func (e *Error) WithField(field, tag, message string) *Error {
	err := *e
	err.Fields = append(append([]FieldError(nil), e.Fields...), FieldError{Field: field, Tag: tag, Message: message})
	return &err
}

// Is matches on kind, so errors.Is(err, InvalidRequest) holds for every explained copy.
func (e *Error) Is(target error) bool {
	if e == nil {
		return target == nil
	}
	if other, ok := target.(*Error); ok {
		return other.Kind == e.Kind
	}
	return false
}

// StatusOf returns the HTTP status for err; unknown errors are 500.
func StatusOf(err error) int {
	var appErr *Error
	if As(err, &appErr) && appErr.Status != 0 {
		return appErr.Status
	}
	return http.StatusInternalServerError
}

// Problem type URIs
const (
	TypeInvalidRequest = "https://birdtrade.io/problems/invalid-request"
	TypeUnavailable    = "https://birdtrade.io/problems/storage-unavailable"
	TypeInternal       = "https://birdtrade.io/problems/internal-error"
)

// ProblemDetails represents an RFC 7807 Problem Details document
type ProblemDetails struct {
	Type     string       `json:"type"`
	Title    string       `json:"title"`
	Status   int          `json:"status"`
	Detail   string       `json:"detail,omitempty"`
	Instance string       `json:"instance,omitempty"`
	Errors   []FieldError `json:"errors,omitempty"`
}

// Error implements the error interface
func (p *ProblemDetails) Error() string {
	return p.Detail
}

// Problem converts any error into problem details for the given request path
func Problem(err error, instance string) *ProblemDetails {
	status := StatusOf(err)
	p := &ProblemDetails{
		Type:     TypeInternal,
		Title:    http.StatusText(status),
		Status:   status,
		Detail:   err.Error(),
		Instance: instance,
	}

	var appErr *Error
	if !As(err, &appErr) {
		return p
	}
	p.Detail = appErr.Message
	p.Errors = appErr.Fields
	switch appErr.Kind {
	case KindInvalidRequest:
		p.Type = TypeInvalidRequest
	case KindUnavailable:
		p.Type = TypeUnavailable
	}
	return p
}
