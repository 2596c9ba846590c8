// Package apierr defines the typed errors business services return to HTTP
// handlers. Each error carries the status code and the client-facing message.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a business-rule violation with a fixed status and message.
type Error struct {
	Status  int
	Message string
	Fields  map[string]string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Wrap attaches an underlying cause kept out of the client response.
func (e *Error) Wrap(cause error) *Error {
	cp := *e
	cp.cause = cause
	return &cp
}

// New builds an error with an arbitrary status.
func New(status int, message string) *Error {
	return &Error{Status: status, Message: message}
}

func BadRequest(message string) *Error   { return New(http.StatusBadRequest, message) }
func Unauthorized(message string) *Error { return New(http.StatusUnauthorized, message) }
func Forbidden(message string) *Error    { return New(http.StatusForbidden, message) }
func NotFound(message string) *Error     { return New(http.StatusNotFound, message) }
func Conflict(message string) *Error     { return New(http.StatusConflict, message) }
func Internal(message string) *Error     { return New(http.StatusInternalServerError, message) }

// Validation reports field level problems with the fixed envelope message.
func Validation(fields map[string]string) *Error {
	return &Error{Status: http.StatusBadRequest, Message: "Validation failed", Fields: fields}
}

// As extracts an *Error from err.
func As(err error) (*Error, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// StatusOf returns the status carried by err, or 500.
func StatusOf(err error) int {
	if apiErr, ok := As(err); ok {
		return apiErr.Status
	}
	return http.StatusInternalServerError
}
