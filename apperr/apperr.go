// Package apperr defines the proxy's error taxonomy: a small set of typed
// errors that every handler returns instead of writing gin.H responses
// inline, so status codes and client-facing messages stay consistent across
// the whole API surface.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an Error into the handful of response shapes the API
// surface needs.
type Kind int

const (
	// KindUnauthorized means the caller presented no credentials, or
	// credentials that didn't resolve to a session (401).
	KindUnauthorized Kind = iota
	// KindForbidden means the caller is authenticated but not permitted to
	// perform this action (403).
	KindForbidden
	// KindNotFound means the referenced resource doesn't exist, or doesn't
	// resolve for this caller (404).
	KindNotFound
	// KindBadRequest means the request itself is malformed (400).
	KindBadRequest
	// KindConflict means the request collided with concurrent state, e.g.
	// a unique-constraint violation (409).
	KindConflict
	// KindUpstreamGateway means every federated server failed to satisfy
	// the request (502).
	KindUpstreamGateway
	// KindTransient means an internal operation failed in a way that may
	// succeed on retry, e.g. storage contention exhausted its retries (500,
	// with a transient marker in the response body).
	KindTransient
	// KindInternal is an unclassified server-side failure (500).
	KindInternal
)

// statusCodes maps each Kind to its HTTP status.
var statusCodes = map[Kind]int{
	KindUnauthorized:    http.StatusUnauthorized,
	KindForbidden:       http.StatusForbidden,
	KindNotFound:        http.StatusNotFound,
	KindBadRequest:      http.StatusBadRequest,
	KindConflict:        http.StatusConflict,
	KindUpstreamGateway: http.StatusBadGateway,
	KindTransient:       http.StatusInternalServerError,
	KindInternal:        http.StatusInternalServerError,
}

// Error is the typed error every handler should return up the call stack.
// Message is safe to show to a client; the wrapped error (if any) is logged
// but never serialized.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Status returns the HTTP status code for this error's Kind.
func (e *Error) Status() int {
	if code, ok := statusCodes[e.Kind]; ok {
		return code
	}
	return http.StatusInternalServerError
}

// Transient reports whether the client should be told this failure may
// succeed if retried.
func (e *Error) Transient() bool { return e.Kind == KindTransient }

func newf(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// Unauthorized builds a 401 Error.
func Unauthorized(format string, args ...interface{}) *Error {
	return newf(KindUnauthorized, nil, format, args...)
}

// Forbidden builds a 403 Error.
func Forbidden(format string, args ...interface{}) *Error {
	return newf(KindForbidden, nil, format, args...)
}

// NotFound builds a 404 Error.
func NotFound(format string, args ...interface{}) *Error {
	return newf(KindNotFound, nil, format, args...)
}

// BadRequest builds a 400 Error, optionally wrapping a validation error.
func BadRequest(err error, format string, args ...interface{}) *Error {
	return newf(KindBadRequest, err, format, args...)
}

// Conflict builds a 409 Error.
func Conflict(err error, format string, args ...interface{}) *Error {
	return newf(KindConflict, err, format, args...)
}

// UpstreamGateway builds a 502 Error for a federation-wide failure.
func UpstreamGateway(err error, format string, args ...interface{}) *Error {
	return newf(KindUpstreamGateway, err, format, args...)
}

// Transient builds a 500 Error that's safe to retry.
func Transient(err error, format string, args ...interface{}) *Error {
	return newf(KindTransient, err, format, args...)
}

// Internal builds an unclassified 500 Error, wrapping the underlying cause.
func Internal(err error, format string, args ...interface{}) *Error {
	return newf(KindInternal, err, format, args...)
}

// As extracts an *Error from err via errors.As, for handlers that need to
// branch on Kind explicitly rather than just rendering the response.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
