// Package apierror defines the error type returned to HTTP clients along with
// the concrete errors produced by the org billing endpoints.
package apierror

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is an error that carries the HTTP status and the message shown to the client.
// It may optionally wrap the underlying cause, which is logged but never exposed.
type Error struct {
	code    int
	message string
	cause   error
}

func New(code int, message string) *Error {
	return &Error{code: code, message: message}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%d %s: %s", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("%d %s", e.code, e.message)
}

func (e *Error) HTTPCode() int   { return e.code }
func (e *Error) Message() string { return e.message }
func (e *Error) Unwrap() error   { return e.cause }

// WithCause returns a copy of the error wrapping the given cause.
func (e *Error) WithCause(err error) *Error {
	return &Error{code: e.code, message: e.message, cause: err}
}

// IsClientError is true for 4xx errors i.e. the request won't succeed if retried as-is.
func (e *Error) IsClientError() bool { return e.code >= 400 && e.code < 500 }

// As is errors.As for API errors.
func As(err error) (*Error, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// 400 - the session_id parameter wasn't provided
func MissingSessionID() *Error {
	return New(http.StatusBadRequest, "Missing session_id")
}

// 400 - the payment processor couldn't resolve the session
func InvalidSessionID(cause error) *Error {
	return New(http.StatusBadRequest, "Invalid session_id").WithCause(cause)
}

func InvalidOrganizationID() *Error {
	return New(http.StatusBadRequest, "Invalid organization id")
}

func InvalidRequest(msg string) *Error {
	return New(http.StatusBadRequest, msg)
}

func Unauthorized() *Error {
	return New(http.StatusUnauthorized, "Unauthorized")
}

// 402 - checkout exists but hasn't been paid for
func PaymentRequired() *Error {
	return New(http.StatusPaymentRequired, "Payment required")
}

func Forbidden() *Error {
	return New(http.StatusForbidden, "Forbidden")
}

func CheckoutSessionNotFound() *Error {
	return New(http.StatusNotFound, "Checkout session not found")
}

func SubscriptionNotFound() *Error {
	return New(http.StatusNotFound, "Subscription not found")
}

// 404 - the org, its link to the checkout session, or the initiating member couldn't be resolved
func NotFound() *Error {
	return New(http.StatusNotFound, "Not found")
}

func MethodNotAllowed() *Error {
	return New(http.StatusMethodNotAllowed, "Method not allowed")
}

func Unavailable(msg string) *Error {
	return New(http.StatusServiceUnavailable, msg)
}
