package retry

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Common errors returned by the retry helpers.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrInterrupted is returned when the dispatch context ends while waiting
	// for a limiter slot or sleeping between attempts.
	ErrInterrupted = errors.New("dispatch interrupted")
)

// ErrorClass represents a classification of remote call failures.
type ErrorClass string

const (
	// ErrorClassRateLimit represents 429 / quota-exceeded responses.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassTimeout represents per-request timeouts and 408/504 responses.
	ErrorClassTimeout ErrorClass = "timeout"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassNetwork represents transport-level failures.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassClient represents malformed or unsupported requests (4xx).
	ErrorClassClient ErrorClass = "client"

	// ErrorClassAuth represents authentication/authorization failures.
	ErrorClassAuth ErrorClass = "auth"

	// ErrorClassNotFound represents missing remote or local resources.
	ErrorClassNotFound ErrorClass = "not_found"

	// ErrorClassSchema represents a response that failed output validation.
	ErrorClassSchema ErrorClass = "schema"

	// ErrorClassCanceled represents a call abandoned because its context was canceled.
	ErrorClassCanceled ErrorClass = "canceled"

	// ErrorClassUnknown represents an error nothing else matched.
	ErrorClassUnknown ErrorClass = "unknown"
)

// ServiceError is returned when the remote service answered with an error
// status or the transport failed before an answer arrived.
type ServiceError struct {
	StatusCode int
	ErrorClass ErrorClass
	Message    string

	// RetryAfter is the server-supplied wait hint; zero when absent.
	RetryAfter time.Duration

	Err error
}

// Error implements the error interface.
func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("service %s error (status %d): %s: %v",
			e.ErrorClass, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("service %s error (status %d): %s",
		e.ErrorClass, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// NewStatusError builds a ServiceError from an HTTP response status and headers.
// The body excerpt becomes the message.
func NewStatusError(statusCode int, header http.Header, body string) *ServiceError {
	msg := body
	if msg == "" {
		msg = http.StatusText(statusCode)
	}
	return &ServiceError{
		StatusCode: statusCode,
		ErrorClass: ClassFromStatus(statusCode),
		Message:    msg,
		RetryAfter: ParseRetryAfter(header, time.Now()),
	}
}

// RequestError is a fatal problem with the request itself: malformed payload,
// missing or unreadable attachment, unsupported resource, bad credentials.
// It is never retried.
type RequestError struct {
	ErrorClass ErrorClass
	Reason     string
	Err        error
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fatal request error (%s): %s: %v", e.ErrorClass, e.Reason, e.Err)
	}
	return fmt.Sprintf("fatal request error (%s): %s", e.ErrorClass, e.Reason)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *RequestError) Unwrap() error {
	return e.Err
}

// NewRequestError wraps err as a RequestError of the given class.
func NewRequestError(class ErrorClass, reason string, err error) error {
	return &RequestError{ErrorClass: class, Reason: reason, Err: err}
}

// SchemaError reports that a response did not parse against the expected
// output schema.
type SchemaError struct {
	Err error
}

// Error implements the error interface.
func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema validation failed: %v", e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *SchemaError) Unwrap() error {
	return e.Err
}

// ClassFromStatus maps an HTTP status code to an ErrorClass.
func ClassFromStatus(statusCode int) ErrorClass {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case statusCode == http.StatusRequestTimeout, statusCode == http.StatusGatewayTimeout:
		return ErrorClassTimeout
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		return ErrorClassAuth
	case statusCode == http.StatusNotFound, statusCode == http.StatusGone:
		return ErrorClassNotFound
	case statusCode >= 400 && statusCode < 500:
		return ErrorClassClient
	case statusCode >= 500:
		return ErrorClassServer
	default:
		return ErrorClassUnknown
	}
}

// RetryAfterOf returns the server-supplied retry hint carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}
