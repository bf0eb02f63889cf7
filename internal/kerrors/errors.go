// Package kerrors defines the discriminated error kinds surfaced to
// callers of kestrel, with chainable builders for attaching a cause,
// an HTTP response, and retry metadata.
package kerrors

import (
	"fmt"
	"net/http"
	"time"
)

// Kind discriminates the error cases kestrel can surface. It is not a Go
// error type by itself; Error carries one.
type Kind int

const (
	KindUnknown Kind = iota
	KindHTTPResponse
	KindContentType
	KindTimeout
	KindBulkheadRejected
	KindBrokenCircuit
	KindAborted
	KindNetwork
	KindNoUpdate
	KindClientClosed
	KindUnsupportedOption
)

func (k Kind) String() string {
	switch k {
	case KindHTTPResponse:
		return "HttpResponseError"
	case KindContentType:
		return "ContentTypeError"
	case KindTimeout:
		return "TimeoutError"
	case KindBulkheadRejected:
		return "BulkheadRejected"
	case KindBrokenCircuit:
		return "BrokenCircuit"
	case KindAborted:
		return "Aborted"
	case KindNetwork:
		return "NetworkError"
	case KindNoUpdate:
		return "NoUpdate"
	case KindClientClosed:
		return "ClientClosed"
	case KindUnsupportedOption:
		return "UnsupportedOption"
	default:
		return "Unknown"
	}
}

// ResponseInfo is the HTTP context attached to an HTTPResponse-kind Error.
type ResponseInfo struct {
	Endpoint   string
	Method     string
	Status     int
	StatusText string
	Headers    http.Header
}

// Error is the single concrete error type returned by the client, the
// resilience pipeline and the caching coordinator. Cache backends return
// plain errors (such as cache.ErrNotFound).
type Error struct {
	Kind     Kind
	Message  string
	Response *ResponseInfo
	Retry    time.Duration // non-zero hint: retry-after / reset-after, when known
	cause    error
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Response != nil {
		msg = fmt.Sprintf("%s (status=%d endpoint=%s method=%s)", msg, e.Response.Status, e.Response.Endpoint, e.Response.Method)
	}
	if e.cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.cause)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

func (e *Error) WithResponse(r *ResponseInfo) *Error {
	e.Response = r
	return e
}

func (e *Error) WithRetry(d time.Duration) *Error {
	e.Retry = d
	return e
}

// Is makes errors.Is match by Kind when the target is an *Error, e.g.
// errors.Is(err, kerrors.New(kerrors.KindTimeout, "")). A bare Kind is not
// an error and cannot be used as the target; IsKind covers that case.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

func IsKind(err error, kind Kind) bool {
	var kerr *Error
	for err != nil {
		if k, ok := err.(*Error); ok {
			kerr = k
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return kerr != nil && kerr.Kind == kind
}

// Retryable reports whether the error kind is one the retry policy (§4.1.4)
// is permitted to recover: timeouts, retriable HTTP responses (caller
// classifies status/method before constructing the error) and network
// failures.
func Retryable(err error) bool {
	return IsKind(err, KindTimeout) || IsKind(err, KindHTTPResponse) || IsKind(err, KindNetwork)
}
