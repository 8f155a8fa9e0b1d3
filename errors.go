package reqpipe

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	pkgerrors "github.com/JohnPlummer/jp-go-errors"
)

// Kind classifies a failed request.
type Kind string

const (
	// KindNetwork means no response was received: connection failures, timeouts,
	// and an open circuit breaker.
	KindNetwork Kind = "network"

	// KindCancelled means the request was superseded by an identical one or aborted
	// by its caller. It is an expected outcome, not a fault.
	KindCancelled Kind = "cancelled"

	// KindHTTP is a generic non-2xx response.
	KindHTTP Kind = "http"

	// KindValidation is a 400 response, usually with per-field messages.
	KindValidation Kind = "validation"

	// KindAuth is a 401 response or a missing/expired credential.
	KindAuth Kind = "auth"

	// KindServer is a 5xx response.
	KindServer Kind = "server"

	// KindMaxRetryExceeded means the retry budget ran out on a transient failure.
	KindMaxRetryExceeded Kind = "max_retry_exceeded"
)

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrNetwork          = &Error{Kind: KindNetwork}
	ErrCancelled        = &Error{Kind: KindCancelled}
	ErrHTTP             = &Error{Kind: KindHTTP}
	ErrValidation       = &Error{Kind: KindValidation}
	ErrAuth             = &Error{Kind: KindAuth}
	ErrServer           = &Error{Kind: KindServer}
	ErrMaxRetryExceeded = &Error{Kind: KindMaxRetryExceeded}
)

var (
	// ErrCircuitOpen is returned while the circuit breaker rejects calls.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrTokenExpired is reported by a credential source holding an expired token.
	ErrTokenExpired = errors.New("access token expired")

	// ErrNoToken is reported when no credential is stored. Requests go out anonymously.
	ErrNoToken = errors.New("no access token")
)

// ErrorContext identifies the request an error belongs to.
type ErrorContext struct {
	Method    string `json:"method"`
	URL       string `json:"url"`
	Key       string `json:"key,omitempty"`
	RequestID string `json:"requestId,omitempty"`
	Attempts  int    `json:"attempts"`
}

// Error is the normalized rejection returned by the pipeline.
type Error struct {
	Kind        Kind
	Status      int
	Message     string
	FieldErrors map[string]string
	Context     ErrorContext
	Err         error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s (%d): %s", e.Kind, e.Status, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind. A target with a zero Status matches
// any status.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Status == 0 || t.Status == e.Status
}

// StatusCode returns the response status, or 0 when no response was received.
func (e *Error) StatusCode() int {
	return e.Status
}

// HTTPError represents an error with an associated HTTP status code.
type HTTPError interface {
	error
	StatusCode() int
}

// StatusError is returned by transports when the server answered with a failure,
// either through the HTTP status or through the business code of the JSON envelope.
type StatusError struct {
	Code        int
	Message     string
	FieldErrors map[string]string
	Body        []byte

	// Business is set when the HTTP exchange succeeded and the envelope's business
	// code reported the failure. The server has processed the request, so it is
	// final and never retried.
	Business bool
}

// NewStatusError creates a StatusError.
//
// Example:
//
//	return nil, reqpipe.NewStatusError(http.StatusServiceUnavailable, "maintenance")
func NewStatusError(code int, message string) *StatusError {
	return &StatusError{Code: code, Message: message}
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("status %d", e.Code)
	}
	return fmt.Sprintf("status %d: %s", e.Code, e.Message)
}

// StatusCode returns the status code. This implements the HTTPError interface.
func (e *StatusError) StatusCode() int {
	return e.Code
}

// businessFailure reports whether err was rejected by an envelope business code.
func businessFailure(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Business
}

// extractStatusCode returns the status carried by err, or 0 if it has none.
func extractStatusCode(err error) int {
	var httpErr HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode()
	}
	return 0
}

func serverMessage(err error) (string, map[string]string) {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Message, se.FieldErrors
	}
	return "", nil
}

var statusMessages = map[int]string{
	http.StatusBadRequest:          "invalid request parameters",
	http.StatusUnauthorized:        "session expired, please log in again",
	http.StatusForbidden:           "access denied",
	http.StatusNotFound:            "requested resource not found",
	http.StatusMethodNotAllowed:    "request method not allowed",
	http.StatusRequestTimeout:      "request timed out",
	http.StatusConflict:            "resource conflict",
	http.StatusTooManyRequests:     "too many requests, please try again later",
	http.StatusInternalServerError: "internal server error",
	http.StatusBadGateway:          "bad gateway",
	http.StatusServiceUnavailable:  "service unavailable",
	http.StatusGatewayTimeout:      "gateway timeout",
}

const (
	msgTimeout     = "request timed out, please check your network connection"
	msgNetwork     = "network connection failed, please check your network"
	msgCircuitOpen = "service temporarily unavailable, please try again later"
	msgRepeated    = "request failed repeatedly, please try again later"
	msgNotLoggedIn = "not logged in or session expired"
)

// classify turns any failure into an *Error carrying ctx. Errors that are already
// classified keep their kind.
func classify(err error, ec ErrorContext) *Error {
	var typed *Error
	if errors.As(err, &typed) {
		out := *typed
		out.Context = ec
		return &out
	}

	if errors.Is(err, ErrTokenExpired) {
		return &Error{Kind: KindAuth, Status: http.StatusUnauthorized, Message: msgNotLoggedIn, Context: ec, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindCancelled, Message: "request cancelled", Context: ec, Err: err}
	}
	// Timeouts count as "no response" whatever status the timeout error reports.
	if pkgerrors.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindNetwork, Message: msgTimeout, Context: ec, Err: err}
	}
	if errors.Is(err, ErrCircuitOpen) {
		return &Error{Kind: KindNetwork, Message: msgCircuitOpen, Context: ec, Err: err}
	}

	status := extractStatusCode(err)
	if status == 0 {
		return &Error{Kind: KindNetwork, Message: msgNetwork, Context: ec, Err: err}
	}

	msg, fields := serverMessage(err)
	if msg == "" {
		msg = statusMessages[status]
	}

	e := &Error{Status: status, Message: msg, Context: ec, Err: err}
	switch {
	case status == http.StatusBadRequest:
		e.Kind = KindValidation
		e.FieldErrors = fields
	case status == http.StatusUnauthorized:
		e.Kind = KindAuth
	case status >= http.StatusInternalServerError && status < 600:
		e.Kind = KindServer
		if e.Message == "" {
			e.Message = fmt.Sprintf("server error (%d)", status)
		}
	default:
		e.Kind = KindHTTP
		if e.Message == "" {
			e.Message = fmt.Sprintf("request failed (%d)", status)
		}
	}
	return e
}

// maxRetryExceeded wraps the last transient failure once the retry budget is spent.
func maxRetryExceeded(last error, attempts int) *Error {
	return &Error{
		Kind:    KindMaxRetryExceeded,
		Status:  extractStatusCode(last),
		Message: msgRepeated,
		Context: ErrorContext{Attempts: attempts},
		Err:     last,
	}
}

// cancelledError is the cancellation cause attached to superseded requests.
func cancelledError(reason string) *Error {
	return &Error{Kind: KindCancelled, Message: reason}
}

// FormatError returns the user-facing message of err.
func FormatError(err error) string {
	if err == nil {
		return ""
	}
	var typed *Error
	if errors.As(err, &typed) && typed.Message != "" {
		return typed.Message
	}
	if msg, _ := serverMessage(err); msg != "" {
		return msg
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return "unknown error"
}

// FieldErrors returns the per-field validation messages carried by err, if any.
//
// Example:
//
//	if errors.Is(err, reqpipe.ErrValidation) {
//	    for field, msg := range reqpipe.FieldErrors(err) {
//	        form.SetError(field, msg)
//	    }
//	}
func FieldErrors(err error) map[string]string {
	var typed *Error
	if errors.As(err, &typed) && len(typed.FieldErrors) > 0 {
		return typed.FieldErrors
	}
	_, fields := serverMessage(err)
	return fields
}
