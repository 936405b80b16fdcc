package rpc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrNotFound means the height is beyond the node's head at query time.
	// It signals "not yet available", not a confirmed missing slot.
	ErrNotFound = errors.New("block not found")

	// ErrMalformed marks a response that could not be decoded.
	ErrMalformed = errors.New("malformed response")

	// ErrHeightMismatch marks a block whose number differs from the requested height.
	ErrHeightMismatch = errors.New("height mismatch")
)

// EndpointError carries the endpoint and the raw fault of a failed RPC call.
type EndpointError struct {
	Endpoint string
	Method   string
	Err      error
}

func (e *EndpointError) Error() string {
	return fmt.Sprintf("rpc %s %s: %v", e.Endpoint, e.Method, e.Err)
}

func (e *EndpointError) Unwrap() error {
	return e.Err
}

// Transient reports whether retrying the call may succeed. Application-level
// errors, malformed data and cancellation are final.
func (e *EndpointError) Transient() bool {
	switch {
	case isRPCError(e.Err),
		errors.Is(e.Err, ErrMalformed),
		errors.Is(e.Err, ErrHeightMismatch),
		errors.Is(e.Err, context.Canceled):
		return false
	}
	return true
}

// IsTransient reports whether err is a retryable *EndpointError.
func IsTransient(err error) bool {
	var epErr *EndpointError
	return errors.As(err, &epErr) && epErr.Transient()
}

// RPCError is an RPC-specific error.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

func isRPCError(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr)
}

// HTTPStatusError represents an HTTP-level error (non-2xx status).
type HTTPStatusError struct {
	StatusCode int
	RetryAfter time.Duration
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("HTTP %d: %s (body: %s)", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// IsRetryable returns true if this HTTP error should be retried.
func (e *HTTPStatusError) IsRetryable() bool {
	// 429 Too Many Requests, 502 Bad Gateway, 503 Service Unavailable, 504 Gateway Timeout
	return e.StatusCode == 429 || e.StatusCode == 502 ||
		e.StatusCode == 503 || e.StatusCode == 504
}

func isRetryableHTTPError(err error) bool {
	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) {
		return httpErr.IsRetryable()
	}
	return false
}

func getRetryDelay(err error, defaultBackoff time.Duration) time.Duration {
	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) && httpErr.RetryAfter > 0 {
		return httpErr.RetryAfter
	}
	return defaultBackoff
}
