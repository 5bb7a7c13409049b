package request

import (
	"fmt"
	"time"

	"github.com/loykin/proxyfetch/internal/auth"
)

// TransportError is a connection-level failure (DNS, connect, TLS, proxy).
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("request %s failed: %v", e.URL, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// TimeoutError is returned when a single hop exceeds its timeout.
type TimeoutError struct {
	URL     string
	Timeout time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %s timed out after %s", e.URL, e.Timeout)
}
func (e *TimeoutError) Unwrap() error { return e.Err }

// CancelledError is returned when the caller's context is cancelled.
type CancelledError struct {
	URL string
	Err error
}

func (e *CancelledError) Error() string { return fmt.Sprintf("request %s cancelled", e.URL) }
func (e *CancelledError) Unwrap() error { return e.Err }

// AuthNegotiationFailure is logged by the executor and never returned; the
// caller sees the original 407 instead.
type AuthNegotiationFailure = auth.NegotiationFailure

// ResponseParseError carries the payload that could not be decoded.
type ResponseParseError struct {
	Payload []byte
	Err     error
}

func (e *ResponseParseError) Error() string {
	p := string(e.Payload)
	if len(p) > 256 {
		p = p[:256] + "..."
	}
	return fmt.Sprintf("response is not valid JSON: %v: %s", e.Err, p)
}
func (e *ResponseParseError) Unwrap() error { return e.Err }

// StatusError reports a non-2xx response.
type StatusError struct {
	Status int
	URL    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d for %s", e.Status, e.URL)
}
