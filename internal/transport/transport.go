package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

// Kind selects a Transport variant.
type Kind string

const (
	// KindNode dispatches over plain sockets and decodes gzip itself.
	KindNode Kind = "node"
	// KindSandboxed relies on the runtime's client for content decoding and has no
	// socket-level timeout.
	KindSandboxed Kind = "sandboxed"
)

// ParseKind maps a user-supplied name to a Kind, defaulting to KindNode.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case "", KindNode:
		return KindNode, nil
	case KindSandboxed, "net", "electron":
		return KindSandboxed, nil
	}
	return "", fmt.Errorf("unknown transport kind %q", s)
}

// Transport performs one hop. Each variant owns its timeout and decompression semantics.
type Transport interface {
	Kind() Kind
	// Compression reports whether agents for this variant let the runtime negotiate
	// and decode content encoding.
	Compression() bool
	// RoundTrip sends req through rt; timeout applies to this attempt only.
	RoundTrip(ctx context.Context, rt http.RoundTripper, req *http.Request, timeout time.Duration) (*http.Response, error)
	// DecodeBody returns resp's body with content decoding applied exactly once.
	DecodeBody(resp *http.Response) (io.ReadCloser, error)
}

// ErrTimeout marks an attempt that exceeded its timeout.
var ErrTimeout = errors.New("transport: attempt timed out")

// IsTimeout reports whether err is an attempt or socket timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, ErrTimeout) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// ProxyAuthRequiredError is returned when a proxy rejects a CONNECT with 407.
type ProxyAuthRequiredError struct {
	ProxyURL *url.URL
	Header   http.Header
}

func (e *ProxyAuthRequiredError) Error() string {
	return fmt.Sprintf("proxy %s requires authentication", e.ProxyURL.Redacted())
}

type proxyAuthKey struct{}

// WithProxyAuthorization attaches a Proxy-Authorization value for the agent to send,
// either on the CONNECT request or on a plain HTTP request through the proxy.
func WithProxyAuthorization(ctx context.Context, value string) context.Context {
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, proxyAuthKey{}, value)
}

// ProxyAuthorization returns the value set by WithProxyAuthorization.
func ProxyAuthorization(ctx context.Context) string {
	v, _ := ctx.Value(proxyAuthKey{}).(string)
	return v
}
