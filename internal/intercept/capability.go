package intercept

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/go-resty/resty/v2"

	"github.com/loykin/proxyfetch/internal/request"
	"github.com/loykin/proxyfetch/internal/transport"
)

// CapabilitySet is the network surface handed to one extension.
type CapabilitySet struct {
	Extension  string
	HTTPClient *http.Client
	Resty      *resty.Client
	TLSConfig  *tls.Config
	Dialer     *net.Dialer

	fetch func(ctx context.Context, ext string, r FetchRequest) (*FetchResponse, error)
}

// Fetch performs a fetch-style request on behalf of the extension.
func (c *CapabilitySet) Fetch(ctx context.Context, r FetchRequest) (*FetchResponse, error) {
	return c.fetch(ctx, c.Extension, r)
}

// DialTLS opens a TLS connection verified against the set's trust bundle.
func (c *CapabilitySet) DialTLS(ctx context.Context, network, addr string) (net.Conn, error) {
	d := &tls.Dialer{NetDialer: c.Dialer, Config: c.TLSConfig}
	return d.DialContext(ctx, network, addr)
}

// executorTransport adapts the request executor to http.RoundTripper. The
// http.Client on top of it follows redirects itself.
type executorTransport struct {
	exec     Executor
	kind     transport.Kind
	original http.RoundTripper
	bypass   func() bool
}

func (t *executorTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.bypass != nil && t.bypass() {
		return t.original.RoundTrip(req)
	}
	var body []byte
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, err
		}
		body = b
	}
	d := request.Descriptor{
		Method:        req.Method,
		URL:           req.URL.String(),
		Header:        req.Header.Clone(),
		Body:          body,
		TransportKind: t.kind,
	}
	if d.Method == "" {
		d.Method = http.MethodGet
	}
	resp, err := t.exec.Execute(req.Context(), d)
	if err != nil {
		return nil, err
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", resp.Status, http.StatusText(resp.Status)),
		StatusCode:    resp.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        resp.Header,
		Body:          resp.Body,
		ContentLength: -1,
		Request:       req,
	}, nil
}

func readBody(resp *request.Response) ([]byte, error) {
	defer func() { _ = resp.Body.Close() }()
	var buf bytes.Buffer
	_, err := io.Copy(&buf, resp.Body)
	return buf.Bytes(), err
}
