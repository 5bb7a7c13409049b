package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/loykin/proxyfetch/internal/constants"
)

// NodeTransport enforces the timeout as a socket idle deadline and decodes gzip
// bodies itself; its agents never ask the runtime to decompress. Until a
// connection is obtained (dial, CONNECT, TLS handshake) the same timeout bounds
// the whole setup.
type NodeTransport struct{}

func NewNodeTransport() *NodeTransport { return &NodeTransport{} }

func (*NodeTransport) Kind() Kind        { return KindNode }
func (*NodeTransport) Compression() bool { return false }

func (*NodeTransport) RoundTrip(ctx context.Context, rt http.RoundTripper, req *http.Request, timeout time.Duration) (*http.Response, error) {
	if timeout <= 0 {
		return rt.RoundTrip(req.WithContext(ctx))
	}
	cctx, cancel := context.WithCancelCause(ctx)
	setup := time.AfterFunc(timeout, func() { cancel(ErrTimeout) })
	d := &deadlineConn{timeout: timeout}
	trace := &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			setup.Stop()
			d.attach(info.Conn)
		},
	}
	resp, err := rt.RoundTrip(req.WithContext(httptrace.WithClientTrace(cctx, trace)))
	setup.Stop()
	if err != nil {
		d.clear()
		cause := context.Cause(cctx)
		cancel(nil)
		if errors.Is(cause, ErrTimeout) {
			return nil, ErrTimeout
		}
		return nil, err
	}
	resp.Body = &deadlineBody{ReadCloser: resp.Body, conn: d, cancel: func() { cancel(nil) }}
	return resp, nil
}

func (*NodeTransport) DecodeBody(resp *http.Response) (io.ReadCloser, error) {
	if !strings.EqualFold(strings.TrimSpace(resp.Header.Get(constants.HeaderContentEncoding)), "gzip") {
		return resp.Body, nil
	}
	zr, err := gzip.NewReader(resp.Body)
	if err != nil {
		if err == io.EOF {
			// empty body with a gzip header
			return resp.Body, nil
		}
		_ = resp.Body.Close()
		return nil, err
	}
	resp.Header.Del(constants.HeaderContentEncoding)
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	return &gzipBody{zr: zr, src: resp.Body}, nil
}

type gzipBody struct {
	zr  *gzip.Reader
	src io.ReadCloser
}

func (g *gzipBody) Read(p []byte) (int, error) { return g.zr.Read(p) }

func (g *gzipBody) Close() error {
	zerr := g.zr.Close()
	if err := g.src.Close(); err != nil {
		return err
	}
	return zerr
}

// deadlineConn tracks the connection serving one attempt.
type deadlineConn struct {
	timeout time.Duration
	mu      sync.Mutex
	conn    net.Conn
}

func (d *deadlineConn) attach(c net.Conn) {
	d.mu.Lock()
	d.conn = c
	d.mu.Unlock()
	d.refresh()
}

func (d *deadlineConn) refresh() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		_ = d.conn.SetDeadline(time.Now().Add(d.timeout))
	}
}

func (d *deadlineConn) clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		_ = d.conn.SetDeadline(time.Time{})
		d.conn = nil
	}
}

// deadlineBody pushes the idle deadline forward on every read and releases it once
// the body is done so the pooled connection is left without one.
type deadlineBody struct {
	io.ReadCloser
	conn   *deadlineConn
	once   sync.Once
	cancel func()
}

func (b *deadlineBody) Read(p []byte) (int, error) {
	b.conn.refresh()
	n, err := b.ReadCloser.Read(p)
	if err == io.EOF {
		b.conn.clear()
	}
	return n, err
}

func (b *deadlineBody) Close() error {
	b.conn.clear()
	err := b.ReadCloser.Close()
	b.once.Do(b.cancel)
	return err
}
