package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/juju/clock"
)

// SandboxedTransport lets the runtime client negotiate and decode content encoding
// transparently and enforces the timeout with a timer that aborts the call.
type SandboxedTransport struct {
	clock clock.Clock
}

func NewSandboxedTransport(clk clock.Clock) *SandboxedTransport {
	if clk == nil {
		clk = clock.WallClock
	}
	return &SandboxedTransport{clock: clk}
}

func (*SandboxedTransport) Kind() Kind        { return KindSandboxed }
func (*SandboxedTransport) Compression() bool { return true }

func (s *SandboxedTransport) RoundTrip(ctx context.Context, rt http.RoundTripper, req *http.Request, timeout time.Duration) (*http.Response, error) {
	// the runtime only decodes what it negotiated itself
	if req.Header.Get("Accept-Encoding") != "" {
		req = req.Clone(req.Context())
		req.Header.Del("Accept-Encoding")
	}
	if timeout <= 0 {
		return rt.RoundTrip(req.WithContext(ctx))
	}
	cctx, cancel := context.WithCancelCause(ctx)
	timer := s.clock.AfterFunc(timeout, func() { cancel(ErrTimeout) })
	resp, err := rt.RoundTrip(req.WithContext(cctx))
	timer.Stop()
	if err != nil {
		cause := context.Cause(cctx)
		cancel(nil)
		if errors.Is(cause, ErrTimeout) {
			return nil, ErrTimeout
		}
		return nil, err
	}
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: func() { cancel(nil) }}
	return resp, nil
}

// DecodeBody is a passthrough: a gzip Content-Encoding left on the response was not
// negotiated by the runtime and is not decoded twice.
func (*SandboxedTransport) DecodeBody(resp *http.Response) (io.ReadCloser, error) {
	return resp.Body, nil
}

type cancelBody struct {
	io.ReadCloser
	once   sync.Once
	cancel func()
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.cancel)
	return err
}
